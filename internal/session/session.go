// Package session implements the SessionCoordinator component of
// spec.md §4.7: it owns the MetaInfo, PieceStore, PeerScorer and
// ChokeScheduler for one torrent, drives the tracker announce cycle,
// dials and accepts peer connections, and reacts to piece completion and
// corruption.
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gorent/bittorrent/internal/choke"
	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/internal/peerlink"
	"github.com/gorent/bittorrent/internal/pipeline"
	"github.com/gorent/bittorrent/internal/piecestore"
	"github.com/gorent/bittorrent/internal/scorer"
	"github.com/gorent/bittorrent/internal/tracker"
	"github.com/gorent/bittorrent/message"
	"github.com/gorent/bittorrent/metainfo"
)

// Config holds the knobs spec.md leaves to the implementer (§9).
type Config struct {
	ListenPort        int
	MaxPeers          int
	DiskWorkers       int
	CorruptBanStrikes int
	// EndgameThreshold switches every pipeline into endgame mode once this
	// many pieces remain incomplete (spec.md §4.4).
	EndgameThreshold int
	DefaultInterval  time.Duration
}

// DefaultConfig returns the constants spec.md §4 names or leaves open.
func DefaultConfig() Config {
	return Config{
		ListenPort:        6881,
		MaxPeers:          50,
		DiskWorkers:       4,
		CorruptBanStrikes: 3,
		EndgameThreshold:  20,
		DefaultInterval:   30 * time.Minute,
	}
}

// Session coordinates one torrent's download/upload lifecycle.
type Session struct {
	id      uuid.UUID
	mi      *metainfo.MetaInfo
	store   *piecestore.Store
	sc      *scorer.Scorer
	chk     *choke.Scheduler
	trk     *tracker.Client
	self    peerid.PeerID
	log     *logrus.Entry
	cfg     Config

	mu             sync.Mutex
	pipelines      map[peerid.PeerID]*pipeline.Pipeline
	cancelPeer     map[peerid.PeerID]context.CancelFunc
	corruptStrikes map[peerid.PeerID]int
	banned         map[peerid.PeerID]struct{}
	endgame        bool
	uploaded       int64
}

// New constructs a Session rooted at dir and announcing to trackerURLs.
func New(mi *metainfo.MetaInfo, dir string, trackerURLs []string, cfg Config, log *logrus.Entry) (*Session, error) {
	self, err := peerid.Generate()
	if err != nil {
		return nil, fmt.Errorf("session: generate peer id: %w", err)
	}
	store, err := piecestore.New(mi, dir, cfg.DiskWorkers, log)
	if err != nil {
		return nil, fmt.Errorf("session: open piece store: %w", err)
	}
	trk, err := tracker.New(trackerURLs, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("session: build tracker client: %w", err)
	}
	sc := scorer.New(scorer.DefaultConfig())
	id := uuid.New()
	return &Session{
		id:             id,
		mi:             mi,
		store:          store,
		sc:             sc,
		chk:            choke.New(sc, log),
		trk:            trk,
		self:           self,
		log:            log.WithField("torrent", mi.Name).WithField("session", id.String()),
		cfg:            cfg,
		pipelines:      make(map[peerid.PeerID]*pipeline.Pipeline),
		cancelPeer:     make(map[peerid.PeerID]context.CancelFunc),
		corruptStrikes: make(map[peerid.PeerID]int),
		banned:         make(map[peerid.PeerID]struct{}),
	}, nil
}

// ID returns this Session's unique instance identifier, generated fresh at
// startup. It correlates this run's log lines across a process that may
// hold several Sessions (one per concurrently downloading torrent), unlike
// the torrent's info-hash (shared by every Session handling the same
// torrent) or a peer id (scoped to one connection).
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Close releases the underlying piece store's file handles.
func (s *Session) Close() error {
	return s.store.Close()
}

// Bitfield returns the current completion bitfield.
func (s *Session) Bitfield() []byte {
	return s.store.Bitfield()
}

// NumPieces returns the torrent's piece count.
func (s *Session) NumPieces() int {
	return s.store.NumPieces()
}

// Missing returns how many pieces have not even been reserved from a peer
// yet (neither downloading nor complete).
func (s *Session) Missing() int {
	return s.store.Missing()
}

// Incomplete returns how many pieces are not yet verified and written to
// disk (missing or still in flight). A torrent is fully downloaded exactly
// when Incomplete reaches zero.
func (s *Session) Incomplete() int {
	return s.store.Incomplete()
}

// Run executes the full session lifecycle (spec.md §8 "startup sequence")
// until ctx is cancelled, then announces `stopped` and tears down every
// connection.
func (s *Session) Run(ctx context.Context) error {
	s.log.Info("session: verifying existing data on disk")
	if _, err := s.store.VerifyExisting(ctx); err != nil {
		return fmt.Errorf("session: verify existing: %w", err)
	}
	s.log.WithField("missing", s.store.Missing()).Info("session: verification complete")

	resp, err := s.trk.Announce(ctx, s.announceRequest(tracker.EventStarted))
	if err != nil {
		s.log.WithError(err).Warn("session: initial announce failed, continuing with no peers yet")
	} else {
		s.connectPeers(ctx, resp.Peers)
	}

	var listener net.Listener
	if s.cfg.ListenPort > 0 {
		listener, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.ListenPort)))
		if err != nil {
			s.log.WithError(err).Warn("session: failed to listen for inbound peers")
		} else {
			defer listener.Close()
			go s.acceptLoop(ctx, listener)
		}
	}

	chokeDone := make(chan struct{})
	go func() {
		s.chk.Run(ctx.Done())
		close(chokeDone)
	}()

	go s.drainStoreEvents(ctx)

	interval := resp.Interval
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}
	reannounce := time.NewTicker(interval)
	defer reannounce.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			<-chokeDone
			return nil
		case <-reannounce.C:
			r, err := s.trk.Announce(ctx, s.announceRequest(tracker.EventNone))
			if err != nil {
				s.log.WithError(err).Debug("session: re-announce failed")
				continue
			}
			s.connectPeers(ctx, r.Peers)
		}
	}
}

func (s *Session) announceRequest(ev tracker.Event) tracker.AnnounceRequest {
	bf := s.store.Bitfield()
	left := int64(0)
	for i := 0; i < s.store.NumPieces(); i++ {
		if !bf.CheckPiece(i) {
			left += s.store.PieceLen(i)
		}
	}
	return tracker.AnnounceRequest{
		InfoHash:   s.mi.InfoHash,
		PeerID:     s.self,
		Port:       uint16(s.cfg.ListenPort),
		Uploaded:   s.uploaded,
		Downloaded: s.mi.TotalLength - left,
		Left:       left,
		Event:      ev,
	}
}

func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.trk.Announce(ctx, s.announceRequest(tracker.EventStopped)); err != nil {
		s.log.WithError(err).Debug("session: stopped announce failed")
	}

	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancelPeer))
	for _, c := range s.cancelPeer {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (s *Session) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.WithError(err).Debug("session: accept failed")
				return
			}
		}
		go func() {
			link, err := peerlink.Accept(conn, s.self, s.mi.InfoHash, s.log)
			if err != nil {
				s.log.WithError(err).Debug("session: inbound handshake failed")
				return
			}
			s.adoptLink(ctx, link)
		}()
	}
}

// connectPeers dials up to the remaining peer budget from the given
// tracker-supplied endpoints.
func (s *Session) connectPeers(ctx context.Context, peers []tracker.Endpoint) {
	s.mu.Lock()
	budget := s.cfg.MaxPeers - len(s.pipelines)
	s.mu.Unlock()
	if budget <= 0 {
		return
	}

	for _, ep := range peers {
		if budget <= 0 {
			return
		}
		budget--
		go func(ep tracker.Endpoint) {
			dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			link, err := peerlink.Dial(dctx, ep.String(), s.self, s.mi.InfoHash, s.log)
			if err != nil {
				s.log.WithField("peer", ep.String()).WithError(err).Debug("session: dial failed")
				return
			}
			s.adoptLink(ctx, link)
		}(ep)
	}
}

// adoptLink registers a handshaken Link (outbound or inbound) as a live
// peer: a Pipeline, a ChokeScheduler entry, and a goroutine pumping its
// events into the session's endgame-cancellation logic.
func (s *Session) adoptLink(ctx context.Context, link *peerlink.Link) {
	s.mu.Lock()
	if _, already := s.pipelines[link.PeerID]; already {
		s.mu.Unlock()
		link.Close()
		return
	}
	if _, isBanned := s.banned[link.PeerID]; isBanned {
		s.mu.Unlock()
		link.Close()
		return
	}
	if len(s.pipelines) >= s.cfg.MaxPeers {
		s.mu.Unlock()
		link.Close()
		return
	}

	p := pipeline.New(link, s.store, s.sc, s.self, s.store.NumPieces(), s.log)
	peerCtx, cancel := context.WithCancel(ctx)
	s.pipelines[link.PeerID] = p
	s.cancelPeer[link.PeerID] = cancel
	endgame := s.endgame
	s.mu.Unlock()

	if endgame {
		p.SetEndgame(true)
	}
	s.chk.AddPeer(link.PeerID, p)

	bf := s.store.Bitfield()
	if len(bf) > 0 {
		link.Send(message.FormatBitfield(bf))
	}

	go func() {
		defer s.dropPeer(link.PeerID)
		go s.pumpEvents(link.PeerID, p)
		p.Run(peerCtx)
	}()
}

// pumpEvents drains one peer's Pipeline events, broadcasting endgame
// cancellation to every other connected peer the instant a block is
// delivered (spec.md §4.4: "race, cancel the losers").
func (s *Session) pumpEvents(self peerid.PeerID, p *pipeline.Pipeline) {
	for ev := range p.Events() {
		if ev.Kind != pipeline.BlockReceived {
			continue
		}
		s.mu.Lock()
		inEndgame := s.endgame
		others := make([]*pipeline.Pipeline, 0, len(s.pipelines))
		for id, other := range s.pipelines {
			if id == self {
				continue
			}
			others = append(others, other)
		}
		s.mu.Unlock()
		if !inEndgame {
			continue
		}
		for _, other := range others {
			other.CancelBlock(ev.Index, ev.Begin, ev.Length)
		}
	}
}

func (s *Session) dropPeer(id peerid.PeerID) {
	s.mu.Lock()
	delete(s.pipelines, id)
	delete(s.cancelPeer, id)
	s.mu.Unlock()
	s.chk.RemovePeer(id)
}

// drainStoreEvents handles PieceComplete (broadcast HAVE, recompute
// endgame) and PieceCorrupt (strike and ban) events from the PieceStore
// (spec.md §4.1/§4.7).
func (s *Session) drainStoreEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.store.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case piecestore.PieceComplete:
				s.broadcastHave(ev.PieceIndex)
				s.updateEndgame()
			case piecestore.PieceCorrupt:
				s.strikeCorrupt(ev.InvolvedPeers)
			}
		}
	}
}

func (s *Session) broadcastHave(index int) {
	s.mu.Lock()
	peers := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.AnnounceHave(index)
	}
}

func (s *Session) updateEndgame() {
	s.mu.Lock()
	wasEndgame := s.endgame
	shouldEndgame := s.store.Incomplete() <= s.cfg.EndgameThreshold
	s.endgame = shouldEndgame
	var peers []*pipeline.Pipeline
	if shouldEndgame != wasEndgame {
		for _, p := range s.pipelines {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.SetEndgame(shouldEndgame)
	}
}

// strikeCorrupt bans a peer after CorruptBanStrikes strikes (spec.md §7:
// "repeated corruption from the same peer is PeerMisbehavior").
func (s *Session) strikeCorrupt(peers []peerid.PeerID) {
	var toBan []peerid.PeerID
	s.mu.Lock()
	for _, id := range peers {
		s.corruptStrikes[id]++
		if s.corruptStrikes[id] >= s.cfg.CorruptBanStrikes {
			s.banned[id] = struct{}{}
			toBan = append(toBan, id)
		}
	}
	cancels := make([]context.CancelFunc, 0, len(toBan))
	for _, id := range toBan {
		if c, ok := s.cancelPeer[id]; ok {
			cancels = append(cancels, c)
		}
	}
	s.mu.Unlock()

	for _, id := range toBan {
		s.log.WithField("peer", id.String()[:8]).Warn("session: banning peer after repeated corrupt pieces")
	}
	for _, c := range cancels {
		c()
	}
}
