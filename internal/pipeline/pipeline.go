// Package pipeline implements the RequestPipeline component of spec.md
// §4.4: the sliding window of outstanding block requests to one connected,
// unchoked peer, including per-request timeouts and endgame racing. It
// also drives the symmetric upload path (serving blocks to peers we have
// unchoked), since both directions share the same per-peer message loop.
package pipeline

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gorent/bittorrent/helpers/bitfield"
	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/internal/peerlink"
	"github.com/gorent/bittorrent/internal/piecestore"
	"github.com/gorent/bittorrent/internal/scorer"
	"github.com/gorent/bittorrent/message"
)

const (
	// WindowSize is the sliding window W of spec.md §4.4.
	WindowSize = 50
	// RequestTimeout is the per-request timeout of spec.md §4.4.
	RequestTimeout = 30 * time.Second
	// SnubTimeout is how long an unchoked peer may deliver nothing before
	// it is considered snubbed (spec.md §4.6).
	SnubTimeout         = 60 * time.Second
	timeoutScanInterval = 5 * time.Second
)

// EventKind distinguishes the notifications Pipeline publishes to its
// owning SessionCoordinator.
type EventKind int

const (
	// BlockReceived fires whenever a PIECE message is processed, whether
	// or not it completed the piece; the coordinator uses it to drive
	// endgame cancellation of the same block at other peers.
	BlockReceived EventKind = iota
	InterestChanged
)

// Event is one notification from a Pipeline to the coordinator.
type Event struct {
	Kind                 EventKind
	Index, Begin, Length int
	Interested           bool
}

type blockKey struct {
	index, begin int
}

// Pipeline owns the request/response bookkeeping for one peer connection.
// It is driven by a single goroutine (Run) so none of its unexported state
// needs locking against itself; SetChoke, SetEndgame, CancelBlock, Snubbed
// and Interested are called from other goroutines (the ChokeScheduler and
// the coordinator), and they are implemented as commands funneled through
// that same goroutine.
type Pipeline struct {
	link  *peerlink.Link
	store *piecestore.Store
	sc    *scorer.Scorer
	self  peerid.PeerID
	log   *logrus.Entry

	numPieces int

	events chan Event
	cmds   chan func(*state)
}

// state is the mutable per-peer state, touched only on the Run goroutine.
type state struct {
	peerBitfield bitfield.Bitfield
	amChoking    bool
	amInterested bool
	peerChoking  bool
	peerInterest bool
	endgame      bool

	hasActivePiece bool
	activePiece    int
	// pending holds offsets of the active piece not currently in flight:
	// populated when a piece is first reserved, and re-populated with an
	// offset whenever its request times out, so a rescinded block is
	// retried instead of silently abandoned.
	pending []int64

	inFlight map[blockKey]time.Time

	lastBlockAt time.Time
}

// New creates a Pipeline for a just-handshaken link. am_choking starts
// true, am_interested false, peer_choking true, peer_interested false
// (spec.md §3).
func New(link *peerlink.Link, store *piecestore.Store, sc *scorer.Scorer, self peerid.PeerID, numPieces int, log *logrus.Entry) *Pipeline {
	sc.EnsurePeer(link.PeerID)
	return &Pipeline{
		link:      link,
		store:     store,
		sc:        sc,
		self:      self,
		log:       log,
		numPieces: numPieces,
		events:    make(chan Event, 64),
		cmds:      make(chan func(*state), 16),
	}
}

// Events yields BlockReceived/InterestChanged notifications for the
// coordinator to act on.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// SetChoke controls whether we choke this peer's upload requests
// (reciprocation decision made by ChokeScheduler). Safe to call from any
// goroutine.
func (p *Pipeline) SetChoke(choke bool) {
	p.enqueue(func(st *state) {
		if st.amChoking == choke {
			return
		}
		st.amChoking = choke
		if choke {
			p.link.Send(&message.Message{ID: message.Choke})
		} else {
			p.link.Send(&message.Message{ID: message.Unchoke})
		}
	})
}

// SetEndgame toggles endgame reservation mode for this pipeline's next
// piece selection.
func (p *Pipeline) SetEndgame(on bool) {
	p.enqueue(func(st *state) { st.endgame = on })
}

// CancelBlock rescinds an in-flight request for (index, begin, length),
// used by the coordinator's endgame cancellation broadcast when another
// peer delivered the block first.
func (p *Pipeline) CancelBlock(index, begin, length int) {
	p.enqueue(func(st *state) {
		key := blockKey{index, begin}
		if _, ok := st.inFlight[key]; !ok {
			return
		}
		delete(st.inFlight, key)
		p.link.Send(message.FormatCancel(index, begin, length))
	})
}

func (p *Pipeline) enqueue(f func(*state)) {
	select {
	case p.cmds <- f:
	case <-p.link.Done():
	}
}

// Snubbed reports whether this peer has been unchoked but delivered
// nothing for SnubTimeout (spec.md §4.6). It is queried by sending a
// command and waiting for the answer.
func (p *Pipeline) Snubbed() bool {
	result := make(chan bool, 1)
	p.enqueue(func(st *state) {
		snubbed := !st.peerChoking && !st.lastBlockAt.IsZero() && time.Since(st.lastBlockAt) > SnubTimeout
		result <- snubbed
	})
	select {
	case v := <-result:
		return v
	case <-p.link.Done():
		return false
	case <-time.After(time.Second):
		return false
	}
}

// Interested reports whether this peer has told us (via INTERESTED) that it
// wants to download from us. Queried by the ChokeScheduler to restrict
// ranking/unchoking to interested peers (spec.md §4.6 steps 2 and 4).
func (p *Pipeline) Interested() bool {
	result := make(chan bool, 1)
	p.enqueue(func(st *state) { result <- st.peerInterest })
	select {
	case v := <-result:
		return v
	case <-p.link.Done():
		return false
	case <-time.After(time.Second):
		return false
	}
}

// AnnounceHave sends a HAVE message for index to this peer. Used by the
// coordinator on PieceComplete (broadcast, §4.7) — note this announces OUR
// completion, it never flips our own interest.
func (p *Pipeline) AnnounceHave(index int) {
	p.link.Send(message.FormatHave(index))
}

// Run drives the message loop until the link closes or ctx is done. The
// Events channel is closed when Run returns, so callers ranging over it
// terminate cleanly on disconnect.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.events)

	st := &state{
		peerBitfield: bitfield.New(p.numPieces),
		amChoking:    true,
		peerChoking:  true,
		inFlight:     make(map[blockKey]time.Time),
	}

	scanTicker := time.NewTicker(timeoutScanInterval)
	defer scanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.releaseActivePiece(st)
			return
		case <-p.link.Done():
			p.releaseActivePiece(st)
			return
		case cmd := <-p.cmds:
			cmd(st)
			p.refill(st)
		case msg, ok := <-p.link.Inbox():
			if !ok {
				p.releaseActivePiece(st)
				return
			}
			p.handleMessage(ctx, st, msg)
			p.refill(st)
		case <-scanTicker.C:
			p.scanTimeouts(st)
			p.refill(st)
		}
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, st *state, msg *message.Message) {
	switch msg.ID {
	case message.Choke:
		st.peerChoking = true
		for k := range st.inFlight {
			delete(st.inFlight, k)
		}
		p.releaseActivePiece(st)

	case message.Unchoke:
		st.peerChoking = false
		// Start the snub clock at unchoke, so a peer that never delivers a
		// block is still reported by Snubbed after SnubTimeout.
		st.lastBlockAt = time.Now()

	case message.Interested:
		st.peerInterest = true

	case message.NotInterested:
		st.peerInterest = false

	case message.Have:
		index, err := message.ParseHave(msg)
		if err != nil {
			p.log.WithError(err).Warn("pipeline: malformed have")
			return
		}
		if index < 0 || index >= p.numPieces {
			p.log.WithField("index", index).Warn("pipeline: have for out-of-range piece")
			return
		}
		st.peerBitfield.SetPiece(index)
		p.maybeBecomeInterested(st, index)

	case message.BitField:
		if err := bitfield.Bitfield(msg.Payload).Validate(p.numPieces); err != nil {
			p.log.WithError(err).Warn("pipeline: oversize or malformed bitfield")
			return
		}
		st.peerBitfield = bitfield.Bitfield(msg.Payload).Clone()
		for i := 0; i < p.numPieces; i++ {
			if st.peerBitfield.CheckPiece(i) {
				p.maybeBecomeInterested(st, i)
				break
			}
		}

	case message.Request:
		p.serveRequest(ctx, st, msg)

	case message.Cancel:
		// Best effort: nothing queued to rescind once handed to the
		// write loop. Documented limitation (DESIGN.md).

	case message.Piece:
		p.handlePiece(ctx, st, msg)

	default:
		// unknown id: silently discard, per spec.md §4.3
	}
}

func (p *Pipeline) maybeBecomeInterested(st *state, index int) {
	if st.amInterested {
		return
	}
	if p.store.Bitfield().CheckPiece(index) {
		return
	}
	st.amInterested = true
	p.link.Send(&message.Message{ID: message.Interested})
	p.events <- Event{Kind: InterestChanged, Interested: true}
}

func (p *Pipeline) handlePiece(ctx context.Context, st *state, msg *message.Message) {
	if len(msg.Payload) < 8 {
		p.log.Warn("pipeline: piece payload too short")
		return
	}
	index := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	data := msg.Payload[8:]

	if !st.hasActivePiece || index != st.activePiece {
		// Arrived after we moved on (endgame loser or stale duplicate):
		// the block is discarded, not submitted to the PieceStore, and it
		// no longer counts against our in-flight window.
		return
	}

	key := blockKey{index, begin}
	delete(st.inFlight, key)
	st.lastBlockAt = time.Now()

	p.sc.AddBytes(p.link.PeerID, int64(len(data)))

	if _, err := p.store.SubmitBlock(ctx, index, int64(begin), data, p.link.PeerID); err != nil {
		p.log.WithError(err).Warn("pipeline: submit block failed")
	}

	p.events <- Event{Kind: BlockReceived, Index: index, Begin: begin, Length: len(data)}

	if p.store.Bitfield().CheckPiece(index) {
		st.hasActivePiece = false
	}
}

// serveRequest answers an inbound REQUEST if we have unchoked this peer
// and hold the requested piece (reciprocation upload path).
func (p *Pipeline) serveRequest(ctx context.Context, st *state, msg *message.Message) {
	if st.amChoking {
		return
	}
	req, err := message.ParseBlockRequest(msg)
	if err != nil {
		p.log.WithError(err).Warn("pipeline: malformed request")
		return
	}
	if !p.store.Bitfield().CheckPiece(req.Index) {
		return
	}
	data, err := p.store.ReadBlock(ctx, req.Index, int64(req.Begin), int64(req.Length))
	if err != nil {
		p.log.WithError(err).Warn("pipeline: read block for serving failed")
		return
	}
	if err := p.link.Send(message.FormatPiece(req.Index, req.Begin, data)); err != nil {
		p.log.WithError(err).Debug("pipeline: serve send failed")
	}
}

// refill tops up the sliding window with new requests, per spec.md §4.4
// step 1. It drains st.pending (offsets of the active piece not yet
// requested, or re-queued after a timeout) before moving on to the next
// piece, so a rescinded block is always retried rather than abandoned.
func (p *Pipeline) refill(st *state) {
	if st.peerChoking || !st.amInterested {
		return
	}
	for len(st.inFlight) < WindowSize {
		if !st.hasActivePiece {
			mode := piecestore.ModeNormal
			if st.endgame {
				mode = piecestore.ModeEndgame
			}
			index, ok := p.store.ReservePiece(st.peerBitfield, p.link.PeerID, mode)
			if !ok {
				if !st.endgame {
					st.amInterested = false
					p.link.Send(&message.Message{ID: message.NotInterested})
					p.events <- Event{Kind: InterestChanged, Interested: false}
				}
				return
			}
			st.activePiece = index
			st.hasActivePiece = true
			st.pending = pendingOffsets(p.pieceLength(index))
		}

		if len(st.pending) == 0 {
			// Every offset of this piece has been requested at least once;
			// wait for the outstanding blocks (or their timeouts, which
			// feed back into st.pending) before picking the next piece.
			if len(st.inFlight) == 0 {
				st.hasActivePiece = false
				continue
			}
			return
		}

		offset := st.pending[0]
		st.pending = st.pending[1:]
		key := blockKey{st.activePiece, int(offset)}
		if _, already := st.inFlight[key]; already {
			continue
		}

		length := p.pieceLength(st.activePiece)
		blockLen := int64(piecestore.BlockSize)
		if length-offset < blockLen {
			blockLen = length - offset
		}
		if err := p.link.Send(message.FormatRequest(st.activePiece, int(offset), int(blockLen))); err != nil {
			return
		}
		st.inFlight[key] = time.Now()
	}
}

// pendingOffsets enumerates every block offset of a piece of the given
// length.
func pendingOffsets(length int64) []int64 {
	offs := make([]int64, 0, (length+piecestore.BlockSize-1)/piecestore.BlockSize)
	for off := int64(0); off < length; off += piecestore.BlockSize {
		offs = append(offs, off)
	}
	return offs
}

func (p *Pipeline) pieceLength(index int) int64 {
	return p.store.PieceLen(index)
}

// scanTimeouts rescinds any request outstanding longer than RequestTimeout
// and, if it still belongs to the active piece, re-queues its offset onto
// st.pending so refill retries it instead of leaving it permanently
// unrequested (spec.md §4.4 step 5).
func (p *Pipeline) scanTimeouts(st *state) {
	now := time.Now()
	for key, sentAt := range st.inFlight {
		if now.Sub(sentAt) < RequestTimeout {
			continue
		}
		delete(st.inFlight, key)
		length := p.pieceLength(key.index) - int64(key.begin)
		if length > piecestore.BlockSize {
			length = piecestore.BlockSize
		}
		p.link.Send(message.FormatCancel(key.index, key.begin, int(length)))
		p.sc.Penalize(p.link.PeerID)

		if st.hasActivePiece && key.index == st.activePiece {
			st.pending = append(st.pending, int64(key.begin))
		}
	}
}

func (p *Pipeline) releaseActivePiece(st *state) {
	if st.hasActivePiece {
		p.store.ReleaseReservation(st.activePiece, p.link.PeerID)
		st.hasActivePiece = false
	}
}
