// Package choke implements the ChokeScheduler component of spec.md §4.6:
// the tit-for-tat unchoke ranking, optimistic unchoke rotation, and
// snubbing detection that decides which connected peers we upload to.
package choke

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/internal/scorer"
)

const (
	// TickInterval is the choke round period of spec.md §4.6.
	TickInterval = 10 * time.Second
	// MinSlots is the floor on concurrently unchoked peers.
	MinSlots = 4
	// RatePerSlot is the throughput spec.md §4.6 allots per extra slot.
	RatePerSlot = 50 * 1024 // bytes/sec
	// OptimisticEveryRounds is how often a non-ranked peer gets a free
	// unchoke slot to audition (spec.md §4.6).
	OptimisticEveryRounds = 3
)

// Peer is the subset of pipeline.Pipeline the scheduler needs, kept as an
// interface so choke can be tested without a live connection.
type Peer interface {
	SetChoke(bool)
	Snubbed() bool
	Interested() bool
}

type entry struct {
	peer       Peer
	snubbed    bool
	interested bool
}

// Scheduler ranks interested peers by their PeerScorer composite score
// every TickInterval and unchokes the top slots plus one rotating
// optimistic pick.
type Scheduler struct {
	sc  *scorer.Scorer
	log *logrus.Entry

	mu    sync.Mutex
	peers map[peerid.PeerID]entry
	round int
	rng   *rand.Rand
}

// New creates a Scheduler backed by sc, the same PeerScorer the
// RequestPipelines report bytes into.
func New(sc *scorer.Scorer, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		sc:    sc,
		log:   log,
		peers: make(map[peerid.PeerID]entry),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddPeer registers a newly connected peer.
func (s *Scheduler) AddPeer(id peerid.PeerID, p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[id] = entry{peer: p}
	s.sc.EnsurePeer(id)
}

// RemovePeer drops a disconnected peer.
func (s *Scheduler) RemovePeer(id peerid.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
	s.sc.RemovePeer(id)
}

// Slots computes S = max(MinSlots, ceil((globalRate + RatePerSlot) /
// RatePerSlot)), spec.md §4.6.
func Slots(globalRate float64) int {
	s := int(math.Ceil((globalRate + RatePerSlot) / RatePerSlot))
	if s < MinSlots {
		return MinSlots
	}
	return s
}

// Tick runs one choke round: scores every peer, marks snubbed peers as
// rate-0 for ranking purposes, unchokes the top S plus (every third round)
// one additional optimistic pick, and chokes everyone else.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	peers := make(map[peerid.PeerID]entry, len(s.peers))
	for id, e := range s.peers {
		e.snubbed = e.peer.Snubbed()
		e.interested = e.peer.Interested()
		peers[id] = e
	}
	s.round++
	round := s.round
	s.mu.Unlock()

	scores := s.sc.Tick()

	var global float64
	type ranked struct {
		id    peerid.PeerID
		score float64
	}
	var ranks []ranked
	for id, e := range peers {
		if !e.interested {
			continue
		}
		sc, ok := scores[id]
		if !ok {
			continue
		}
		score := sc.Composite
		if e.snubbed {
			score = 0
		} else {
			global += sc.Rate
		}
		ranks = append(ranks, ranked{id, score})
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i].score > ranks[j].score })

	slots := Slots(global)
	unchoked := make(map[peerid.PeerID]struct{}, slots+1)
	var topK []peerid.PeerID
	for i := 0; i < len(ranks) && i < slots; i++ {
		unchoked[ranks[i].id] = struct{}{}
		topK = append(topK, ranks[i].id)
	}

	if round%OptimisticEveryRounds == 0 {
		if pick, ok := s.pickOptimistic(peers, unchoked); ok {
			unchoked[pick] = struct{}{}
		}
	}

	s.sc.UpdateTrust(topK)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.peers {
		_, ok := unchoked[id]
		e.peer.SetChoke(!ok)
	}
}

// pickOptimistic chooses an interested peer not already in the unchoked
// set, uniformly at random, for the rotating optimistic-unchoke slot
// (spec.md §4.6 step 4: "interested peers not in the top S").
func (s *Scheduler) pickOptimistic(peers map[peerid.PeerID]entry, unchoked map[peerid.PeerID]struct{}) (peerid.PeerID, bool) {
	var candidates []peerid.PeerID
	for id, e := range peers {
		if !e.interested {
			continue
		}
		if _, already := unchoked[id]; already {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return peerid.PeerID{}, false
	}
	return candidates[s.rng.Intn(len(candidates))], true
}

// Run drives Tick on TickInterval until stop is closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}
