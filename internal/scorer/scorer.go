// Package scorer implements the PeerScorer component of spec.md §4.5: a
// per-peer EWMA download rate, a variance estimate, and a trust counter
// combined into the composite score the ChokeScheduler ranks peers by.
package scorer

import (
	"math"
	"sync"
	"time"

	"github.com/gorent/bittorrent/internal/peerid"
)

// Config holds the tunable constants spec.md §9(a) calls out explicitly as
// open for implementers to expose.
type Config struct {
	Alpha        float64       // EWMA smoothing factor
	TickInterval time.Duration // sampling period
	TrustCap     int           // maximum trust counter value
}

// DefaultConfig returns the constants named in spec.md §4.5.
func DefaultConfig() Config {
	return Config{
		Alpha:        0.2,
		TickInterval: 10 * time.Second,
		TrustCap:     10,
	}
}

// Score is one peer's rate/variance/trust snapshot and the derived
// composite used for ranking.
type Score struct {
	Rate      float64 // bytes/sec, EWMA-smoothed
	Variance  float64
	Trust     int
	Composite float64
}

type peerStat struct {
	rate          float64
	variance      float64
	trust         int
	bytesThisTick int64
}

// Scorer tracks every currently-connected peer's rate statistics.
type Scorer struct {
	cfg Config
	mu  sync.Mutex
	m   map[peerid.PeerID]*peerStat
}

// New creates a Scorer with the given configuration.
func New(cfg Config) *Scorer {
	return &Scorer{cfg: cfg, m: make(map[peerid.PeerID]*peerStat)}
}

// EnsurePeer registers p if not already tracked.
func (s *Scorer) EnsurePeer(p peerid.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[p]; !ok {
		s.m[p] = &peerStat{}
	}
}

// RemovePeer discards p's statistics, e.g. on disconnect.
func (s *Scorer) RemovePeer(p peerid.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, p)
}

// AddBytes records n bytes received from p since the last tick.
func (s *Scorer) AddBytes(p peerid.PeerID, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[p]
	if !ok {
		st = &peerStat{}
		s.m[p] = st
	}
	st.bytesThisTick += n
}

// Penalize zeroes out the current tick's byte count for p, e.g. when a
// request to it times out (spec.md §4.4: "counts as 0 for that sample").
func (s *Scorer) Penalize(p peerid.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.m[p]; ok {
		st.bytesThisTick = 0
	}
}

// Tick advances the EWMA rate/variance estimate for every tracked peer by
// one sampling period and returns the resulting scores, trust applied from
// the *previous* tick's ranking. Callers rank by Composite, then call
// UpdateTrust with the resulting top-K set so the next tick's trust bonus
// reflects this round's ranking.
func (s *Scorer) Tick() map[peerid.PeerID]Score {
	s.mu.Lock()
	defer s.mu.Unlock()

	seconds := s.cfg.TickInterval.Seconds()
	out := make(map[peerid.PeerID]Score, len(s.m))
	for id, st := range s.m {
		sample := float64(st.bytesThisTick) / seconds
		prevRate := st.rate
		st.rate = s.cfg.Alpha*sample + (1-s.cfg.Alpha)*prevRate
		diff := sample - prevRate
		st.variance = s.cfg.Alpha*diff*diff + (1-s.cfg.Alpha)*st.variance
		st.bytesThisTick = 0

		out[id] = Score{
			Rate:      st.rate,
			Variance:  st.variance,
			Trust:     st.trust,
			Composite: composite(st.rate, st.variance, st.trust),
		}
	}
	return out
}

// composite implements spec.md §4.5's scoring formula:
//
//	score = r · (1 + c/10) · max(0.1, 1 − √v / (r + ε))
const epsilon = 1e-9

func composite(rate, variance float64, trust int) float64 {
	trustBonus := 1 + float64(trust)/10
	stability := 1 - math.Sqrt(variance)/(rate+epsilon)
	if stability < 0.1 {
		stability = 0.1
	}
	return rate * trustBonus * stability
}

// UpdateTrust increments (capped) the trust counter of every peer in topK
// and decrements (floored at 0) every other tracked peer's, per spec.md
// §4.5.
func (s *Scorer) UpdateTrust(topK []peerid.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inTop := make(map[peerid.PeerID]struct{}, len(topK))
	for _, id := range topK {
		inTop[id] = struct{}{}
	}
	for id, st := range s.m {
		if _, ok := inTop[id]; ok {
			if st.trust < s.cfg.TrustCap {
				st.trust++
			}
		} else if st.trust > 0 {
			st.trust--
		}
	}
}
