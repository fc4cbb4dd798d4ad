package choke

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/internal/scorer"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakePeer struct {
	choked     bool
	snubbed    bool
	interested bool
}

func (f *fakePeer) SetChoke(c bool)  { f.choked = c }
func (f *fakePeer) Snubbed() bool    { return f.snubbed }
func (f *fakePeer) Interested() bool { return f.interested }

func TestSlotsGrowsWithGlobalRate(t *testing.T) {
	require.Equal(t, MinSlots, Slots(0))
	require.Equal(t, 5, Slots(4*RatePerSlot))
}

func TestTickUnchokesTopScoringPeers(t *testing.T) {
	sc := scorer.New(scorer.DefaultConfig())
	s := New(sc, testLogger())

	var fast, slow peerid.PeerID
	copy(fast[:], "fast")
	copy(slow[:], "slow")

	fastPeer := &fakePeer{choked: true, interested: true}
	slowPeer := &fakePeer{choked: true, interested: true}
	s.AddPeer(fast, fastPeer)
	s.AddPeer(slow, slowPeer)

	sc.AddBytes(fast, 10*1024*1024)
	sc.AddBytes(slow, 1)

	s.Tick()

	require.False(t, fastPeer.choked)
}

func TestTickTreatsSnubbedPeerAsZeroRate(t *testing.T) {
	sc := scorer.New(scorer.DefaultConfig())
	s := New(sc, testLogger())

	var snubbed, steady peerid.PeerID
	copy(snubbed[:], "snubbed")
	copy(steady[:], "steady")

	snubbedPeer := &fakePeer{choked: true, snubbed: true, interested: true}
	steadyPeer := &fakePeer{choked: true, interested: true}
	s.AddPeer(snubbed, snubbedPeer)
	s.AddPeer(steady, steadyPeer)

	sc.AddBytes(snubbed, 10*1024*1024)
	sc.AddBytes(steady, 1024)

	s.Tick()

	require.False(t, steadyPeer.choked)
}

func TestTickNeverUnchokesAnUninterestedPeer(t *testing.T) {
	sc := scorer.New(scorer.DefaultConfig())
	s := New(sc, testLogger())

	var p peerid.PeerID
	copy(p[:], "bystander")
	bystander := &fakePeer{choked: true, interested: false}
	s.AddPeer(p, bystander)

	sc.AddBytes(p, 10*1024*1024)

	s.Tick()

	require.True(t, bystander.choked)
}

func TestRemovePeerStopsTrackingIt(t *testing.T) {
	sc := scorer.New(scorer.DefaultConfig())
	s := New(sc, testLogger())

	var p peerid.PeerID
	copy(p[:], "p")
	s.AddPeer(p, &fakePeer{})
	s.RemovePeer(p)

	require.NotContains(t, s.peers, p)
}
