package session

import (
	"crypto/sha1"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/metainfo"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func buildMeta(data []byte, pieceLength int64) *metainfo.MetaInfo {
	n := (int64(len(data)) + pieceLength - 1) / pieceLength
	hashes := make([][20]byte, n)
	for i := int64(0); i < n; i++ {
		begin := i * pieceLength
		end := begin + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		hashes[i] = sha1.Sum(data[begin:end])
	}
	return &metainfo.MetaInfo{
		Name:        "test.bin",
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files:       []metainfo.FileEntry{{Path: "test.bin", Length: int64(len(data))}},
		TotalLength: int64(len(data)),
	}
}

func newTestSession(t *testing.T, numPieces int, pieceLen int64, cfg Config) *Session {
	t.Helper()
	data := make([]byte, int64(numPieces)*pieceLen)
	mi := buildMeta(data, pieceLen)
	s, err := New(mi, t.TempDir(), []string{"http://127.0.0.1:1/announce"}, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAnnounceRequestReportsFullLengthAsLeftWhenNothingComplete(t *testing.T) {
	s := newTestSession(t, 4, 32*1024, DefaultConfig())
	req := s.announceRequest(0)
	require.Equal(t, s.mi.TotalLength, req.Left)
	require.Equal(t, int64(0), req.Downloaded)
}

func TestStrikeCorruptBansPeerAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CorruptBanStrikes = 3
	s := newTestSession(t, 1, 32*1024, cfg)

	var p peerid.PeerID
	copy(p[:], "repeat-offender")

	s.strikeCorrupt([]peerid.PeerID{p})
	s.strikeCorrupt([]peerid.PeerID{p})
	_, banned := s.banned[p]
	require.False(t, banned)

	s.strikeCorrupt([]peerid.PeerID{p})
	_, banned = s.banned[p]
	require.True(t, banned)
}

func TestUpdateEndgameTriggersWhenFewPiecesRemain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndgameThreshold = 10
	s := newTestSession(t, 4, 32*1024, cfg)

	require.False(t, s.endgame)
	s.updateEndgame()
	require.True(t, s.endgame)
}

func TestUpdateEndgameStaysOffWithManyPiecesRemaining(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndgameThreshold = 2
	s := newTestSession(t, 10, 32*1024, cfg)

	s.updateEndgame()
	require.False(t, s.endgame)
}
