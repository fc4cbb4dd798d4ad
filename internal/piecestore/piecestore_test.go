package piecestore

import (
	"context"
	"crypto/sha1"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gorent/bittorrent/helpers/bitfield"
	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/metainfo"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// buildMeta constructs a synthetic single-file MetaInfo with pieceLength
// bytes per piece (except possibly the last) over data.
func buildMeta(t *testing.T, data []byte, pieceLength int64) *metainfo.MetaInfo {
	t.Helper()
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

func TestVerifyExistingFindsMatchingPieces(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 3*32*1024) // 3 pieces of 32 KiB
	for i := range data {
		data[i] = byte(i)
	}
	mi := buildMeta(t, data, 32*1024)

	// Pre-populate the file on disk so piece 0 matches but piece 1 doesn't.
	path := dir + "/test.bin"
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF}, 32*1024)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	store, err := New(mi, dir, 4, testLogger())
	require.NoError(t, err)
	defer store.Close()

	bf, err := store.VerifyExisting(context.Background())
	require.NoError(t, err)
	require.True(t, bf.CheckPiece(0))
	require.False(t, bf.CheckPiece(1))
	require.True(t, bf.CheckPiece(2))
}

func TestSubmitBlockCompletesPiece(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(2 * BlockSize)
	data := make([]byte, pieceLen)
	for i := range data {
		data[i] = byte(i % 251)
	}
	mi := buildMeta(t, data, pieceLen)

	store, err := New(mi, dir, 4, testLogger())
	require.NoError(t, err)
	defer store.Close()

	var peer peerid.PeerID
	copy(peer[:], "peerAAAAAAAAAAAAAAAA")

	outcome, err := store.SubmitBlock(context.Background(), 0, 0, data[:BlockSize], peer)
	require.NoError(t, err)
	require.False(t, outcome.PieceCompleted)

	outcome, err = store.SubmitBlock(context.Background(), 0, BlockSize, data[BlockSize:], peer)
	require.NoError(t, err)
	require.True(t, outcome.PieceCompleted)

	ev := <-store.Events()
	require.Equal(t, PieceComplete, ev.Kind)
	require.Equal(t, 0, ev.PieceIndex)

	require.True(t, store.Bitfield().CheckPiece(0))
}

func TestSubmitBlockReportsCorruption(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(BlockSize)
	data := make([]byte, pieceLen)
	mi := buildMeta(t, data, pieceLen)

	store, err := New(mi, dir, 4, testLogger())
	require.NoError(t, err)
	defer store.Close()

	var peer peerid.PeerID
	bad := make([]byte, pieceLen)
	bad[0] = 0x01 // guaranteed mismatch against the all-zero hash

	outcome, err := store.SubmitBlock(context.Background(), 0, 0, bad, peer)
	require.NoError(t, err)
	require.True(t, outcome.PieceCorrupted)

	ev := <-store.Events()
	require.Equal(t, PieceCorrupt, ev.Kind)
	require.Contains(t, ev.InvolvedPeers, peer)

	require.False(t, store.Bitfield().CheckPiece(0))
}

func TestReservePieceReturnsAPieceThePeerHas(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 4*32*1024)
	mi := buildMeta(t, data, 32*1024)
	store, err := New(mi, dir, 4, testLogger())
	require.NoError(t, err)
	defer store.Close()

	var p0, p1, p2, p3 peerid.PeerID
	copy(p1[:], "peer1")
	copy(p2[:], "peer2")
	copy(p3[:], "peer3")

	// The querying peer has every piece and nothing is reserved yet, so
	// any of the four pieces is a valid pick.
	all := bitfield.New(4)
	all.SetPiece(0)
	all.SetPiece(1)
	all.SetPiece(2)
	all.SetPiece(3)

	idx, ok := store.ReservePiece(all, p0, ModeNormal)
	require.True(t, ok)
	require.GreaterOrEqual(t, idx, 0)
	require.Less(t, idx, 4)
}

func TestReleaseReservationRevertsToMissingWhenNoHoldersRemain(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 32*1024)
	mi := buildMeta(t, data, 32*1024)
	store, err := New(mi, dir, 4, testLogger())
	require.NoError(t, err)
	defer store.Close()

	bf := bitfield.New(1)
	bf.SetPiece(0)

	var peer peerid.PeerID
	idx, ok := store.ReservePiece(bf, peer, ModeNormal)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	store.ReleaseReservation(0, peer)
	require.Equal(t, 1, store.Missing())
}
