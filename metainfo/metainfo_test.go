package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func encodeTorrent(t *testing.T, bto bencodeTorrent) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, bto))
	return buf.Bytes()
}

func singleFileTorrent(t *testing.T, pieceLength int64, data []byte) bencodeTorrent {
	t.Helper()
	n := (int64(len(data)) + pieceLength - 1) / pieceLength
	var pieces bytes.Buffer
	for i := int64(0); i < n; i++ {
		begin := i * pieceLength
		end := begin + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[begin:end])
		pieces.Write(sum[:])
	}
	return bencodeTorrent{
		Announce: "http://tracker.example/announce",
		Info: bencodeInfo{
			Name:        "file.bin",
			PieceLength: pieceLength,
			Pieces:      pieces.String(),
			Length:      int64(len(data)),
		},
	}
}

func TestParseSingleFileTorrent(t *testing.T) {
	data := make([]byte, 3*32*1024)
	for i := range data {
		data[i] = byte(i)
	}
	raw := encodeTorrent(t, singleFileTorrent(t, 32*1024, data))

	mi, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "file.bin", mi.Name)
	require.Equal(t, 3, mi.NumPieces())
	require.Equal(t, int64(len(data)), mi.TotalLength)
	require.Len(t, mi.Files, 1)
	require.Equal(t, "file.bin", mi.Files[0].Path)
}

func TestParseMultiFileTorrentLayout(t *testing.T) {
	pieceLength := int64(16 * 1024)
	fileA := make([]byte, 20*1024)
	fileB := make([]byte, 10*1024)
	combined := append(append([]byte{}, fileA...), fileB...)

	n := (int64(len(combined)) + pieceLength - 1) / pieceLength
	var pieces bytes.Buffer
	for i := int64(0); i < n; i++ {
		begin := i * pieceLength
		end := begin + pieceLength
		if end > int64(len(combined)) {
			end = int64(len(combined))
		}
		sum := sha1.Sum(combined[begin:end])
		pieces.Write(sum[:])
	}

	bto := bencodeTorrent{
		Announce: "http://tracker.example/announce",
		Info: bencodeInfo{
			Name:        "bundle",
			PieceLength: pieceLength,
			Pieces:      pieces.String(),
			Files: []bencodeFile{
				{Length: int64(len(fileA)), Path: []string{"a.bin"}},
				{Length: int64(len(fileB)), Path: []string{"sub", "b.bin"}},
			},
		},
	}
	raw := encodeTorrent(t, bto)

	mi, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, mi.Files, 2)
	require.Equal(t, int64(len(fileA)), mi.Files[0].Length)
	require.Equal(t, int64(len(combined)), mi.TotalLength)

	layout := NewLayout(mi.Files)
	spans, err := layout.Resolve(int64(len(fileA))-1024, 2048)
	require.NoError(t, err)
	require.Len(t, spans, 2, "range should straddle the file boundary")
	require.Equal(t, 0, spans[0].FileIndex)
	require.Equal(t, 1, spans[1].FileIndex)
}

func TestParseRejectsMismatchedPieceCount(t *testing.T) {
	bto := bencodeTorrent{
		Info: bencodeInfo{
			Name:        "x",
			PieceLength: 16 * 1024,
			Pieces:      string(make([]byte, HashSize)), // one hash, but length implies more
			Length:      64 * 1024,
		},
	}
	raw := encodeTorrent(t, bto)

	_, err := Parse(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestParseRejectsLengthAndFilesBothPresent(t *testing.T) {
	bto := bencodeTorrent{
		Info: bencodeInfo{
			Name:        "x",
			PieceLength: 16 * 1024,
			Pieces:      string(make([]byte, HashSize)),
			Length:      16 * 1024,
			Files:       []bencodeFile{{Length: 16 * 1024, Path: []string{"a"}}},
		},
	}
	raw := encodeTorrent(t, bto)

	_, err := Parse(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestPieceBoundsShortensFinalPiece(t *testing.T) {
	mi := &MetaInfo{PieceLength: 1000, TotalLength: 2500}
	begin, end := mi.PieceBounds(2)
	require.Equal(t, int64(2000), begin)
	require.Equal(t, int64(2500), end)
	require.Equal(t, int64(500), mi.PieceLen(2))
}
