// Package metainfo parses .torrent files (Bencoded metainfo dictionaries,
// per spec.md §6) into an immutable MetaInfo record and computes the
// per-file byte-range layout pieces are mapped onto.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"
)

const HashSize = 20

// FileEntry is one (path, length) pair from info.files, or the synthetic
// single entry derived from info.length for a single-file torrent.
type FileEntry struct {
	Path   string // relative to the download directory, OS-separator joined
	Length int64
}

// MetaInfo is the immutable, parsed form of a .torrent file (spec.md §3).
type MetaInfo struct {
	Announce     string
	AnnounceList [][]string // announce-list, one slice of URLs per tier; empty if absent
	InfoHash     [HashSize]byte
	Name         string
	PieceLength  int64
	PieceHashes  [][HashSize]byte
	Files        []FileEntry
	TotalLength  int64
}

// bencodeInfo mirrors the info dictionary's wire shape for decode/encode.
// Field order and bencode tags must match so that re-encoding for the
// info-hash reproduces the exact bytes the creator hashed.
type bencodeInfo struct {
	Name        string        `bencode:"name"`
	PieceLength int64         `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Length      int64         `bencode:"length,omitempty"`
	Files       []bencodeFile `bencode:"files,omitempty"`
}

type bencodeFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         bencodeInfo `bencode:"info"`
}

// Parse reads a .torrent file from r and validates it against the
// required-keys list in spec.md §6.
func Parse(r io.Reader) (*MetaInfo, error) {
	var bto bencodeTorrent
	if err := bencode.Unmarshal(r, &bto); err != nil {
		return nil, fmt.Errorf("metainfo: bencode decode: %w", err)
	}

	if bto.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: missing or non-positive info.piece length")
	}
	if len(bto.Info.Pieces)%HashSize != 0 {
		return nil, fmt.Errorf("metainfo: info.pieces length %d not a multiple of %d", len(bto.Info.Pieces), HashSize)
	}
	if bto.Info.Length <= 0 && len(bto.Info.Files) == 0 {
		return nil, fmt.Errorf("metainfo: neither info.length nor info.files present")
	}
	if bto.Info.Length > 0 && len(bto.Info.Files) > 0 {
		return nil, fmt.Errorf("metainfo: both info.length and info.files present")
	}

	infoHash, err := computeInfoHash(bto.Info)
	if err != nil {
		return nil, err
	}

	pieceHashes, err := splitPieceHashes([]byte(bto.Info.Pieces))
	if err != nil {
		return nil, err
	}

	var files []FileEntry
	var total int64
	if bto.Info.Length > 0 {
		files = []FileEntry{{Path: bto.Info.Name, Length: bto.Info.Length}}
		total = bto.Info.Length
	} else {
		for _, f := range bto.Info.Files {
			if len(f.Path) == 0 {
				return nil, fmt.Errorf("metainfo: file entry with empty path")
			}
			files = append(files, FileEntry{
				Path:   filepath.Join(append([]string{bto.Info.Name}, f.Path...)...),
				Length: f.Length,
			})
			total += f.Length
		}
	}

	expectedPieces := (total + bto.Info.PieceLength - 1) / bto.Info.PieceLength
	if expectedPieces != int64(len(pieceHashes)) {
		return nil, fmt.Errorf("metainfo: total length implies %d pieces, but %d hashes present", expectedPieces, len(pieceHashes))
	}

	return &MetaInfo{
		Announce:     bto.Announce,
		AnnounceList: bto.AnnounceList,
		InfoHash:     infoHash,
		Name:         bto.Info.Name,
		PieceLength:  bto.Info.PieceLength,
		PieceHashes:  pieceHashes,
		Files:        files,
		TotalLength:  total,
	}, nil
}

func computeInfoHash(info bencodeInfo) ([HashSize]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [HashSize]byte{}, fmt.Errorf("metainfo: re-encoding info dict: %w", err)
	}
	return sha1.Sum(buf.Bytes()), nil
}

func splitPieceHashes(raw []byte) ([][HashSize]byte, error) {
	n := len(raw) / HashSize
	hashes := make([][HashSize]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], raw[i*HashSize:(i+1)*HashSize])
	}
	return hashes, nil
}

// NumPieces returns the number of pieces described by the metainfo.
func (m *MetaInfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the length in bytes of piece i, accounting for a short
// final piece (spec.md §3).
func (m *MetaInfo) PieceLen(i int) int64 {
	begin, end := m.PieceBounds(i)
	return end - begin
}

// PieceBounds returns the [begin, end) byte range of piece i within the
// logical concatenated byte stream of all files.
func (m *MetaInfo) PieceBounds(i int) (begin, end int64) {
	begin = int64(i) * m.PieceLength
	end = begin + m.PieceLength
	if end > m.TotalLength {
		end = m.TotalLength
	}
	return begin, end
}

// Span is one (file index, offset within file, length) slice of a byte
// range that may straddle file boundaries.
type Span struct {
	FileIndex int
	Offset    int64
	Length    int64
}

// Layout computes the file layout: the cumulative offset at which each
// file begins in the logical byte stream.
type Layout struct {
	files  []FileEntry
	starts []int64 // starts[i] = logical offset where files[i] begins
}

// NewLayout builds a Layout from the ordered file list.
func NewLayout(files []FileEntry) *Layout {
	starts := make([]int64, len(files))
	var cursor int64
	for i, f := range files {
		starts[i] = cursor
		cursor += f.Length
	}
	return &Layout{files: files, starts: starts}
}

// Resolve maps a [offset, offset+length) range of the logical byte stream
// onto the files it spans (handles a block straddling a file boundary, per
// spec.md §4.1).
func (l *Layout) Resolve(offset, length int64) ([]Span, error) {
	if length < 0 || offset < 0 {
		return nil, fmt.Errorf("metainfo: invalid range offset=%d length=%d", offset, length)
	}
	var spans []Span
	remaining := length
	pos := offset
	for remaining > 0 {
		idx, fileOff, err := l.locate(pos)
		if err != nil {
			return nil, err
		}
		avail := l.files[idx].Length - fileOff
		take := remaining
		if take > avail {
			take = avail
		}
		if take <= 0 {
			return nil, fmt.Errorf("metainfo: range offset=%d length=%d exceeds total length", offset, length)
		}
		spans = append(spans, Span{FileIndex: idx, Offset: fileOff, Length: take})
		pos += take
		remaining -= take
	}
	return spans, nil
}

func (l *Layout) locate(pos int64) (fileIndex int, fileOffset int64, err error) {
	for i, start := range l.starts {
		end := start + l.files[i].Length
		if pos >= start && pos < end {
			return i, pos - start, nil
		}
	}
	return 0, 0, fmt.Errorf("metainfo: position %d outside file layout", pos)
}
