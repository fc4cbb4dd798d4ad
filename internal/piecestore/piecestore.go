// Package piecestore implements the PieceStore component of spec.md §4.1:
// disk-backed storage mapping pieces to files, hash verification against
// the metainfo's piece hashes, and piece reservation (fewest current
// reservation holders first, random tie-break).
package piecestore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gorent/bittorrent/helpers/bitfield"
	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/metainfo"
	"github.com/sirupsen/logrus"
)

// BlockSize is the fixed sub-unit of a piece requested over the wire
// (spec.md §3).
const BlockSize = 16 * 1024

// Mode selects the reservation policy (spec.md §4.1/§4.4).
type Mode int

const (
	ModeNormal Mode = iota
	ModeEndgame
)

// EventKind distinguishes the two asynchronous outcomes a submitted block
// can eventually produce.
type EventKind int

const (
	PieceComplete EventKind = iota
	PieceCorrupt
)

// Event is emitted on Store.Events() when a piece finishes assembling,
// successfully or not.
type Event struct {
	Kind          EventKind
	PieceIndex    int
	InvolvedPeers []peerid.PeerID // set only for PieceCorrupt
}

// BlockOutcome reports the immediate, synchronous result of SubmitBlock:
// whether this call completed or corrupted the piece. The asynchronous
// Event carries the same information to the store's other consumers
// (SessionCoordinator); BlockOutcome lets the direct caller (RequestPipeline)
// react without waiting on the event channel.
type BlockOutcome struct {
	PieceCompleted bool
	PieceCorrupted bool
}

type pieceState int

const (
	statePieceMissing pieceState = iota
	statePieceReserved
	statePieceComplete
)

type pieceInfo struct {
	mu       sync.Mutex
	state    pieceState
	length   int64
	buf      []byte
	received map[int64]bool
	gotBytes int64
	holders  map[peerid.PeerID]struct{}
}

// Store is the PieceStore: it exclusively owns the completion bitfield and
// all on-disk state (spec.md §3 Ownership). All mutation is safe for
// concurrent use by many PeerLink/RequestPipeline callers.
type Store struct {
	mi     *metainfo.MetaInfo
	layout *metainfo.Layout
	dir    string
	log    *logrus.Entry

	filesMu sync.Mutex
	files   []*os.File

	sem *semaphore.Weighted // bounds concurrent disk operations

	mu       sync.RWMutex
	pieces   []*pieceInfo
	complete bitfield.Bitfield

	events chan Event

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Store rooted at dir, opening (and creating, truncated to
// the right length) every file named in mi.Files. numWorkers bounds the
// disk worker pool (spec.md §4.1: "≥4 workers").
func New(mi *metainfo.MetaInfo, dir string, numWorkers int, log *logrus.Entry) (*Store, error) {
	if numWorkers < 4 {
		numWorkers = 4
	}
	s := &Store{
		mi:     mi,
		layout: metainfo.NewLayout(mi.Files),
		dir:    dir,
		log:    log,
		sem:    semaphore.NewWeighted(int64(numWorkers)),
		pieces: make([]*pieceInfo, mi.NumPieces()),
		events: make(chan Event, 64),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range s.pieces {
		s.pieces[i] = &pieceInfo{length: mi.PieceLen(i)}
	}
	s.complete = bitfield.New(mi.NumPieces())

	if err := s.openFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openFiles() error {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	s.files = make([]*os.File, len(s.mi.Files))
	for i, fe := range s.mi.Files {
		full := filepath.Join(s.dir, fe.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("piecestore: mkdir for %s: %w", full, err)
		}
		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("piecestore: open %s: %w", full, err)
		}
		if err := f.Truncate(fe.Length); err != nil {
			f.Close()
			return fmt.Errorf("piecestore: truncate %s to %d: %w", full, fe.Length, err)
		}
		s.files[i] = f
	}
	return nil
}

// Close releases all open file handles.
func (s *Store) Close() error {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Events returns the channel on which PieceComplete/PieceCorrupt events are
// published. The caller (SessionCoordinator) must drain it.
func (s *Store) Events() <-chan Event {
	return s.events
}

// VerifyExisting reads every piece currently on disk, SHA-1s it, and
// returns the bitfield of pieces that already match (spec.md §4.1, §8
// scenario 6: resume). It runs entirely on the bounded disk worker pool,
// never on the caller's goroutine directly.
func (s *Store) VerifyExisting(ctx context.Context) (bitfield.Bitfield, error) {
	var wg sync.WaitGroup
	results := make([]bool, s.mi.NumPieces())
	errs := make([]error, s.mi.NumPieces())

	for i := 0; i < s.mi.NumPieces(); i++ {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer s.sem.Release(1)
			ok, err := s.verifyPiece(i)
			results[i] = ok
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ok := range results {
		if ok {
			s.complete.SetPiece(i)
			s.pieces[i].state = statePieceComplete
		}
	}
	return s.complete.Clone(), nil
}

func (s *Store) verifyPiece(i int) (bool, error) {
	length := s.mi.PieceLen(i)
	begin, _ := s.mi.PieceBounds(i)
	data, err := s.readRange(begin, length)
	if err != nil {
		return false, fmt.Errorf("piecestore: verify piece %d: %w", i, err)
	}
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], s.mi.PieceHashes[i][:]), nil
}

// ReservePiece selects a piece the peer (identified by its bitfield) has
// that is not yet Complete and records holder as reserving it. Among the
// eligible pieces it prefers those with the fewest current reservation
// holders and breaks ties at random; it does not count how many connected
// peers have each piece. In ModeEndgame, pieces already Reserved (but
// incomplete) are eligible again. Returns ok=false if no candidate exists.
func (s *Store) ReservePiece(peerBitfield bitfield.Bitfield, holder peerid.PeerID, mode Mode) (index int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		index  int
		rarity int
	}
	var candidates []candidate
	best := -1

	for i, p := range s.pieces {
		if !peerBitfield.CheckPiece(i) {
			continue
		}
		p.mu.Lock()
		state := p.state
		rarity := len(p.holders)
		p.mu.Unlock()

		if state == statePieceComplete {
			continue
		}
		if state == statePieceReserved && mode != ModeEndgame {
			continue
		}
		if best == -1 || rarity < best {
			best = rarity
			candidates = candidates[:0]
			candidates = append(candidates, candidate{i, rarity})
		} else if rarity == best {
			candidates = append(candidates, candidate{i, rarity})
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	s.rngMu.Lock()
	pick := candidates[s.rng.Intn(len(candidates))]
	s.rngMu.Unlock()

	p := s.pieces[pick.index]
	p.mu.Lock()
	p.state = statePieceReserved
	if p.holders == nil {
		p.holders = make(map[peerid.PeerID]struct{})
	}
	p.holders[holder] = struct{}{}
	p.mu.Unlock()

	return pick.index, true
}

// ReleaseReservation removes holder from index's reservation set. If the
// piece is left with no active holders and is still incomplete, it reverts
// to Missing (spec.md §8: "no piece remains Reserved with zero active
// holders"). Called on peer disconnect and on endgame cancellation of a
// losing request.
func (s *Store) ReleaseReservation(index int, holder peerid.PeerID) {
	p := s.pieces[index]
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.holders, holder)
	if p.state == statePieceReserved && len(p.holders) == 0 {
		p.state = statePieceMissing
		p.buf = nil
		p.received = nil
		p.gotBytes = 0
	}
}

// Holders returns a snapshot of the peers currently reserving index, for
// endgame cancel broadcast.
func (s *Store) Holders(index int) []peerid.PeerID {
	p := s.pieces[index]
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]peerid.PeerID, 0, len(p.holders))
	for h := range p.holders {
		out = append(out, h)
	}
	return out
}

// SubmitBlock writes a received block into the piece buffer and, once all
// blocks of the piece have arrived, verifies its SHA-1 against the
// metainfo hash (spec.md §4.1). On success it persists the piece to disk
// and marks it Complete; on mismatch it discards the buffer, reverts the
// piece to Missing, and reports PieceCorrupt.
func (s *Store) SubmitBlock(ctx context.Context, index int, offset int64, data []byte, source peerid.PeerID) (BlockOutcome, error) {
	if index < 0 || index >= len(s.pieces) {
		return BlockOutcome{}, fmt.Errorf("piecestore: piece index %d out of range", index)
	}
	if offset%BlockSize != 0 {
		return BlockOutcome{}, fmt.Errorf("piecestore: block offset %d not aligned to %d", offset, BlockSize)
	}
	p := s.pieces[index]

	p.mu.Lock()
	if offset+int64(len(data)) > p.length {
		p.mu.Unlock()
		return BlockOutcome{}, fmt.Errorf("piecestore: block [%d,%d) overflows piece %d of length %d", offset, offset+int64(len(data)), index, p.length)
	}
	if p.state == statePieceComplete {
		p.mu.Unlock()
		return BlockOutcome{}, nil
	}
	if p.buf == nil {
		p.buf = make([]byte, p.length)
		p.received = make(map[int64]bool)
	}
	if !p.received[offset] {
		copy(p.buf[offset:], data)
		p.received[offset] = true
		p.gotBytes += int64(len(data))
	}
	done := p.gotBytes >= p.length
	var bufCopy []byte
	var holders []peerid.PeerID
	if done {
		bufCopy = make([]byte, len(p.buf))
		copy(bufCopy, p.buf)
		for h := range p.holders {
			holders = append(holders, h)
		}
		if _, ok := p.holders[source]; !ok {
			holders = append(holders, source)
		}
	}
	p.mu.Unlock()

	if !done {
		return BlockOutcome{}, nil
	}

	sum := sha1.Sum(bufCopy)
	if !bytes.Equal(sum[:], s.mi.PieceHashes[index][:]) {
		p.mu.Lock()
		p.state = statePieceMissing
		p.buf = nil
		p.received = nil
		p.gotBytes = 0
		p.mu.Unlock()

		s.publish(Event{Kind: PieceCorrupt, PieceIndex: index, InvolvedPeers: holders})
		return BlockOutcome{PieceCorrupted: true}, nil
	}

	if err := s.persistPiece(ctx, index, bufCopy); err != nil {
		return BlockOutcome{}, err
	}

	p.mu.Lock()
	p.state = statePieceComplete
	p.buf = nil
	p.received = nil
	p.mu.Unlock()

	s.mu.Lock()
	s.complete.SetPiece(index)
	s.mu.Unlock()

	s.publish(Event{Kind: PieceComplete, PieceIndex: index})
	return BlockOutcome{PieceCompleted: true}, nil
}

func (s *Store) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.WithField("piece", ev.PieceIndex).Warn("piecestore: event channel full, dropping event")
	}
}

func (s *Store) persistPiece(ctx context.Context, index int, data []byte) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	begin, _ := s.mi.PieceBounds(index)
	return s.writeRange(begin, data)
}

// ReadBlock reads length bytes at offset within piece index, for serving
// (spec.md §4.1). Bounded by the same disk worker pool as writes.
func (s *Store) ReadBlock(ctx context.Context, index int, offset, length int64) ([]byte, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	begin, end := s.mi.PieceBounds(index)
	if offset < 0 || offset+length > end-begin {
		return nil, fmt.Errorf("piecestore: read [%d,%d) exceeds piece %d bounds", offset, offset+length, index)
	}
	return s.readRange(begin+offset, length)
}

// readRange and writeRange perform the actual file I/O, splitting a range
// across consecutive files if it straddles a boundary (spec.md §4.1).
func (s *Store) readRange(offset, length int64) ([]byte, error) {
	spans, err := s.layout.Resolve(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	for _, sp := range spans {
		buf := make([]byte, sp.Length)
		if _, err := s.files[sp.FileIndex].ReadAt(buf, sp.Offset); err != nil {
			return nil, fmt.Errorf("piecestore: read file %d at %d: %w", sp.FileIndex, sp.Offset, err)
		}
		out = append(out, buf...)
	}
	return out, nil
}

func (s *Store) writeRange(offset int64, data []byte) error {
	spans, err := s.layout.Resolve(offset, int64(len(data)))
	if err != nil {
		return err
	}
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	var cursor int64
	for _, sp := range spans {
		chunk := data[cursor : cursor+sp.Length]
		if _, err := s.files[sp.FileIndex].WriteAt(chunk, sp.Offset); err != nil {
			return fmt.Errorf("piecestore: write file %d at %d: %w", sp.FileIndex, sp.Offset, err)
		}
		cursor += sp.Length
	}
	return nil
}

// Bitfield returns a snapshot of the completion bitfield.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.complete.Clone()
}

// NumPieces returns the number of pieces in the torrent.
func (s *Store) NumPieces() int {
	return len(s.pieces)
}

// PieceLen returns the length in bytes of piece index (the last piece is
// usually shorter than the rest).
func (s *Store) PieceLen(index int) int64 {
	return s.pieces[index].length
}

// Missing reports how many pieces are neither Complete nor Reserved.
func (s *Store) Missing() int {
	n := 0
	for _, p := range s.pieces {
		p.mu.Lock()
		if p.state == statePieceMissing {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// Incomplete reports how many pieces are not yet Complete (Missing or
// Reserved), used for the endgame entry threshold (spec.md §4.4).
func (s *Store) Incomplete() int {
	n := 0
	for _, p := range s.pieces {
		p.mu.Lock()
		if p.state != statePieceComplete {
			n++
		}
		p.mu.Unlock()
	}
	return n
}
