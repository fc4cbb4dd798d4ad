package peerlink

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gorent/bittorrent/internal/peerid"
)

const protocolString = "BitTorrent protocol"

// Handshake is the 68-byte opening exchange of spec.md §4.3/§6.
type Handshake struct {
	InfoHash [20]byte
	PeerID   peerid.PeerID
}

// Serialize encodes the handshake: pstrlen, pstr, 8 reserved zero bytes,
// info_hash, peer_id.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(protocolString))
	buf[0] = byte(len(protocolString))
	cursor := 1
	cursor += copy(buf[cursor:], protocolString)
	cursor += 8 // reserved, left zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(lenBuf[0])
	if pstrlen == 0 {
		return Handshake{}, fmt.Errorf("peerlink: zero-length protocol string")
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}

	var h Handshake
	cursor := pstrlen + 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}

// ValidateHandshake checks the peer's reply against the info-hash we
// offered and rejects a peer id identical to our own (spec.md §4.3).
func ValidateHandshake(reply Handshake, wantInfoHash [20]byte, localPeerID peerid.PeerID) error {
	if !bytes.Equal(reply.InfoHash[:], wantInfoHash[:]) {
		return fmt.Errorf("peerlink: info_hash mismatch: got %x, want %x", reply.InfoHash, wantInfoHash)
	}
	if reply.PeerID == localPeerID {
		return fmt.Errorf("peerlink: peer echoed our own peer id")
	}
	return nil
}
