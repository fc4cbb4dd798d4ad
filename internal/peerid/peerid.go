// Package peerid defines the 20-byte peer identifier shared by every
// component that needs to name a remote peer without depending on the full
// peerlink connection type (tracker results, piece reservations, scores).
package peerid

import (
	"crypto/rand"
	"encoding/hex"
)

const Size = 20

// PeerID is the 20-byte value exchanged during the handshake (spec.md §3).
type PeerID [Size]byte

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// ClientPrefix identifies this implementation in generated peer ids,
// Azureus-style (spec.md §6): "-XX0001-" followed by 12 random bytes.
const ClientPrefix = "-GR0001-"

// Generate produces a fresh local peer id.
func Generate() (PeerID, error) {
	var id PeerID
	copy(id[:], ClientPrefix)
	if _, err := rand.Read(id[len(ClientPrefix):]); err != nil {
		return PeerID{}, err
	}
	return id, nil
}
