// Package message implements the peer wire protocol's length-prefixed
// message framing and codec, per spec.md §4.3.
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a peer wire message type. Unknown ids are preserved by
// ReadMessage rather than rejected, so callers can silently discard them
// (forward compatibility with PEX/extension messages, per §4.3).
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitField      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitField:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is one decoded frame.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m into the 4-byte-length-prefixed wire form. A nil
// receiver serializes as a zero-length keep-alive frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// MaxFrameLength bounds the accepted payload length of an inbound frame.
// A 16 KiB block plus the 9-byte PIECE header plus slack comfortably fits;
// anything larger is almost certainly a malformed or hostile frame and is
// treated as a protocol error.
const MaxFrameLength = 1 << 20

// ReadMessage reads one frame from r. A zero-length frame (keep-alive)
// yields (nil, nil). An oversize length prefix is a protocol error.
func ReadMessage(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, fmt.Errorf("message: frame length %d exceeds max %d", length, MaxFrameLength)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: ID(body[0]), Payload: body[1:]}, nil
}

// FormatHave builds a HAVE message announcing index.
func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// FormatBitfield builds a BITFIELD message from a raw bit vector.
func FormatBitfield(bits []byte) *Message {
	payload := make([]byte, len(bits))
	copy(payload, bits)
	return &Message{ID: BitField, Payload: payload}
}

// FormatRequest builds a REQUEST message for the given block.
func FormatRequest(index, begin, length int) *Message {
	return &Message{ID: Request, Payload: encodeBlockHeader(index, begin, length)}
}

// FormatCancel builds a CANCEL message for the given block.
func FormatCancel(index, begin, length int) *Message {
	return &Message{ID: Cancel, Payload: encodeBlockHeader(index, begin, length)}
}

// FormatPiece builds a PIECE message carrying block for (index, begin).
func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

func encodeBlockHeader(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return payload
}

// BlockRequest is the decoded payload of a REQUEST or CANCEL message.
type BlockRequest struct {
	Index, Begin, Length int
}

// ParseBlockRequest decodes a REQUEST or CANCEL payload.
func ParseBlockRequest(msg *Message) (BlockRequest, error) {
	if msg.ID != Request && msg.ID != Cancel {
		return BlockRequest{}, fmt.Errorf("message: expected request/cancel, got %s", msg.ID)
	}
	if len(msg.Payload) != 12 {
		return BlockRequest{}, fmt.Errorf("message: request payload length %d, want 12", len(msg.Payload))
	}
	return BlockRequest{
		Index:  int(binary.BigEndian.Uint32(msg.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(msg.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(msg.Payload[8:12])),
	}, nil
}

// ParsePiece copies the block carried by a PIECE message into buf at the
// offset it names, returning the offset and number of bytes written. index
// must match the piece currently being assembled.
func ParsePiece(index int, buf []byte, msg *Message) (begin, n int, err error) {
	if msg.ID != Piece {
		return 0, 0, fmt.Errorf("message: expected piece, got %s", msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, fmt.Errorf("message: piece payload length %d < 8", len(msg.Payload))
	}
	parsedIndex := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	if parsedIndex != index {
		return 0, 0, fmt.Errorf("message: piece index %d, want %d", parsedIndex, index)
	}
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	if begin < 0 || begin >= len(buf) {
		return 0, 0, fmt.Errorf("message: piece begin %d out of range [0,%d)", begin, len(buf))
	}
	data := msg.Payload[8:]
	if begin+len(data) > len(buf) {
		return 0, 0, fmt.Errorf("message: piece data length %d at offset %d overflows buffer of %d", len(data), begin, len(buf))
	}
	copy(buf[begin:], data)
	return begin, len(data), nil
}

// ParseHave decodes a HAVE message's piece index.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have {
		return 0, fmt.Errorf("message: expected have, got %s", msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("message: have payload length %d, want 4", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}
