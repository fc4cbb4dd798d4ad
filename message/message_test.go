package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	cases := []*Message{
		{ID: Choke},
		{ID: Unchoke},
		FormatHave(42),
		FormatRequest(1, 16384, 16384),
		FormatCancel(1, 16384, 16384),
		FormatPiece(2, 0, []byte("hello world")),
		FormatBitfield([]byte{0xFF, 0x80}),
	}

	for _, want := range cases {
		buf := bytes.NewReader(want.Serialize())
		got, err := ReadMessage(buf)
		require.NoError(t, err)
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.Payload, got.Payload)
	}
}

func TestReadMessageKeepAlive(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 0})
	msg, err := ReadMessage(buf)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestReadMessageOversize(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xFF
	buf := bytes.NewReader(lenBuf[:])
	_, err := ReadMessage(buf)
	require.Error(t, err)
}

func TestParsePieceRejectsWrongIndex(t *testing.T) {
	msg := FormatPiece(5, 0, []byte("abc"))
	buf := make([]byte, 16)
	_, _, err := ParsePiece(1, buf, msg)
	require.Error(t, err)
}

func TestParsePieceRejectsOverflow(t *testing.T) {
	msg := FormatPiece(0, 10, make([]byte, 10))
	buf := make([]byte, 16)
	_, _, err := ParsePiece(0, buf, msg)
	require.Error(t, err)
}

func TestParseBlockRequestRoundTrip(t *testing.T) {
	msg := FormatRequest(3, 32768, 16384)
	req, err := ParseBlockRequest(msg)
	require.NoError(t, err)
	require.Equal(t, BlockRequest{Index: 3, Begin: 32768, Length: 16384}, req)
}

func TestParseHaveRejectsWrongLength(t *testing.T) {
	msg := &Message{ID: Have, Payload: []byte{1, 2}}
	_, err := ParseHave(msg)
	require.Error(t, err)
}
