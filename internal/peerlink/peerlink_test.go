package peerlink

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/message"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestHandshakeSerializeRoundTrip(t *testing.T) {
	var local, remote peerid.PeerID
	copy(local[:], "local-peer-0123456789")
	copy(remote[:], "remote-peer-012345678")
	infoHash := [20]byte{1, 2, 3}

	h := Handshake{InfoHash: infoHash, PeerID: remote}
	buf := h.Serialize()
	require.Equal(t, 68, len(buf))

	got, err := ReadHandshake(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, infoHash, got.InfoHash)
	require.Equal(t, remote, got.PeerID)

	require.NoError(t, ValidateHandshake(got, infoHash, local))
	require.Error(t, ValidateHandshake(got, infoHash, remote)) // peer echoed our id
}

func TestDialAndAcceptCompleteHandshakeAndExchangeMessages(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{9, 9, 9}
	var clientID, serverID peerid.PeerID
	copy(clientID[:], "client-peer-0123456789")
	copy(serverID[:], "server-peer-0123456789")

	serverLinkCh := make(chan *Link, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		link, err := Accept(conn, serverID, infoHash, testLogger())
		if err != nil {
			return
		}
		serverLinkCh <- link
	}()

	clientLink, err := Dial(context.Background(), ln.Addr().String(), clientID, infoHash, testLogger())
	require.NoError(t, err)
	defer clientLink.Close()

	serverLink := <-serverLinkCh
	defer serverLink.Close()

	require.Equal(t, serverID, clientLink.PeerID)
	require.Equal(t, clientID, serverLink.PeerID)

	require.NoError(t, clientLink.Send(&message.Message{ID: message.Interested}))
	select {
	case msg := <-serverLink.Inbox():
		require.Equal(t, message.Interested, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendFailsWhenOutboxFull(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{1}
	var a, b peerid.PeerID
	copy(a[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(b[:], "bbbbbbbbbbbbbbbbbbbb")

	serverDone := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Never drain the accepted link's inbox: once its buffer fills, its
		// read loop stops reading, forcing the client's TCP send buffer
		// (and eventually outbox) to back up.
		Accept(conn, b, infoHash, testLogger())
		close(serverDone)
	}()

	client, err := Dial(context.Background(), ln.Addr().String(), a, infoHash, testLogger())
	require.NoError(t, err)
	defer client.Close()
	<-serverDone

	chunk := make([]byte, 4096)
	var sendErr error
	for i := 0; i < outboxCap*4; i++ {
		if err := client.Send(&message.Message{ID: message.Piece, Payload: chunk}); err != nil {
			sendErr = err
			break
		}
	}
	require.ErrorIs(t, sendErr, ErrSlowPeer)
}
