package tracker

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gorent/bittorrent/internal/peerid"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestParseCompactPeers(t *testing.T) {
	raw := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 1, 0x1A, 0xE2}
	peers, err := parseCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.True(t, peers[0].IP.Equal(net.IPv4(127, 0, 0, 1)))
	require.Equal(t, uint16(0x1AE1), peers[0].Port)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestNewTrackerFromURLDispatchesByScheme(t *testing.T) {
	tr, err := NewTrackerFromURL("http://example.com/announce")
	require.NoError(t, err)
	_, ok := tr.(*httpTracker)
	require.True(t, ok)

	tr, err = NewTrackerFromURL("udp://tracker.example.com:6969")
	require.NoError(t, err)
	_, ok = tr.(*udpTracker)
	require.True(t, ok)

	_, err = NewTrackerFromURL("wss://example.com")
	require.Error(t, err)
}

func TestHTTPTrackerAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"))
	}))
	defer srv.Close()

	tr := newHTTPTracker(srv.URL)
	var peer peerid.PeerID
	resp, err := tr.Announce(context.Background(), AnnounceRequest{PeerID: peer, Port: 6881})
	require.NoError(t, err)
	require.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
}

func TestHTTPTrackerAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer srv.Close()

	tr := newHTTPTracker(srv.URL)
	_, err := tr.Announce(context.Background(), AnnounceRequest{})
	require.Error(t, err)
}

func TestClientAnnounceReturnsTrackerPeers(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali900e5:peers6:\x01\x02\x03\x04\x00\x50e"))
	}))
	defer srv1.Close()

	c, err := New([]string{srv1.URL}, testLogger())
	require.NoError(t, err)

	resp, err := c.Announce(context.Background(), AnnounceRequest{Port: 6881})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
}
