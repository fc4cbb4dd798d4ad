// Package peerlink implements the PeerLink component of spec.md §4.3: one
// TCP connection to a remote peer, carrying the handshake and the
// length-prefixed message framing, with back-pressured sends and idle
// detection.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gorent/bittorrent/internal/peerid"
	"github.com/gorent/bittorrent/message"
)

const (
	handshakeTimeout   = 10 * time.Second
	keepAliveInterval  = 2 * time.Minute
	idleTimeout        = 2 * time.Minute

	// outboxCap is the back-pressure bound of spec.md §4.3: "256 messages
	// cap, then further sends fail with SlowPeer".
	outboxCap = 256
)

// ErrSlowPeer is returned by Send when the outbound queue is full.
var ErrSlowPeer = errors.New("peerlink: outbound queue full (slow peer)")

// Link owns one peer's socket and framing buffers exclusively (spec.md §3
// Ownership). Its PeerState is tracked by the owning SessionCoordinator via
// the channels this type exposes, never by direct mutation.
type Link struct {
	conn     net.Conn
	PeerID   peerid.PeerID
	Endpoint string
	log      *logrus.Entry

	outbox chan *message.Message
	inbox  chan *message.Message
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	lastRecvMu sync.Mutex
	lastRecv   time.Time
}

// Dial opens a TCP connection to addr and performs the outbound handshake.
func Dial(ctx context.Context, addr string, localID peerid.PeerID, infoHash [20]byte, log *logrus.Entry) (*Link, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerlink: dial %s: %w", addr, err)
	}

	remoteID, err := performHandshake(conn, localID, infoHash)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return newLink(conn, remoteID, addr, log), nil
}

// Accept performs the inbound side of the handshake (the same exchange,
// since spec.md §4.3 is symmetric) over an already-accepted conn.
func Accept(conn net.Conn, localID peerid.PeerID, infoHash [20]byte, log *logrus.Entry) (*Link, error) {
	remoteID, err := performHandshake(conn, localID, infoHash)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newLink(conn, remoteID, conn.RemoteAddr().String(), log), nil
}

func performHandshake(conn net.Conn, localID peerid.PeerID, infoHash [20]byte) (peerid.PeerID, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	local := Handshake{InfoHash: infoHash, PeerID: localID}
	if _, err := conn.Write(local.Serialize()); err != nil {
		return peerid.PeerID{}, fmt.Errorf("peerlink: write handshake: %w", err)
	}

	remote, err := ReadHandshake(conn)
	if err != nil {
		return peerid.PeerID{}, fmt.Errorf("peerlink: read handshake: %w", err)
	}
	if err := ValidateHandshake(remote, infoHash, localID); err != nil {
		return peerid.PeerID{}, err
	}
	return remote.PeerID, nil
}

func newLink(conn net.Conn, remoteID peerid.PeerID, endpoint string, log *logrus.Entry) *Link {
	l := &Link{
		conn:     conn,
		PeerID:   remoteID,
		Endpoint: endpoint,
		log:      log.WithField("peer", remoteID.String()[:8]),
		outbox:   make(chan *message.Message, outboxCap),
		inbox:    make(chan *message.Message, outboxCap),
		done:     make(chan struct{}),
	}
	l.touch()
	go l.writeLoop()
	go l.readLoop()
	return l
}

// Send enqueues msg for transmission. It never blocks: if the outbound
// queue is already at capacity, it returns ErrSlowPeer immediately
// (spec.md §4.3).
func (l *Link) Send(msg *message.Message) error {
	select {
	case <-l.done:
		return fmt.Errorf("peerlink: link closed: %w", l.Err())
	default:
	}
	select {
	case l.outbox <- msg:
		return nil
	default:
		return ErrSlowPeer
	}
}

// Inbox yields parsed messages in arrival order. It is closed when the
// link drops.
func (l *Link) Inbox() <-chan *message.Message {
	return l.inbox
}

// Done is closed when the link has stopped, for any reason (clean close,
// protocol error, idle timeout, I/O error).
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the reason the link stopped, if any.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close drops the connection cleanly.
func (l *Link) Close() error {
	return l.closeWith(nil)
}

func (l *Link) closeWith(err error) error {
	var closeErr error
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		closeErr = l.conn.Close()
		close(l.done)
	})
	return closeErr
}

func (l *Link) touch() {
	l.lastRecvMu.Lock()
	l.lastRecv = time.Now()
	l.lastRecvMu.Unlock()
}

func (l *Link) idleFor() time.Duration {
	l.lastRecvMu.Lock()
	defer l.lastRecvMu.Unlock()
	return time.Since(l.lastRecv)
}

// writeLoop drains the outbox and emits periodic keep-alives, per spec.md
// §4.3: "send KEEP-ALIVE every 2 minutes".
func (l *Link) writeLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case msg := <-l.outbox:
			if _, err := l.conn.Write(msg.Serialize()); err != nil {
				l.closeWith(fmt.Errorf("peerlink: write: %w", err))
				return
			}
		case <-ticker.C:
			var keepAlive *message.Message
			if _, err := l.conn.Write(keepAlive.Serialize()); err != nil {
				l.closeWith(fmt.Errorf("peerlink: keepalive write: %w", err))
				return
			}
		}
	}
}

// readLoop parses inbound frames and enforces the idle timeout: "drop peer
// after 2 minutes of no inbound traffic" (spec.md §4.3).
func (l *Link) readLoop() {
	defer close(l.inbox)

	for {
		l.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := message.ReadMessage(l.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.closeWith(fmt.Errorf("peerlink: idle timeout after %s", idleTimeout))
				return
			}
			l.closeWith(fmt.Errorf("peerlink: read: %w", err))
			return
		}
		l.touch()
		if msg == nil {
			continue // keep-alive
		}
		select {
		case l.inbox <- msg:
		case <-l.done:
			return
		}
	}
}
