package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// udpProtocolMagic is the fixed connection-id used to open a BEP 15
// connect transaction.
const udpProtocolMagic = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
)

// udpTracker implements the two-step BEP 15 protocol over a single UDP
// socket per announce (spec.md §4.2).
type udpTracker struct {
	addr string // host:port
}

func newUDPTracker(addr string) *udpTracker {
	return &udpTracker{addr: addr}
}

func (t *udpTracker) String() string { return "udp://" + t.addr }

func (t *udpTracker) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	raddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: resolve %s: %w", t.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: dial %s: %w", t.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	connID, err := t.connect(ctx, conn)
	if err != nil {
		return AnnounceResponse{}, err
	}
	return t.announce(ctx, conn, connID, req)
}

// withRetransmit sends via send and waits for recv to produce a reply,
// retransmitting with exponential backoff per BEP 15: the n-th attempt
// waits 15·2^n seconds for a reply, n=0..8 (spec.md §4.2), never past
// ctx's deadline.
func withRetransmit(ctx context.Context, send func() error, recv func(timeout time.Duration) ([]byte, error)) ([]byte, error) {
	for n := 0; n <= 8; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := send(); err != nil {
			return nil, err
		}
		wait := time.Duration(15*(1<<uint(n))) * time.Second
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			wait = time.Until(deadline)
		}
		reply, err := recv(wait)
		if err == nil {
			return reply, nil
		}
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			return nil, err
		}
		// timeout: retransmit with the next, doubled wait
	}
	return nil, fmt.Errorf("tracker: udp retransmit exhausted")
}

func (t *udpTracker) connect(ctx context.Context, conn *net.UDPConn) (connID uint64, err error) {
	txID := randomTransactionID()

	send := func() error {
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[0:8], udpProtocolMagic)
		binary.BigEndian.PutUint32(buf[8:12], udpActionConnect)
		binary.BigEndian.PutUint32(buf[12:16], txID)
		conn.SetWriteDeadline(time.Now().Add(perTrackerTimeout))
		_, err := conn.Write(buf[:])
		return err
	}
	recv := func(timeout time.Duration) ([]byte, error) {
		buf := make([]byte, 16)
		conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < 16 {
			return nil, fmt.Errorf("tracker: udp connect reply too short (%d bytes)", n)
		}
		if binary.BigEndian.Uint32(buf[4:8]) != txID {
			return nil, fmt.Errorf("tracker: udp connect reply transaction id mismatch")
		}
		return buf[:n], nil
	}

	reply, err := withRetransmit(ctx, send, recv)
	if err != nil {
		return 0, fmt.Errorf("tracker: udp connect to %s: %w", t.addr, err)
	}
	return binary.BigEndian.Uint64(reply[8:16]), nil
}

func (t *udpTracker) announce(ctx context.Context, conn *net.UDPConn, connID uint64, req AnnounceRequest) (AnnounceResponse, error) {
	txID := randomTransactionID()
	key := randomTransactionID()

	send := func() error {
		buf := make([]byte, 98)
		binary.BigEndian.PutUint64(buf[0:8], connID)
		binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
		binary.BigEndian.PutUint32(buf[12:16], txID)
		copy(buf[16:36], req.InfoHash[:])
		copy(buf[36:56], req.PeerID[:])
		binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
		binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
		binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
		binary.BigEndian.PutUint32(buf[80:84], udpEventCode(req.Event))
		binary.BigEndian.PutUint32(buf[84:88], 0) // ip = 0 (use sender's)
		binary.BigEndian.PutUint32(buf[88:92], key)
		binary.BigEndian.PutUint32(buf[92:96], uint32(int32(-1))) // num_want = -1
		binary.BigEndian.PutUint16(buf[96:98], req.Port)
		conn.SetWriteDeadline(time.Now().Add(perTrackerTimeout))
		_, err := conn.Write(buf)
		return err
	}

	var reply []byte
	recv := func(timeout time.Duration) ([]byte, error) {
		buf := make([]byte, 20+6*200) // room for a generous peer list
		conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < 20 {
			return nil, fmt.Errorf("tracker: udp announce reply too short (%d bytes)", n)
		}
		if binary.BigEndian.Uint32(buf[4:8]) != txID {
			return nil, fmt.Errorf("tracker: udp announce reply transaction id mismatch")
		}
		return buf[:n], nil
	}

	reply, err := withRetransmit(ctx, send, recv)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: udp announce to %s: %w", t.addr, err)
	}

	interval := binary.BigEndian.Uint32(reply[8:12])
	peers, err := parseCompactPeers(reply[20:])
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: udp peers from %s: %w", t.addr, err)
	}
	return AnnounceResponse{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func randomTransactionID() uint32 {
	var buf [4]byte
	rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
