// Package tracker implements the TrackerClient component of spec.md §4.2:
// HTTP and UDP tracker announces, unified behind a single interface, run
// concurrently across every tracker the torrent names.
package tracker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gorent/bittorrent/internal/peerid"
)

// Event is the announce event parameter (spec.md §4.2).
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

// Endpoint is one peer address returned by a tracker.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// AnnounceRequest carries every parameter a tracker announce needs,
// shared verbatim by both transports.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     peerid.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// AnnounceResponse is what a successful announce yields.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []Endpoint
}

// Tracker is the tagged-variant interface spec.md §9 calls for: HTTP and
// UDP trackers share one announce operation.
type Tracker interface {
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error)
	String() string
}

// perTrackerTimeout bounds a single tracker's announce so a slow tracker
// never delays the others (spec.md §4.2).
const perTrackerTimeout = 30 * time.Second

// Client fans an announce out to every configured tracker concurrently,
// unions and deduplicates the peer sets, and returns as soon as any one
// tracker succeeds while the rest continue in the background.
type Client struct {
	trackers []Tracker
	log      *logrus.Entry

	// cached accumulates peers learned from trackers that answered after
	// a previous Announce call had already returned (background drain),
	// so a later Announce benefits from them without having to wait.
	cacheMu sync.Mutex
	cached  map[string]Endpoint
}

// New builds a Client from a list of tracker URLs/host:ports, parsed into
// HTTP or UDP transports by NewTrackerFromURL.
func New(urls []string, log *logrus.Entry) (*Client, error) {
	var trackers []Tracker
	for _, u := range urls {
		tr, err := NewTrackerFromURL(u)
		if err != nil {
			log.WithField("tracker", u).WithError(err).Warn("tracker: skipping unparseable announce URL")
			continue
		}
		trackers = append(trackers, tr)
	}
	if len(trackers) == 0 {
		return nil, fmt.Errorf("tracker: no usable tracker URLs")
	}
	return &Client{trackers: trackers, log: log, cached: make(map[string]Endpoint)}, nil
}

type announceResult struct {
	resp AnnounceResponse
	err  error
	name string
}

// Announce implements spec.md §4.2's announce operation across all
// trackers: every tracker is announced to concurrently, each bounded by
// its own perTrackerTimeout. It returns as soon as the first tracker
// answers successfully, merging in peers already learned from a prior
// call's background drain; the remaining in-flight announces are drained
// by a background goroutine that folds their peers into the cache for the
// next Announce, rather than blocking this call on the slowest tracker.
func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	results := make(chan announceResult, len(c.trackers))
	for _, tr := range c.trackers {
		go func(tr Tracker) {
			tctx, cancel := context.WithTimeout(ctx, perTrackerTimeout)
			defer cancel()
			resp, err := tr.Announce(tctx, req)
			results <- announceResult{resp: resp, err: err, name: tr.String()}
		}(tr)
	}

	remaining := len(c.trackers)
	var lastErr error
	for remaining > 0 {
		r := <-results
		remaining--
		if r.err != nil {
			c.log.WithField("tracker", r.name).WithError(r.err).Debug("tracker: announce failed")
			lastErr = r.err
			continue
		}

		if remaining > 0 {
			go c.drainRemaining(results, remaining)
		}
		return c.mergeWithCache(r.resp), nil
	}

	if lastErr != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: all trackers failed, last error: %w", lastErr)
	}
	return AnnounceResponse{}, fmt.Errorf("tracker: all trackers failed")
}

// mergeWithCache folds resp's peers into the cache and returns resp with
// every previously-cached peer unioned in.
func (c *Client) mergeWithCache(resp AnnounceResponse) AnnounceResponse {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	for _, ep := range resp.Peers {
		c.cached[ep.String()] = ep
	}
	merged := resp
	merged.Peers = make([]Endpoint, 0, len(c.cached))
	for _, ep := range c.cached {
		merged.Peers = append(merged.Peers, ep)
	}
	return merged
}

// drainRemaining waits for the rest of one Announce's in-flight trackers
// and folds any peers they return into the cache, so they are available to
// the next Announce call even though this one already returned.
func (c *Client) drainRemaining(results <-chan announceResult, remaining int) {
	for i := 0; i < remaining; i++ {
		r := <-results
		if r.err != nil {
			c.log.WithField("tracker", r.name).WithError(r.err).Debug("tracker: background announce failed")
			continue
		}
		c.cacheMu.Lock()
		for _, ep := range r.resp.Peers {
			c.cached[ep.String()] = ep
		}
		c.cacheMu.Unlock()
	}
}
