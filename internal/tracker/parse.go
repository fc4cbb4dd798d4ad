package tracker

import (
	"fmt"
	"net/url"
)

// NewTrackerFromURL builds the HTTP or UDP tracker transport implied by
// rawURL's scheme (spec.md §9's tagged variant: {HttpTracker(url),
// UdpTracker(host,port)}).
func NewTrackerFromURL(rawURL string) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPTracker(rawURL), nil
	case "udp":
		if u.Host == "" {
			return nil, fmt.Errorf("tracker: udp url %q missing host", rawURL)
		}
		return newUDPTracker(u.Host), nil
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme %q in %q", u.Scheme, rawURL)
	}
}
