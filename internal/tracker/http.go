package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// httpTracker announces over HTTP GET, per spec.md §4.2.
type httpTracker struct {
	rawURL string
	client *http.Client
}

func newHTTPTracker(rawURL string) *httpTracker {
	return &httpTracker{
		rawURL: rawURL,
		client: &http.Client{Timeout: perTrackerTimeout},
	}
}

func (t *httpTracker) String() string { return t.rawURL }

func (t *httpTracker) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	u, err := t.buildURL(req)
	if err != nil {
		return AnnounceResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return AnnounceResponse{}, err
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: http get %s: %w", t.rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnnounceResponse{}, fmt.Errorf("tracker: http status %d from %s", resp.StatusCode, t.rawURL)
	}

	// Decode into a generic bencode value rather than a fixed struct: the
	// "peers" key's shape (compact string vs. list of dicts) isn't known
	// until we inspect it, and bencode-go has no sum-type equivalent of
	// encoding/json.RawMessage.
	var generic interface{}
	if err := bencode.Unmarshal(resp.Body, &generic); err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: bencode decode from %s: %w", t.rawURL, err)
	}
	dict, ok := generic.(map[string]interface{})
	if !ok {
		return AnnounceResponse{}, fmt.Errorf("tracker: %s response is not a dictionary", t.rawURL)
	}

	if reason, ok := dict["failure reason"].(string); ok && reason != "" {
		return AnnounceResponse{}, fmt.Errorf("tracker: %s reported failure: %s", t.rawURL, reason)
	}

	interval, _ := dict["interval"].(int64)

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: decoding peers from %s: %w", t.rawURL, err)
	}

	return AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}

// decodePeers accepts both peer encodings spec.md §4.2 requires: a compact
// 6-bytes-per-peer string, or a list of {ip, port} dictionaries.
func decodePeers(raw interface{}) ([]Endpoint, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return parseCompactPeers([]byte(v))
	case []interface{}:
		out := make([]Endpoint, 0, len(v))
		for _, item := range v {
			dict, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := dict["ip"].(string)
			port, _ := dict["port"].(int64)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				continue
			}
			out = append(out, Endpoint{IP: ip, Port: uint16(port)})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unrecognized peers encoding %T", raw)
	}
}

func parseCompactPeers(b []byte) ([]Endpoint, error) {
	const peerSize = 6
	if len(b)%peerSize != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of %d", len(b), peerSize)
	}
	n := len(b) / peerSize
	out := make([]Endpoint, n)
	for i := 0; i < n; i++ {
		off := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, b[off:off+4])
		out[i] = Endpoint{IP: ip, Port: binary.BigEndian.Uint16(b[off+4 : off+6])}
	}
	return out, nil
}

func (t *httpTracker) buildURL(req AnnounceRequest) (string, error) {
	base, err := url.Parse(t.rawURL)
	if err != nil {
		return "", err
	}
	params := url.Values{
		"port":       {strconv.Itoa(int(req.Port))},
		"uploaded":   {strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": {strconv.FormatInt(req.Downloaded, 10)},
		"left":       {strconv.FormatInt(req.Left, 10)},
		"compact":    {"1"},
	}
	if ev := eventName(req.Event); ev != "" {
		params.Set("event", ev)
	}
	base.RawQuery = params.Encode()
	base.RawQuery += "&info_hash=" + percentEncode(req.InfoHash[:])
	base.RawQuery += "&peer_id=" + percentEncode(req.PeerID[:])
	return base.String(), nil
}

func eventName(e Event) string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// percentEncode applies raw byte percent-encoding, matching the teacher's
// approach: info_hash/peer_id are 20 raw bytes, not UTF-8 text, so
// url.QueryEscape's text-oriented escaping would mangle them.
func percentEncode(b []byte) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		out = append(out, '%', hex[c>>4], hex[c&0x0F])
	}
	return string(out)
}
