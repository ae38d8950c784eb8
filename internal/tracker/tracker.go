// Package tracker implements the single-announce HTTP tracker client
// (spec §4.5): build a GET request, percent-encode the binary fields,
// decode the bencoded response, and surface the peer list and swarm
// counters it reports. UDP trackers are an explicit non-goal.
package tracker

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/emberbt/ember/internal/bencode"
	"github.com/samber/lo"
)

// Event signals a lifecycle transition to the tracker.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
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

// AnnounceParams carries everything a GET announce needs (spec §4.5).
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    uint32
	Key        uint32
	TrackerID  string
}

// AnnounceResponse is the decoded result of a successful announce.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Config tunes announce retry behavior. MaxConsecutiveFailures bounds how
// many attempts Announce makes before giving up and returning the last
// error — the supplemented tracker_error_threshold behavior (spec §5).
type Config struct {
	MaxConsecutiveFailures int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
}

// DefaultConfig mirrors the teacher's retry defaults, scaled down for a
// single tracker rather than a multi-tier fan-out.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 5,
		InitialBackoff:         500 * time.Millisecond,
		MaxBackoff:             30 * time.Second,
	}
}

// Client is a single-tracker HTTP announce client.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	cfg     Config
	log     *slog.Logger

	trackerID string
}

// New builds a Client for the given announce URL.
func New(announceURL *url.URL, cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: announceURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          20,
				IdleConnTimeout:       30 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		cfg: cfg,
		log: log.With("component", "tracker"),
	}
}

// Announce performs a GET announce, making at most
// cfg.MaxConsecutiveFailures attempts with exponential backoff between
// them before giving up.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxConsecutiveFailures; attempt++ {
		resp, err := c.announceOnce(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		c.log.Warn("announce attempt failed", "attempt", attempt, "error", err)
		if attempt == c.cfg.MaxConsecutiveFailures {
			break
		}

		delay := backoffDelay(attempt, c.cfg.InitialBackoff, c.cfg.MaxBackoff)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("tracker: announce failed after %d attempts: %w", c.cfg.MaxConsecutiveFailures, lastErr)
}

func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}

func (c *Client) announceOnce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: http status %d: %s", resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: read body: %w", err)
	}

	r, err := parseAnnounceResponse(data)
	if err != nil {
		return nil, err
	}
	if r.TrackerID != "" {
		c.trackerID = r.TrackerID
	}
	return r, nil
}

func (c *Client) buildURL(p AnnounceParams) string {
	u := *c.baseURL
	q := u.Query()

	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatUint(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(p.Downloaded, 10))
	q.Set("left", strconv.FormatUint(p.Left, 10))
	q.Set("compact", "1")

	if p.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(p.NumWant)))
	}
	if p.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(p.Key), 10))
	}
	if p.Event != EventNone {
		q.Set("event", p.Event.String())
	}
	if c.trackerID != "" {
		q.Set("trackerid", c.trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(data []byte) (*AnnounceResponse, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: response is not a dict (%T)", raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: failure reason: %s", reason)
	}

	peers, err := decodeAllPeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: peers: %w", err)
	}
	peers = lo.UniqBy(peers, func(a netip.AddrPort) string { return a.String() })

	return &AnnounceResponse{
		TrackerID:   asString(dict["trackerid"]),
		Interval:    time.Duration(asInt(dict["interval"])) * time.Second,
		MinInterval: time.Duration(asInt(dict["min interval"])) * time.Second,
		Seeders:     asInt(dict["complete"]),
		Leechers:    asInt(dict["incomplete"]),
		Peers:       peers,
	}, nil
}

func asInt(v any) int64 {
	i, _ := v.(int64)
	return i
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
