package tracker

import (
	"context"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/emberbt/ember/internal/bencode"
)

func TestAnnounceDecodesCompactPeers(t *testing.T) {
	compact := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{
			"interval": int64(1800),
			"complete": int64(3),
			"incomplete": int64(1),
			"peers":    string(compact),
		})
		w.Write(body)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	c := New(u, DefaultConfig(), nil)

	resp, err := c.Announce(context.Background(), AnnounceParams{
		InfoHash: sha1.Sum([]byte("info")),
		PeerID:   sha1.Sum([]byte("peer")),
		Port:     6881,
		Left:     1000,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if resp.Interval != 1800*time.Second {
		t.Fatalf("Interval = %v, want 1800s", resp.Interval)
	}
	if resp.Seeders != 3 || resp.Leechers != 1 {
		t.Fatalf("Seeders=%d Leechers=%d", resp.Seeders, resp.Leechers)
	}
	want := netip.MustParseAddrPort("127.0.0.1:6881")
	if len(resp.Peers) != 1 || resp.Peers[0] != want {
		t.Fatalf("Peers = %v, want [%v]", resp.Peers, want)
	}
}

func TestAnnounceDecodesDictPeersDroppingMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{
			"interval": int64(1800),
			"peers": []any{
				map[string]any{"ip": "127.0.0.1", "port": int64(6881)},
				map[string]any{"ip": "bad-ip", "port": int64(6882)},
			},
		})
		w.Write(body)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	c := New(u, DefaultConfig(), nil)

	resp, err := c.Announce(context.Background(), AnnounceParams{Port: 6881})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	want := netip.MustParseAddrPort("127.0.0.1:6881")
	if len(resp.Peers) != 1 || resp.Peers[0] != want {
		t.Fatalf("Peers = %v, want [%v] (malformed entry should be dropped, not fail the whole announce)", resp.Peers, want)
	}
}

func TestAnnounceSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{"failure reason": "unregistered torrent"})
		w.Write(body)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 1
	c := New(u, cfg, nil)

	_, err := c.Announce(context.Background(), AnnounceParams{Port: 6881})
	if err == nil {
		t.Fatal("expected error for failure reason response")
	}
}

func TestAnnounceRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := bencode.Marshal(map[string]any{"interval": int64(900)})
		w.Write(body)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	cfg := Config{MaxConsecutiveFailures: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	c := New(u, cfg, nil)

	resp, err := c.Announce(context.Background(), AnnounceParams{Port: 6881})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if resp.Interval != 900*time.Second {
		t.Fatalf("Interval = %v", resp.Interval)
	}
}
