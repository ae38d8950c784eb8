package engine

import (
	"context"
	"crypto/sha1"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/emberbt/ember/internal/config"
	"github.com/emberbt/ember/internal/metainfo"
	"github.com/emberbt/ember/internal/protocol"
	"github.com/emberbt/ember/internal/testutil"
)

func testMetainfo() metainfo.Info {
	return testutil.SinglePieceMetainfo("test.bin", 16*1024)
}

func TestCreateTorrentAllocatesAndStarts(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(nil)
	defer srv.Close()

	cfg := config.Default()
	cfg.DownloadDir = dir
	cfg.MinAnnounceInterval = time.Hour

	e := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	id, err := e.CreateTorrent(Params{
		Metainfo:   testMetainfo(),
		TrackerURL: srv.URL + "/announce",
		Mode:       ModeSeed,
	})
	if err != nil {
		t.Fatalf("CreateTorrent: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty torrent id")
	}

	if _, err := os.Stat(dir + "/test.bin"); err != nil {
		t.Fatalf("expected file allocated on disk: %v", err)
	}
}

func TestCreateTorrentRejectsBadTrackerURL(t *testing.T) {
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()

	e := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	_, err := e.CreateTorrent(Params{
		Metainfo:   testMetainfo(),
		TrackerURL: "://bad",
		Mode:       ModeSeed,
	})
	if err == nil {
		t.Fatal("expected error for malformed tracker URL")
	}
}

// TestRouteInboundDemuxesByInfoHash registers two torrents and checks that
// an inbound connection handshaking with the second torrent's info_hash is
// routed to that torrent, not to whichever one happens to be first in the
// torrent table.
func TestRouteInboundDemuxesByInfoHash(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()

	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.MinAnnounceInterval = time.Hour

	e := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	miA := testutil.SinglePieceMetainfo("a.bin", 16*1024)
	miB := testutil.SinglePieceMetainfo("b.bin", 16*1024)

	if _, err := e.CreateTorrent(Params{Metainfo: miA, TrackerURL: srv.URL + "/announce", Mode: ModeSeed}); err != nil {
		t.Fatalf("CreateTorrent A: %v", err)
	}
	if _, err := e.CreateTorrent(Params{Metainfo: miB, TrackerURL: srv.URL + "/announce", Mode: ModeSeed}); err != nil {
		t.Fatalf("CreateTorrent B: %v", err)
	}

	client, server := testutil.LoopbackPeerPair(t)

	peerID := sha1.Sum([]byte("peer"))
	go protocol.WriteHandshake(client, protocol.NewHandshake(miB.InfoHash, peerID))

	e.routeInbound(server)

	reply, err := protocol.ReadHandshake(client)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if reply.InfoHash != miB.InfoHash {
		t.Fatalf("routed to info_hash %x, want %x (torrent B)", reply.InfoHash, miB.InfoHash)
	}
}
