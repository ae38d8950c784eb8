// Package engine is the root supervisor: it owns the shared disk worker,
// the alert channel, and the table of running torrents, and exposes the
// commands a host program issues (create torrent, shut down). Grounded on
// cratetorrent's engine.rs for the handle/command-channel split and the
// two-phase shutdown (signal every torrent, then join, then stop disk).
package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/emberbt/ember/internal/alert"
	"github.com/emberbt/ember/internal/config"
	"github.com/emberbt/ember/internal/diskio"
	"github.com/emberbt/ember/internal/metainfo"
	"github.com/emberbt/ember/internal/protocol"
	"github.com/emberbt/ember/internal/torrentx"
	"github.com/emberbt/ember/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Mode selects whether a newly created torrent starts as a downloader with
// no pieces, or a seeder with every piece already marked owned.
type Mode int

const (
	ModeDownload Mode = iota
	ModeSeed
)

// Params describes a torrent to add to the engine.
type Params struct {
	Metainfo   metainfo.Info
	TrackerURL string
	Mode       Mode
	// Seeds are peer addresses to connect to immediately, bypassing the
	// first tracker announce.
	Seeds []netip.AddrPort
	// Conf overrides the engine's default Config for this torrent only.
	Conf *config.Config
}

type createTorrentCmd struct {
	id     torrentx.ID
	params Params
	result chan<- error
}

type shutdownCmd struct{ done chan struct{} }

// Engine is the top-level coordinator. Construct with New, then run it as
// a goroutine via Run and issue commands through CreateTorrent/Shutdown.
type Engine struct {
	cfg     config.Config
	log     *slog.Logger
	disk    *diskio.Worker
	alertCh chan alert.Alert

	clientID [sha1.Size]byte

	cmds chan any

	mu       sync.Mutex
	torrents map[torrentx.ID]*entry
}

type entry struct {
	torrent *torrentx.Torrent
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs an Engine with its disk worker and alert channel, but
// does not start it; call Run to begin processing commands.
func New(cfg config.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		log:      log.With("component", "engine"),
		disk:     diskio.NewWorker(cfg.DiskQueueDepth, log),
		alertCh:  make(chan alert.Alert, 256),
		clientID: newClientID(cfg.ClientIDPrefix),
		cmds:     make(chan any, 64),
		torrents: make(map[torrentx.ID]*entry),
	}
}

func newClientID(prefix string) [sha1.Size]byte {
	var id [sha1.Size]byte
	if len(prefix) == 8 {
		copy(id[:], prefix)
		rand.Read(id[8:])
	} else {
		rand.Read(id[:])
	}
	return id
}

// Alerts returns the channel the engine posts alert.Alert events to. The
// caller must keep draining it; a full channel blocks torrent actors.
func (e *Engine) Alerts() <-chan alert.Alert { return e.alertCh }

// CreateTorrent registers and starts a new torrent, returning its id once
// the disk worker has allocated its files.
func (e *Engine) CreateTorrent(params Params) (torrentx.ID, error) {
	id := fmt.Sprintf("%x", params.Metainfo.InfoHash)
	result := make(chan error, 1)
	e.cmds <- createTorrentCmd{id: id, params: params, result: result}
	return id, <-result
}

// Shutdown gracefully stops every torrent and the disk worker, blocking
// until all of them have terminated.
func (e *Engine) Shutdown() {
	done := make(chan struct{})
	e.cmds <- shutdownCmd{done}
	<-done
}

// Run drives the engine's command loop and the shared disk worker until
// ctx is cancelled or Shutdown is called.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.disk.Run(gctx) })

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case c := <-e.cmds:
			if done, stop := e.dispatch(gctx, g, c); stop {
				cancel()
				err := g.Wait()
				if done != nil {
					close(done)
				}
				return err
			}
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, g *errgroup.Group, c any) (done chan struct{}, stop bool) {
	switch cmd := c.(type) {
	case createTorrentCmd:
		cmd.result <- e.createTorrent(ctx, g, cmd.id, cmd.params)
	case shutdownCmd:
		e.shutdownTorrents()
		return cmd.done, true
	}
	return nil, false
}

func (e *Engine) createTorrent(ctx context.Context, g *errgroup.Group, id torrentx.ID, params Params) error {
	cfg := e.cfg
	if params.Conf != nil {
		cfg = *params.Conf
	}

	if err := e.disk.Register(id, torrentx.StorageInfoFromMetainfo(params.Metainfo), params.Metainfo.PieceHashes, cfg.DownloadDir); err != nil {
		return fmt.Errorf("engine: register torrent on disk: %w", err)
	}

	tr, err := torrentx.New(id, params.Metainfo, params.TrackerURL, e.clientID, cfg, e.disk, e.alertCh, e.log)
	if err != nil {
		e.disk.Unregister(id)
		return fmt.Errorf("engine: create torrent: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.torrents[id] = &entry{torrent: tr, cancel: cancel, done: done}
	e.mu.Unlock()

	g.Go(func() error {
		defer close(done)
		defer e.disk.Unregister(id)
		err := tr.Run(tctx)
		if err != nil {
			e.log.Error("torrent terminated with error", "torrent", id, "error", err)
		}
		return nil
	})

	switch params.Mode {
	case ModeSeed:
		tr.SeedAll()
	case ModeDownload:
		for _, addr := range params.Seeds {
			tr.ConnectPeer(addr)
		}
	}
	tr.Announce(tracker.EventStarted)

	return nil
}

func (e *Engine) shutdownTorrents() {
	e.mu.Lock()
	entries := make([]*entry, 0, len(e.torrents))
	for _, en := range e.torrents {
		entries = append(entries, en)
	}
	e.mu.Unlock()

	for _, en := range entries {
		en.torrent.Announce(tracker.EventStopped)
		en.torrent.Shutdown()
	}
}

// AcceptLoop accepts inbound peer connections on ln and routes each one to
// the torrent identified by the handshake's info_hash, closing connections
// for torrents the engine doesn't recognize.
func (e *Engine) AcceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go e.routeInbound(conn)
	}
}

// routeInbound reads the peer's handshake far enough to learn its
// info_hash, then dispatches the connection to the matching torrent. The
// torrent actor's own peerconn.Accept still performs the real handshake
// read and validation, so the bytes already consumed here are replayed to
// it via prefixConn rather than discarded.
func (e *Engine) routeInbound(conn net.Conn) {
	hs, err := protocol.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}

	id := fmt.Sprintf("%x", hs.InfoHash)

	e.mu.Lock()
	en, ok := e.torrents[id]
	e.mu.Unlock()
	if !ok {
		conn.Close()
		return
	}

	raw, err := hs.MarshalBinary()
	if err != nil {
		conn.Close()
		return
	}
	en.torrent.AcceptConn(&prefixConn{Conn: conn, r: io.MultiReader(bytes.NewReader(raw), conn)})
}

// prefixConn wraps a net.Conn whose handshake bytes have already been read
// off it, re-presenting those bytes ahead of whatever remains unread on
// the underlying connection.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixConn) Read(b []byte) (int, error) { return c.r.Read(b) }
