// Command emberd is a headless BitTorrent client: point it at a .torrent
// file and it downloads (or seeds) it, printing a progress bar driven by
// the engine's alert stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/emberbt/ember/internal/alert"
	"github.com/emberbt/ember/internal/config"
	"github.com/emberbt/ember/internal/engine"
	"github.com/emberbt/ember/internal/logging"
)

var cli struct {
	Download struct {
		Torrent            string           `arg:"" help:"Path to the .torrent file." type:"existingfile"`
		Dir                string           `help:"Directory to download into." default:""`
		Listen             string           `help:"Address to listen for incoming peers on." default:":6881"`
		Seed               []netip.AddrPort `help:"Peer address to connect to immediately, bypassing the first announce."`
		QuitAfterComplete  bool             `help:"Exit once the torrent finishes downloading." name:"quit-after-complete"`
	} `cmd:"" help:"Download a torrent."`

	Seed struct {
		Torrent string `arg:"" help:"Path to the .torrent file." type:"existingfile"`
		Dir     string `help:"Directory the torrent's files already live in." default:""`
		Listen  string `help:"Address to listen for incoming peers on." default:":6881"`
	} `cmd:"" help:"Seed an already-complete torrent."`
}

func main() {
	setupLogger()

	kctx := kong.Parse(&cli,
		kong.Name("emberd"),
		kong.Description(color.CyanString("ember")+" — a headless BitTorrent client"),
	)

	var err error
	switch kctx.Command() {
	case "download <torrent>":
		err = runDownload()
	case "seed <torrent>":
		err = runSeed()
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil {
		slog.Error("emberd exiting with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.Level = slog.LevelInfo
	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}

func runDownload() error {
	info, announce, err := loadMetainfo(cli.Download.Torrent)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if cli.Download.Dir != "" {
		cfg.DownloadDir = cli.Download.Dir
	}

	e := engine.New(cfg, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = e.Run(ctx) }()

	ln, err := listenIfPossible(cli.Download.Listen)
	if err == nil && ln != nil {
		go func() { _ = e.AcceptLoop(ctx, ln) }()
		defer ln.Close()
	}

	id, err := e.CreateTorrent(engine.Params{
		Metainfo:   info,
		TrackerURL: announce,
		Mode:       engine.ModeDownload,
		Seeds:      cli.Download.Seed,
	})
	if err != nil {
		return fmt.Errorf("create torrent: %w", err)
	}
	slog.Info("torrent started", "id", id, "name", info.Name)

	bar := progressbar.DefaultBytes(info.TotalLength(), "downloading "+info.Name)
	return watchAlerts(ctx, e, bar, cli.Download.QuitAfterComplete)
}

func runSeed() error {
	info, announce, err := loadMetainfo(cli.Seed.Torrent)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if cli.Seed.Dir != "" {
		cfg.DownloadDir = cli.Seed.Dir
	}

	e := engine.New(cfg, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = e.Run(ctx) }()

	ln, err := listenIfPossible(cli.Seed.Listen)
	if err == nil && ln != nil {
		go func() { _ = e.AcceptLoop(ctx, ln) }()
		defer ln.Close()
	}

	id, err := e.CreateTorrent(engine.Params{
		Metainfo:   info,
		TrackerURL: announce,
		Mode:       engine.ModeSeed,
	})
	if err != nil {
		return fmt.Errorf("create torrent: %w", err)
	}
	slog.Info("seeding torrent", "id", id, "name", info.Name)

	bar := progressbar.DefaultBytes(info.TotalLength(), "seeding "+info.Name)
	bar.Set64(info.TotalLength())
	return watchAlerts(ctx, e, bar, false)
}

func listenIfPossible(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, nil
	}
	return net.Listen("tcp", addr)
}

func watchAlerts(ctx context.Context, e *engine.Engine, bar *progressbar.ProgressBar, quitAfterComplete bool) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			slog.Info("shutting down")
			e.Shutdown()
			return nil

		case <-ctx.Done():
			return nil

		case a := <-e.Alerts():
			switch a.Kind {
			case alert.KindTorrentStats:
				bar.Set64(a.Stats.Downloaded)
			case alert.KindTorrentComplete:
				bar.Set64(bar.GetMax64())
				fmt.Println()
				slog.Info("torrent complete", "torrent", a.Torrent)
				if quitAfterComplete {
					e.Shutdown()
					return nil
				}
			case alert.KindPeers:
				slog.Debug("tracker returned peers", "count", len(a.Peers))
			}
		}
	}
}
