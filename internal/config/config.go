// Package config centralizes the tunables every ember actor reads at
// construction time: pipeline depth, timeouts, announce backoff, and
// connection limits, grounded on prxssh-rabbit's pkg/config/config.go.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds every tunable knob a running engine consults. Parsing it
// from flags or environment variables is the CLI's job (spec.md §1, out
// of scope for the core); this package only owns the struct and its
// defaults.
type Config struct {
	// DownloadDir is where new torrents' files are written.
	DownloadDir string

	// Port is the TCP port this client listens on for incoming peer
	// connections.
	Port uint16

	// NumWant is the peer count requested from the tracker per announce.
	NumWant uint32

	// MinAnnounceInterval enforces a floor between announces regardless of
	// what the tracker suggests.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff between failed
	// announces (spec.md §5 tracker_error_threshold supplement).
	MaxAnnounceBackoff time.Duration

	// MaxConsecutiveAnnounceFailures bounds how many attempts a single
	// announce makes, with exponential backoff between them, before it
	// gives up. The tracker is not disabled afterwards: the next periodic
	// announce tries it again.
	MaxConsecutiveAnnounceFailures int

	// ClientIDPrefix seeds the peer_id advertised in handshakes and
	// announces. Only an exactly 8-byte value is used, as the id's first
	// 8 bytes; any other length (including empty) yields a fully random id.
	ClientIDPrefix string

	// MaxPeers bounds concurrent peer connections per torrent.
	MaxPeers int

	// PipelineTarget is how many block requests a peer session keeps
	// outstanding at once (spec.md §5 supplement: configurable pipeline
	// depth, defaulting to the spec's ~4 figure).
	PipelineTarget int

	// RequestTimeout is not read by any component: in-flight block
	// requests are never timed out or re-requested.
	RequestTimeout time.Duration

	// DialTimeout bounds establishing a new peer TCP connection.
	DialTimeout time.Duration

	// ReadTimeout/WriteTimeout bound a single peer-wire read or write.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeepAliveInterval is how often an idle peer connection sends a
	// KeepAlive frame.
	KeepAliveInterval time.Duration

	// PeerOutboundQueueBacklog bounds a peer session's outbound message
	// buffer before back-pressure kicks in.
	PeerOutboundQueueBacklog int

	// DiskQueueDepth bounds the shared disk worker's command queue.
	DiskQueueDepth int
}

// Default returns sensible defaults for most use cases.
func Default() Config {
	return Config{
		DownloadDir:                    defaultDownloadDir(),
		Port:                           6881,
		NumWant:                        50,
		MinAnnounceInterval:            2 * time.Minute,
		MaxAnnounceBackoff:             5 * time.Minute,
		MaxConsecutiveAnnounceFailures: 5,
		ClientIDPrefix:                 "-EMBR01-",
		MaxPeers:                       50,
		PipelineTarget:                 4,
		RequestTimeout:                 30 * time.Second,
		DialTimeout:                    15 * time.Second,
		ReadTimeout:                    45 * time.Second,
		WriteTimeout:                   45 * time.Second,
		KeepAliveInterval:              2 * time.Minute,
		PeerOutboundQueueBacklog:       25,
		DiskQueueDepth:                 100,
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}
	return filepath.Join(home, ".local", "share", "ember", "downloads")
}
