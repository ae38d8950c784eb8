// Package testutil holds fixtures shared across package tests: a tiny
// in-memory metainfo, a loopback peer connection pair, and a scratch
// download directory. Kept deliberately small — most packages still
// build their own narrow fixtures inline where a shared one wouldn't fit.
package testutil

import (
	"crypto/sha1"
	"net"
	"testing"

	"github.com/emberbt/ember/internal/metainfo"
)

// SinglePieceMetainfo returns a single-file, single-piece Info of the
// given size, with a piece hash matching all-zero content of that size.
func SinglePieceMetainfo(name string, pieceLength int64) metainfo.Info {
	content := make([]byte, pieceLength)
	return metainfo.Info{
		InfoHash:    sha1.Sum([]byte(name)),
		Name:        name,
		PieceLength: pieceLength,
		PieceHashes: [][sha1.Size]byte{sha1.Sum(content)},
		Length:      pieceLength,
	}
}

// LoopbackPeerPair returns two ends of an in-memory, full-duplex
// connection standing in for a TCP peer connection in tests.
func LoopbackPeerPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// ScratchDir returns a fresh, auto-cleaned directory for a test to write
// downloaded files into.
func ScratchDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
