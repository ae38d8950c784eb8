// Package metainfo defines the plain decoded structure the engine expects
// a .torrent file's info dict to already have been parsed into. Parsing
// the bencoded metainfo file itself is out of scope for the core (spec.md
// §1) — callers hand in a populated Info.
package metainfo

import "crypto/sha1"

// FileEntry describes one file in a multi-file torrent.
type FileEntry struct {
	// Path is relative to the torrent's name directory.
	Path   []string
	Length int64
}

// Info is the decoded content of a torrent's info dict, plus the derived
// InfoHash callers compute over its bencoded form.
type Info struct {
	InfoHash    [sha1.Size]byte
	Name        string
	PieceLength int64
	// PieceHashes holds the SHA-1 of each piece, in index order.
	PieceHashes [][sha1.Size]byte
	// Length is set for single-file torrents; Files is set for multi-file
	// torrents. Exactly one is populated.
	Length int64
	Files  []FileEntry
}

// TotalLength returns the torrent's total byte size across all files.
func (i Info) TotalLength() int64 {
	if len(i.Files) == 0 {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// PieceCount returns the number of pieces declared by PieceHashes.
func (i Info) PieceCount() int { return len(i.PieceHashes) }
