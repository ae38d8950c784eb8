// Package storageinfo describes a torrent's on-disk layout: the flat
// piece/block space and the (possibly multiple) files it maps onto, plus
// the arithmetic for translating between them.
package storageinfo

import "fmt"

// MaxBlockLength is the standard block size requested from peers (spec
// §3: 16 KiB).
const MaxBlockLength = 16 * 1024

// FileInfo describes one file within the torrent's flat byte space.
type FileInfo struct {
	// Path is the file's path relative to the torrent's download directory.
	Path string
	// Length is the file's size in bytes.
	Length int64
	// Offset is the file's starting byte offset within the flat torrent
	// byte space (sum of the lengths of all preceding files).
	Offset int64
}

// Info is the static layout of a torrent: total size, piece length, and
// constituent files. It never changes once a torrent is created.
type Info struct {
	TotalLength int64
	PieceLength int64
	Files       []FileInfo
}

// PieceCount returns how many pieces cover the torrent.
func (i Info) PieceCount() int {
	if i.PieceLength <= 0 {
		return 0
	}
	return int((i.TotalLength + i.PieceLength - 1) / i.PieceLength)
}

// PieceLengthAt returns the length in bytes of piece index, which is
// shorter than PieceLength only for the final piece. Panics if index is
// out of range.
func (i Info) PieceLengthAt(index int) int64 {
	count := i.PieceCount()
	if index < 0 || index >= count {
		panic(fmt.Sprintf("storageinfo: piece index %d out of range [0,%d)", index, count))
	}
	if index < count-1 {
		return i.PieceLength
	}
	rem := i.TotalLength % i.PieceLength
	if rem == 0 {
		return i.PieceLength
	}
	return rem
}

// PieceOffset returns the flat byte offset at which piece index begins.
func (i Info) PieceOffset(index int) int64 {
	return int64(index) * i.PieceLength
}

// BlockCount returns how many blocks of at most MaxBlockLength make up
// piece index.
func (i Info) BlockCount(index int) int {
	pl := i.PieceLengthAt(index)
	return int((pl + MaxBlockLength - 1) / MaxBlockLength)
}

// BlockBounds returns the (begin, length) of block blockIdx within piece
// index, where begin is relative to the start of the piece.
func (i Info) BlockBounds(index, blockIdx int) (begin, length int64) {
	pl := i.PieceLengthAt(index)
	count := i.BlockCount(index)
	begin = int64(blockIdx) * MaxBlockLength
	if blockIdx == count-1 {
		length = pl - begin
	} else {
		length = MaxBlockLength
	}
	return begin, length
}

// FileSlice is the portion of one file touched by an I/O operation:
// FileOffset bytes into the file, covering Length bytes.
type FileSlice struct {
	File       *FileInfo
	FileOffset int64
	// BufOffset is the offset into the originating flat byte range (piece
	// or block) at which this slice's bytes begin.
	BufOffset int64
	Length    int64
}

// FileSlicesForRange returns the ordered list of FileSlice values spanning
// [offset, offset+length) of the torrent's flat byte space, letting
// callers translate a contiguous piece/block range into per-file disk
// operations without copying.
func (i Info) FileSlicesForRange(offset, length int64) []FileSlice {
	rangeEnd := offset + length

	var slices []FileSlice
	for idx := range i.Files {
		f := &i.Files[idx]
		fileStart := f.Offset
		fileEnd := f.Offset + f.Length

		start := max64(offset, fileStart)
		end := min64(rangeEnd, fileEnd)
		if start >= end {
			continue
		}

		slices = append(slices, FileSlice{
			File:       f,
			FileOffset: start - fileStart,
			BufOffset:  start - offset,
			Length:     end - start,
		})
	}
	return slices
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
