// Package diskio implements the disk-I/O subsystem: a single actor shared
// by every torrent in the engine, responsible for buffering blocks until a
// piece is complete, verifying it against its SHA-1 hash, and translating
// flat piece/block ranges into per-file reads and writes (spec §4.4).
package diskio

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/emberbt/ember/internal/storageinfo"
	"github.com/emberbt/ember/internal/vecio"
)

// TorrentID identifies a torrent registered with the worker.
type TorrentID = string

// WriteBlockCmd asks the worker to buffer a downloaded block, verifying
// and flushing its piece to disk once complete.
type WriteBlockCmd struct {
	Torrent    TorrentID
	PieceIndex int
	Offset     int64
	Data       []byte
	Result     chan<- WriteResult
}

// ReadBlockCmd asks the worker to read a byte range back off disk, for
// seeding requests from peers.
type ReadBlockCmd struct {
	Torrent    TorrentID
	PieceIndex int
	Offset     int64
	Length     int64
	Result     chan<- ReadResult
}

// WriteResult reports the outcome of buffering a block. Completed is true
// only on the write that finished the owning piece; Valid then reports
// whether the piece matched its SHA-1 hash and was written to its files.
type WriteResult struct {
	PieceIndex int
	Completed  bool
	Valid      bool
	Err        error
}

// ReadResult carries the bytes requested by a ReadBlockCmd.
type ReadResult struct {
	Data []byte
	Err  error
}

type openFile struct {
	f    *os.File
	info storageinfo.FileInfo
}

type torrentState struct {
	mu      sync.Mutex
	info    storageinfo.Info
	hashes  [][sha1.Size]byte
	files   []openFile
	buffers map[int]*pieceBuffer
}

type pieceBuffer struct {
	size     int64
	received int64
	chunks   map[int64][]byte // keyed by offset within the piece
}

// Worker is the shared disk actor. It must be started with Run before any
// command is sent, and commands must stop arriving once the context passed
// to Run is cancelled.
type Worker struct {
	log *slog.Logger

	cmds chan any

	mu       sync.Mutex
	torrents map[TorrentID]*torrentState
}

// NewWorker creates a disk worker with the given command queue depth.
func NewWorker(queueDepth int, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		log:      log.With("component", "diskio"),
		cmds:     make(chan any, queueDepth),
		torrents: make(map[TorrentID]*torrentState),
	}
}

// Register allocates (or opens) the files backing a torrent under
// downloadDir and makes it eligible to receive Write/ReadBlockCmd.
func (w *Worker) Register(id TorrentID, info storageinfo.Info, hashes [][sha1.Size]byte, downloadDir string) error {
	files, err := allocateFiles(info, downloadDir)
	if err != nil {
		return fmt.Errorf("diskio: allocate files: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.torrents[id] = &torrentState{
		info:    info,
		hashes:  hashes,
		files:   files,
		buffers: make(map[int]*pieceBuffer),
	}
	return nil
}

// Unregister closes a torrent's open file handles.
func (w *Worker) Unregister(id TorrentID) {
	w.mu.Lock()
	ts, ok := w.torrents[id]
	delete(w.torrents, id)
	w.mu.Unlock()

	if !ok {
		return
	}
	for _, of := range ts.files {
		of.f.Close()
	}
}

// WriteBlock enqueues a block to be buffered, flushed, and verified.
func (w *Worker) WriteBlock(cmd WriteBlockCmd) { w.cmds <- cmd }

// ReadBlock enqueues a read request.
func (w *Worker) ReadBlock(cmd ReadBlockCmd) { w.cmds <- cmd }

// Run drives the worker's single command loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-w.cmds:
			if !ok {
				return nil
			}
			w.dispatch(ctx, c)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, c any) {
	switch cmd := c.(type) {
	case WriteBlockCmd:
		res := w.handleWrite(cmd)
		if cmd.Result != nil {
			select {
			case cmd.Result <- res:
			case <-ctx.Done():
			}
		}
	case ReadBlockCmd:
		res := w.handleRead(cmd)
		if cmd.Result != nil {
			select {
			case cmd.Result <- res:
			case <-ctx.Done():
			}
		}
	default:
		w.log.Error("diskio: unknown command type", "type", fmt.Sprintf("%T", c))
	}
}

func (w *Worker) handleWrite(cmd WriteBlockCmd) WriteResult {
	w.mu.Lock()
	ts, ok := w.torrents[cmd.Torrent]
	w.mu.Unlock()
	if !ok {
		return WriteResult{PieceIndex: cmd.PieceIndex, Err: fmt.Errorf("diskio: unknown torrent %q", cmd.Torrent)}
	}

	ts.mu.Lock()
	buf, exists := ts.buffers[cmd.PieceIndex]
	if !exists {
		buf = &pieceBuffer{
			size:   ts.info.PieceLengthAt(cmd.PieceIndex),
			chunks: make(map[int64][]byte),
		}
		ts.buffers[cmd.PieceIndex] = buf
	}

	if _, dup := buf.chunks[cmd.Offset]; dup {
		ts.mu.Unlock()
		return WriteResult{PieceIndex: cmd.PieceIndex}
	}

	buf.chunks[cmd.Offset] = cmd.Data
	buf.received += int64(len(cmd.Data))

	if buf.received < buf.size {
		ts.mu.Unlock()
		return WriteResult{PieceIndex: cmd.PieceIndex}
	}

	complete := make([]byte, buf.size)
	for off, chunk := range buf.chunks {
		copy(complete[off:], chunk)
	}
	delete(ts.buffers, cmd.PieceIndex)
	ts.mu.Unlock()

	if int(cmd.PieceIndex) >= len(ts.hashes) || sha1.Sum(complete) != ts.hashes[cmd.PieceIndex] {
		w.log.Warn("piece hash mismatch, discarding", "torrent", cmd.Torrent, "piece", cmd.PieceIndex)
		return WriteResult{PieceIndex: cmd.PieceIndex, Completed: true, Valid: false}
	}

	if err := writePieceToFiles(ts, cmd.PieceIndex, complete); err != nil {
		return WriteResult{PieceIndex: cmd.PieceIndex, Err: err}
	}

	return WriteResult{PieceIndex: cmd.PieceIndex, Completed: true, Valid: true}
}

func (w *Worker) handleRead(cmd ReadBlockCmd) ReadResult {
	w.mu.Lock()
	ts, ok := w.torrents[cmd.Torrent]
	w.mu.Unlock()
	if !ok {
		return ReadResult{Err: fmt.Errorf("diskio: unknown torrent %q", cmd.Torrent)}
	}

	pieceStart := ts.info.PieceOffset(cmd.PieceIndex)
	data := make([]byte, cmd.Length)
	remaining := [][]byte{data}

	slices := ts.info.FileSlicesForRange(pieceStart+cmd.Offset, cmd.Length)
	for _, sl := range slices {
		of, err := ts.lookupFile(sl.File.Path)
		if err != nil {
			return ReadResult{Err: err}
		}

		view := vecio.Bounded(remaining, int(sl.Length))
		if err := readAt(of.f, sl.FileOffset, view.AsSlice()); err != nil {
			return ReadResult{Err: fmt.Errorf("diskio: read %s: %w", sl.File.Path, err)}
		}
		remaining = view.IntoTail()
	}

	return ReadResult{Data: data}
}

func (ts *torrentState) lookupFile(path string) (*openFile, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i := range ts.files {
		if ts.files[i].info.Path == path {
			return &ts.files[i], nil
		}
	}
	return nil, fmt.Errorf("diskio: file %q not open", path)
}

// readAt reads each buffer of bufs from f at consecutive offsets starting
// at offset, as if they were one contiguous range.
func readAt(f *os.File, offset int64, bufs [][]byte) error {
	for _, b := range bufs {
		n, err := f.ReadAt(b, offset)
		if err != nil {
			return err
		}
		if n != len(b) {
			return fmt.Errorf("short read: got %d, want %d", n, len(b))
		}
		offset += int64(n)
	}
	return nil
}

// writeAt writes each buffer of bufs to f at consecutive offsets starting
// at offset, as if they were one contiguous range.
func writeAt(f *os.File, offset int64, bufs [][]byte) error {
	for _, b := range bufs {
		n, err := f.WriteAt(b, offset)
		if err != nil {
			return err
		}
		if n != len(b) {
			return fmt.Errorf("short write: wrote %d, want %d", n, len(b))
		}
		offset += int64(n)
	}
	return nil
}

func writePieceToFiles(ts *torrentState, index int, data []byte) error {
	pieceStart := ts.info.PieceOffset(index)
	remaining := [][]byte{data}

	slices := ts.info.FileSlicesForRange(pieceStart, int64(len(data)))
	for _, sl := range slices {
		of, err := ts.lookupFile(sl.File.Path)
		if err != nil {
			return err
		}

		view := vecio.Bounded(remaining, int(sl.Length))
		if err := writeAt(of.f, sl.FileOffset, view.AsSlice()); err != nil {
			return fmt.Errorf("diskio: write %s: %w", sl.File.Path, err)
		}
		remaining = view.IntoTail()
	}
	return nil
}

func allocateFiles(info storageinfo.Info, downloadDir string) ([]openFile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	files := make([]openFile, 0, len(info.Files))
	for _, fi := range info.Files {
		path := filepath.Join(downloadDir, fi.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		if err := f.Truncate(fi.Length); err != nil {
			f.Close()
			return nil, err
		}

		files = append(files, openFile{f: f, info: fi})
	}
	return files, nil
}
