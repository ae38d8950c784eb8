package diskio

import (
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emberbt/ember/internal/storageinfo"
)

func TestWriteBlockCompletesAndVerifiesSingleFile(t *testing.T) {
	dir := t.TempDir()

	pieceData := []byte("0123456789ABCDEF") // 16 bytes, one piece
	hash := sha1.Sum(pieceData)

	info := storageinfo.Info{
		TotalLength: int64(len(pieceData)),
		PieceLength: int64(len(pieceData)),
		Files:       []storageinfo.FileInfo{{Path: "file.bin", Length: int64(len(pieceData)), Offset: 0}},
	}

	w := NewWorker(4, nil)
	if err := w.Register("t1", info, [][sha1.Size]byte{hash}, dir); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	results := make(chan WriteResult, 2)
	w.WriteBlock(WriteBlockCmd{Torrent: "t1", PieceIndex: 0, Offset: 0, Data: pieceData[:8], Result: results})
	w.WriteBlock(WriteBlockCmd{Torrent: "t1", PieceIndex: 0, Offset: 8, Data: pieceData[8:], Result: results})

	first := recvResult(t, results)
	if first.Completed {
		t.Fatal("first block should not complete the piece")
	}
	second := recvResult(t, results)
	if !second.Completed || !second.Valid {
		t.Fatalf("second block should complete and verify the piece, got %+v", second)
	}

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(pieceData) {
		t.Fatalf("file contents = %q, want %q", got, pieceData)
	}

	readResults := make(chan ReadResult, 1)
	w.ReadBlock(ReadBlockCmd{Torrent: "t1", PieceIndex: 0, Offset: 0, Length: int64(len(pieceData)), Result: readResults})
	rr := recvRead(t, readResults)
	if string(rr.Data) != string(pieceData) {
		t.Fatalf("read back = %q, want %q", rr.Data, pieceData)
	}
}

func TestWriteBlockDetectsHashMismatch(t *testing.T) {
	dir := t.TempDir()

	pieceData := []byte("mismatched-data!")
	wrongHash := sha1.Sum([]byte("something else entirely"))

	info := storageinfo.Info{
		TotalLength: int64(len(pieceData)),
		PieceLength: int64(len(pieceData)),
		Files:       []storageinfo.FileInfo{{Path: "file.bin", Length: int64(len(pieceData)), Offset: 0}},
	}

	w := NewWorker(4, nil)
	if err := w.Register("t1", info, [][sha1.Size]byte{wrongHash}, dir); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	results := make(chan WriteResult, 1)
	w.WriteBlock(WriteBlockCmd{Torrent: "t1", PieceIndex: 0, Offset: 0, Data: pieceData, Result: results})

	res := recvResult(t, results)
	if !res.Completed || res.Valid {
		t.Fatalf("expected completed-but-invalid piece, got %+v", res)
	}
}

func TestWriteBlockSpansMultipleFiles(t *testing.T) {
	dir := t.TempDir()

	pieceData := []byte("ABCDEFGHIJ") // 10 bytes: file a gets [0,6), file b gets [6,10)
	hash := sha1.Sum(pieceData)

	info := storageinfo.Info{
		TotalLength: 10,
		PieceLength: 10,
		Files: []storageinfo.FileInfo{
			{Path: "a.bin", Length: 6, Offset: 0},
			{Path: "b.bin", Length: 4, Offset: 6},
		},
	}

	w := NewWorker(4, nil)
	if err := w.Register("t1", info, [][sha1.Size]byte{hash}, dir); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	results := make(chan WriteResult, 1)
	w.WriteBlock(WriteBlockCmd{Torrent: "t1", PieceIndex: 0, Offset: 0, Data: pieceData, Result: results})
	res := recvResult(t, results)
	if !res.Completed || !res.Valid {
		t.Fatalf("expected completed+valid piece, got %+v", res)
	}

	a, _ := os.ReadFile(filepath.Join(dir, "a.bin"))
	b, _ := os.ReadFile(filepath.Join(dir, "b.bin"))
	if string(a) != "ABCDEF" || string(b) != "GHIJ" {
		t.Fatalf("a=%q b=%q", a, b)
	}
}

func recvResult(t *testing.T, ch <-chan WriteResult) WriteResult {
	t.Helper()
	select {
	case r := <-ch:
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WriteResult")
		return WriteResult{}
	}
}

func recvRead(t *testing.T, ch <-chan ReadResult) ReadResult {
	t.Helper()
	select {
	case r := <-ch:
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ReadResult")
		return ReadResult{}
	}
}
