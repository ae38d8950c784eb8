package protocol

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [sha1.Size]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
		peerID[i] = byte(20 - i)
	}

	h := NewHandshake(infoHash, peerID)

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	if buf.Len() != HandshakeLen {
		t.Fatalf("wire length = %d, want %d", buf.Len(), HandshakeLen)
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestHandshakeBadPstrlen(t *testing.T) {
	b := make([]byte, HandshakeLen)
	b[0] = 18 // spec requires prot_len == 19

	var h Handshake
	if err := h.UnmarshalBinary(b); err != ErrBadPstrlen {
		t.Fatalf("err = %v, want ErrBadPstrlen", err)
	}
}

func TestHandshakeShortRead(t *testing.T) {
	_, err := ReadHandshake(bytes.NewReader(make([]byte, 10)))
	if err != ErrShortHandshake {
		t.Fatalf("err = %v, want ErrShortHandshake", err)
	}
}
