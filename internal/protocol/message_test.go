package protocol

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()

	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, n, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d bytes, want %d", n, len(b))
	}
	return got
}

func TestKeepAliveRoundTrip(t *testing.T) {
	if got := roundTrip(t, nil); got != nil {
		t.Fatalf("got %+v, want nil (keep-alive)", got)
	}
}

func TestTypedMessagesRoundTrip(t *testing.T) {
	cases := []*Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(7),
		MessageBitfield([]byte{0xFF, 0x00}),
		MessageBitfield(nil),
		MessageRequest(1, 16384, 16384),
		MessageBlock(1, 0, bytes.Repeat([]byte{0x42}, 16*1024)),
		MessageBlock(1, 0, nil),
		MessageCancel(2, 32768, 16384),
	}

	for _, want := range cases {
		got := roundTrip(t, want)
		if got.ID != want.ID {
			t.Fatalf("ID = %v, want %v", got.ID, want.ID)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("payload mismatch for %v", want.ID)
		}
	}
}

func TestDecodeIncomplete(t *testing.T) {
	full, _ := Encode(MessageHave(3))

	for n := 0; n < len(full); n++ {
		msg, consumed, err := Decode(full[:n])
		if err != nil {
			t.Fatalf("n=%d: unexpected error %v", n, err)
		}
		if msg != nil || consumed != 0 {
			t.Fatalf("n=%d: expected incomplete decode, got msg=%v consumed=%d", n, msg, consumed)
		}
	}
}

func TestDecodeUnknownID(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 42}
	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected error for unknown message id")
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	buf := make([]byte, 4)
	buf[0], buf[1], buf[2], buf[3] = 0xFF, 0xFF, 0xFF, 0xFF
	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected error for oversized length prefix")
	}
}

func TestParseHelpers(t *testing.T) {
	if idx, ok := MessageHave(5).ParseHave(); !ok || idx != 5 {
		t.Fatalf("ParseHave = %d, %v", idx, ok)
	}

	idx, off, length, ok := MessageRequest(1, 2, 3).ParseRequestLike()
	if !ok || idx != 1 || off != 2 || length != 3 {
		t.Fatalf("ParseRequestLike = %d,%d,%d,%v", idx, off, length, ok)
	}

	idx, off, data, ok := MessageBlock(4, 8, []byte("hi")).ParseBlock()
	if !ok || idx != 4 || off != 8 || string(data) != "hi" {
		t.Fatalf("ParseBlock = %d,%d,%q,%v", idx, off, data, ok)
	}
}
