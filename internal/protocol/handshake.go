package protocol

import (
	"crypto/sha1"
	"errors"
	"io"
)

const (
	protocolName = "BitTorrent protocol"
	reservedLen  = 8
	// HandshakeLen is the fixed wire length of a handshake frame.
	HandshakeLen = 1 + len(protocolName) + reservedLen + sha1.Size + sha1.Size
)

var (
	ErrBadPstrlen     = errors.New("protocol: prot_len != 19")
	ErrShortHandshake = errors.New("protocol: short handshake read")
)

// Handshake is the one-shot, fixed-layout prelude exchanged once per
// connection (spec §4.2):
//
//	u8 prot_len=19 | "BitTorrent protocol" | 8 reserved (zero) | info_hash | peer_id
type Handshake struct {
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// NewHandshake builds a handshake for the given torrent/peer identity.
func NewHandshake(infoHash, peerID [sha1.Size]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// MarshalBinary encodes h into its 68-byte wire representation.
func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolName))
	off := 1
	off += copy(buf[off:], protocolName)
	off += reservedLen // reserved bytes left zero
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])
	return buf, nil
}

// UnmarshalBinary decodes a handshake from its wire representation.
// Returns ErrBadPstrlen if prot_len != 19.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < HandshakeLen {
		return ErrShortHandshake
	}
	if int(b[0]) != len(protocolName) {
		return ErrBadPstrlen
	}
	off := 1 + len(protocolName) + reservedLen
	copy(h.InfoHash[:], b[off:off+sha1.Size])
	copy(h.PeerID[:], b[off+sha1.Size:off+2*sha1.Size])
	return nil
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadHandshake reads and decodes a complete handshake from r, validating
// prot_len == 19 per spec §4.2.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Handshake{}, ErrShortHandshake
		}
		return Handshake{}, err
	}

	var h Handshake
	if err := h.UnmarshalBinary(buf); err != nil {
		return Handshake{}, err
	}
	return h, nil
}
