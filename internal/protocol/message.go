package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies the typed BitTorrent peer-wire messages (spec §4.2).
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Block         MessageID = 7
	Cancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Block:
		return "Block"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(id))
	}
}

// MaxFrameLen bounds the length prefix at 16 MiB plus the 9-byte header
// overhead. Frames claiming more are a protocol error (spec §7).
const MaxFrameLen = 16*1024*1024 + 9

var (
	ErrUnknownMessageID = errors.New("protocol: unknown message id")
	ErrFrameTooLarge    = errors.New("protocol: length prefix too large")
	ErrBadPayloadSize   = errors.New("protocol: invalid payload size for message")
)

// Message is a single length-prefixed peer-wire message. A nil *Message
// denotes KeepAlive (spec §4.2: length == 0).
type Message struct {
	ID      MessageID
	Payload []byte
}

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return &Message{ID: Have, Payload: p}
}

func MessageBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

func MessageRequest(index, offset, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], offset)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Request, Payload: p}
}

func MessageBlock(index, offset uint32, data []byte) *Message {
	p := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], offset)
	copy(p[8:], data)
	return &Message{ID: Block, Payload: p}
}

func MessageCancel(index, offset, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], offset)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Cancel, Payload: p}
}

// ParseHave extracts the piece index from a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequestLike extracts index/offset/length from a Request or Cancel
// message (they share a payload layout).
func (m *Message) ParseRequestLike() (index, offset, length uint32, ok bool) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParseBlock extracts index/offset/data from a Block message.
func (m *Message) ParseBlock() (index, offset uint32, data []byte, ok bool) {
	if m == nil || m.ID != Block || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:],
		true
}

// validatePayloadSize enforces the fixed payload lengths spec §4.2 implies
// for each typed message.
func validatePayloadSize(id MessageID, payload []byte) error {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return ErrBadPayloadSize
		}
	case Have:
		if len(payload) != 4 {
			return ErrBadPayloadSize
		}
	case Request, Cancel:
		if len(payload) != 12 {
			return ErrBadPayloadSize
		}
	case Block:
		if len(payload) < 8 {
			return ErrBadPayloadSize
		}
	case Bitfield:
		// Its length is ceil(piece_count/8), which the codec does not know,
		// so any length is accepted here; bitfield.FromBytes ignores bytes
		// and bits beyond piece_count when the session decodes it.
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageID, uint8(id))
	}
	return nil
}

// Encode serialises m into its wire frame. A nil m encodes the 4-byte
// KeepAlive frame.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}
	if err := validatePayloadSize(m.ID, m.Payload); err != nil {
		return nil, err
	}

	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf, nil
}

// Decode attempts to decode one frame from the front of buf.
//
// Returns (msg, n, nil) on success, where n == 4+length is the number of
// bytes consumed and msg is nil for KeepAlive. Returns (nil, 0, nil) when
// buf holds fewer than 4+length bytes (spec §4.2: "incomplete"). Returns a
// non-nil error for a frame whose length prefix is absurdly large or whose
// message ID is unknown — both are hard protocol errors (spec §7).
func Decode(buf []byte) (msg *Message, n int, err error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 4, nil
	}
	if length > MaxFrameLen {
		return nil, 0, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	if len(buf) < 4+int(length) {
		return nil, 0, nil
	}

	id := MessageID(buf[4])
	payload := append([]byte(nil), buf[5:4+int(length)]...)
	if err := validatePayloadSize(id, payload); err != nil {
		return nil, 0, err
	}

	return &Message{ID: id, Payload: payload}, 4 + int(length), nil
}

// WriteMessage writes m to w (a nil m writes a KeepAlive frame).
func WriteMessage(w io.Writer, m *Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMessage reads exactly one frame from r, blocking until the length
// prefix and its payload have arrived.
func ReadMessage(r io.Reader) (*Message, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	id := MessageID(body[0])
	payload := body[1:]
	if err := validatePayloadSize(id, payload); err != nil {
		return nil, err
	}

	return &Message{ID: id, Payload: payload}, nil
}
