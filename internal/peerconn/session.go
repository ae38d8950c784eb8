// Package peerconn implements the per-connection peer-wire state machine
// (spec §4.6): Connecting → Handshaking → Established → Closed, with the
// four choke/interest booleans, a pending-request set, and a pipelined
// block-request loop. Grounded on prxssh-rabbit/internal/peer/peer.go's
// outbox/atomic-flags shape, simplified to the session-local contract
// spec.md describes (no connection-dashboard metrics surface — that
// exists in the teacher to feed its out-of-scope GUI).
package peerconn

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberbt/ember/internal/bitfield"
	"github.com/emberbt/ember/internal/protocol"
	"github.com/emberbt/ember/internal/storageinfo"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is a session's position in the connection lifecycle.
type State int32

const (
	Connecting State = iota
	Handshaking
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Established:
		return "Established"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	flagAmChoking uint32 = 1 << iota
	flagAmInterested
	flagPeerChoking
	flagPeerInterested
)

// blockKey identifies one outstanding block request.
type blockKey struct{ index, begin int }

// Handlers wires a Session's observed events back into its owning
// torrent actor. All callbacks may be invoked from the session's own
// goroutines and must not block for long.
type Handlers struct {
	// OnBitfield reports a peer's full piece availability.
	OnBitfield func(addr netip.AddrPort, bf bitfield.Bitfield)
	// OnHave reports a single newly-available piece.
	OnHave func(addr netip.AddrPort, index int)
	// OnBlock delivers a downloaded block to the owner for writing to
	// disk.
	OnBlock func(addr netip.AddrPort, index, begin int, data []byte)
	// OnRequest asks the owner to read a block off disk and call
	// Session.SendBlock with the result (or drop it silently).
	OnRequest func(s *Session, index, begin, length int)
	// OnDisconnect reports the session has terminated.
	OnDisconnect func(addr netip.AddrPort)
	// PickPiece asks the torrent's picker for the next piece to
	// download. ok is false if none is currently available.
	PickPiece func() (index int, ok bool)
	// ReleasePiece returns a piece this session abandoned without
	// finishing, so the picker can reopen it.
	ReleasePiece func(index int)
}

// Config tunes a session's pipelining and timeouts.
type Config struct {
	PipelineTarget    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	OutboxBacklog     int
}

// DefaultConfig matches spec §4.6's ~4-outstanding-block pipeline target.
func DefaultConfig() Config {
	return Config{
		PipelineTarget:    4,
		ReadTimeout:       45 * time.Second,
		WriteTimeout:      45 * time.Second,
		KeepAliveInterval: 2 * time.Minute,
		OutboxBacklog:     25,
	}
}

// Session is one peer-wire connection's state machine.
type Session struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort
	// connID correlates this session's log lines across reconnects; it is
	// a local logging aid only, never sent on the wire.
	connID uuid.UUID
	cfg    Config
	h      Handlers
	info   storageinfo.Info

	state atomic.Int32
	flags atomic.Uint32

	outbox    chan *protocol.Message
	closeOnce sync.Once

	mu            sync.Mutex
	pending       map[blockKey]struct{}
	currentPiece  int
	hasCurrent    bool
	nextBlockIdx  int
	lastSentAt    atomic.Int64
}

// Dial opens a TCP connection to addr and performs the outbound
// handshake (spec §4.6 Connecting → Handshaking).
func Dial(ctx context.Context, addr netip.AddrPort, infoHash, peerID [sha1.Size]byte, info storageinfo.Info, cfg Config, h Handlers, log *slog.Logger) (*Session, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}

	s := newSession(conn, addr, info, cfg, h, log)
	s.state.Store(int32(Connecting))

	if err := protocol.WriteHandshake(conn, protocol.NewHandshake(infoHash, peerID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: send handshake: %w", err)
	}
	s.state.Store(int32(Handshaking))

	peerHS, err := protocol.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: read handshake: %w", err)
	}
	if peerHS.InfoHash != infoHash {
		conn.Close()
		return nil, errors.New("peerconn: info_hash mismatch")
	}

	s.state.Store(int32(Established))
	return s, nil
}

// Accept wraps an already-connected, not-yet-handshaken inbound conn,
// validating the peer's handshake against expectedInfoHash and replying
// with ours.
func Accept(conn net.Conn, expectedInfoHash, peerID [sha1.Size]byte, info storageinfo.Info, cfg Config, h Handlers, log *slog.Logger) (*Session, error) {
	s := newSession(conn, addrFromConn(conn), info, cfg, h, log)
	s.state.Store(int32(Handshaking))

	peerHS, err := protocol.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: read handshake: %w", err)
	}
	if peerHS.InfoHash != expectedInfoHash {
		conn.Close()
		return nil, errors.New("peerconn: info_hash mismatch")
	}

	if err := protocol.WriteHandshake(conn, protocol.NewHandshake(expectedInfoHash, peerID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: send handshake: %w", err)
	}

	s.state.Store(int32(Established))
	return s, nil
}

func addrFromConn(conn net.Conn) netip.AddrPort {
	ap, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return ap
}

func newSession(conn net.Conn, addr netip.AddrPort, info storageinfo.Info, cfg Config, h Handlers, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	connID := uuid.New()
	s := &Session{
		log:     log.With("component", "peerconn", "addr", addr.String(), "conn_id", connID.String()),
		conn:    conn,
		addr:    addr,
		connID:  connID,
		cfg:     cfg,
		h:       h,
		info:    info,
		outbox:  make(chan *protocol.Message, cfg.OutboxBacklog),
		pending: make(map[blockKey]struct{}),
	}
	s.flags.Store(flagAmChoking | flagPeerChoking)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Addr returns the peer's address.
func (s *Session) Addr() netip.AddrPort { return s.addr }

func (s *Session) AmChoking() bool      { return s.flags.Load()&flagAmChoking != 0 }
func (s *Session) AmInterested() bool   { return s.flags.Load()&flagAmInterested != 0 }
func (s *Session) PeerChoking() bool    { return s.flags.Load()&flagPeerChoking != 0 }
func (s *Session) PeerInterested() bool { return s.flags.Load()&flagPeerInterested != 0 }

func (s *Session) setFlag(mask uint32, on bool) (changed bool) {
	for {
		old := s.flags.Load()
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if next == old {
			return false
		}
		if s.flags.CompareAndSwap(old, next) {
			return true
		}
	}
}

// SendBitfield announces our own piece availability, if any bit is set
// (spec §4.6: "send our Bitfield (if any bits set) immediately").
func (s *Session) SendBitfield(bf bitfield.Bitfield) {
	if bf.Count() == 0 {
		return
	}
	s.enqueue(protocol.MessageBitfield(bf.Bytes()))
}

func (s *Session) SendHave(index int) { s.enqueue(protocol.MessageHave(uint32(index))) }

func (s *Session) SendBlock(index, begin int, data []byte) {
	if s.AmChoking() {
		return
	}
	s.enqueue(protocol.MessageBlock(uint32(index), uint32(begin), data))
}

// Run drives the session's read/write/keepalive loops until ctx is
// cancelled or the connection fails.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	return g.Wait()
}

// Close terminates the connection and releases any owned piece back to
// the picker.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		s.conn.Close()

		s.mu.Lock()
		if s.hasCurrent && s.h.ReleasePiece != nil {
			s.h.ReleasePiece(s.currentPiece)
		}
		s.hasCurrent = false
		s.mu.Unlock()

		if s.h.OnDisconnect != nil {
			s.h.OnDisconnect(s.addr)
		}
	})
}

func (s *Session) enqueue(m *protocol.Message) {
	select {
	case s.outbox <- m:
	default:
		s.log.Warn("outbox full, dropping message", "id", m.ID)
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			return fmt.Errorf("peerconn: read: %w", err)
		}

		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handleMessage(msg *protocol.Message) error {
	if msg == nil {
		return nil // KeepAlive
	}

	switch msg.ID {
	case protocol.Choke:
		s.setFlag(flagPeerChoking, true)
		s.clearPending()
	case protocol.Unchoke:
		s.setFlag(flagPeerChoking, false)
		s.fillPipeline()
	case protocol.Interested:
		s.setFlag(flagPeerInterested, true)
	case protocol.NotInterested:
		s.setFlag(flagPeerInterested, false)
	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload, s.info.PieceCount())
		if s.h.OnBitfield != nil {
			s.h.OnBitfield(s.addr, bf)
		}
		s.maybeSendInterested()
	case protocol.Have:
		idx, ok := msg.ParseHave()
		if !ok {
			return errors.New("peerconn: malformed have")
		}
		if s.h.OnHave != nil {
			s.h.OnHave(s.addr, int(idx))
		}
		s.maybeSendInterested()
	case protocol.Request:
		idx, begin, length, ok := msg.ParseRequestLike()
		if !ok {
			return errors.New("peerconn: malformed request")
		}
		if !s.AmChoking() && s.h.OnRequest != nil {
			s.h.OnRequest(s, int(idx), int(begin), int(length))
		}
	case protocol.Block:
		idx, begin, data, ok := msg.ParseBlock()
		if !ok {
			return errors.New("peerconn: malformed block")
		}
		s.completePending(int(idx), int(begin))
		if s.h.OnBlock != nil {
			s.h.OnBlock(s.addr, int(idx), int(begin), data)
		}
		s.fillPipeline()
	case protocol.Cancel:
		// Nothing queued server-side to cancel in this simplified model;
		// a request already in flight to disk will simply complete.
	default:
		return fmt.Errorf("peerconn: unexpected message id %v", msg.ID)
	}
	return nil
}

func (s *Session) maybeSendInterested() {
	if s.AmInterested() {
		return
	}
	if idx, ok := s.h.PickPiece(); ok {
		s.mu.Lock()
		s.currentPiece, s.hasCurrent, s.nextBlockIdx = idx, true, 0
		s.mu.Unlock()

		s.setFlag(flagAmInterested, true)
		s.enqueue(protocol.MessageInterested())
		s.fillPipeline()
	}
}

func (s *Session) clearPending() {
	s.mu.Lock()
	s.pending = make(map[blockKey]struct{})
	s.mu.Unlock()
}

func (s *Session) completePending(index, begin int) {
	s.mu.Lock()
	delete(s.pending, blockKey{index, begin})
	s.mu.Unlock()
}

// fillPipeline requests further blocks while unchoked, interested, and
// under the pipeline target (spec §4.6 outgoing-side rule).
func (s *Session) fillPipeline() {
	for {
		if s.PeerChoking() || !s.AmInterested() {
			return
		}

		s.mu.Lock()
		if len(s.pending) >= s.cfg.PipelineTarget {
			s.mu.Unlock()
			return
		}

		if !s.hasCurrent {
			s.mu.Unlock()
			idx, ok := s.h.PickPiece()
			if !ok {
				return
			}
			s.mu.Lock()
			s.currentPiece, s.hasCurrent, s.nextBlockIdx = idx, true, 0
		}

		blockCount := s.info.BlockCount(s.currentPiece)
		if s.nextBlockIdx >= blockCount {
			// Piece fully requested; release ownership for the next pick.
			finished := s.currentPiece
			s.hasCurrent = false
			s.mu.Unlock()
			_ = finished
			continue
		}

		begin, length := s.info.BlockBounds(s.currentPiece, s.nextBlockIdx)
		index := s.currentPiece
		s.nextBlockIdx++
		s.pending[blockKey{index, int(begin)}] = struct{}{}
		s.mu.Unlock()

		s.enqueue(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := protocol.WriteMessage(s.conn, msg); err != nil {
				return fmt.Errorf("peerconn: write: %w", err)
			}
			s.lastSentAt.Store(time.Now().UnixNano())
			s.trackOutgoingFlag(msg)

		case <-ticker.C:
			last := time.Unix(0, s.lastSentAt.Load())
			if time.Since(last) >= s.cfg.KeepAliveInterval {
				if err := protocol.WriteMessage(s.conn, nil); err != nil {
					return fmt.Errorf("peerconn: write keepalive: %w", err)
				}
				s.lastSentAt.Store(time.Now().UnixNano())
			}
		}
	}
}

func (s *Session) trackOutgoingFlag(msg *protocol.Message) {
	if msg == nil {
		return
	}
	switch msg.ID {
	case protocol.Choke:
		s.setFlag(flagAmChoking, true)
	case protocol.Unchoke:
		s.setFlag(flagAmChoking, false)
	}
}
