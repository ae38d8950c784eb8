package peerconn

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/emberbt/ember/internal/protocol"
	"github.com/emberbt/ember/internal/storageinfo"
)

func testInfo() storageinfo.Info {
	return storageinfo.Info{TotalLength: 32 * 1024, PieceLength: 32 * 1024}
}

func newTestSession(t *testing.T, h Handlers) (*Session, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	cfg := DefaultConfig()
	cfg.ReadTimeout, cfg.WriteTimeout, cfg.KeepAliveInterval = time.Second, time.Second, time.Hour
	s := newSession(local, netip.MustParseAddrPort("127.0.0.1:6881"), testInfo(), cfg, h, nil)
	s.state.Store(int32(Established))
	return s, remote
}

func TestInitialFlagsMatchSpec(t *testing.T) {
	s, remote := newTestSession(t, Handlers{})
	defer remote.Close()

	if !s.AmChoking() || s.AmInterested() || !s.PeerChoking() || s.PeerInterested() {
		t.Fatalf("initial flags = (am_choking=%v, am_interested=%v, peer_choking=%v, peer_interested=%v), want (true,false,true,false)",
			s.AmChoking(), s.AmInterested(), s.PeerChoking(), s.PeerInterested())
	}
}

func TestBitfieldTriggersInterestedWhenPeerHasMissingPiece(t *testing.T) {
	picked := false
	h := Handlers{
		PickPiece: func() (int, bool) {
			picked = true
			return 0, true
		},
	}
	s, remote := newTestSession(t, h)
	defer remote.Close()

	go func() {
		protocol.WriteMessage(remote, protocol.MessageBitfield([]byte{0x80}))
	}()

	msg, err := protocol.ReadMessage(s.conn)
	if err != nil {
		t.Fatalf("read bitfield on remote side failed unexpectedly: %v", err)
	}
	if err := s.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if !picked {
		t.Fatal("expected PickPiece to be called after bitfield")
	}
	if !s.AmInterested() {
		t.Fatal("expected am_interested to flip true")
	}
}

func TestChokeClearsPendingRequests(t *testing.T) {
	s, remote := newTestSession(t, Handlers{})
	defer remote.Close()

	s.mu.Lock()
	s.pending[blockKey{0, 0}] = struct{}{}
	s.mu.Unlock()

	if err := s.handleMessage(protocol.MessageChoke()); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending set should be cleared on choke, got %d entries", n)
	}
	if !s.PeerChoking() {
		t.Fatal("expected peer_choking=true after Choke")
	}
}

func TestRequestIgnoredWhileAmChoking(t *testing.T) {
	called := false
	h := Handlers{OnRequest: func(s *Session, index, begin, length int) { called = true }}
	s, remote := newTestSession(t, h)
	defer remote.Close()

	if err := s.handleMessage(protocol.MessageRequest(0, 0, 16384)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if called {
		t.Fatal("OnRequest should not fire while am_choking is true")
	}
}

func TestBlockCompletesPendingAndForwards(t *testing.T) {
	var got []byte
	h := Handlers{
		OnBlock:   func(addr netip.AddrPort, index, begin int, data []byte) { got = data },
		PickPiece: func() (int, bool) { return 0, false },
	}
	s, remote := newTestSession(t, h)
	defer remote.Close()

	s.setFlag(flagPeerChoking, false)
	s.setFlag(flagAmInterested, true)
	s.mu.Lock()
	s.pending[blockKey{0, 0}] = struct{}{}
	s.hasCurrent = true
	s.currentPiece = 0
	s.nextBlockIdx = s.info.BlockCount(0) // piece 0 fully requested; PickPiece offers no next piece
	s.mu.Unlock()

	payload := []byte("hello block")
	if err := s.handleMessage(protocol.MessageBlock(0, 0, payload)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if string(got) != string(payload) {
		t.Fatalf("OnBlock data = %q, want %q", got, payload)
	}
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected pending to be empty after Block, got %d", n)
	}
}
