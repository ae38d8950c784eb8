package tracker

import (
	"net/netip"
	"testing"
)

func TestDecodeDictPeersDropsMalformedEntries(t *testing.T) {
	list := []any{
		map[string]any{"ip": "127.0.0.1", "port": int64(6881)},
		map[string]any{"ip": "not-an-ip", "port": int64(6882)},
		map[string]any{"port": int64(6883)}, // missing ip
		map[string]any{"ip": "127.0.0.2", "port": int64(0)}, // invalid port
		"not-even-a-dict",
		map[string]any{"ip": "127.0.0.3", "port": int64(6884)},
	}

	peers := decodeDictPeers(list)

	want := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:6881"),
		netip.MustParseAddrPort("127.0.0.3:6884"),
	}
	if len(peers) != len(want) {
		t.Fatalf("peers = %v, want %v", peers, want)
	}
	for i, p := range want {
		if peers[i] != p {
			t.Fatalf("peers[%d] = %v, want %v", i, peers[i], p)
		}
	}
}
