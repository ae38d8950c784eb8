package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6
	strideV6 = 18
)

// decodeAllPeers merges the compact "peers"/"peers6" forms and the
// dictionary-list fallback form into a single peer list (spec §4.5).
func decodeAllPeers(dict map[string]any) ([]netip.AddrPort, error) {
	var out []netip.AddrPort

	if v, ok := dict["peers"]; ok {
		ps, err := decodePeers(v, false)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	if v, ok := dict["peers6"]; ok {
		ps, err := decodePeers(v, true)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}

	return out, nil
}

func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		if ipv6 {
			return decodeCompactV6([]byte(t))
		}
		return decodeCompactV4([]byte(t))
	case []any:
		return decodeDictPeers(t), nil
	default:
		return nil, fmt.Errorf("unsupported peers encoding %T", v)
	}
}

func decodeCompactV4(b []byte) ([]netip.AddrPort, error) {
	if len(b)%strideV4 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of %d", len(b), strideV4)
	}

	n := len(b) / strideV4
	peers := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		addr := netip.AddrFrom4([4]byte{b[off], b[off+1], b[off+2], b[off+3]})
		port := binary.BigEndian.Uint16(b[off+4 : off+6])
		peers[i] = netip.AddrPortFrom(addr, port)
	}
	return peers, nil
}

func decodeCompactV6(b []byte) ([]netip.AddrPort, error) {
	if len(b)%strideV6 != 0 {
		return nil, fmt.Errorf("compact peers6 length %d not a multiple of %d", len(b), strideV6)
	}

	n := len(b) / strideV6
	peers := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV6 {
		var a16 [16]byte
		copy(a16[:], b[off:off+16])
		port := binary.BigEndian.Uint16(b[off+16 : off+18])
		peers[i] = netip.AddrPortFrom(netip.AddrFrom16(a16), port)
	}
	return peers, nil
}

// decodeDictPeers decodes the dict-style peer list fallback. A malformed
// entry (missing dict, unparseable ip, out-of-range port) is silently
// dropped rather than failing the whole list (spec §4.5).
func decodeDictPeers(list []any) []netip.AddrPort {
	peers := make([]netip.AddrPort, 0, len(list))

	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}

		ipStr, ok := m["ip"].(string)
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			continue
		}

		port := asInt(m["port"])
		if port < 1 || port > 65535 {
			continue
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers
}
