package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	ipv4Len = 4
	ipv6Len = 16

	compactStrideV4 = ipv4Len + 2 // 4 bytes IP + 2 bytes port
	compactStrideV6 = ipv6Len + 2 // 16 bytes IP + 2 bytes port
)

// decodePeers accepts either compact peer encoding (a single concatenated
// byte string, BEP-23) or the older dict-of-peers model and normalizes both
// into a flat address list.
func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t), ipv6)
	case []byte:
		return decodeCompactPeers(t, ipv6)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

func decodeCompactPeers(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	stride := compactStrideV4
	if ipv6 {
		stride = compactStrideV6
	}

	if len(data)%stride != 0 {
		return nil, fmt.Errorf("malformed or invalid compact peers")
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		out[i] = decodeCompactEntry(data[off:off+stride], ipv6)
	}
	return out, nil
}

func decodeCompactEntry(chunk []byte, ipv6 bool) netip.AddrPort {
	if ipv6 {
		var a16 [ipv6Len]byte
		copy(a16[:], chunk[:ipv6Len])
		port := binary.BigEndian.Uint16(chunk[ipv6Len:])
		return netip.AddrPortFrom(netip.AddrFrom16(a16), port)
	}

	a := netip.AddrFrom4([ipv4Len]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
	port := binary.BigEndian.Uint16(chunk[ipv4Len:])
	return netip.AddrPortFrom(a, port)
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d] not dict", i)
		}

		addr, err := decodeDictAddr(m["ip"])
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: %w", i, err)
		}

		port, ok := m["port"].(int64)
		if !ok || port < 1 || port > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}

// decodeDictAddr parses the "ip" field of a dict-model peer entry. Unlike
// the compact encoding, this field holds only the address, never a port, so
// a raw-byte value must be exactly 4 or 16 bytes long.
func decodeDictAddr(ip any) (netip.Addr, error) {
	switch v := ip.(type) {
	case string:
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad ip %q: %w", v, err)
		}
		return addr, nil
	case []byte:
		switch len(v) {
		case ipv4Len:
			return netip.AddrFrom4([ipv4Len]byte{v[0], v[1], v[2], v[3]}), nil
		case ipv6Len:
			var a16 [ipv6Len]byte
			copy(a16[:], v)
			return netip.AddrFrom16(a16), nil
		default:
			return netip.Addr{}, fmt.Errorf("bad ip bytes len=%d", len(v))
		}
	default:
		return netip.Addr{}, fmt.Errorf("unsupported ip type %T", ip)
	}
}
