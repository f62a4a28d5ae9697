package tracker

import (
	"testing"
)

func TestDecodeCompact_IPv4(t *testing.T) {
	data := []byte{
		10, 0, 0, 1, 0x1a, 0xe1, // 10.0.0.1:6881
		10, 0, 0, 2, 0x1a, 0xe2, // 10.0.0.2:6882
	}

	peers, err := decodeCompactPeers(data, false)
	if err != nil {
		t.Fatalf("decodeCompactPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[0].String() != "10.0.0.1:6881" {
		t.Fatalf("peers[0] = %s", peers[0])
	}
	if peers[1].String() != "10.0.0.2:6882" {
		t.Fatalf("peers[1] = %s", peers[1])
	}
}

func TestDecodeCompact_MalformedLength(t *testing.T) {
	if _, err := decodeCompactPeers([]byte{1, 2, 3}, false); err == nil {
		t.Fatalf("expected error for length not divisible by stride")
	}
}

func TestDecodeDictPeers(t *testing.T) {
	list := []any{
		map[string]any{"ip": "1.2.3.4", "port": int64(6881)},
		map[string]any{"ip": "5.6.7.8", "port": int64(6882)},
	}

	peers, err := decodeDictPeers(list)
	if err != nil {
		t.Fatalf("decodeDictPeers: %v", err)
	}
	if len(peers) != 2 || peers[0].String() != "1.2.3.4:6881" {
		t.Fatalf("unexpected peers: %v", peers)
	}
}

func TestDecodeDictPeers_BadPort(t *testing.T) {
	list := []any{map[string]any{"ip": "1.2.3.4", "port": int64(0)}}
	if _, err := decodeDictPeers(list); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestDecodeDictPeers_RawIPBytes(t *testing.T) {
	list := []any{
		map[string]any{"ip": []byte{10, 0, 0, 1}, "port": int64(6881)},
	}

	peers, err := decodeDictPeers(list)
	if err != nil {
		t.Fatalf("decodeDictPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].String() != "10.0.0.1:6881" {
		t.Fatalf("unexpected peers: %v", peers)
	}
}

func TestDecodeDictPeers_BadRawIPLength(t *testing.T) {
	list := []any{map[string]any{"ip": []byte{1, 2, 3}, "port": int64(6881)}}
	if _, err := decodeDictPeers(list); err == nil {
		t.Fatalf("expected error for an ip byte string that is neither 4 nor 16 bytes")
	}
}

func TestDecodePeers_DispatchesOnType(t *testing.T) {
	compact := string([]byte{10, 0, 0, 1, 0x1a, 0xe1})
	peers, err := decodePeers(compact, false)
	if err != nil {
		t.Fatalf("decodePeers(string): %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}

	if _, err := decodePeers(42, false); err == nil {
		t.Fatalf("expected error for unsupported peers type")
	}
}
