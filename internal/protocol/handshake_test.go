package protocol

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func testHashes() (infoHash, peerID [sha1.Size]byte) {
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, sha1.Size))
	copy(peerID[:], bytes.Repeat([]byte{0xCD}, sha1.Size))
	return
}

func TestHandshake_MarshalUnmarshalRoundTrip(t *testing.T) {
	infoHash, peerID := testHashes()
	h := NewHandshake(infoHash, peerID)

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	wantLen := 1 + len(btProtocol) + reservedN + sha1.Size + sha1.Size
	if len(b) != wantLen {
		t.Fatalf("marshaled length = %d, want %d", len(b), wantLen)
	}

	var got Handshake
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Pstr != btProtocol {
		t.Errorf("Pstr = %q, want %q", got.Pstr, btProtocol)
	}
	if got.InfoHash != infoHash {
		t.Errorf("InfoHash mismatch")
	}
	if got.PeerID != peerID {
		t.Errorf("PeerID mismatch")
	}
}

func TestHandshake_MarshalBinary_BadPstrlen(t *testing.T) {
	h := &Handshake{Pstr: ""}
	if _, err := h.MarshalBinary(); err != ErrBadPstrlen {
		t.Fatalf("err = %v, want ErrBadPstrlen", err)
	}
}

func TestHandshake_UnmarshalBinary_ShortRead(t *testing.T) {
	var h Handshake
	if err := h.UnmarshalBinary(nil); err != ErrShortHandshake {
		t.Fatalf("err = %v, want ErrShortHandshake", err)
	}

	short := []byte{19, 'B', 'i', 't'}
	if err := h.UnmarshalBinary(short); err != ErrShortHandshake {
		t.Fatalf("err = %v, want ErrShortHandshake", err)
	}
}

func TestHandshake_WriteToReadFrom(t *testing.T) {
	infoHash, peerID := testHashes()
	h := NewHandshake(infoHash, peerID)

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshake_Exchange(t *testing.T) {
	infoHash, peerID := testHashes()
	_, remoteID := testHashes()
	remoteID[0] = 0xEE

	local := NewHandshake(infoHash, peerID)
	remote := NewHandshake(infoHash, remoteID)

	remoteBytes, err := remote.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal remote: %v", err)
	}

	rw := &loopback{readBuf: bytes.NewBuffer(remoteBytes)}

	got, err := local.Exchange(rw, true)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got.PeerID != remoteID {
		t.Fatalf("PeerID = %x, want %x", got.PeerID, remoteID)
	}
}

func TestHandshake_Exchange_InfoHashMismatch(t *testing.T) {
	infoHash, peerID := testHashes()
	otherHash := infoHash
	otherHash[0] ^= 0xFF

	local := NewHandshake(infoHash, peerID)
	remote := NewHandshake(otherHash, peerID)

	remoteBytes, err := remote.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal remote: %v", err)
	}

	rw := &loopback{readBuf: bytes.NewBuffer(remoteBytes)}

	if _, err := local.Exchange(rw, true); err != ErrInfoHashMismatch {
		t.Fatalf("err = %v, want ErrInfoHashMismatch", err)
	}
}

func TestReservedFlags_CapabilityBits(t *testing.T) {
	var r ReservedFlags
	if r.SupportsDHT() || r.SupportsFastExtension() || r.SupportsExtensionProtocol() {
		t.Fatalf("zero-value ReservedFlags should advertise nothing, got %+v", r)
	}

	r[7] = 0x05 // DHT (0x01) + fast extension (0x04)
	if !r.SupportsDHT() {
		t.Errorf("expected DHT bit set")
	}
	if !r.SupportsFastExtension() {
		t.Errorf("expected fast extension bit set")
	}
	if r.SupportsExtensionProtocol() {
		t.Errorf("extension protocol bit should not be set")
	}

	r[5] = reservedMaskExtensionProtocol
	if !r.SupportsExtensionProtocol() {
		t.Errorf("expected extension protocol bit set")
	}
}

// loopback is a minimal io.ReadWriter that discards writes and serves reads
// from a preloaded buffer, for testing Exchange without a real connection.
type loopback struct {
	readBuf *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.readBuf.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return len(p), nil }
