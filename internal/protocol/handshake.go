package protocol

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8
)

// Reserved-byte bit positions this client inspects when a remote peer
// advertises capabilities during the handshake. Only read, never set:
// DHT, the fast extension, and the extension protocol are all out of
// scope here, so the local side always hands over a zeroed Reserved.
const (
	reservedByteExtensionProtocol = 5
	reservedMaskExtensionProtocol = 0x10

	reservedByteFastExtension = 7
	reservedMaskFastExtension = 0x04

	reservedByteDHT = 7
	reservedMaskDHT = 0x01
)

// ReservedFlags is the handshake's 8-byte capability bitfield (BEP-4).
type ReservedFlags [reservedN]byte

// SupportsExtensionProtocol reports whether the flags advertise BEP-10.
func (r ReservedFlags) SupportsExtensionProtocol() bool {
	return r[reservedByteExtensionProtocol]&reservedMaskExtensionProtocol != 0
}

// SupportsFastExtension reports whether the flags advertise BEP-6.
func (r ReservedFlags) SupportsFastExtension() bool {
	return r[reservedByteFastExtension]&reservedMaskFastExtension != 0
}

// SupportsDHT reports whether the flags advertise BEP-5.
func (r ReservedFlags) SupportsDHT() bool {
	return r[reservedByteDHT]&reservedMaskDHT != 0
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// Handshake is the fixed-size message a peer connection opens with:
//
//	<pstrlen:1><pstr:pstrlen><reserved:8><info_hash:20><peer_id:20>
//
// It carries no length-prefix framing of its own; callers know its shape
// ahead of time from pstrlen alone.
type Handshake struct {
	Pstr     string
	Reserved ReservedFlags
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// NewHandshake builds the handshake this client sends: the standard
// protocol string and no advertised capabilities.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

func (h *Handshake) wireLen() int {
	return 1 + len(h.Pstr) + reservedN + sha1.Size + sha1.Size
}

// MarshalBinary encodes the handshake to its wire form. It fails only if
// Pstr can't fit in the single-byte length prefix.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, h.wireLen())
	buf[0] = byte(len(h.Pstr))

	off := 1
	off += copy(buf[off:], h.Pstr)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake previously produced by MarshalBinary.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}

	const tail = reservedN + sha1.Size + sha1.Size
	if len(b) < 1+pstrlen+tail {
		return ErrShortHandshake
	}

	pos := 1 + pstrlen
	h.Pstr = string(b[1:pos])
	pos += copy(h.Reserved[:], b[pos:pos+reservedN])
	pos += copy(h.InfoHash[:], b[pos:pos+sha1.Size])
	copy(h.PeerID[:], b[pos:pos+sha1.Size])

	return nil
}

// WriteTo writes the handshake's wire form to w.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom blocks until a complete handshake has been read from r.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}

	pstrlen := int(lenByte[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedN+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(1 + len(rest)), ErrShortHandshake
		}
		return int64(1 + len(rest)), err
	}

	err := h.UnmarshalBinary(append(lenByte[:], rest...))
	return int64(1 + len(rest)), err
}

// ReadHandshake reads a full handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire form.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange writes h to rw, reads back the remote side's handshake, and
// validates its protocol string (and, if verifyInfoHash, its info hash)
// before returning it to the caller for capability inspection.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (remote Handshake, err error) {
	if _, err = (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}
	if _, err = (&remote).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if remote.Pstr != btProtocol {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return remote, nil
}
