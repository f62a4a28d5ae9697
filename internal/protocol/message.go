package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a message's payload shape, per BEP-3 section "peer
// messages".
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

var messageIDNames = map[MessageID]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "Not Interested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
}

func (mid MessageID) String() string {
	if name, ok := messageIDNames[mid]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", mid)
}

// fixedPayloadSizes lists the exact payload length every zero-or-fixed-size
// message type requires; Piece (variable length, minimum 8) is handled
// separately in ValidatePayloadSize.
var fixedPayloadSizes = map[MessageID]int{
	Choke:         0,
	Unchoke:       0,
	Interested:    0,
	NotInterested: 0,
	Have:          4,
	Request:       12,
	Cancel:        12,
}

// Message is a single length-prefixed peer wire message:
//
//	keep-alive: <length=0>
//	otherwise:  <length:4><id:1><payload:length-1>
//
// A nil *Message denotes keep-alive; use IsKeepAlive rather than a manual
// nil check so the convention reads at call sites.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("protocol: short message")
	ErrBadLengthPrefix = errors.New("protocol: invalid length prefix")
	ErrBadPayloadSize  = errors.New("protocol: invalid payload size for message")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

// IsKeepAlive reports whether m is a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func newFixedMessage(id MessageID) *Message { return &Message{ID: id} }

func MessageChoke() *Message         { return newFixedMessage(Choke) }
func MessageUnchoke() *Message       { return newFixedMessage(Unchoke) }
func MessageInterested() *Message    { return newFixedMessage(Interested) }
func MessageNotInterested() *Message { return newFixedMessage(NotInterested) }

// MessageHave announces that a piece has finished verifying.
func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: Have, Payload: payload}
}

// MessageBitfield announces the full set of pieces held so far.
func MessageBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

func encodeBlockAddress(index, begin uint32, rest ...uint32) []byte {
	payload := make([]byte, 8+4*len(rest))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	for i, v := range rest {
		binary.BigEndian.PutUint32(payload[8+4*i:], v)
	}
	return payload
}

// MessageRequest asks a peer for a block within piece index.
func MessageRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Payload: encodeBlockAddress(index, begin, length)}
}

// MessagePiece carries a requested block.
func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// MessageCancel withdraws a previously sent MessageRequest.
func MessageCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Payload: encodeBlockAddress(index, begin, length)}
}

// ParseHave returns the piece index carried by a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request (or Cancel) payload.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece splits a Piece payload into its block address and data.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// frameLen returns the wire length-prefix value for m (1 + payload, or 0
// for a keep-alive).
func (m *Message) frameLen() (int, error) {
	if m == nil {
		return 0, nil
	}
	length := 1 + len(m.Payload)
	if length > int(^uint32(0)) {
		return 0, ErrBadLengthPrefix
	}
	return length, nil
}

// MarshalBinary encodes m (including a nil keep-alive) to its frame.
func (m *Message) MarshalBinary() ([]byte, error) {
	length, err := m.frameLen()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	if length > 0 {
		buf[4] = byte(m.ID)
		copy(buf[5:], m.Payload)
	}
	return buf, nil
}

// UnmarshalBinary decodes a single frame (keep-alive or message) from b.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	m.Payload = append(m.Payload[:0], b[5:4+int(length)]...)
	return nil
}

// WriteTo writes m's frame to w, or 4 zero bytes for a keep-alive.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads a single frame from r. A keep-alive leaves *m zeroed.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		*m = Message{}
		return 4, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return int64(4 + len(buf)), err
	}
	m.ID = MessageID(buf[0])
	m.Payload = append(m.Payload[:0], buf[1:]...)
	return int64(4 + len(buf)), nil
}

// ReadMessage reads one frame from r, normalizing keep-alive to a nil
// *Message so callers can pass the result straight to IsKeepAlive.
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if _, err := m.ReadFrom(r); err != nil {
		return nil, err
	}
	if m.Payload == nil && m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

// WriteMessage writes m to w; a nil m writes a keep-alive.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ValidatePayloadSize checks m's payload length against what its ID
// requires, catching truncated or over-long frames before a handler tries
// to parse them.
func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil
	}

	if want, ok := fixedPayloadSizes[m.ID]; ok {
		if len(m.Payload) != want {
			return ErrBadPayloadSize
		}
		return nil
	}
	if m.ID == Piece && len(m.Payload) < 8 {
		return ErrBadPayloadSize
	}
	return nil
}
