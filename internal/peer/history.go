package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/arourke/gobt/internal/protocol"
)

const (
	EventReceived string = "received"
	EventSent     string = "sent"
)

// Event records one wire message sent or received on a peer connection, for
// surfacing a recent-activity feed per peer.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Direction   string    `json:"direction"`
	MessageType string    `json:"messageType"`
	PieceIndex  *uint32   `json:"pieceIndex,omitempty"`
	BlockOffset *uint32   `json:"blockOffset,omitempty"`
	PayloadSize int       `json:"payloadSize"`
}

// messageHistoryBuffer is a fixed-capacity ring buffer of recent Events.
type messageHistoryBuffer struct {
	buf      []*Event
	mut      sync.RWMutex
	capacity int
	size     int
	writePos int
	readPos  int
}

func newMessageHistoryBuffer(capacity int) *messageHistoryBuffer {
	if capacity <= 0 {
		panic("capacity must be positive")
	}

	return &messageHistoryBuffer{
		buf:      make([]*Event, capacity),
		capacity: capacity,
	}
}

func (mh *messageHistoryBuffer) Add(event *Event) {
	mh.mut.Lock()
	defer mh.mut.Unlock()

	mh.buf[mh.writePos] = event
	mh.writePos = (mh.writePos + 1) % mh.capacity

	if mh.size < mh.capacity {
		mh.size++
	} else {
		mh.readPos = (mh.readPos + 1) % mh.capacity
	}
}

func (mh *messageHistoryBuffer) Get(batchSize int) ([]*Event, error) {
	mh.mut.RLock()
	defer mh.mut.RUnlock()

	if mh.size == 0 {
		return nil, errors.New("buffer is empty")
	}

	n := min(mh.size, batchSize)
	events := make([]*Event, n)
	pos := (mh.readPos + mh.size - n) % mh.capacity

	for i := 0; i < n; i++ {
		events[i] = mh.buf[pos]
		pos = (pos + 1) % mh.capacity
	}

	return events, nil
}

// GetMessageHistory returns up to limit of this peer's most recent wire
// events, oldest first.
func (p *Peer) GetMessageHistory(limit int) ([]*Event, error) {
	return p.history.Get(limit)
}

func (p *Peer) recordEvent(direction string, message *protocol.Message) {
	if protocol.IsKeepAlive(message) {
		p.history.Add(&Event{
			Timestamp:   time.Now(),
			Direction:   direction,
			MessageType: "KeepAlive",
			PayloadSize: 0,
		})
		return
	}

	ev := &Event{
		Timestamp:   time.Now(),
		Direction:   direction,
		MessageType: message.ID.String(),
		PayloadSize: len(message.Payload),
	}

	if idx, ok := message.ParseHave(); ok {
		ev.PieceIndex = &idx
	} else if pidx, begin, _, ok := message.ParseRequest(); ok {
		ev.PieceIndex, ev.BlockOffset = &pidx, &begin
	} else if pidx, begin, _, ok := message.ParsePiece(); ok {
		ev.PieceIndex, ev.BlockOffset = &pidx, &begin
	}

	p.history.Add(ev)
}
