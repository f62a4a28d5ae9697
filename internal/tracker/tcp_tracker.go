package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/arourke/gobt/internal/bencode"
)

// maxTCPResponseSize bounds the length-prefixed bencoded response, same
// ceiling as the HTTP flavor.
const maxTCPResponseSize = 2 * 1024 * 1024

// TCPTracker speaks a bencoded-over-TCP announce protocol: the client opens
// (or reuses) a persistent connection, writes a length-prefixed bencoded
// request dictionary built from the same fields as the HTTP flavor's query
// string, and reads back a length-prefixed bencoded response dictionary
// identical in shape to the HTTP tracker's. Framing follows
// internal/protocol/message.go's 4-byte big-endian length prefix.
type TCPTracker struct {
	addr    string
	logger  *slog.Logger
	mut     sync.Mutex
	conn    net.Conn
	dialer  net.Dialer
	timeout time.Duration
}

func NewTCPTracker(u *url.URL, logger *slog.Logger) (*TCPTracker, error) {
	return &TCPTracker{
		addr:    u.Host,
		logger:  logger.With("type", "tcp"),
		dialer:  net.Dialer{Timeout: 10 * time.Second},
		timeout: 10 * time.Second,
	}, nil
}

func (tt *TCPTracker) Announce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	tt.mut.Lock()
	defer tt.mut.Unlock()

	if err := tt.ensureConn(ctx); err != nil {
		return nil, err
	}

	_ = tt.conn.SetDeadline(time.Now().Add(tt.timeout))

	if err := tt.writeRequest(params); err != nil {
		tt.closeLocked()
		return nil, fmt.Errorf("tracker: tcp write: %w", err)
	}

	resp, err := tt.readResponse()
	if err != nil {
		tt.closeLocked()
		return nil, fmt.Errorf("tracker: tcp read: %w", err)
	}

	return resp, nil
}

func (tt *TCPTracker) ensureConn(ctx context.Context) error {
	if tt.conn != nil {
		return nil
	}

	conn, err := tt.dialer.DialContext(ctx, "tcp", tt.addr)
	if err != nil {
		return err
	}

	tt.conn = conn
	return nil
}

func (tt *TCPTracker) closeLocked() {
	if tt.conn != nil {
		tt.conn.Close()
		tt.conn = nil
	}
}

func (tt *TCPTracker) writeRequest(params *AnnounceParams) error {
	req := map[string]any{
		"info_hash":  string(params.InfoHash[:]),
		"peer_id":    string(params.PeerID[:]),
		"port":       int64(params.Port),
		"uploaded":   int64(params.Uploaded),
		"downloaded": int64(params.Downloaded),
		"left":       int64(params.Left),
		"compact":    int64(1),
	}
	if params.NumWant > 0 {
		req["numwant"] = int64(params.NumWant)
	}
	if params.Key != 0 {
		req["key"] = strconv.FormatUint(uint64(params.Key), 10)
	}
	if params.Event != EventNone {
		req["event"] = params.Event.String()
	}
	if params.TrackerID != "" {
		req["trackerid"] = params.TrackerID
	}

	payload, err := bencode.Marshal(req)
	if err != nil {
		return err
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := tt.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err = tt.conn.Write(payload)
	return err
}

func (tt *TCPTracker) readResponse() (*AnnounceResponse, error) {
	var lp [4]byte
	if _, err := io.ReadFull(tt.conn, lp[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 || length > maxTCPResponseSize {
		return nil, fmt.Errorf("tracker: tcp response length %d out of range", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(tt.conn, buf); err != nil {
		return nil, err
	}

	return parseAnnounceResponse(bytes.NewReader(buf))
}
