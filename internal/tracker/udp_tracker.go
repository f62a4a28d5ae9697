package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

// BEP-15 magic constant identifying a connect request.
const udpProtocolMagic = 0x41727101980

// udpMaxAttempts, udpBaseTimeout and udpAnnounceBudget implement BEP-15's
// recommended retry schedule: up to 3 tries, timeout doubling from a 500ms
// base, the whole call bounded to a 5s budget.
const (
	udpMaxAttempts    = 3
	udpBaseTimeout    = 500 * time.Millisecond
	udpAnnounceBudget = 5 * time.Second

	udpConnectionIDTTL = 60 * time.Second
	udpMaxPacket       = 4096
)

const (
	actionConnect uint32 = iota
	actionAnnounce
	actionScrape
	actionError
)

var (
	errActionMismatch        = errors.New("tracker: udp action mismatch")
	errTransactionIDMismatch = errors.New("tracker: udp transaction id mismatch")
	errPacketTooShort        = errors.New("tracker: udp packet too short")
	errAttemptsExhausted     = errors.New("tracker: exhausted all attempts")
)

// UDPTracker speaks the BEP-15 UDP tracker protocol: a connect handshake
// establishes a short-lived connection id, which then authorizes one or more
// announce requests over the same id until it expires.
type UDPTracker struct {
	logger *slog.Logger
	conn   *net.UDPConn

	mu         sync.Mutex
	key        uint32
	connID     uint64
	connExpiry time.Time
	readBuf    []byte
}

func NewUDPTracker(u *url.URL, logger *slog.Logger) (*UDPTracker, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}

	key, err := randTransactionID()
	if err != nil {
		return nil, err
	}

	return &UDPTracker{
		conn:    conn,
		key:     key,
		logger:  logger.With("type", "udp"),
		readBuf: make([]byte, udpMaxPacket),
	}, nil
}

// Announce connects if the cached connection id has expired, then announces.
// A stale-id failure from the tracker itself (rather than a network error)
// forces one reconnect-and-retry before giving up.
func (ut *UDPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, udpAnnounceBudget)
	defer cancel()

	if time.Now().After(ut.connExpiry) {
		if err := ut.connect(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := ut.announce(ctx, params)
	if err == nil {
		return resp, nil
	}
	if !isStaleConnection(err) {
		return nil, err
	}

	ut.logger.Warn("connection id stale, reconnecting", "error", err)
	ut.connExpiry = time.Time{}
	if err := ut.connect(ctx); err != nil {
		return nil, err
	}
	return ut.announce(ctx, params)
}

func isStaleConnection(err error) bool {
	return errors.Is(err, errActionMismatch) || errors.Is(err, errTransactionIDMismatch)
}

// roundTrip drives the shared attempt/timeout/transaction-id bookkeeping for
// both the connect and announce exchanges: each attempt gets its own
// deadline (doubling per BEP-15, clipped to ctx's remaining budget) and
// transaction id, and a stale-connection error aborts the whole call rather
// than burning the remaining attempts.
func (ut *UDPTracker) roundTrip(ctx context.Context, send func(txID uint32) error, recv func(txID uint32) (any, error)) (any, error) {
	for attempt := 0; attempt < udpMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		timeout, err := attemptTimeout(ctx, attempt)
		if err != nil {
			return nil, err
		}
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		txID, err := randTransactionID()
		if err != nil {
			ut.logger.Warn("transaction id generation failed", "error", err)
			continue
		}

		if err := send(txID); err != nil {
			ut.logger.Warn("udp send failed", "error", err, "attempt", attempt)
			continue
		}

		result, err := recv(txID)
		if err != nil {
			if isStaleConnection(err) {
				return nil, err
			}
			ut.logger.Warn("udp read failed", "error", err, "attempt", attempt)
			continue
		}

		return result, nil
	}

	return nil, errAttemptsExhausted
}

func (ut *UDPTracker) connect(ctx context.Context) error {
	result, err := ut.roundTrip(ctx,
		func(txID uint32) error { return ut.writePacket(encodeConnectRequest(txID)) },
		func(txID uint32) (any, error) { return ut.readConnectResponse(txID) },
	)
	if err != nil {
		return err
	}

	connID := result.(uint64)
	ut.connID = connID
	ut.connExpiry = time.Now().Add(udpConnectionIDTTL)
	ut.logger.Debug("udp connect success", "connID", connID)
	return nil
}

func (ut *UDPTracker) announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	result, err := ut.roundTrip(ctx,
		func(txID uint32) error { return ut.writePacket(encodeAnnounceRequest(ut.connID, ut.key, txID, params)) },
		func(txID uint32) (any, error) { return ut.readAnnounceResponse(txID) },
	)
	if err != nil {
		return nil, err
	}
	return result.(*AnnounceResponse), nil
}

func (ut *UDPTracker) writePacket(packet []byte) error {
	_, err := ut.conn.Write(packet)
	return err
}

func (ut *UDPTracker) readConnectResponse(wantTxID uint32) (uint64, error) {
	var buf [16]byte
	n, err := ut.conn.Read(buf[:])
	if err != nil {
		return 0, err
	}
	return decodeConnectResponse(buf[:n], wantTxID)
}

func (ut *UDPTracker) readAnnounceResponse(wantTxID uint32) (*AnnounceResponse, error) {
	n, err := ut.conn.Read(ut.readBuf)
	if err != nil {
		return nil, err
	}
	return decodeAnnounceResponse(ut.readBuf[:n], wantTxID)
}

func encodeConnectRequest(txID uint32) []byte {
	var packet [16]byte
	binary.BigEndian.PutUint64(packet[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txID)
	return packet[:]
}

func decodeConnectResponse(packet []byte, wantTxID uint32) (uint64, error) {
	if len(packet) < 16 {
		return 0, errPacketTooShort
	}
	if err := checkActionAndTxID(packet, actionConnect, wantTxID); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(packet[8:16]), nil
}

func encodeAnnounceRequest(connID uint64, key, txID uint32, params *AnnounceParams) []byte {
	var packet [98]byte
	binary.BigEndian.PutUint64(packet[0:8], connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], txID)
	copy(packet[16:36], params.InfoHash[:])
	copy(packet[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], params.Downloaded)
	binary.BigEndian.PutUint64(packet[64:72], params.Left)
	binary.BigEndian.PutUint64(packet[72:80], params.Uploaded)
	binary.BigEndian.PutUint32(packet[80:84], uint32(params.Event))
	binary.BigEndian.PutUint32(packet[84:88], 0) // IP address: 0 lets the tracker use the source address
	binary.BigEndian.PutUint32(packet[88:92], key)
	binary.BigEndian.PutUint32(packet[92:96], params.NumWant)
	binary.BigEndian.PutUint16(packet[96:98], params.Port)
	return packet[:]
}

func decodeAnnounceResponse(packet []byte, wantTxID uint32) (*AnnounceResponse, error) {
	if len(packet) < 20 {
		return nil, errPacketTooShort
	}
	if err := checkActionAndTxID(packet, actionAnnounce, wantTxID); err != nil {
		return nil, err
	}

	interval := binary.BigEndian.Uint32(packet[8:12])
	leechers := binary.BigEndian.Uint32(packet[12:16])
	seeders := binary.BigEndian.Uint32(packet[16:20])

	peers, err := decodePeers(packet[20:], false)
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int64(leechers),
		Seeders:  int64(seeders),
		Peers:    peers,
	}, nil
}

func checkActionAndTxID(packet []byte, want uint32, wantTxID uint32) error {
	action := binary.BigEndian.Uint32(packet[0:4])
	if action == actionError {
		return fmt.Errorf("tracker error: %s", string(packet[8:]))
	}
	if action != want {
		return errActionMismatch
	}
	if got := binary.BigEndian.Uint32(packet[4:8]); got != wantTxID {
		return errTransactionIDMismatch
	}
	return nil
}

func randTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// attemptTimeout returns this attempt's deadline, doubling per retry and
// clipped so the last attempt never overruns ctx's own deadline.
func attemptTimeout(ctx context.Context, attempt int) (time.Duration, error) {
	timeout := udpBaseTimeout * (1 << attempt)

	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remaining < timeout {
			return remaining, nil
		}
	}

	return timeout, nil
}
