// Package peer drives a single BitTorrent wire connection: handshake,
// framed message read/write loops, choke/interest state, and per-connection
// transfer stats. Swarm-wide coordination (connection admission, choking
// policy, piece assignment) lives in Swarm.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/protocol"
	"github.com/arourke/gobt/pkg/bitfield"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3

	historyCapacity = 256
)

type Peer struct {
	log           *slog.Logger
	conn          net.Conn
	addr          netip.AddrPort
	state         uint32
	stats         *PeerStats
	bitfieldMu    sync.RWMutex
	bitfield      bitfield.Bitfield
	lastActivityAt atomic.Int64
	history       *messageHistoryBuffer
	outbox        chan *protocol.Message
	closeOnce     sync.Once
	stopped       atomic.Bool
	cancel        context.CancelFunc
	onBitfield    func(netip.AddrPort, bitfield.Bitfield)
	onHave        func(netip.AddrPort, int)
	onDisconnect  func(netip.AddrPort)
	onHandshake   func(netip.AddrPort)
	onPiece       func(netip.AddrPort, int, int, []byte)
	requestWork   func(netip.AddrPort)
	onRequest     func(netip.AddrPort, int, int, int)
}

// PeerStats holds per-connection counters/timestamps. All counters are
// atomic; the transfer and message counts only increase for the lifetime
// of a peer, while DownloadRate/UploadRate hold the latest smoothed rate.
type PeerStats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimeout   atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// PeerMetrics is a point-in-time snapshot of a single peer's connection and
// transfer stats.
type PeerMetrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	BlocksFailed   uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   int64
	DownloadRate   uint64
	UploadRate     uint64
	IsChoked       bool
	IsInterested   bool
}

type Opts struct {
	Log          *slog.Logger
	PieceCount   int
	InfoHash     [sha1.Size]byte
	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnDisconnect func(netip.AddrPort)
	OnHandshake  func(netip.AddrPort)
	OnPiece      func(netip.AddrPort, int, int, []byte)
	RequestWork  func(netip.AddrPort)
	OnRequest    func(netip.AddrPort, int, int, int)
}

// New dials addr, performs the BitTorrent handshake, and returns a Peer
// ready to Run.
func New(ctx context.Context, addr netip.AddrPort, opts *Opts) (*Peer, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "peer", "addr", addr)

	dialer := net.Dialer{Timeout: config.Load().DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	handshake := protocol.NewHandshake(opts.InfoHash, config.Load().ClientID)
	remote, err := handshake.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug("handshake complete",
		"remote_peer_id", remote.PeerID,
		"remote_dht", remote.Reserved.SupportsDHT(),
		"remote_fast_extension", remote.Reserved.SupportsFastExtension(),
	)

	p := &Peer{
		log:          log,
		conn:         conn,
		addr:         addr,
		stats:        &PeerStats{},
		onBitfield:   opts.OnBitfield,
		onHave:       opts.OnHave,
		onDisconnect: opts.OnDisconnect,
		onHandshake:  opts.OnHandshake,
		onPiece:      opts.OnPiece,
		requestWork:  opts.RequestWork,
		onRequest:    opts.OnRequest,
		bitfield:     bitfield.New(opts.PieceCount),
		history:      newMessageHistoryBuffer(historyCapacity),
		outbox:       make(chan *protocol.Message, config.Load().PeerOutboundQueueBacklog),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActivityAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()

	return p, nil
}

// Addr returns the peer's remote address.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.downloadUploadRatesLoop(gctx) })

	err := g.Wait()

	if p.onDisconnect != nil {
		p.onDisconnect(p.addr)
	}

	return err
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)

		if p.cancel != nil {
			p.cancel()
		}

		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()

		p.log.Debug("stopped peer")
	})
}

func (p *Peer) Idleness() time.Duration {
	ns := time.Unix(0, p.lastActivityAt.Load())
	return time.Since(ns)
}

func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) {
	p.enqueueMessage(protocol.MessageBitfield(bf.Bytes()))
}

func (p *Peer) SendKeepAlive() {
	p.enqueueMessage(nil)
}

func (p *Peer) Choke() {
	p.enqueueMessage(protocol.MessageChoke())
}

func (p *Peer) Unchoke() {
	p.enqueueMessage(protocol.MessageUnchoke())
}

func (p *Peer) SendInterested() {
	p.enqueueMessage(protocol.MessageInterested())
}

func (p *Peer) SendNotInterested() {
	p.enqueueMessage(protocol.MessageNotInterested())
}

func (p *Peer) SendHave(piece uint32) {
	p.enqueueMessage(protocol.MessageHave(piece))
}

func (p *Peer) SendCancel(piece, begin, length uint32) {
	p.enqueueMessage(protocol.MessageCancel(piece, begin, length))
}

func (p *Peer) SendRequest(piece, begin, length uint32) {
	if p.PeerChoking() {
		return
	}

	p.enqueueMessage(protocol.MessageRequest(piece, begin, length))
}

func (p *Peer) SendPiece(piece, begin uint32, block []byte) {
	if p.AmChoking() {
		return
	}

	p.enqueueMessage(protocol.MessagePiece(piece, begin, block))
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "read loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			l.Debug("read failed, exiting", "error", err.Error())
			return err
		}

		if err := p.handleMessage(message); err != nil {
			l.Warn("handle message failed", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "write loop")
	l.Debug("started")

	if p.onHandshake != nil {
		p.onHandshake(p.addr)
	}

	keepAliveInterval := config.Load().KeepAliveInterval
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				return nil
			}

			if err := p.writeMessage(message); err != nil {
				l.Debug("write failed, exiting", "error", err.Error())
				return err
			}

		case <-ticker.C:
			lastActivityAt := time.Unix(0, p.lastActivityAt.Load())

			if time.Since(lastActivityAt) >= keepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// downloadUploadRatesLoop keeps an exponential moving average of this
// peer's upload/download bytes-per-second, sampled once a second.
func (p *Peer) downloadUploadRatesLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()

	const alpha = 0.2
	var (
		upEMA, downEMA uint64
		inited         bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			instUp := curUp - lastUp
			instDown := curDown - lastDown

			if !inited {
				upEMA, downEMA = instUp, instDown
				inited = true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			p.stats.UploadRate.Store(upEMA)
			p.stats.DownloadRate.Store(downEMA)

			lastUp, lastDown = curUp, curDown
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	message, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())
	p.recordEvent(EventReceived, message)

	return message, nil
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(message)
	p.recordEvent(EventSent, message)
	return nil
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}

		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		if p.requestWork != nil {
			p.requestWork(p.addr)
		}

	case protocol.Interested:
		p.setState(maskPeerInterested, true)

	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(message.Payload)

		p.bitfieldMu.Lock()
		p.bitfield = bf
		p.bitfieldMu.Unlock()

		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}

	case protocol.Have:
		piece, ok := message.ParseHave()
		if !ok {
			return errors.New("malformed have message")
		}

		p.bitfieldMu.Lock()
		p.bitfield.Set(int(piece))
		p.bitfieldMu.Unlock()

		if p.onHave != nil {
			p.onHave(p.addr, int(piece))
		}

	case protocol.Piece:
		idx, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("malformed piece message")
		}

		if p.onPiece != nil {
			p.onPiece(p.addr, int(idx), int(begin), block)
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))

	case protocol.Request:
		idx, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("malformed request message")
		}
		p.stats.RequestsReceived.Add(1)

		// A choking peer must not serve blocks, per BEP-3.
		if p.AmChoking() {
			break
		}
		if p.onRequest != nil {
			p.onRequest(p.addr, int(idx), int(begin), int(length))
		}

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)

	default:
		return fmt.Errorf("invalid message id '%d'", message.ID)
	}

	return nil
}

func (p *Peer) enqueueMessage(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(message *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())

	if message == nil {
		return
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)

	case protocol.Unchoke:
		p.setState(maskAmChoking, false)

	case protocol.Interested:
		p.setState(maskAmInterested, true)

	case protocol.NotInterested:
		p.setState(maskAmInterested, false)

	case protocol.Request:
		p.stats.RequestsSent.Add(1)

	case protocol.Piece:
		if n := len(message.Payload); n >= 8 {
			blockLen := n - 8
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(blockLen))
		}

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	}
}

// Stats returns a snapshot of metrics for this peer.
func (p *Peer) Stats() PeerMetrics {
	lastActive := time.Unix(0, p.lastActivityAt.Load())
	connectedAt := p.stats.ConnectedAt

	return PeerMetrics{
		Addr:           p.addr,
		Downloaded:     p.stats.Downloaded.Load(),
		Uploaded:       p.stats.Uploaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		BlocksReceived: p.stats.PiecesReceived.Load(),
		BlocksFailed:   p.stats.RequestsTimeout.Load(),
		LastActive:     lastActive,
		ConnectedAt:    connectedAt,
		ConnectedFor:   time.Since(connectedAt).Nanoseconds(),
		DownloadRate:   p.stats.DownloadRate.Load(),
		UploadRate:     p.stats.UploadRate.Load(),
		IsChoked:       p.PeerChoking(),
		IsInterested:   p.AmInterested(),
	}
}
