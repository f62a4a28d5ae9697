package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/piece"
	"github.com/arourke/gobt/pkg/bitfield"
)

// Swarm coordinates every peer connection for a single torrent: connection
// admission, piece assignment via the torrent's piece.Manager, and the
// choking policy that decides which peers get upload slots.
type Swarm struct {
	logger                     *slog.Logger
	peerMut                    sync.RWMutex
	peers                      map[netip.AddrPort]*Peer
	infoHash                   [sha1.Size]byte
	clientID                   [sha1.Size]byte
	isSeeder                   bool
	stats                      *SwarmStats
	cancel                     context.CancelFunc
	pieces                     *piece.Manager
	localBitfield              bitfield.Bitfield
	optimisticUnchokedPeerAddr netip.AddrPort
	peerConnectCh              chan netip.AddrPort
	rechokeRound               uint64
	onBlockReceived            func(index, begin int, block []byte)
	onReadBlock                func(index, begin, length int) ([]byte, error)
}

type SwarmStats struct {
	TotalPeers       atomic.Uint32
	ConnectingPeers  atomic.Uint32
	FailedConnection atomic.Uint32
	UnchokedPeers    atomic.Uint32
	InterestedPeers  atomic.Uint32
	UploadingTo      atomic.Uint32
	DownloadingFrom  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

type SwarmOpts struct {
	Logger        *slog.Logger
	InfoHash      [sha1.Size]byte
	ClientID      [sha1.Size]byte
	Pieces          *piece.Manager
	LocalBitfield   bitfield.Bitfield
	IsSeeder        bool
	OnBlockReceived func(index, begin int, block []byte)
	OnReadBlock     func(index, begin, length int) ([]byte, error)
}

type SwarmMetrics struct {
	TotalPeers       uint32 `json:"totalPeers"`
	ConnectingPeers  uint32 `json:"connectingPeers"`
	FailedConnection uint32 `json:"failedConnection"`
	UnchokedPeers    uint32 `json:"unchokedPeers"`
	InterestedPeers  uint32 `json:"interestedPeers"`
	UploadingTo      uint32 `json:"uploadingTo"`
	DownloadingFrom  uint32 `json:"downloadingFrom"`
	TotalDownloaded  uint64 `json:"totalDownloaded"`
	TotalUploaded    uint64 `json:"totalUploaded"`
	DownloadRate     uint64 `json:"downloadRate"`
	UploadRate       uint64 `json:"uploadRate"`
}

func NewSwarm(opts *SwarmOpts) (*Swarm, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Swarm{
		infoHash:      opts.InfoHash,
		clientID:      opts.ClientID,
		stats:         &SwarmStats{},
		pieces:        opts.Pieces,
		localBitfield: opts.LocalBitfield,
		peers:         make(map[netip.AddrPort]*Peer),
		peerConnectCh:   make(chan netip.AddrPort, config.Load().MaxPeers),
		logger:          log.With("component", "swarm"),
		isSeeder:        opts.IsSeeder,
		onBlockReceived: opts.OnBlockReceived,
		onReadBlock:     opts.OnReadBlock,
	}, nil
}

func (s *Swarm) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(4)
	go func() { defer wg.Done(); s.maintenanceLoop(ctx) }()
	go func() { defer wg.Done(); s.statsLoop(ctx) }()
	go func() { defer wg.Done(); s.chokeLoop(ctx) }()
	go func() { defer wg.Done(); s.peerDialerLoop(ctx) }()

	wg.Wait()

	return nil
}

func (s *Swarm) Stats() SwarmMetrics {
	ps := s.stats
	return SwarmMetrics{
		TotalPeers:       ps.TotalPeers.Load(),
		ConnectingPeers:  ps.ConnectingPeers.Load(),
		FailedConnection: ps.FailedConnection.Load(),
		UnchokedPeers:    ps.UnchokedPeers.Load(),
		InterestedPeers:  ps.InterestedPeers.Load(),
		UploadingTo:      ps.UploadingTo.Load(),
		DownloadingFrom:  ps.DownloadingFrom.Load(),
		TotalDownloaded:  ps.TotalDownloaded.Load(),
		TotalUploaded:    ps.TotalUploaded.Load(),
		DownloadRate:     ps.DownloadRate.Load(),
		UploadRate:       ps.UploadRate.Load(),
	}
}

func (s *Swarm) PeerMetrics() []PeerMetrics {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	metrics := make([]PeerMetrics, 0, len(s.peers))
	for _, p := range s.peers {
		metrics = append(metrics, p.Stats())
	}

	return metrics
}

// AdmitPeers queues candidate addresses for outbound connection attempts.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.peerConnectCh <- addr:
		default:
			s.logger.Warn("admit peer queue full; dropping", "addr", addr)
		}
	}
}

func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	s.peerMut.RLock()
	_, dup := s.peers[addr]
	totalPeers := len(s.peers)
	s.peerMut.RUnlock()

	if dup {
		return nil, nil
	}
	if totalPeers >= config.Load().MaxPeers {
		return nil, nil
	}

	s.stats.ConnectingPeers.Add(1)
	defer s.stats.ConnectingPeers.Add(^uint32(0))

	p, err := New(ctx, addr, &Opts{
		Log:          s.logger,
		PieceCount:   int(s.pieces.PieceCount()),
		InfoHash:     s.infoHash,
		OnBitfield:   s.onPeerBitfield,
		OnHave:       s.onPeerHave,
		OnDisconnect: s.onPeerDisconnect,
		OnHandshake:  s.onPeerHandshake,
		OnPiece:      s.onPeerPiece,
		RequestWork:  s.requestWork,
		OnRequest:    s.onPeerRequest,
	})
	if err != nil {
		s.stats.FailedConnection.Add(1)
		return nil, err
	}

	s.peerMut.Lock()
	s.peers[p.addr] = p
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(1)

	return p, nil
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.peerMut.Lock()
	p, exists := s.peers[addr]
	if !exists {
		s.peerMut.Unlock()
		return
	}
	delete(s.peers, addr)
	s.peerMut.Unlock()

	bf := p.Bitfield()
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.pieces.PeerLostPiece(uint32(i))
		}
	}

	s.stats.TotalPeers.Add(^uint32(0))
}

func (s *Swarm) GetPeer(addr netip.AddrPort) (*Peer, bool) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	p, ok := s.peers[addr]
	return p, ok
}

func (s *Swarm) maintenanceLoop(ctx context.Context) {
	l := s.logger.With("component", "maintenance loop")
	l.Debug("started")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			maxIdle := config.Load().PeerInactivityDuration
			var inactive []netip.AddrPort

			s.peerMut.RLock()
			for addr, p := range s.peers {
				if p.Idleness() > maxIdle {
					inactive = append(inactive, addr)
				}
			}
			s.peerMut.RUnlock()

			for _, addr := range inactive {
				if p, ok := s.GetPeer(addr); ok {
					p.Close()
				}
				s.removePeer(addr)
			}

			if n := len(inactive); n > 0 {
				l.Info("removed inactive peers", "count", n)
			}
		}
	}
}

func (s *Swarm) peerDialerLoop(ctx context.Context) {
	l := s.logger.With("component", "dialer loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return

		case addr, ok := <-s.peerConnectCh:
			if !ok {
				return
			}

			p, err := s.addPeer(ctx, addr)
			if err != nil {
				l.Debug("peer connection failed", "addr", addr, "error", err.Error())
				continue
			}
			if p == nil {
				continue
			}

			go func(p *Peer) {
				defer s.removePeer(p.addr)
				p.Run(ctx)
			}(p)
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) {
	l := s.logger.With("component", "stats loop")
	l.Debug("started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var unchoked, interested, uploadingTo, downloadingFrom uint32

			s.peerMut.RLock()
			for _, p := range s.peers {
				totUp += p.stats.Uploaded.Load()
				totDown += p.stats.Downloaded.Load()
				ru := p.stats.UploadRate.Load()
				rd := p.stats.DownloadRate.Load()
				upRate += ru
				downRate += rd

				if !p.AmChoking() {
					unchoked++
				}
				if p.AmInterested() {
					interested++
				}
				if ru > 0 {
					uploadingTo++
				}
				if rd > 0 {
					downloadingFrom++
				}
			}
			s.peerMut.RUnlock()

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.UnchokedPeers.Store(unchoked)
			s.stats.InterestedPeers.Store(interested)
			s.stats.UploadingTo.Store(uploadingTo)
			s.stats.DownloadingFrom.Store(downloadingFrom)
		}
	}
}

// chokeLoop runs a single rechoke ticker; every 3rd round also rotates the
// optimistic-unchoke slot, instead of running two independent tickers.
func (s *Swarm) chokeLoop(ctx context.Context) {
	l := s.logger.With("component", "choke loop")
	l.Debug("started")

	ticker := time.NewTicker(config.Load().RechokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.rechokeRound++
			s.recalculateRegularUnchokes()

			if s.rechokeRound%3 == 0 {
				s.recalculateOptimisticUnchoke()
			}
		}
	}
}

func (s *Swarm) recalculateRegularUnchokes() {
	var candidates []*Peer

	s.peerMut.RLock()
	for _, p := range s.peers {
		if p.PeerInterested() {
			candidates = append(candidates, p)
		}
	}
	s.peerMut.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if s.isSeeder {
			return candidates[i].stats.UploadRate.Load() > candidates[j].stats.UploadRate.Load()
		}
		return candidates[i].stats.DownloadRate.Load() > candidates[j].stats.DownloadRate.Load()
	})

	uploadSlots := config.Load().UploadSlots
	newUnchokes := make(map[netip.AddrPort]struct{}, uploadSlots)
	for i := 0; i < len(candidates) && i < uploadSlots; i++ {
		newUnchokes[candidates[i].addr] = struct{}{}
	}

	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	for _, p := range s.peers {
		_, isTop := newUnchokes[p.addr]
		isOptimistic := p.addr == s.optimisticUnchokedPeerAddr

		if isTop || isOptimistic {
			if p.AmChoking() {
				p.Unchoke()
			}
		} else if !p.AmChoking() {
			p.Choke()
		}
	}
}

func (s *Swarm) recalculateOptimisticUnchoke() {
	var candidates []*Peer

	s.peerMut.RLock()
	for _, p := range s.peers {
		if p.PeerInterested() && p.AmChoking() {
			candidates = append(candidates, p)
		}
	}
	s.peerMut.RUnlock()

	if len(candidates) == 0 {
		s.optimisticUnchokedPeerAddr = netip.AddrPort{}
		return
	}

	picked := candidates[rand.Intn(len(candidates))]
	s.optimisticUnchokedPeerAddr = picked.addr
	picked.Unchoke()
}

// onPeerBitfield records the peer's initial piece set against the
// availability tracker and decides whether we're interested.
func (s *Swarm) onPeerBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.pieces.PeerGainedPiece(uint32(i))
		}
	}

	s.updateInterest(addr, bf)
}

func (s *Swarm) onPeerHave(addr netip.AddrPort, index int) {
	s.pieces.PeerGainedPiece(uint32(index))

	if p, ok := s.GetPeer(addr); ok {
		s.updateInterest(addr, p.Bitfield())
	}
}

func (s *Swarm) updateInterest(addr netip.AddrPort, bf bitfield.Bitfield) {
	p, ok := s.GetPeer(addr)
	if !ok {
		return
	}

	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) && !s.localBitfield.Has(i) {
			if !p.AmInterested() {
				p.SendInterested()
			}
			return
		}
	}

	if p.AmInterested() {
		p.SendNotInterested()
	}
}

func (s *Swarm) onPeerDisconnect(addr netip.AddrPort) {
	s.logger.Debug("peer disconnected", "addr", addr)
}

func (s *Swarm) onPeerHandshake(addr netip.AddrPort) {
	if p, ok := s.GetPeer(addr); ok && s.localBitfield != nil {
		p.SendBitfield(s.localBitfield)
	}
}

func (s *Swarm) onPeerPiece(addr netip.AddrPort, index, begin int, block []byte) {
	redundant := s.pieces.MarkBlockComplete(addr, uint32(index), uint32(begin))
	for _, peerAddr := range redundant {
		if p, ok := s.GetPeer(peerAddr); ok {
			p.SendCancel(uint32(index), uint32(begin), uint32(len(block)))
		}
	}

	if s.onBlockReceived != nil {
		s.onBlockReceived(index, begin, block)
	}
}

// onPeerRequest serves a Request message from an unchoked peer: reads the
// block off disk and writes it back as a Piece message.
func (s *Swarm) onPeerRequest(addr netip.AddrPort, index, begin, length int) {
	if s.onReadBlock == nil {
		return
	}

	p, ok := s.GetPeer(addr)
	if !ok {
		return
	}

	block, err := s.onReadBlock(index, begin, length)
	if err != nil {
		s.logger.Warn("failed to read block for upload", "peer", addr, "piece", index, "error", err)
		return
	}

	p.SendPiece(uint32(index), uint32(begin), block)
}

// BroadcastHave marks pieceIdx complete in the local bitfield and sends
// Have to every connected peer, the seeding-side counterpart to the
// rarest-first availability tracking done for remote peers.
func (s *Swarm) BroadcastHave(pieceIdx uint32) {
	if s.localBitfield != nil {
		s.localBitfield.Set(int(pieceIdx))
	}

	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	for _, p := range s.peers {
		p.SendHave(pieceIdx)
	}
}

// requestWork is invoked when a peer unchokes us; it pulls the next batch of
// block assignments from the piece manager and issues the requests.
func (s *Swarm) requestWork(addr netip.AddrPort) {
	p, ok := s.GetPeer(addr)
	if !ok {
		return
	}

	capacity := uint32(config.Load().MaxInflightRequestsPerPeer)
	blocks := s.pieces.AssignBlocks(addr, p.Bitfield(), capacity)

	for _, b := range blocks {
		p.SendRequest(b.PieceIdx, b.Begin, b.Length)
	}
}
