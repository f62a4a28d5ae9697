// Package piece tracks per-piece and per-block download state for a single
// torrent: which blocks are wanted, in flight, or done, which peer owns an
// in-flight request, and which pieces are rarest across the swarm.
package piece

import (
	"crypto/sha1"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/pkg/bitfield"
)

// BlockInfo describes a single block request: which piece, the byte offset
// within it, and its length.
type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

// Status is the download state of a piece or block.
type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	status Status
	owners []*blockOwner
}

type piece struct {
	index         uint32
	status        Status
	length        uint32
	blockCount    uint32
	lastBlockSize uint32
	doneBlocks    uint32
	verified      bool
	blocks        []*block
	hash          [sha1.Size]byte
}

// Manager owns the per-piece, per-block download state for one torrent. It
// hands out block assignments under four strategies (in-progress-first,
// sequential, endgame, and an explicit piece list driven by rarest-first
// ranking) and tracks swarm-wide piece availability for that ranking.
type Manager struct {
	logger          *slog.Logger
	mut             sync.RWMutex
	pieces          []*piece
	pieceCount      uint32
	nextPiece       uint32
	nextBlock       uint32
	remainingBlocks uint32
	lastPieceLength uint32
	avail           *availabilityBucket
}

// NewManager builds a Manager for a torrent with the given per-piece SHA-1
// hashes, uniform piece length, and total content size.
func NewManager(
	pieceHashes [][sha1.Size]byte,
	pieceLen uint32,
	size uint64,
	logger *slog.Logger,
) (*Manager, error) {
	lastPieceLen, ok := LastPieceLength(size, pieceLen)
	if !ok {
		return nil, errors.New("piece: size/pieceLen out of bounds")
	}

	n := len(pieceHashes)
	pieces := make([]*piece, n)
	totalBlocks := uint32(0)

	for i := 0; i < n; i++ {
		currPieceLen, _ := PieceLengthAt(uint32(i), size, pieceLen)
		blockCount, _ := BlocksInPiece(currPieceLen)
		blocks := make([]*block, blockCount)
		totalBlocks += blockCount

		for j := 0; j < int(blockCount); j++ {
			blocks[j] = &block{status: StatusWant, owners: make([]*blockOwner, 0, 2)}
		}

		lastBlockLen, _ := LastBlockInPiece(currPieceLen)

		pieces[i] = &piece{
			index:         uint32(i),
			status:        StatusWant,
			length:        currPieceLen,
			blocks:        blocks,
			blockCount:    blockCount,
			hash:          pieceHashes[i],
			lastBlockSize: lastBlockLen,
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:          logger.With("component", "piece"),
		pieces:          pieces,
		pieceCount:      uint32(n),
		remainingBlocks: totalBlocks,
		lastPieceLength: lastPieceLen,
		avail:           newAvailabilityBucket(n),
	}, nil
}

func (m *Manager) PieceCount() uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieceCount
}

// ResetSequentialState rewinds the sequential cursor to the first
// unverified piece; call after peers churn significantly.
func (m *Manager) ResetSequentialState() {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.nextPiece = 0
	m.nextBlock = 0

	for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
		m.nextPiece++
	}
}

func (m *Manager) PieceLength(pieceIdx uint32) uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].length
}

func (m *Manager) PieceHash(pieceIdx uint32) [sha1.Size]byte {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].hash
}

func (m *Manager) PieceComplete(pieceIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	p := m.pieces[pieceIdx]
	return p.doneBlocks == p.blockCount
}

func (m *Manager) PieceStatus() []Status {
	m.mut.RLock()
	defer m.mut.RUnlock()

	states := make([]Status, m.pieceCount)
	for i, p := range m.pieces {
		states[i] = p.status
	}

	return states
}

// PeerGainedPiece records that peer now has pieceIdx, raising its rarity
// rank. Call once per "have"/bitfield bit set.
func (m *Manager) PeerGainedPiece(pieceIdx uint32) {
	m.avail.Move(int(pieceIdx), 1)
}

// PeerLostPiece records that a peer holding pieceIdx has disconnected.
func (m *Manager) PeerLostPiece(pieceIdx uint32) {
	m.avail.Move(int(pieceIdx), -1)
}

// RarestPieces returns up to limit piece indices the peer has (per peerBF)
// that are not yet verified, ordered from rarest to most common.
func (m *Manager) RarestPieces(peerBF bitfield.Bitfield, limit int) []uint32 {
	m.mut.RLock()
	verified := make([]bool, m.pieceCount)
	for i, p := range m.pieces {
		verified[i] = p.verified
	}
	m.mut.RUnlock()

	out := make([]uint32, 0, limit)
	for a, ok := m.avail.FirstNonEmpty(); ok && len(out) < limit; {
		for _, idx := range m.avail.Bucket(a) {
			if len(out) >= limit {
				break
			}
			if idx < 0 || idx >= len(verified) || verified[idx] {
				continue
			}
			if !peerBF.Has(idx) {
				continue
			}
			out = append(out, uint32(idx))
		}

		a++
		if a > m.avail.maxAvail {
			break
		}
	}

	return out
}

func (m *Manager) MarkBlockComplete(peer netip.AddrPort, pieceIdx, begin uint32) []netip.AddrPort {
	m.mut.Lock()
	defer m.mut.Unlock()

	p := m.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, p.length)
	if !ok {
		return nil
	}
	b := p.blocks[blockIdx]
	if b.status == StatusDone {
		return nil
	}
	b.status = StatusDone
	p.doneBlocks++

	var redundantPeers []netip.AddrPort
	for _, owner := range b.owners {
		if owner.peer != peer {
			redundantPeers = append(redundantPeers, owner.peer)
		}
	}
	b.owners = nil

	return redundantPeers
}

func (m *Manager) MarkPieceVerified(pieceIdx uint32, ok bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	p := m.pieces[pieceIdx]
	if p.verified {
		return
	}

	if ok {
		p.verified = true
		p.status = StatusDone

		if m.nextPiece == pieceIdx {
			m.nextPiece++
			m.nextBlock = 0
		}

		return
	}

	m.logger.Debug("piece failed verification, resetting blocks", "piece", pieceIdx)

	for _, b := range p.blocks {
		if b.status == StatusDone {
			m.remainingBlocks++
		}
		b.status = StatusWant
		b.owners = nil
	}

	p.doneBlocks = 0
	p.status = StatusWant
}

func (m *Manager) AssignBlock(peer netip.AddrPort, pieceIdx, blockIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	_, ok := m.safeAssignBlock(peer, pieceIdx, blockIdx, 1)
	return ok
}

func (m *Manager) UnassignBlock(peer netip.AddrPort, pieceIdx, begin uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if pieceIdx >= m.pieceCount {
		return
	}

	p := m.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, p.length)
	if !ok {
		return
	}
	b := p.blocks[blockIdx]
	n := len(b.owners)

	for i := 0; i < n; i++ {
		if b.owners[i].peer == peer {
			b.owners[i] = b.owners[n-1]
			b.owners = b.owners[:n-1]
			m.remainingBlocks++
			break
		}
	}

	if len(b.owners) == 0 && b.status != StatusDone {
		b.status = StatusWant
	}
}

// AssignInProgressBlocks hands out blocks from pieces that are already
// partially downloaded, to finish them before starting new ones.
func (m *Manager) AssignInProgressBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := uint32(0); i < m.pieceCount && capacity > 0; i++ {
		p := m.pieces[i]
		if p.verified || p.doneBlocks == 0 || !peerBF.Has(int(p.index)) {
			continue
		}

		for j := uint32(0); j < p.blockCount && capacity > 0; j++ {
			if p.blocks[j].status != StatusWant {
				continue
			}

			if b, ok := m.safeAssignBlock(peer, i, j, 1); ok {
				assigned = append(assigned, b)
				capacity--
			}

			break
		}
	}

	return assigned, capacity
}

// AssignEndgameBlocks hands out blocks even if already in flight, up to
// duplicateLimit owners per block, for the final stretch of a download.
func (m *Manager) AssignEndgameBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity, duplicateLimit uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := 0; i < int(m.pieceCount) && capacity > 0; i++ {
		p := m.pieces[i]
		if p.verified || !peerBF.Has(i) {
			continue
		}

		for j := 0; j < int(p.blockCount) && capacity > 0; j++ {
			if p.blocks[j].status == StatusDone {
				continue
			}

			if b, ok := m.safeAssignBlock(peer, uint32(i), uint32(j), duplicateLimit); ok {
				assigned = append(assigned, b)
				capacity--
			}
		}
	}

	return assigned, capacity
}

// AssignSequentialBlocks hands out blocks in ascending piece order.
func (m *Manager) AssignSequentialBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for m.nextPiece < m.pieceCount && capacity > 0 {
		for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
			m.nextPiece++
			m.nextBlock = 0
		}

		if m.nextPiece >= m.pieceCount {
			break
		}

		if !peerBF.Has(int(m.nextPiece)) {
			m.nextPiece++
			m.nextBlock = 0
			continue
		}

		p := m.pieces[m.nextPiece]
		for bi := m.nextBlock; bi < p.blockCount && capacity > 0; bi++ {
			if b, ok := m.safeAssignBlock(peer, p.index, bi, 1); ok {
				assigned = append(assigned, b)
				capacity--
				m.nextBlock = bi + 1
			}
		}

		if m.nextBlock >= p.blockCount {
			m.nextPiece++
			m.nextBlock = 0
		}

		break
	}

	return assigned, capacity
}

// AssignBlocksFromList hands out blocks from an explicit, caller-ranked set
// of piece indices (used for rarest-first, via RarestPieces).
func (m *Manager) AssignBlocksFromList(
	peer netip.AddrPort,
	pieceIndices []uint32,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for _, pieceIdx := range pieceIndices {
		if capacity < 1 {
			break
		}
		if pieceIdx >= m.pieceCount || m.pieces[pieceIdx].verified {
			continue
		}

		p := m.pieces[pieceIdx]
		for blockIdx := uint32(0); blockIdx < p.blockCount; blockIdx++ {
			if b, ok := m.safeAssignBlock(peer, p.index, blockIdx, 1); ok {
				assigned = append(assigned, b)
				capacity--
				break
			}
		}
	}

	return assigned, capacity
}

// AssignBlocks serves in-progress pieces first, switches to endgame
// assignment near completion, and otherwise picks by the global config's
// strategy: sequential, or rarest-first for every other value. There is no
// random selection: PieceDownloadStrategyRandom is handled as rarest-first,
// and no random warmup applies to the first pieces.
func (m *Manager) AssignBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) []*BlockInfo {
	var assigned []*BlockInfo

	inProgress, capacity := m.AssignInProgressBlocks(peer, peerBF, capacity)
	assigned = append(assigned, inProgress...)
	if capacity == 0 {
		return assigned
	}

	cfg := config.Load()

	if m.remainingBlocksBelow(cfg.EndgameThreshold) {
		endgame, cap2 := m.AssignEndgameBlocks(peer, peerBF, capacity, uint32(cfg.EndgameDupPerBlock))
		capacity = cap2
		assigned = append(assigned, endgame...)
		return assigned
	}

	switch cfg.PieceDownloadStrategy {
	case config.PieceDownloadStrategySequential:
		seq, _ := m.AssignSequentialBlocks(peer, peerBF, capacity)
		assigned = append(assigned, seq...)
	default: // rarest-first
		rarest := m.RarestPieces(peerBF, int(capacity))
		fromList, _ := m.AssignBlocksFromList(peer, rarest, capacity)
		assigned = append(assigned, fromList...)
	}

	return assigned
}

func (m *Manager) remainingBlocksBelow(threshold int) bool {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return threshold > 0 && m.remainingBlocks <= uint32(threshold)
}

func (m *Manager) safeAssignBlock(
	peer netip.AddrPort,
	pieceIdx, blockIdx uint32,
	duplicateLimit uint32,
) (*BlockInfo, bool) {
	p := m.pieces[pieceIdx]
	b := p.blocks[blockIdx]

	begin, length, ok := BlockBounds(p.length, blockIdx)
	if !ok {
		return nil, false
	}

	if len(b.owners) >= int(duplicateLimit) {
		return nil, false
	}

	p.status = StatusInflight
	b.status = StatusInflight
	b.owners = append(b.owners, &blockOwner{peer: peer, requestedAt: time.Now()})
	if m.remainingBlocks > 0 {
		m.remainingBlocks--
	}

	return &BlockInfo{PieceIdx: pieceIdx, Begin: begin, Length: length}, true
}
