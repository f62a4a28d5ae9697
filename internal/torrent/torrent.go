// Package torrent drives a single torrent's lifecycle: file verification on
// startup, the piece/peer/tracker loops that actually move bytes, and the
// Stopped -> CheckingFiles -> Downloading -> Seeding state machine exposed
// to callers.
package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/meta"
	"github.com/arourke/gobt/internal/peer"
	"github.com/arourke/gobt/internal/piece"
	"github.com/arourke/gobt/internal/storage"
	"github.com/arourke/gobt/internal/tracker"
	"github.com/arourke/gobt/pkg/bitfield"
)

// State is the torrent's lifecycle stage.
type State int32

const (
	StateStopped State = iota
	StateCheckingFiles
	StateDownloading
	StateSeeding
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateCheckingFiles:
		return "checking files"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type Torrent struct {
	Metainfo *meta.Metainfo

	clientID     [sha1.Size]byte
	cfg          *Config
	logger       *slog.Logger
	tracker      *tracker.Tracker
	peerManager  *peer.Swarm
	storage      *storage.Store
	pieceManager *piece.Manager
	localBF      bitfield.Bitfield
	state        atomic.Int32
	lastErr      atomic.Value
	cancel       context.CancelFunc
}

// NewTorrent parses metainfo out of a raw .torrent file and wires up the
// storage, piece-tracking, peer-swarm, and tracker components for it.
// Nothing runs until Run is called.
func NewTorrent(clientID [sha1.Size]byte, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("torrent", metainfo.Info.Name)

	store, err := storage.NewStorage(metainfo, cfg.storageConfig(), logger)
	if err != nil {
		return nil, err
	}

	pieceCount := len(metainfo.Info.Pieces)
	pieceManager, err := piece.NewManager(
		metainfo.Info.Pieces,
		uint32(metainfo.Info.PieceLength),
		uint64(metainfo.Size()),
		logger,
	)
	if err != nil {
		return nil, err
	}

	localBF := bitfield.New(pieceCount)

	t := &Torrent{
		Metainfo:     metainfo,
		clientID:     clientID,
		cfg:          cfg,
		logger:       logger,
		pieceManager: pieceManager,
		storage:      store,
		localBF:      localBF,
	}
	t.state.Store(int32(StateStopped))

	peerManager, err := peer.NewSwarm(&peer.SwarmOpts{
		Logger:          logger,
		InfoHash:        metainfo.InfoHash,
		ClientID:        clientID,
		Pieces:          pieceManager,
		LocalBitfield:   localBF,
		OnBlockReceived: t.onBlockReceived,
		OnReadBlock:     t.readBlock,
	})
	if err != nil {
		return nil, err
	}
	t.peerManager = peerManager

	trk, err := tracker.New(metainfo.Announce, metainfo.AnnounceList, &tracker.Opts{
		Log:               logger,
		OnAnnounceStart:   t.buildAnnounceParams,
		OnAnnounceSuccess: peerManager.AdmitPeers,
	})
	if err != nil {
		return nil, err
	}
	t.tracker = trk

	return t, nil
}

// Run transitions Stopped -> CheckingFiles, verifies any existing on-disk
// content against the piece hashes, then transitions to Downloading or
// straight to Seeding if everything already checks out, and runs the
// storage/peer/tracker loops plus piece-result bookkeeping until ctx is
// canceled.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.setState(StateCheckingFiles)
	complete, err := t.checkExistingFiles()
	if err != nil {
		t.fail(err)
		return err
	}

	if complete {
		t.setState(StateSeeding)
	} else {
		t.setState(StateDownloading)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.storage.Run(gctx) })
	g.Go(func() error { return t.peerManager.Run(gctx) })
	g.Go(func() error { return t.tracker.Run(gctx) })
	g.Go(func() error { return t.pieceResultLoop(gctx) })

	err = g.Wait()
	if err != nil && gctx.Err() == nil {
		t.fail(err)
	}
	return err
}

func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.setState(StateStopped)
	if err := t.storage.Close(); err != nil {
		t.logger.Warn("error closing storage", "error", err)
	}
}

func (t *Torrent) State() State {
	return State(t.state.Load())
}

// LastError returns the error that drove the torrent into StateError, or
// nil if it never has been.
func (t *Torrent) LastError() error {
	if v := t.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (t *Torrent) setState(s State) {
	t.state.Store(int32(s))
}

func (t *Torrent) fail(err error) {
	t.lastErr.Store(err)
	t.setState(StateError)
	t.logger.Error("torrent failed", "error", err)
}

// checkExistingFiles recomputes the SHA-1 of each piece already present on
// disk (a resumed download, or a completed one reopened) and marks whatever
// matches as verified so it is neither re-downloaded nor re-announced as
// missing. Returns true if every piece checks out.
func (t *Torrent) checkExistingFiles() (bool, error) {
	n := t.pieceManager.PieceCount()
	buf := make([]byte, t.Metainfo.Info.PieceLength)

	complete := true
	for i := uint32(0); i < n; i++ {
		length := t.pieceManager.PieceLength(i)

		if err := t.storage.ReadPiece(int(i), buf[:length]); err != nil {
			complete = false
			continue
		}

		sum := sha1.Sum(buf[:length])
		if sum != t.pieceManager.PieceHash(i) {
			complete = false
			continue
		}

		t.pieceManager.MarkPieceVerified(i, true)
		t.localBF.Set(int(i))
	}

	return complete, nil
}

// onBlockReceived is Swarm's OnBlockReceived hook: it converts a received
// wire block into storage's BlockData shape and enqueues it for reassembly.
func (t *Torrent) onBlockReceived(index, begin int, block []byte) {
	if err := t.cfg.DownloadLimiter.WaitN(context.Background(), len(block)); err != nil {
		t.logger.Warn("download limiter wait failed", "error", err)
	}

	pieceLen := t.pieceManager.PieceLength(uint32(index))

	if _, ok := piece.BlockIndexForBegin(uint32(begin), pieceLen); !ok {
		t.logger.Warn("dropping block with out-of-range offset", "piece", index, "begin", begin)
		return
	}

	select {
	case t.storage.PieceQueue <- &storage.BlockData{
		PieceIdx: index,
		BlockIdx: begin,
		PieceLen: int(pieceLen),
		Data:     block,
	}:
	default:
		t.logger.Warn("piece queue full; dropping block", "piece", index)
	}
}

// readBlock is Swarm's OnReadBlock hook: it serves a requested block straight
// off disk for a peer we are unchoking. Only pieces already verified are
// eligible, so corrupted or in-progress data is never uploaded.
func (t *Torrent) readBlock(index, begin, length int) ([]byte, error) {
	states := t.pieceManager.PieceStatus()
	if index < 0 || index >= len(states) || states[index] != piece.StatusDone {
		return nil, fmt.Errorf("piece %d not verified, refusing to serve block", index)
	}

	if err := t.cfg.UploadLimiter.WaitN(context.Background(), length); err != nil {
		t.logger.Warn("upload limiter wait failed", "error", err)
	}

	return t.storage.ReadBlock(index, begin, length)
}

// pieceResultLoop drains storage's verification results, updates piece
// state, broadcasts Have to the swarm on success, and flips to Seeding once
// every piece is done.
func (t *Torrent) pieceResultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result, ok := <-t.storage.PieceResultQueue:
			if !ok {
				return nil
			}

			t.pieceManager.MarkPieceVerified(uint32(result.Piece), result.Success)
			if !result.Success {
				continue
			}

			t.peerManager.BroadcastHave(uint32(result.Piece))

			if t.isComplete() {
				t.setState(StateSeeding)
			}
		}
	}
}

func (t *Torrent) isComplete() bool {
	for _, s := range t.pieceManager.PieceStatus() {
		if s != piece.StatusDone {
			return false
		}
	}
	return true
}

type Stats struct {
	peer.SwarmMetrics
	tracker.Metrics
	State       string             `json:"state"`
	Progress    float64            `json:"progress"`
	Peers       []peer.PeerMetrics `json:"peers"`
	PieceStates []int              `json:"pieceStates"`
}

func (t *Torrent) GetStats() *Stats {
	swarmStats := t.peerManager.Stats()
	trackerStats := t.tracker.Stats()

	rawStates := t.pieceManager.PieceStatus()
	pieceStates := make([]int, len(rawStates))
	for i, st := range rawStates {
		pieceStates[i] = int(st)
	}

	s := &Stats{
		State:       t.State().String(),
		Peers:       t.peerManager.PeerMetrics(),
		PieceStates: pieceStates,
	}
	s.SwarmMetrics = swarmStats
	s.Metrics = trackerStats

	if total := len(pieceStates); total > 0 {
		completed := 0
		for _, st := range pieceStates {
			if st == int(piece.StatusDone) {
				completed++
			}
		}
		s.Progress = (float64(completed) / float64(total)) * 100.0
	}

	return s
}

func (t *Torrent) GetConfig() *Config {
	return t.cfg
}

// Bitfield returns the set of pieces verified present on disk, for a caller
// that wants to persist resume state without reaching into piece internals.
func (t *Torrent) Bitfield() bitfield.Bitfield {
	return t.localBF
}

func (t *Torrent) GetPeerMessageHistory(peerAddr string, limit int) ([]*peer.Event, error) {
	addr, err := netip.ParseAddrPort(peerAddr)
	if err != nil {
		return nil, err
	}

	p, ok := t.peerManager.GetPeer(addr)
	if !ok {
		return nil, fmt.Errorf("peer not found: %s", peerAddr)
	}

	return p.GetMessageHistory(limit)
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	stats := t.peerManager.Stats()
	left := uint64(t.Metainfo.Size()) - stats.TotalDownloaded

	event := tracker.EventNone
	switch {
	case left == 0:
		event = tracker.EventCompleted
	case stats.TotalDownloaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		Left:       left,
		Port:       config.Load().Port,
		NumWant:    config.Load().NumWant,
	}
}
