// Package engine runs many torrents under one process: a shared registry,
// global upload/download rate limits, and a cap on concurrent half-open
// (in-progress handshake) connections across the whole swarm set.
package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"golang.org/x/sync/errgroup"

	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/metrics"
	"github.com/arourke/gobt/internal/ratelimit"
	"github.com/arourke/gobt/internal/resume"
	"github.com/arourke/gobt/internal/torrent"
)

// resumeSnapshotInterval is how often Engine checkpoints every running
// torrent's resume record to disk, independent of Remove/Shutdown.
const resumeSnapshotInterval = 2 * time.Minute

// Engine owns every running Torrent in the process plus the resources they
// share: global rate limiters and the half-open connection budget.
type Engine struct {
	log      *slog.Logger
	clientID [sha1.Size]byte

	mu       sync.RWMutex
	torrents map[[sha1.Size]byte]*runningTorrent

	uploadLimiter   *ratelimit.Limiter
	downloadLimiter *ratelimit.Limiter
	halfOpen        *halfOpenSet
	resumeDir       string

	scope         tally.Scope
	scopeCloser   io.Closer
	torrentGauge  tally.Gauge
	halfOpenGauge tally.Gauge

	clk              clock.Clock
	resumeLoopCancel context.CancelFunc
	resumeLoopDone   chan struct{}
}

type runningTorrent struct {
	t      *torrent.Torrent
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures engine-wide resource caps. Per-torrent overrides (save
// path, optional per-torrent rate caps) are passed to Add, not here.
type Config struct {
	MaxUploadRateBytesPerSec   int64
	MaxDownloadRateBytesPerSec int64
	MaxHalfOpenConns           int

	// ResumeDir holds one resume record per torrent, keyed by info hash.
	// Empty disables resume persistence entirely.
	ResumeDir string

	// Metrics selects the tally.Scope backend. Zero value is "disabled".
	Metrics metrics.Config

	// Clock is injectable for tests; nil means clock.New() (real time).
	Clock clock.Clock
}

func WithDefaultConfig() *Config {
	cfg := config.Load()
	return &Config{
		MaxUploadRateBytesPerSec:   cfg.MaxUploadRate,
		MaxDownloadRateBytesPerSec: cfg.MaxDownloadRate,
		MaxHalfOpenConns:           cfg.MaxPeers,
		ResumeDir:                  filepath.Join(cfg.DefaultDownloadDir, ".resume"),
	}
}

// New builds an Engine with no torrents running yet.
func New(cfg *Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	halfOpen, err := newHalfOpenSet(cfg.MaxHalfOpenConns)
	if err != nil {
		return nil, err
	}

	scope, closer, err := metrics.New(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	e := &Engine{
		log:             logger.With("component", "engine"),
		clientID:        config.Load().ClientID,
		torrents:        make(map[[sha1.Size]byte]*runningTorrent),
		uploadLimiter:   ratelimit.New(cfg.MaxUploadRateBytesPerSec),
		downloadLimiter: ratelimit.New(cfg.MaxDownloadRateBytesPerSec),
		halfOpen:        halfOpen,
		resumeDir:       cfg.ResumeDir,
		scope:           scope,
		scopeCloser:     closer,
		clk:             clk,
	}
	e.torrentGauge = scope.Gauge("torrents_running")
	e.halfOpenGauge = scope.Gauge("half_open_in_use")

	if e.resumeDir != "" {
		e.startResumeLoop()
	}
	return e, nil
}

// startResumeLoop periodically checkpoints every running torrent's resume
// record, so a crash between Add and a clean Remove/Shutdown loses at most
// one snapshot interval of progress instead of the whole run.
func (e *Engine) startResumeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	e.resumeLoopCancel = cancel
	e.resumeLoopDone = make(chan struct{})

	go func() {
		defer close(e.resumeLoopDone)
		ticker := e.clk.Ticker(resumeSnapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.snapshotAllResumeRecords()
			}
		}
	}()
}

// snapshotAllResumeRecords persists a resume record for every torrent
// currently registered. Exported indirectly via the periodic loop above;
// kept as its own method so it can be driven directly in tests without
// depending on ticker timing.
func (e *Engine) snapshotAllResumeRecords() {
	for _, t := range e.List() {
		e.persistResume(t)
	}
}

// Add parses a .torrent file's bytes, wires the engine's global rate
// limiters into its config, and starts it running in the background.
func (e *Engine) Add(data []byte, cfg *torrent.Config) (*torrent.Torrent, error) {
	if cfg == nil {
		cfg = torrent.WithDefaultConfig()
	}
	if cfg.UploadLimiter == nil {
		cfg.UploadLimiter = e.uploadLimiter
	}
	if cfg.DownloadLimiter == nil {
		cfg.DownloadLimiter = e.downloadLimiter
	}

	t, err := torrent.NewTorrent(e.clientID, data, cfg)
	if err != nil {
		return nil, err
	}

	infoHashHex := hex.EncodeToString(t.Metainfo.InfoHash[:])
	e.log.Info("adding torrent",
		"name", t.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"pieces", len(t.Metainfo.Info.Pieces),
	)

	if e.resumeDir != "" {
		if rec, err := resume.Load(e.resumeDir, t.Metainfo.InfoHash); err == nil {
			e.log.Info("found prior resume record",
				"info_hash", infoHashHex,
				"uploaded", rec.Uploaded,
				"downloaded", rec.Downloaded,
			)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTorrent{t: t, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.torrents[t.Metainfo.InfoHash] = rt
	n := len(e.torrents)
	e.mu.Unlock()
	e.torrentGauge.Update(float64(n))
	e.scope.Counter("torrents_added").Inc(1)

	go func() {
		defer close(rt.done)
		if err := t.Run(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("torrent exited", "info_hash", infoHashHex, "error", err)
		}
	}()

	return t, nil
}

// Remove stops and unregisters the torrent identified by infoHashHex,
// blocking until its Run goroutine has actually exited.
func (e *Engine) Remove(infoHashHex string) error {
	infoHash, err := parseInfoHash(infoHashHex)
	if err != nil {
		return err
	}

	e.mu.Lock()
	rt, ok := e.torrents[infoHash]
	if ok {
		delete(e.torrents, infoHash)
	}
	n := len(e.torrents)
	e.mu.Unlock()

	if !ok {
		return nil
	}

	rt.t.Stop()
	rt.cancel()
	<-rt.done

	e.torrentGauge.Update(float64(n))
	e.scope.Counter("torrents_removed").Inc(1)
	e.persistResume(rt.t)
	return nil
}

// PersistResume snapshots the named torrent's verified-piece bitfield and
// transfer totals to disk, so a later restart doesn't have to re-verify
// pieces this process already checked. A no-op if ResumeDir was unset.
func (e *Engine) PersistResume(infoHashHex string) error {
	t, ok := e.Get(infoHashHex)
	if !ok {
		return fmt.Errorf("engine: no such torrent %q", infoHashHex)
	}
	return e.persistResume(t)
}

func (e *Engine) persistResume(t *torrent.Torrent) error {
	if e.resumeDir == "" {
		return nil
	}

	stats := t.GetStats()
	record := &resume.Record{
		InfoHash:   t.Metainfo.InfoHash,
		Bitfield:   t.Bitfield(),
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		SavePath:   t.GetConfig().DownloadDir,
	}

	if err := resume.Save(e.resumeDir, record); err != nil {
		e.log.Warn("failed to persist resume record", "info_hash", hex.EncodeToString(t.Metainfo.InfoHash[:]), "error", err)
		return err
	}
	return nil
}

// List returns every torrent currently registered with the engine.
func (e *Engine) List() []*torrent.Torrent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*torrent.Torrent, 0, len(e.torrents))
	for _, rt := range e.torrents {
		out = append(out, rt.t)
	}
	return out
}

// Get returns the torrent with the given info hash, if registered.
func (e *Engine) Get(infoHashHex string) (*torrent.Torrent, bool) {
	infoHash, err := parseInfoHash(infoHashHex)
	if err != nil {
		return nil, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	rt, ok := e.torrents[infoHash]
	if !ok {
		return nil, false
	}
	return rt.t, true
}

// SetRateLimits updates the engine's global upload/download caps in place;
// every torrent sharing these limiters picks up the new rate immediately.
func (e *Engine) SetRateLimits(uploadBytesPerSec, downloadBytesPerSec int64) {
	e.uploadLimiter.SetBytesPerSec(uploadBytesPerSec)
	e.downloadLimiter.SetBytesPerSec(downloadBytesPerSec)
}

// AcquireHalfOpen reserves a half-open connection slot, returning false if
// the engine-wide cap is already exhausted.
func (e *Engine) AcquireHalfOpen() (slot int, ok bool) {
	slot, ok = e.halfOpen.acquire()
	if ok {
		e.halfOpenGauge.Update(float64(e.halfOpen.inUse()))
	}
	return slot, ok
}

// ReleaseHalfOpen frees a slot acquired by AcquireHalfOpen.
func (e *Engine) ReleaseHalfOpen(slot int) {
	e.halfOpen.release(slot)
	e.halfOpenGauge.Update(float64(e.halfOpen.inUse()))
}

// Shutdown stops every running torrent and waits for their Run goroutines to
// exit.
func (e *Engine) Shutdown() error {
	if e.resumeLoopCancel != nil {
		e.resumeLoopCancel()
		<-e.resumeLoopDone
	}

	e.mu.Lock()
	rts := make([]*runningTorrent, 0, len(e.torrents))
	for _, rt := range e.torrents {
		rts = append(rts, rt)
	}
	e.torrents = make(map[[sha1.Size]byte]*runningTorrent)
	e.mu.Unlock()

	var g errgroup.Group
	for _, rt := range rts {
		rt := rt
		g.Go(func() error {
			rt.t.Stop()
			rt.cancel()
			<-rt.done
			e.persistResume(rt.t)
			return nil
		})
	}
	err := g.Wait()

	e.torrentGauge.Update(0)
	if e.scopeCloser != nil {
		if cerr := e.scopeCloser.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func parseInfoHash(infoHashHex string) ([sha1.Size]byte, error) {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil {
		return infoHash, fmt.Errorf("invalid info hash %q: %w", infoHashHex, err)
	}
	if len(raw) != sha1.Size {
		return infoHash, fmt.Errorf("invalid info hash length for %q", infoHashHex)
	}
	copy(infoHash[:], raw)
	return infoHash, nil
}
