package torrent

import (
	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/ratelimit"
	"github.com/arourke/gobt/internal/storage"
)

// Config holds the per-torrent overrides that don't belong in the global
// config singleton: where this torrent's content lives on disk, and
// optional per-torrent throughput caps. Everything else (peer limits,
// choking cadence, request pipelining) comes from config.Load() and is
// shared across every torrent in the engine.
type Config struct {
	DownloadDir string

	// UploadLimiter/DownloadLimiter throttle this torrent's transfer rate
	// on top of whatever the engine's global limiters already enforce. Nil
	// means no per-torrent cap.
	UploadLimiter   *ratelimit.Limiter
	DownloadLimiter *ratelimit.Limiter
}

func WithDefaultConfig() *Config {
	return &Config{DownloadDir: config.Load().DefaultDownloadDir}
}

func (c *Config) storageConfig() *storage.Config {
	cfg := storage.WithDefaultConfig()
	if c.DownloadDir != "" {
		cfg.DownloadDir = c.DownloadDir
	}
	return cfg
}
