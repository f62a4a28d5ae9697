// Command gobt is a headless BitTorrent client: point it at a .torrent
// file and it downloads (or seeds, once complete) until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/c2h5oh/datasize"
	"github.com/fatih/color"

	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/engine"
	"github.com/arourke/gobt/internal/logging"
	"github.com/arourke/gobt/internal/meta"
	"github.com/arourke/gobt/internal/metrics"
	"github.com/arourke/gobt/internal/settings"
	"github.com/arourke/gobt/internal/torrent"
)

var (
	app = kingpin.New("gobt", "A BitTorrent client.")

	settingsPath = app.Flag("settings", "Path to a persisted settings document.").
			Default(defaultSettingsPath()).String()
	metricsBackend = app.Flag("metrics-backend", `Metrics backend: "statsd" or "disabled".`).
			Default("disabled").String()
	statsdHostPort = app.Flag("statsd-host-port", "host:port for the statsd backend.").String()

	downloadCmd     = app.Command("download", "Download (and seed) a torrent.")
	downloadFile    = downloadCmd.Arg("torrent-file", "Path to a .torrent file.").Required().String()
	downloadDir     = downloadCmd.Flag("dir", "Destination directory; overrides settings.").String()
	maxUploadRate   = downloadCmd.Flag("max-upload-rate", "Upload cap, e.g. 2MB, 500KB. 0 is unlimited.").String()
	maxDownloadRate = downloadCmd.Flag("max-download-rate", "Download cap, e.g. 2MB, 500KB. 0 is unlimited.").String()

	infoCmd  = app.Command("info", "Print a .torrent file's metadata and exit.")
	infoFile = infoCmd.Arg("torrent-file", "Path to a .torrent file.").Required().String()
)

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "gobt-settings.bencode"
	}
	return filepath.Join(dir, "gobt", "settings.bencode")
}

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case downloadCmd.FullCommand():
		runDownload()
	case infoCmd.FullCommand():
		runInfo()
	}
}

func runInfo() {
	data, err := os.ReadFile(*infoFile)
	if err != nil {
		fatal("read torrent file: %v", err)
	}

	m, err := meta.ParseMetainfo(data)
	if err != nil {
		fatal("parse torrent file: %v", err)
	}

	color.New(color.FgCyan, color.Bold).Printf("%s\n", m.Info.Name)
	fmt.Printf("  info hash:    %x\n", m.InfoHash)
	fmt.Printf("  size:         %s\n", datasize.ByteSize(m.Size()).String())
	fmt.Printf("  piece length: %s\n", datasize.ByteSize(m.Info.PieceLength).String())
	fmt.Printf("  pieces:       %d\n", len(m.Info.Pieces))
	fmt.Printf("  announce:     %s\n", m.Announce)
}

func runDownload() {
	logger := logging.New(nil, "gobt")

	if err := config.Init(); err != nil {
		fatal("init config: %v", err)
	}

	s, err := settings.Load(*settingsPath)
	if err != nil {
		logger.Warn("no usable settings document, falling back to defaults", "path", *settingsPath, "error", err)
		s = settings.Default()
	}
	if *downloadDir != "" {
		s.DownloadDir = *downloadDir
	}
	if *maxUploadRate != "" {
		s.MaxUploadRateBytesPerSec = int64(parseByteSize(*maxUploadRate))
	}
	if *maxDownloadRate != "" {
		s.MaxDownloadRateBytesPerSec = int64(parseByteSize(*maxDownloadRate))
	}
	if err := s.Validate(); err != nil {
		fatal("invalid settings: %v", err)
	}
	s.Apply()

	if err := os.MkdirAll(filepath.Dir(*settingsPath), 0o755); err == nil {
		if err := settings.Save(*settingsPath, s); err != nil {
			logger.Warn("failed to persist settings", "error", err)
		}
	}

	data, err := os.ReadFile(*downloadFile)
	if err != nil {
		fatal("read torrent file: %v", err)
	}

	engineCfg := engine.WithDefaultConfig()
	engineCfg.Metrics = metrics.Config{Backend: *metricsBackend, Statsd: metrics.StatsdConfig{HostPort: *statsdHostPort}}

	e, err := engine.New(engineCfg, logger)
	if err != nil {
		fatal("start engine: %v", err)
	}

	t, err := e.Add(data, &torrent.Config{DownloadDir: s.DownloadDir})
	if err != nil {
		fatal("add torrent: %v", err)
	}
	infoHashHex := fmt.Sprintf("%x", t.Metainfo.InfoHash)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigc:
			fmt.Println()
			logger.Info("shutting down", "info_hash", infoHashHex)
			if err := e.Shutdown(); err != nil {
				logger.Error("shutdown error", "error", err)
			}
			return
		case <-ticker.C:
			printStatus(t)
		}
	}
}

func printStatus(t *torrent.Torrent) {
	stats := t.GetStats()

	stateColor := color.New(color.FgYellow)
	switch t.State() {
	case torrent.StateSeeding:
		stateColor = color.New(color.FgGreen)
	case torrent.StateError:
		stateColor = color.New(color.FgRed)
	}

	fmt.Printf("\r%s  %5.1f%%  peers=%d  down=%s/s  up=%s/s   ",
		stateColor.Sprintf("%-14s", stats.State),
		stats.Progress,
		stats.TotalPeers,
		datasize.ByteSize(stats.DownloadRate).String(),
		datasize.ByteSize(stats.UploadRate).String(),
	)
}

func parseByteSize(s string) datasize.ByteSize {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		fatal("invalid byte size %q: %v", s, err)
	}
	return v
}

func fatal(format string, args ...any) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
