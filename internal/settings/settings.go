// Package settings is the persisted, user-editable counterpart to
// internal/config's in-memory defaults: a validated document read from and
// written to disk, applied onto the global config singleton at startup or
// whenever the user changes a preference.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/validator.v2"

	"github.com/arourke/gobt/internal/bencode"
	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/ratelimit"
)

// Settings holds every tunable a user is expected to edit directly, as
// opposed to internal/config's full tunable set (most of which has sane
// defaults nobody needs to touch). Rate caps are stored in bytes/second,
// same as config.Config; MaxUploadRateMbps/SetMaxUploadRateMbps (and the
// download equivalents) convert to/from the Mbps unit a settings UI or CLI
// flag is expected to take as input.
type Settings struct {
	DownloadDir                string `validate:"nonzero"`
	Port                       uint16 `validate:"min=1"`
	MaxPeers                   int    `validate:"min=1"`
	NumWant                    uint32 `validate:"min=1"`
	MaxUploadRateBytesPerSec   int64  `validate:"min=0"`
	MaxDownloadRateBytesPerSec int64  `validate:"min=0"`
	UploadSlots                int    `validate:"min=0"`
	EnableIPv6                 bool
}

// Default mirrors internal/config's compiled-in defaults.
func Default() *Settings {
	cfg := config.Load()
	return &Settings{
		DownloadDir:                cfg.DefaultDownloadDir,
		Port:                       cfg.Port,
		MaxPeers:                   cfg.MaxPeers,
		NumWant:                    cfg.NumWant,
		MaxUploadRateBytesPerSec:   cfg.MaxUploadRate,
		MaxDownloadRateBytesPerSec: cfg.MaxDownloadRate,
		UploadSlots:                cfg.UploadSlots,
		EnableIPv6:                 cfg.EnableIPv6,
	}
}

// MaxUploadRateMbps returns the upload cap in the Mbps unit a settings UI
// or CLI flag would present, using spec.md's exact conversion.
func (s *Settings) MaxUploadRateMbps() float64 {
	return ratelimit.BytesPerSecToMbps(s.MaxUploadRateBytesPerSec)
}

// SetMaxUploadRateMbps sets the upload cap from an Mbps figure.
func (s *Settings) SetMaxUploadRateMbps(mbps float64) {
	s.MaxUploadRateBytesPerSec = ratelimit.MbpsToBytesPerSec(mbps)
}

// MaxDownloadRateMbps returns the download cap in Mbps.
func (s *Settings) MaxDownloadRateMbps() float64 {
	return ratelimit.BytesPerSecToMbps(s.MaxDownloadRateBytesPerSec)
}

// SetMaxDownloadRateMbps sets the download cap from an Mbps figure.
func (s *Settings) SetMaxDownloadRateMbps(mbps float64) {
	s.MaxDownloadRateBytesPerSec = ratelimit.MbpsToBytesPerSec(mbps)
}

// Validate checks every field against its `validate` tag, returning a
// validator.ErrorMap keyed by field name on failure.
func (s *Settings) Validate() error {
	return validator.Validate(s)
}

func (s *Settings) toDict() map[string]any {
	return map[string]any{
		"download_dir":          s.DownloadDir,
		"port":                  int64(s.Port),
		"max_peers":             int64(s.MaxPeers),
		"num_want":              int64(s.NumWant),
		"max_upload_rate_bps":   s.MaxUploadRateBytesPerSec,
		"max_download_rate_bps": s.MaxDownloadRateBytesPerSec,
		"upload_slots":          int64(s.UploadSlots),
		"enable_ipv6":           s.EnableIPv6,
	}
}

func settingsFromDict(dict map[string]any) (*Settings, error) {
	downloadDir, ok := dict["download_dir"].(string)
	if !ok {
		return nil, fmt.Errorf("settings: missing or malformed download_dir")
	}

	port, err := toInt64(dict["port"])
	if err != nil {
		return nil, fmt.Errorf("settings: port: %w", err)
	}
	maxPeers, err := toInt64(dict["max_peers"])
	if err != nil {
		return nil, fmt.Errorf("settings: max_peers: %w", err)
	}
	numWant, err := toInt64(dict["num_want"])
	if err != nil {
		return nil, fmt.Errorf("settings: num_want: %w", err)
	}
	uploadRate, err := toInt64(dict["max_upload_rate_bps"])
	if err != nil {
		return nil, fmt.Errorf("settings: max_upload_rate_bps: %w", err)
	}
	downloadRate, err := toInt64(dict["max_download_rate_bps"])
	if err != nil {
		return nil, fmt.Errorf("settings: max_download_rate_bps: %w", err)
	}
	uploadSlots, err := toInt64(dict["upload_slots"])
	if err != nil {
		return nil, fmt.Errorf("settings: upload_slots: %w", err)
	}

	enableIPv6, _ := dict["enable_ipv6"].(int64)

	return &Settings{
		DownloadDir:                downloadDir,
		Port:                       uint16(port),
		MaxPeers:                   int(maxPeers),
		NumWant:                    uint32(numWant),
		MaxUploadRateBytesPerSec:   uploadRate,
		MaxDownloadRateBytesPerSec: downloadRate,
		UploadSlots:                int(uploadSlots),
		EnableIPv6:                 enableIPv6 != 0,
	}, nil
}

func toInt64(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	return n, nil
}

// Load reads and validates a Settings document from path.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	decoded, err := bencode.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("settings: decode %s: %w", path, err)
	}

	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("settings: %s is not a bencoded dictionary", path)
	}

	s, err := settingsFromDict(dict)
	if err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %s failed validation: %w", path, err)
	}

	return s, nil
}

// Save validates s and writes it to path, via a temp file in the same
// directory followed by an atomic rename, so a crash mid-write never
// leaves a half-written settings file behind.
func Save(path string, s *Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("settings: refusing to save invalid settings: %w", err)
	}

	data, err := bencode.Marshal(s.toDict())
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("settings: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("settings: rename into place: %w", err)
	}

	return nil
}

// Apply pushes s onto the global config singleton.
func (s *Settings) Apply() {
	config.Update(func(c *config.Config) {
		c.DefaultDownloadDir = s.DownloadDir
		c.Port = s.Port
		c.MaxPeers = s.MaxPeers
		c.NumWant = s.NumWant
		c.MaxUploadRate = s.MaxUploadRateBytesPerSec
		c.MaxDownloadRate = s.MaxDownloadRateBytesPerSec
		c.UploadSlots = s.UploadSlots
		c.EnableIPv6 = s.EnableIPv6
	})
}
