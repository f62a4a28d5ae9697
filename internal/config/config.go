// Package config holds process-wide tunables for the client: networking
// timeouts, peer/tracker limits, rate limiting, and the piece-picker
// strategy. It is a single atomic snapshot shared by every component, not a
// per-torrent document (see internal/settings for that).
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// PieceDownloadStrategy enumerates high-level piece selection policies the
// picker can apply.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRandom names random sampling among eligible
	// pieces. piece.Manager has no random path and treats this value as
	// rarest-first.
	PieceDownloadStrategyRandom PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. Good for streaming/locality; bad for swarm health.
	PieceDownloadStrategySequential
)

// Config defines behavior and resource limits shared across all torrents
// run by this process.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is where new torrents are saved by default.
	DefaultDownloadDir string

	// ClientID is this client's peer-id prefix seed.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxPeers     int

	// ========== Tracker / Announce ==========

	NumWant             uint32
	AnnounceInterval    time.Duration // 0 uses tracker default
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
	Port                uint16

	// =========== Rate Limits ==========

	MaxUploadRate            int64 // bytes/second, 0 = unlimited
	MaxDownloadRate          int64 // bytes/second, 0 = unlimited
	RateLimitRefresh         time.Duration
	PeerOutboundQueueBacklog int

	// ========== Piece Picker / Requests ==========

	PieceDownloadStrategy      PieceDownloadStrategy
	MaxInflightRequestsPerPeer int
	MinInflightRequestsPerPeer int
	RequestQueueTime           time.Duration
	RequestTimeout             time.Duration
	EndgameDupPerBlock         int
	EndgameThreshold           int
	MaxRequestsPerPiece        int

	// ========== Seeding / Choking ==========

	UploadSlots               int
	RechokeInterval           time.Duration
	OptimisticUnchokeInterval time.Duration // every 3rd rechoke round

	// ========== Keepalive / Heartbeats ==========

	PeerHeartbeatInterval  time.Duration
	PeerInactivityDuration time.Duration
	KeepAliveInterval      time.Duration

	// ========== Miscellaneous ==========

	MetricsEnabled  bool
	MetricsBindAddr string
	EnableIPv6      bool
	HasIPV6         bool
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	ipv6 := hasIPV6()

	return Config{
		DefaultDownloadDir:         getDefaultDownloadDir(),
		ClientID:                   clientID,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                7 * time.Second,
		MaxPeers:                   50,
		NumWant:                    50,
		AnnounceInterval:           0,
		MinAnnounceInterval:        20 * time.Minute,
		MaxAnnounceBackoff:         45 * time.Minute,
		Port:                       6969,
		MaxUploadRate:              0,
		MaxDownloadRate:            0,
		RateLimitRefresh:           200 * time.Millisecond,
		PeerOutboundQueueBacklog:   256,
		PieceDownloadStrategy:      PieceDownloadStrategyRarestFirst,
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 4,
		RequestQueueTime:           3 * time.Second,
		RequestTimeout:             25 * time.Second,
		EndgameDupPerBlock:         2,
		EndgameThreshold:           30,
		MaxRequestsPerPiece:        128,
		UploadSlots:                4,
		RechokeInterval:            10 * time.Second,
		OptimisticUnchokeInterval:  30 * time.Second,
		PeerHeartbeatInterval:      60 * time.Second,
		PeerInactivityDuration:     2 * time.Minute,
		KeepAliveInterval:          90 * time.Second,
		MetricsEnabled:             false,
		MetricsBindAddr:            ":9090",
		EnableIPv6:                 ipv6,
		HasIPV6:                    ipv6,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "gobt")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "gobt", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-GB0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
