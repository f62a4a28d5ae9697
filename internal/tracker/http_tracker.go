package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arourke/gobt/internal/bencode"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MB

type HTTPTracker struct {
	baseURL   *url.URL
	client    *http.Client
	mut       sync.RWMutex
	trackerID string
	logger    *slog.Logger
}

func NewHTTPTracker(u *url.URL, logger *slog.Logger) (*HTTPTracker, error) {
	logger = logger.With("type", "http")

	t := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  false,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPTracker{
		logger:  logger,
		baseURL: u,
		client:  &http.Client{Transport: t, Timeout: 30 * time.Second},
	}, nil
}

func (ht *HTTPTracker) Announce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 5 * time.Second

	var resp *AnnounceResponse
	op := func() error {
		r, err := ht.announceOnce(ctx, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	return resp, nil
}

func (ht *HTTPTracker) announceOnce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf(
			"tracker: announce returned non-ok status %d: %s",
			resp.StatusCode,
			string(body),
		)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	if r.TrackerID != "" {
		ht.mut.Lock()
		ht.trackerID = r.TrackerID
		ht.mut.Unlock()
	}

	return r, nil
}

func (ht *HTTPTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}
	if params.IP != "" {
		q.Set("ip", params.IP)
	}

	ht.mut.RLock()
	trackerID := ht.trackerID
	ht.mut.RUnlock()

	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	lr := io.LimitReader(r, maxTrackerResponseSize)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce expected dict but got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure %s", failure)
	}
	// BEP-3 names this key "warning message". A response carrying it is
	// reported as a failed announce.
	if warning, ok := dict["warning message"].(string); ok {
		return nil, fmt.Errorf("tracker: announce warning %s", warning)
	}

	interval, err := toInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval %w", err)
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers %w", err)
	}

	minInterval, _ := toInt(dict["min interval"])
	seeders, _ := toInt(dict["complete"])
	leechers, _ := toInt(dict["incomplete"])
	trackerID, _ := toString(dict["trackerid"])

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}

func parsePeers(d map[string]any) ([]netip.AddrPort, error) {
	peersData, ok := d["peers"]
	if !ok {
		return nil, nil
	}
	return decodePeers(peersData, false)
}

// toInt coerces a decoded bencode value (always int64 for integers) into an
// int64, defaulting missing/absent fields to zero rather than erroring.
func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}
