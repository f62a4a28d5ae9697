package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arourke/gobt/internal/config"
	heapq "github.com/arourke/gobt/pkg/heap"
)

// maxConsecutiveFailures bounds the announce loop's retry budget before it
// gives up on a torrent entirely rather than backing off forever.
const maxConsecutiveFailures = 5

// AnnounceParams is everything a TrackerProtocol needs to build one announce
// request, independent of the wire format the concrete tracker speaks.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	TrackerID  string
	IP         string
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse normalizes a tracker reply across HTTP, UDP, and TCP
// transports into one shape the rest of the package understands.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Event is the BEP-3 "event" announce field.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return "none"
	}
}

// TrackerProtocol is implemented once per announce transport (HTTP, UDP,
// bencoded TCP) and hides the wire format from Tracker's tier-fallback logic.
type TrackerProtocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// counters is the live, concurrently-updated state behind a Tracker's
// Stats() snapshot.
type counters struct {
	announces      atomic.Uint64
	successes      atomic.Uint64
	failures       atomic.Uint64
	lastAnnounceAt atomic.Int64
	lastSuccessAt  atomic.Int64
	peersReceived  atomic.Uint64
	seeders        atomic.Int64
	leechers       atomic.Int64
}

func (c *counters) snapshot() Metrics {
	var lastAnn, lastSuc time.Time
	if v := c.lastAnnounceAt.Load(); v > 0 {
		lastAnn = time.Unix(v, 0)
	}
	if v := c.lastSuccessAt.Load(); v > 0 {
		lastSuc = time.Unix(v, 0)
	}

	return Metrics{
		TotalAnnounces:      c.announces.Load(),
		SuccessfulAnnounces: c.successes.Load(),
		FailedAnnounces:     c.failures.Load(),
		TotalPeersReceived:  c.peersReceived.Load(),
		CurrentSeeders:      c.seeders.Load(),
		CurrentLeechers:     c.leechers.Load(),
		LastAnnounce:        lastAnn,
		LastSuccess:         lastSuc,
	}
}

func (c *counters) recordAttempt() {
	c.announces.Add(1)
	c.lastAnnounceAt.Store(time.Now().Unix())
}

func (c *counters) recordSuccess(resp *AnnounceResponse) {
	c.successes.Add(1)
	c.lastSuccessAt.Store(time.Now().Unix())
	c.peersReceived.Add(uint64(len(resp.Peers)))
	c.seeders.Store(resp.Seeders)
	c.leechers.Store(resp.Leechers)
}

func (c *counters) recordFailure() { c.failures.Add(1) }

// Metrics is a point-in-time, allocation-free-to-read copy of Stats.
type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// slot pairs a tier URL with its position, so a priority queue can rank URLs
// by eligibility without losing track of where each one lives for promotion.
type slot struct {
	url         *url.URL
	tierIdx     int
	urlIdx      int
	nextAllowed time.Time
}

func (s slot) eligibleAt(now time.Time) time.Time {
	if s.nextAllowed.Before(now) {
		return time.Time{}
	}
	return s.nextAllowed
}

// Opts wires the behavior a Tracker needs from its owner: how to build the
// next announce (the owner knows current uploaded/downloaded/left), what to
// do with the peers a successful announce returns, and where to log.
type Opts struct {
	OnAnnounceStart   func() *AnnounceParams
	OnAnnounceSuccess func(addrs []netip.AddrPort)
	Log               *slog.Logger
}

// Tracker fans a single torrent's announce out across BEP-12 tiers of
// announce URLs, picking among same-tier trackers by eligibility and
// escalating to the next tier only once every URL in the current one fails.
type Tracker struct {
	tiers [][]*url.URL
	mu    sync.Mutex

	nextAllowed map[string]time.Time
	trackers    map[string]TrackerProtocol

	log   *slog.Logger
	stats *counters

	onAnnounceStart   func() *AnnounceParams
	onAnnounceSuccess func(addrs []netip.AddrPort)
}

func New(announce string, announceList [][]string, opts *Opts) (*Tracker, error) {
	if opts.OnAnnounceStart == nil {
		return nil, errors.New("tracker: OnAnnounceStart hook missing")
	}
	if opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: OnAnnounceSuccess hook missing")
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}
	shuffleTiers(tiers)

	return &Tracker{
		tiers:             tiers,
		nextAllowed:       make(map[string]time.Time),
		trackers:          make(map[string]TrackerProtocol),
		log:               opts.Log.With("component", "tracker", "tiers", len(tiers)),
		stats:             &counters{},
		onAnnounceStart:   opts.OnAnnounceStart,
		onAnnounceSuccess: opts.OnAnnounceSuccess,
	}, nil
}

// shuffleTiers randomizes URL order within each tier (not across tiers) per
// BEP-12, so every client in a swarm doesn't hammer the same tracker first.
func shuffleTiers(tiers [][]*url.URL) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, tier := range tiers {
		if len(tier) < 2 {
			continue
		}
		r.Shuffle(len(tier), func(a, b int) { tier[a], tier[b] = tier[b], tier[a] })
	}
}

func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	return g.Wait()
}

func (t *Tracker) Stats() Metrics { return t.stats.snapshot() }

// Announce tries each tier in turn; within a tier it tries URLs in
// eligibility order (soonest-allowed first) until one answers. The first
// success is promoted to the head of its tier and its min-interval, if any,
// recorded so the next round of orderedTier respects it.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.recordAttempt()

	var lastErr error
	for tierIdx := range t.tiers {
		if resp, ok := t.tryTier(ctx, tierIdx, params, &lastErr); ok {
			return resp, nil
		}
		t.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	t.stats.recordFailure()
	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}
	return nil, lastErr
}

func (t *Tracker) tryTier(ctx context.Context, tierIdx int, params *AnnounceParams, lastErr *error) (*AnnounceResponse, bool) {
	for _, s := range t.orderedTier(tierIdx) {
		proto, err := t.getTracker(s.url)
		if err != nil {
			*lastErr = err
			continue
		}

		resp, err := proto.Announce(ctx, params)
		if err != nil {
			*lastErr = err
			continue
		}

		t.promoteWithinTier(tierIdx, s.urlIdx)
		t.recordNextAllowed(s.url, resp)
		t.stats.recordSuccess(resp)

		t.log.Info("announce success",
			"tier", tierIdx,
			"url", s.url.String(),
			"peers", len(resp.Peers),
			"seeders", resp.Seeders,
			"leechers", resp.Leechers,
		)
		return resp, true
	}
	return nil, false
}

func (t *Tracker) announceLoop(ctx context.Context) error {
	l := t.log.With("component", "announce loop")
	l.Debug("started")

	failures := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done; exiting", "error", ctx.Err())
			t.announceStop()
			return nil

		case <-ticker.C:
			if failures >= maxConsecutiveFailures {
				return errors.New("tracker: exhausted all announce attempts")
			}

			resp, err := t.Announce(ctx, t.onAnnounceStart())
			if err != nil {
				failures++
				ticker.Reset(calculateBackoff(failures))
				continue
			}

			t.onAnnounceSuccess(resp.Peers)
			failures = 0
			ticker.Reset(getNextAnnounceInterval(resp))
		}
	}
}

// announceStop fires a best-effort "stopped" event with a short deadline of
// its own; a peer waiting on a graceful shutdown shouldn't be held hostage by
// a slow or unreachable tracker.
func (t *Tracker) announceStop() {
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	params := t.onAnnounceStart()
	params.Event = EventStopped
	_, _ = t.Announce(sctx, params)
}

// orderedTier ranks a tier's URLs by next-eligible time: URLs due now (or
// never contacted) dequeue first in tier order; URLs still serving out a
// min-interval follow, soonest-first. A priority queue keeps this O(n log n)
// per call instead of a full sort plus separate partition.
func (t *Tracker) orderedTier(tierIdx int) []slot {
	t.mu.Lock()
	urls := append([]*url.URL(nil), t.tiers[tierIdx]...)
	now := time.Now()

	slots := make([]slot, len(urls))
	for i, u := range urls {
		slots[i] = slot{
			url:         u,
			tierIdx:     tierIdx,
			urlIdx:      i,
			nextAllowed: t.nextAllowed[u.String()],
		}
	}
	t.mu.Unlock()

	pq := heapq.NewPriorityQueue(func(a, b slot) bool {
		ae, be := a.eligibleAt(now), b.eligibleAt(now)
		if ae.Equal(be) {
			return a.urlIdx < b.urlIdx
		}
		return ae.Before(be)
	})
	for _, s := range slots {
		pq.Enqueue(s)
	}

	out := make([]slot, 0, len(slots))
	for {
		s, ok := pq.Dequeue()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}

func (t *Tracker) recordNextAllowed(u *url.URL, resp *AnnounceResponse) {
	if resp.MinInterval <= 0 {
		return
	}
	t.mu.Lock()
	t.nextAllowed[u.String()] = time.Now().Add(resp.MinInterval)
	t.mu.Unlock()
}

// promoteWithinTier moves a URL that just answered successfully to the front
// of its tier, per BEP-12's "trackers that work should be tried first".
func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u

	t.log.Debug("announce promote", "tier", tierIdx, "from", urlIdx, "url", u.String())
}

// getTracker lazily builds and caches one TrackerProtocol per distinct URL,
// dispatching on scheme to the transport that can speak it.
func (t *Tracker) getTracker(u *url.URL) (TrackerProtocol, error) {
	key := u.String()

	t.mu.Lock()
	proto, cached := t.trackers[key]
	t.mu.Unlock()
	if cached {
		return proto, nil
	}

	log := t.log.With("scheme", u.Scheme, "host", u.Host, "path", u.EscapedPath())

	proto, err := newTrackerProtocol(u, log)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.trackers[key] = proto
	t.mu.Unlock()
	t.log.Debug("tracker cached")

	return proto, nil
}

func newTrackerProtocol(u *url.URL, log *slog.Logger) (TrackerProtocol, error) {
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTracker(u, log)
	case "udp":
		return NewUDPTracker(u, log)
	case "tcp":
		return NewTCPTracker(u, log)
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
}

// buildAnnounceURLs merges the single "announce" field and the BEP-12
// "announce-list" tiers into one ordered tier list, dropping URLs whose
// scheme no transport understands.
func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		var parsed []*url.URL
		for _, raw := range tier {
			if u, ok := parseTrackerURL(raw); ok {
				parsed = append(parsed, u)
			}
		}
		if len(parsed) > 0 {
			tiers = append(tiers, parsed)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}

	switch u.Scheme {
	case "http", "https", "udp", "tcp":
		return u, true
	default:
		return nil, false
	}
}

// calculateBackoff is a capped exponential backoff with +/-25% jitter,
// keyed on consecutive announce failures rather than elapsed time.
func calculateBackoff(failures int) time.Duration {
	const (
		base     = 15 * time.Second
		maxShift = 5
	)

	shift := failures - 1
	if shift > maxShift {
		shift = maxShift
	}

	delay := base * (1 << uint(shift))
	if maxDelay := config.Load().MaxAnnounceBackoff; delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	delay = delay - delay/4 + jitter
	if maxDelay := config.Load().MaxAnnounceBackoff; delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// getNextAnnounceInterval picks the re-announce delay from a response's
// interval/min-interval, falling back to config defaults when the tracker
// left them unset.
func getNextAnnounceInterval(resp *AnnounceResponse) time.Duration {
	cfg := config.Load()

	interval := cfg.AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if resp.MinInterval <= 0 && cfg.MinAnnounceInterval > 0 && interval < cfg.MinAnnounceInterval {
		interval = cfg.MinAnnounceInterval
	}

	return interval
}
