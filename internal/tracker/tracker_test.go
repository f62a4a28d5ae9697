package tracker

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/arourke/gobt/internal/config"
)

func init() {
	if err := config.Init(); err != nil {
		panic(err)
	}
}

type fakeTracker struct {
	resp *AnnounceResponse
	err  error
	n    int
}

func (f *fakeTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestTracker(t *testing.T, announceList [][]string) *Tracker {
	t.Helper()

	tr, err := New("", announceList, &Opts{
		OnAnnounceStart:   func() *AnnounceParams { return testParams() },
		OnAnnounceSuccess: func([]netip.AddrPort) {},
		Log:               discardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestTracker_Announce_FallsBackWithinTier(t *testing.T) {
	tr := newTestTracker(t, [][]string{{"http://a.example", "http://b.example"}})

	good := &fakeTracker{resp: &AnnounceResponse{Peers: []netip.AddrPort{
		netip.MustParseAddrPort("1.2.3.4:6881"),
	}}}
	bad := &fakeTracker{err: context.DeadlineExceeded}

	tr.trackers["http://a.example"] = bad
	tr.trackers["http://b.example"] = good

	resp, err := tr.Announce(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("peers = %v", resp.Peers)
	}
	if bad.n != 1 || good.n != 1 {
		t.Fatalf("bad.n=%d good.n=%d, want 1,1", bad.n, good.n)
	}
}

func TestTracker_Announce_PromotesSuccessfulURLToHeadOfTier(t *testing.T) {
	tr := newTestTracker(t, [][]string{{"http://a.example", "http://b.example"}})

	tr.trackers["http://a.example"] = &fakeTracker{err: context.DeadlineExceeded}
	tr.trackers["http://b.example"] = &fakeTracker{resp: &AnnounceResponse{}}

	if _, err := tr.Announce(context.Background(), testParams()); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if tr.tiers[0][0].String() != "http://b.example" {
		t.Fatalf("tier[0][0] = %s, want b.example promoted to head", tr.tiers[0][0])
	}
}

func TestTracker_Announce_FallsThroughToNextTier(t *testing.T) {
	tr := newTestTracker(t, [][]string{
		{"http://a.example"},
		{"http://b.example"},
	})

	tr.trackers["http://a.example"] = &fakeTracker{err: context.DeadlineExceeded}
	tr.trackers["http://b.example"] = &fakeTracker{resp: &AnnounceResponse{}}

	if _, err := tr.Announce(context.Background(), testParams()); err != nil {
		t.Fatalf("Announce: %v", err)
	}
}

func TestTracker_Announce_AllTiersExhausted(t *testing.T) {
	tr := newTestTracker(t, [][]string{{"http://a.example"}})
	tr.trackers["http://a.example"] = &fakeTracker{err: context.DeadlineExceeded}

	if _, err := tr.Announce(context.Background(), testParams()); err == nil {
		t.Fatalf("expected error when all tiers exhausted")
	}
}

func TestTracker_OrderedTier_RespectsMinInterval(t *testing.T) {
	tr := newTestTracker(t, [][]string{{"http://a.example", "http://b.example"}})

	// a.example served out a min-interval five minutes out; b.example has
	// never been contacted and should be tried first despite sorting second
	// in the tier's natural order.
	tr.nextAllowed["http://a.example"] = time.Now().Add(5 * time.Minute)

	ordered := tr.orderedTier(0)
	if ordered[0].url.String() != "http://b.example" {
		t.Fatalf("ordered[0] = %s, want b.example first", ordered[0].url)
	}
}

func TestBuildAnnounceURLs_DropsUnsupportedSchemes(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://a.example", [][]string{
		{"ftp://bad.example", "udp://c.example"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 2 {
		t.Fatalf("len(tiers) = %d, want 2", len(tiers))
	}
	if len(tiers[1]) != 1 {
		t.Fatalf("tier[1] should drop the unsupported ftp scheme")
	}
}

func TestBuildAnnounceURLs_NoURLsErrors(t *testing.T) {
	if _, err := buildAnnounceURLs("", nil); err == nil {
		t.Fatalf("expected error for empty announce and announce-list")
	}
}

func TestCalculateBackoff_CapsAtMaxAnnounceBackoff(t *testing.T) {
	cfg := config.Load()
	cfg.MaxAnnounceBackoff = 10 * time.Second
	config.Swap(*cfg)

	d := calculateBackoff(20)
	if d > 10*time.Second {
		t.Fatalf("backoff = %v, want capped at 10s", d)
	}
}

func TestGetNextAnnounceInterval_PrefersResponseMinInterval(t *testing.T) {
	resp := &AnnounceResponse{Interval: 30 * time.Second, MinInterval: 90 * time.Second}
	if got := getNextAnnounceInterval(resp); got != 90*time.Second {
		t.Fatalf("interval = %v, want 90s", got)
	}
}
