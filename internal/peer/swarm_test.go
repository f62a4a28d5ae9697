package peer

import (
	"crypto/sha1"
	"net/netip"
	"testing"

	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/piece"
	"github.com/arourke/gobt/pkg/bitfield"
)

func init() {
	if err := config.Init(); err != nil {
		panic(err)
	}
}

func newTestSwarm(t *testing.T, pieceCount int) *Swarm {
	t.Helper()

	hashes := make([][sha1.Size]byte, pieceCount)
	mgr, err := piece.NewManager(hashes, 16384, uint64(pieceCount)*16384, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	s, err := NewSwarm(&SwarmOpts{
		Pieces:        mgr,
		LocalBitfield: bitfield.New(pieceCount),
	})
	if err != nil {
		t.Fatalf("NewSwarm: %v", err)
	}

	return s
}

func addTestPeer(s *Swarm, addr netip.AddrPort) *Peer {
	p := newTestPeer()
	p.addr = addr
	s.peers[addr] = p
	return p
}

func TestSwarm_UpdateInterest_SendsInterestedWhenPeerHasWantedPiece(t *testing.T) {
	s := newTestSwarm(t, 4)
	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	p := addTestPeer(s, addr)

	peerBF := bitfield.New(4)
	peerBF.Set(2)

	s.updateInterest(addr, peerBF)

	select {
	case m := <-p.outbox:
		if m.ID.String() != "Interested" {
			t.Fatalf("expected Interested message, got %v", m.ID)
		}
	default:
		t.Fatalf("expected a message to be enqueued")
	}
}

func TestSwarm_UpdateInterest_SendsNotInterestedWhenNothingWanted(t *testing.T) {
	s := newTestSwarm(t, 4)
	addr := netip.MustParseAddrPort("10.0.0.2:6881")
	p := addTestPeer(s, addr)
	p.setState(maskAmInterested, true)

	peerBF := bitfield.New(4) // empty, peer has nothing

	s.updateInterest(addr, peerBF)

	select {
	case m := <-p.outbox:
		if m.ID.String() != "Not Interested" {
			t.Fatalf("expected Not Interested message, got %v", m.ID)
		}
	default:
		t.Fatalf("expected a message to be enqueued")
	}
}

func TestSwarm_RecalculateRegularUnchokes_PicksTopByRate(t *testing.T) {
	s := newTestSwarm(t, 4)

	fast := addTestPeer(s, netip.MustParseAddrPort("10.0.0.3:6881"))
	fast.setState(maskPeerInterested, true)
	fast.stats.DownloadRate.Store(1000)
	fast.setState(maskAmChoking, true)

	slow := addTestPeer(s, netip.MustParseAddrPort("10.0.0.4:6881"))
	slow.setState(maskPeerInterested, true)
	slow.stats.DownloadRate.Store(10)
	slow.setState(maskAmChoking, true)

	cfg := config.Load()
	cfg.UploadSlots = 1
	config.Swap(*cfg)

	s.recalculateRegularUnchokes()

	if fast.AmChoking() {
		t.Fatalf("fast peer should be unchoked")
	}
	if !slow.AmChoking() {
		t.Fatalf("slow peer should remain choked")
	}
}

func TestSwarm_OnPeerHave_MarksAvailability(t *testing.T) {
	s := newTestSwarm(t, 4)
	addr := netip.MustParseAddrPort("10.0.0.5:6881")
	addTestPeer(s, addr)

	s.onPeerHave(addr, 1)

	all := bitfield.New(4)
	for i := 0; i < 4; i++ {
		all.Set(i)
	}

	// Piece 1 is the only one with a holder, so it ranks as least rare.
	rarest := s.pieces.RarestPieces(all, 4)
	if len(rarest) != 4 || rarest[3] != 1 {
		t.Fatalf("RarestPieces = %v, want piece 1 last", rarest)
	}
}

func TestSwarm_OnPeerRequest_ServesBlockViaReadHook(t *testing.T) {
	hashes := make([][sha1.Size]byte, 4)
	mgr, err := piece.NewManager(hashes, 16384, 4*16384, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	want := []byte{1, 2, 3, 4}
	var gotIdx, gotBegin, gotLen int
	s, err := NewSwarm(&SwarmOpts{
		Pieces:        mgr,
		LocalBitfield: bitfield.New(4),
		OnReadBlock: func(index, begin, length int) ([]byte, error) {
			gotIdx, gotBegin, gotLen = index, begin, length
			return want, nil
		},
	})
	if err != nil {
		t.Fatalf("NewSwarm: %v", err)
	}

	addr := netip.MustParseAddrPort("10.0.0.7:6881")
	p := addTestPeer(s, addr)

	s.onPeerRequest(addr, 1, 0, 4)

	if gotIdx != 1 || gotBegin != 0 || gotLen != 4 {
		t.Fatalf("onReadBlock got (%d,%d,%d)", gotIdx, gotBegin, gotLen)
	}

	select {
	case m := <-p.outbox:
		if m.ID.String() != "Piece" {
			t.Fatalf("expected Piece message, got %v", m.ID)
		}
	default:
		t.Fatalf("expected a Piece message enqueued to the peer")
	}
}

func TestSwarm_OnPeerRequest_NoopWithoutReadHook(t *testing.T) {
	s := newTestSwarm(t, 4)
	addr := netip.MustParseAddrPort("10.0.0.8:6881")
	p := addTestPeer(s, addr)

	s.onPeerRequest(addr, 0, 0, 4)

	select {
	case m := <-p.outbox:
		t.Fatalf("expected no message without an OnReadBlock hook, got %v", m.ID)
	default:
	}
}

func TestSwarm_RemovePeer_DeletesFromMap(t *testing.T) {
	s := newTestSwarm(t, 4)
	addr := netip.MustParseAddrPort("10.0.0.6:6881")
	addTestPeer(s, addr)

	s.removePeer(addr)

	if _, ok := s.GetPeer(addr); ok {
		t.Fatalf("peer should have been removed")
	}
}
