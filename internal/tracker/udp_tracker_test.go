package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"
)

// fakeUDPTracker is a minimal BEP-15 server used to exercise UDPTracker's
// connect/announce handshake without touching a real tracker.
func fakeUDPTracker(t *testing.T) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]

			action := binary.BigEndian.Uint32(pkt[8:12])
			txID := binary.BigEndian.Uint32(pkt[12:16])

			switch action {
			case actionConnect:
				var resp [16]byte
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0xC0FFEE)
				conn.WriteToUDP(resp[:], addr)

			case actionAnnounce:
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 1)
				binary.BigEndian.PutUint32(resp[16:20], 2)
				copy(resp[20:26], []byte{10, 0, 0, 1, 0x1a, 0xe1})
				conn.WriteToUDP(resp, addr)
			}
		}
	}()

	return conn
}

func TestUDPTracker_Announce_ConnectThenAnnounce(t *testing.T) {
	srv := fakeUDPTracker(t)
	defer srv.Close()

	u, _ := url.Parse("udp://" + srv.LocalAddr().String())
	ut, err := NewUDPTracker(u, discardLogger())
	if err != nil {
		t.Fatalf("NewUDPTracker: %v", err)
	}

	resp, err := ut.Announce(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Seeders != 2 || resp.Leechers != 1 {
		t.Fatalf("seeders=%d leechers=%d", resp.Seeders, resp.Leechers)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("peers = %v", resp.Peers)
	}
	if ut.connID != 0xC0FFEE {
		t.Fatalf("connID = %x, want 0xC0FFEE", ut.connID)
	}
}

func TestUDPTracker_Announce_NoServerExhaustsRetriesWithinBudget(t *testing.T) {
	// Bind a socket nobody replies on so every attempt times out; confirms
	// the 3-retry/500ms/5s schedule bounds the call rather than hanging.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()

	u, _ := url.Parse("udp://" + addr)
	ut, err := NewUDPTracker(u, discardLogger())
	if err != nil {
		t.Fatalf("NewUDPTracker: %v", err)
	}

	start := time.Now()
	_, err = ut.Announce(context.Background(), testParams())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected error with no server listening")
	}
	if elapsed > 6*time.Second {
		t.Fatalf("elapsed = %v, want bounded near the 5s budget", elapsed)
	}
}
