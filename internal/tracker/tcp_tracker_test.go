package tracker

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/url"
	"testing"

	"github.com/arourke/gobt/internal/bencode"
)

func fakeTCPTracker(t *testing.T, handle func(req map[string]any) []byte) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var lp [4]byte
		if _, err := io.ReadFull(conn, lp[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(lp[:])

		buf := make([]byte, length)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}

		raw, err := bencode.Unmarshal(buf)
		if err != nil {
			return
		}
		req, _ := raw.(map[string]any)

		payload := handle(req)
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
		conn.Write(hdr[:])
		conn.Write(payload)
	}()

	return ln
}

func TestTCPTracker_Announce_RoundTrip(t *testing.T) {
	ln := fakeTCPTracker(t, func(req map[string]any) []byte {
		if req["port"].(int64) != 6881 {
			t.Errorf("port = %v, want 6881", req["port"])
		}

		body := "d8:intervali1200e5:peers6:" +
			string([]byte{10, 0, 0, 1, 0x1a, 0xe1}) + "e"
		return []byte(body)
	})
	defer ln.Close()

	u, _ := url.Parse("tcp://" + ln.Addr().String())
	tt, err := NewTCPTracker(u, discardLogger())
	if err != nil {
		t.Fatalf("NewTCPTracker: %v", err)
	}

	resp, err := tt.Announce(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].String() != "10.0.0.1:6881" {
		t.Fatalf("peers = %v", resp.Peers)
	}
}

func TestTCPTracker_Announce_RetainsConnection(t *testing.T) {
	calls := 0
	ln := fakeTCPTracker(t, func(req map[string]any) []byte {
		calls++
		return []byte("d8:intervali1200ee")
	})
	defer ln.Close()

	u, _ := url.Parse("tcp://" + ln.Addr().String())
	tt, _ := NewTCPTracker(u, discardLogger())

	if _, err := tt.Announce(context.Background(), testParams()); err != nil {
		t.Fatalf("first Announce: %v", err)
	}
	if tt.conn == nil {
		t.Fatalf("expected connection to be retained after a successful announce")
	}
}
