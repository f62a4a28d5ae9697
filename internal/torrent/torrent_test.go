package torrent

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/arourke/gobt/internal/bencode"
	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/ratelimit"
)

func init() {
	if err := config.Init(); err != nil {
		panic(err)
	}
}

// buildTorrentBytes assembles a minimal single-file .torrent whose piece
// hashes actually match stream, so checkExistingFiles has something real to
// verify against.
func buildTorrentBytes(t *testing.T, name string, pieceLen int, stream []byte) []byte {
	t.Helper()

	var pieces []byte
	for off := 0; off < len(stream); off += pieceLen {
		end := off + pieceLen
		if end > len(stream) {
			end = len(stream)
		}
		h := sha1.Sum(stream[off:end])
		pieces = append(pieces, h[:]...)
	}

	info := map[string]any{
		"name":         name,
		"piece length": int64(pieceLen),
		"pieces":       pieces,
		"length":       int64(len(stream)),
	}
	root := map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func newTestTorrent(t *testing.T, pieceLen int, stream []byte) (*Torrent, string) {
	t.Helper()

	dir := t.TempDir()
	data := buildTorrentBytes(t, "file.bin", pieceLen, stream)

	var clientID [sha1.Size]byte
	copy(clientID[:], "-GB0001-testclientid")

	tr, err := NewTorrent(clientID, data, &Config{DownloadDir: dir})
	if err != nil {
		t.Fatalf("NewTorrent: %v", err)
	}
	return tr, dir
}

func TestTorrent_CheckExistingFiles_AllMatchMarksComplete(t *testing.T) {
	stream := make([]byte, 32*1024)
	for i := range stream {
		stream[i] = byte(i)
	}

	tr, dir := newTestTorrent(t, 16*1024, stream)

	if err := os.WriteFile(filepath.Join(dir, "file.bin"), stream, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	complete, err := tr.checkExistingFiles()
	if err != nil {
		t.Fatalf("checkExistingFiles: %v", err)
	}
	if !complete {
		t.Fatalf("expected all pieces to verify against matching on-disk data")
	}
	if !tr.localBF.Has(0) || !tr.localBF.Has(1) {
		t.Fatalf("expected both pieces marked in local bitfield")
	}
}

func TestTorrent_CheckExistingFiles_FreshPreallocatedFileIsIncomplete(t *testing.T) {
	// NewStorage preallocates the backing file with zero bytes; until real
	// data is written, its hash can't match and nothing should verify.
	stream := []byte("non-zero content so the real hash isn't the zero hash")
	tr, _ := newTestTorrent(t, 16*1024, stream)

	complete, err := tr.checkExistingFiles()
	if err != nil {
		t.Fatalf("checkExistingFiles: %v", err)
	}
	if complete {
		t.Fatalf("expected incomplete against an untouched preallocated file")
	}
}

func TestTorrent_CheckExistingFiles_CorruptDataIsIncomplete(t *testing.T) {
	stream := make([]byte, 16*1024)
	for i := range stream {
		stream[i] = byte(i)
	}

	tr, dir := newTestTorrent(t, 16*1024, stream)

	corrupt := make([]byte, len(stream))
	copy(corrupt, stream)
	corrupt[0] ^= 0xff

	if err := os.WriteFile(filepath.Join(dir, "file.bin"), corrupt, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	complete, err := tr.checkExistingFiles()
	if err != nil {
		t.Fatalf("checkExistingFiles: %v", err)
	}
	if complete {
		t.Fatalf("expected corrupted data to fail verification")
	}
	if tr.localBF.Has(0) {
		t.Fatalf("corrupted piece should not be marked in local bitfield")
	}
}

func TestTorrent_StateTransitions(t *testing.T) {
	stream := make([]byte, 16*1024)
	tr, _ := newTestTorrent(t, 16*1024, stream)

	if tr.State() != StateStopped {
		t.Fatalf("initial state = %v, want stopped", tr.State())
	}

	tr.setState(StateCheckingFiles)
	if tr.State() != StateCheckingFiles {
		t.Fatalf("state = %v, want checking files", tr.State())
	}

	tr.fail(os.ErrClosed)
	if tr.State() != StateError {
		t.Fatalf("state = %v, want error", tr.State())
	}
	if tr.LastError() != os.ErrClosed {
		t.Fatalf("LastError = %v, want os.ErrClosed", tr.LastError())
	}
}

func TestTorrent_OnBlockReceived_EnqueuesToStorage(t *testing.T) {
	stream := make([]byte, 16*1024)
	tr, _ := newTestTorrent(t, 16*1024, stream)

	block := []byte{1, 2, 3, 4}
	tr.onBlockReceived(0, 0, block)

	select {
	case bd := <-tr.storage.PieceQueue:
		if bd.PieceIdx != 0 || bd.BlockIdx != 0 || len(bd.Data) != 4 {
			t.Fatalf("unexpected BlockData: %+v", bd)
		}
	default:
		t.Fatalf("expected a block enqueued onto storage.PieceQueue")
	}
}

func TestTorrent_ReadBlock_RefusesUnverifiedPiece(t *testing.T) {
	stream := make([]byte, 16*1024)
	tr, _ := newTestTorrent(t, 16*1024, stream)

	if _, err := tr.readBlock(0, 0, 4); err == nil {
		t.Fatalf("expected an error reading an unverified piece")
	}
}

func TestTorrent_ReadBlock_ServesVerifiedPiece(t *testing.T) {
	stream := make([]byte, 32*1024)
	for i := range stream {
		stream[i] = byte(i)
	}
	tr, dir := newTestTorrent(t, 16*1024, stream)

	if err := os.WriteFile(filepath.Join(dir, "file.bin"), stream, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := tr.checkExistingFiles(); err != nil {
		t.Fatalf("checkExistingFiles: %v", err)
	}

	block, err := tr.readBlock(1, 0, 8)
	if err != nil {
		t.Fatalf("readBlock: %v", err)
	}
	if string(block) != string(stream[16*1024:16*1024+8]) {
		t.Fatalf("readBlock returned unexpected bytes")
	}
}

func TestTorrent_OnBlockReceived_HonorsDownloadLimiter(t *testing.T) {
	dir := t.TempDir()
	data := buildTorrentBytes(t, "file.bin", 16*1024, make([]byte, 16*1024))

	var clientID [sha1.Size]byte
	copy(clientID[:], "-GB0001-testclientid")

	tr, err := NewTorrent(clientID, data, &Config{
		DownloadDir:     dir,
		DownloadLimiter: ratelimit.New(1_000_000),
	})
	if err != nil {
		t.Fatalf("NewTorrent: %v", err)
	}

	block := []byte{1, 2, 3, 4}
	tr.onBlockReceived(0, 0, block)

	select {
	case bd := <-tr.storage.PieceQueue:
		if len(bd.Data) != 4 {
			t.Fatalf("unexpected BlockData: %+v", bd)
		}
	default:
		t.Fatalf("expected a block enqueued despite the download limiter")
	}
}

func TestTorrent_GetStats_ReportsProgress(t *testing.T) {
	stream := make([]byte, 32*1024)
	for i := range stream {
		stream[i] = byte(i)
	}
	tr, dir := newTestTorrent(t, 16*1024, stream)

	if err := os.WriteFile(filepath.Join(dir, "file.bin"), stream, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := tr.checkExistingFiles(); err != nil {
		t.Fatalf("checkExistingFiles: %v", err)
	}

	stats := tr.GetStats()
	if stats.Progress != 100.0 {
		t.Fatalf("Progress = %v, want 100", stats.Progress)
	}
}
