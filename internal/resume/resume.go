// Package resume persists enough per-torrent state — which pieces are
// already verified, transfer totals, and the save path — to resume a
// download across a process restart without re-downloading anything
// internal/torrent's own on-disk verification wouldn't already have caught.
package resume

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arourke/gobt/internal/bencode"
	"github.com/arourke/gobt/pkg/bitfield"
)

const fileSuffix = ".resume"

// Record is one torrent's resume state.
type Record struct {
	InfoHash   [sha1.Size]byte
	Bitfield   bitfield.Bitfield
	Uploaded   uint64
	Downloaded uint64
	SavePath   string
}

func (r *Record) toDict() map[string]any {
	return map[string]any{
		"info_hash":  string(r.InfoHash[:]),
		"bitfield":   []byte(r.Bitfield),
		"uploaded":   int64(r.Uploaded),
		"downloaded": int64(r.Downloaded),
		"save_path":  r.SavePath,
	}
}

func recordFromDict(dict map[string]any) (*Record, error) {
	infoHashStr, ok := dict["info_hash"].(string)
	if !ok || len(infoHashStr) != sha1.Size {
		return nil, fmt.Errorf("resume: missing or malformed info_hash")
	}

	var infoHash [sha1.Size]byte
	copy(infoHash[:], infoHashStr)

	bf, err := toBytes(dict["bitfield"])
	if err != nil {
		return nil, fmt.Errorf("resume: bitfield: %w", err)
	}

	uploaded, ok := dict["uploaded"].(int64)
	if !ok {
		return nil, fmt.Errorf("resume: missing or malformed uploaded")
	}
	downloaded, ok := dict["downloaded"].(int64)
	if !ok {
		return nil, fmt.Errorf("resume: missing or malformed downloaded")
	}
	savePath, ok := dict["save_path"].(string)
	if !ok {
		return nil, fmt.Errorf("resume: missing or malformed save_path")
	}

	return &Record{
		InfoHash:   infoHash,
		Bitfield:   bitfield.Bitfield(bf),
		Uploaded:   uint64(uploaded),
		Downloaded: uint64(downloaded),
		SavePath:   savePath,
	}, nil
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected a byte string, got %T", v)
	}
}

// pathFor returns the resume file's path for a given info hash.
func pathFor(dir string, infoHash [sha1.Size]byte) string {
	return filepath.Join(dir, hex.EncodeToString(infoHash[:])+fileSuffix)
}

// Save writes r's resume record into dir, via a temp file and an atomic
// rename so a crash mid-write can't corrupt a previously saved record.
func Save(dir string, r *Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("resume: mkdir %s: %w", dir, err)
	}

	data, err := bencode.Marshal(r.toDict())
	if err != nil {
		return fmt.Errorf("resume: encode: %w", err)
	}

	path := pathFor(dir, r.InfoHash)
	tmp, err := os.CreateTemp(dir, ".resume-*.tmp")
	if err != nil {
		return fmt.Errorf("resume: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("resume: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("resume: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("resume: rename into place: %w", err)
	}

	return nil
}

// Load reads the resume record for infoHash out of dir, if one exists.
func Load(dir string, infoHash [sha1.Size]byte) (*Record, error) {
	raw, err := os.ReadFile(pathFor(dir, infoHash))
	if err != nil {
		return nil, err
	}

	decoded, err := bencode.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("resume: decode: %w", err)
	}

	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resume: not a bencoded dictionary")
	}

	return recordFromDict(dict)
}

// Delete removes the resume record for infoHash, if present. Called once a
// torrent is removed from the engine so stale records don't accumulate.
func Delete(dir string, infoHash [sha1.Size]byte) error {
	err := os.Remove(pathFor(dir, infoHash))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadAll best-effort loads every resume record in dir, skipping (and
// logging via the returned errs slice) any file that fails to parse rather
// than letting one corrupt record block every other torrent from resuming.
func LoadAll(dir string) (records []*Record, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileSuffix {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}

		decoded, err := bencode.Unmarshal(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("resume: %s: %w", entry.Name(), err))
			continue
		}

		dict, ok := decoded.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("resume: %s: not a bencoded dictionary", entry.Name()))
			continue
		}

		r, err := recordFromDict(dict)
		if err != nil {
			errs = append(errs, fmt.Errorf("resume: %s: %w", entry.Name(), err))
			continue
		}

		records = append(records, r)
	}

	return records, errs
}
