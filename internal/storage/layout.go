package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arourke/gobt/internal/meta"
)

// span is one file's placement within the torrent's flat, piece-relative
// byte stream: bytes [offset, offset+length) of that stream live in f.
type span struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// fileLayout is the ordered set of on-disk files backing a torrent, indexed
// by their position in the concatenated byte stream pieces are cut from.
type fileLayout []*span

func buildFileLayout(mi *meta.Metainfo, downloadDir string) (fileLayout, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	if !mi.Info.IsMultiFile() {
		s, err := openSpan(filepath.Join(downloadDir, mi.Info.Name), mi.Info.Length, 0)
		if err != nil {
			return nil, err
		}
		return fileLayout{s}, nil
	}

	var (
		layout fileLayout
		offset int64
	)
	for _, f := range mi.Info.Files {
		parts := append([]string{downloadDir, mi.Info.Name}, f.Path...)
		s, err := openSpan(filepath.Join(parts...), f.Length, offset)
		if err != nil {
			return nil, err
		}
		layout = append(layout, s)
		offset += f.Length
	}
	return layout, nil
}

func openSpan(path string, length, offset int64) (*span, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, err
	}

	return &span{f: f, offset: offset, length: length, path: path}, nil
}

// walk calls apply once per file that overlaps [start, start+len(data)),
// passing apply the slice of data belonging to that file and the offset
// within the file to read or write it at. Both readAt and writeAt are this
// one traversal with a different leaf operation.
func (fl fileLayout) walk(start int64, data []byte, apply func(f *os.File, fileOffset int64, chunk []byte) (int, error)) error {
	end := start + int64(len(data))

	for _, s := range fl {
		fileStart, fileEnd := s.offset, s.offset+s.length

		overlapStart := max(start, fileStart)
		overlapEnd := min(end, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		n := overlapEnd - overlapStart
		chunk := data[overlapStart-start : overlapStart-start+n]

		got, err := apply(s.f, overlapStart-fileStart, chunk)
		if err != nil {
			return fmt.Errorf("%s: %w", s.path, err)
		}
		if int64(got) != n {
			return fmt.Errorf("%s: short transfer: got %d, want %d", s.path, got, n)
		}
	}

	return nil
}

func (fl fileLayout) readAt(start int64, data []byte) error {
	return fl.walk(start, data, func(f *os.File, fileOffset int64, chunk []byte) (int, error) {
		return f.ReadAt(chunk, fileOffset)
	})
}

func (fl fileLayout) writeAt(start int64, data []byte) error {
	return fl.walk(start, data, func(f *os.File, fileOffset int64, chunk []byte) (int, error) {
		return f.WriteAt(chunk, fileOffset)
	})
}

func (fl fileLayout) close() error {
	var firstErr error
	for _, s := range fl {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
