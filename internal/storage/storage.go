// Package storage maps a torrent's piece-relative byte stream onto the
// files on disk, reassembles and verifies completed pieces, and serves
// random-access reads for uploading.
package storage

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arourke/gobt/internal/config"
	"github.com/arourke/gobt/internal/meta"
	"github.com/arourke/gobt/pkg/retry"
)

type Config struct {
	DownloadDir    string
	PieceQueueSize int
	DiskQueueSize  int
}

// WithDefaultConfig returns a Config rooted at the process-wide default
// download directory (internal/config).
func WithDefaultConfig() *Config {
	return &Config{
		DownloadDir:    config.Load().DefaultDownloadDir,
		PieceQueueSize: 200,
		DiskQueueSize:  100,
	}
}

// BlockData is a single downloaded block awaiting reassembly into its piece.
type BlockData struct {
	PieceIdx int
	BlockIdx int
	PieceLen int
	Data     []byte
}

// PieceResult reports whether a piece passed hash verification after being
// reassembled and flushed to disk.
type PieceResult struct {
	Piece   int
	Success bool
}

// Store reassembles downloaded blocks into verified pieces and persists them
// across however many files the torrent's layout spans.
type Store struct {
	cfg *Config
	log *slog.Logger

	pieceBufferMut sync.RWMutex
	pieceBuffers   map[int]*pieceBuffer
	pieceHashes    [][sha1.Size]byte
	pieceLen       int32

	PieceQueue       chan *BlockData
	PieceResultQueue chan *PieceResult
	flushQueue       chan *flushJob

	layout fileLayout
}

// pieceBuffer accumulates a piece's blocks as they arrive out of order; once
// every byte has been received the buffer is hashed, verified, and handed
// off for a disk flush.
type pieceBuffer struct {
	index    int
	size     int
	received int
	blocks   map[int][]byte
	mut      sync.Mutex
}

func newPieceBuffer(index, size int) *pieceBuffer {
	return &pieceBuffer{index: index, size: size, blocks: make(map[int][]byte)}
}

// addBlock records block data at offset, returning the assembled piece once
// every byte has arrived (nil otherwise) and whether the block was a
// duplicate that should not be counted twice.
func (pb *pieceBuffer) addBlock(offset int, data []byte) (assembled []byte, duplicate bool) {
	pb.mut.Lock()
	defer pb.mut.Unlock()

	if _, seen := pb.blocks[offset]; seen {
		return nil, true
	}

	pb.blocks[offset] = data
	pb.received += len(data)
	if pb.received != pb.size {
		return nil, false
	}

	out := make([]byte, pb.size)
	for off, chunk := range pb.blocks {
		copy(out[off:], chunk)
	}
	return out, false
}

func (pb *pieceBuffer) reset() {
	pb.mut.Lock()
	pb.blocks = make(map[int][]byte)
	pb.received = 0
	pb.mut.Unlock()
}

// flushJob is a verified, reassembled piece waiting to be written to disk.
type flushJob struct {
	index int
	data  []byte
}

func NewStorage(mi *meta.Metainfo, cfg *Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	layout, err := buildFileLayout(mi, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("build file layout: %w", err)
	}

	return &Store{
		cfg:              cfg,
		log:              log,
		layout:           layout,
		pieceHashes:      mi.Info.Pieces,
		pieceLen:         mi.Info.PieceLength,
		pieceBuffers:     make(map[int]*pieceBuffer),
		PieceResultQueue: make(chan *PieceResult, cfg.DiskQueueSize),
		flushQueue:       make(chan *flushJob, cfg.DiskQueueSize),
		PieceQueue:       make(chan *BlockData, cfg.PieceQueueSize),
	}, nil
}

// Run drives the two-stage pipeline: reassemble+verify incoming blocks, then
// flush verified pieces to disk. It blocks until ctx is canceled or either
// stage errors.
func (s *Store) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.reassembleLoop(gctx) })
	g.Go(func() error { return s.flushLoop(gctx) })

	s.log.Info("storage workers started")
	return g.Wait()
}

func (s *Store) reassembleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-s.PieceQueue:
			if !ok {
				return nil
			}
			if err := s.handlePieceBlock(block); err != nil {
				s.log.Error("handle piece failed", "error", err.Error())
			}
		}
	}
}

func (s *Store) bufferFor(block *BlockData) *pieceBuffer {
	s.pieceBufferMut.Lock()
	defer s.pieceBufferMut.Unlock()

	buf, ok := s.pieceBuffers[block.PieceIdx]
	if !ok {
		buf = newPieceBuffer(block.PieceIdx, block.PieceLen)
		s.pieceBuffers[block.PieceIdx] = buf
	}
	return buf
}

func (s *Store) handlePieceBlock(block *BlockData) error {
	buf := s.bufferFor(block)

	assembled, duplicate := buf.addBlock(block.BlockIdx, block.Data)
	if duplicate {
		s.log.Debug("received duplicate block", "piece", block.PieceIdx, "block", block.BlockIdx)
		return nil
	}
	if assembled == nil {
		return nil
	}

	if sha1.Sum(assembled) != s.pieceHashes[block.PieceIdx] {
		s.log.Warn("piece hash mismatch, discarding", "piece", block.PieceIdx)
		buf.reset()
		s.PieceResultQueue <- &PieceResult{Piece: block.PieceIdx, Success: false}
		return fmt.Errorf("piece %d: hash mismatch", block.PieceIdx)
	}

	s.flushQueue <- &flushJob{index: block.PieceIdx, data: assembled}

	s.pieceBufferMut.Lock()
	delete(s.pieceBuffers, block.PieceIdx)
	s.pieceBufferMut.Unlock()

	return nil
}

func (s *Store) flushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-s.flushQueue:
			if !ok {
				return nil
			}
			s.flushOne(ctx, job)
		}
	}
}

func (s *Store) flushOne(ctx context.Context, job *flushJob) {
	err := retry.Do(ctx, func(ctx context.Context) error {
		start := int64(job.index) * int64(s.pieceLen)
		return s.layout.writeAt(start, job.data)
	}, retry.WithLinearBackoff(3, 200*time.Millisecond)...)

	if err != nil {
		s.log.Error("failed to write piece to disk", "index", job.index, "error", err.Error())
	}
	s.PieceResultQueue <- &PieceResult{Piece: job.index, Success: err == nil}
}

// ReadPiece reads the piece at index into data (len(data) must equal the
// piece's length).
func (s *Store) ReadPiece(index int, data []byte) error {
	return s.layout.readAt(int64(index)*int64(s.pieceLen), data)
}

// ReadBlock reads length bytes starting at begin within the piece at index,
// for serving upload requests.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	data := make([]byte, length)
	start := int64(index)*int64(s.pieceLen) + int64(begin)
	if err := s.layout.readAt(start, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Close closes all underlying files.
func (s *Store) Close() error {
	return s.layout.close()
}
