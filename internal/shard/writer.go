// Package shard batches refined records in a local staging file and uploads
// them as compressed, uniquely named JSONL shards.
package shard

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/metrics"
)

// StagingFileName is the JSONL buffer inside the working directory.
const StagingFileName = "staging.jsonl"

// DefaultThreshold is the number of units per shard.
const DefaultThreshold = 1000

// Unit selects what the flush threshold counts.
type Unit string

// Threshold units.
const (
	UnitSegments Unit = "segments"
	UnitRecords  Unit = "records"
)

// Config controls shard layout.
type Config struct {
	WorkingDir string
	Threshold  int
	Unit       Unit
	Codec      string
	// Prefix is prepended to every object name.
	Prefix string
}

// Result reports what a call made durable. Segments lists ids whose every
// record now lives in an uploaded shard, in the order they were appended.
type Result struct {
	Shards   []corpus.ShardInfo
	Segments []corpus.SegmentID
}

func (r *Result) merge(other Result) {
	r.Shards = append(r.Shards, other.Shards...)
	r.Segments = append(r.Segments, other.Segments...)
}

// Writer owns the staging file. It is not safe for concurrent use.
type Writer struct {
	cfg    Config
	codec  Codec
	store  corpus.BlobStore
	ids    corpus.IDGenerator
	clock  corpus.Clock
	logger *zap.Logger

	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder

	records  int
	segments int
	bytes    int64
	pending  []corpus.SegmentID
}

// NewWriter opens the staging file, discarding anything a crashed run left
// behind; the segments it held were never checkpointed and will be redone.
func NewWriter(cfg Config, store corpus.BlobStore, ids corpus.IDGenerator, clock corpus.Clock, logger *zap.Logger) (*Writer, error) {
	if cfg.WorkingDir == "" {
		return nil, fmt.Errorf("working directory is required")
	}
	if store == nil || ids == nil || clock == nil {
		return nil, fmt.Errorf("blob store, id generator and clock are required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	switch cfg.Unit {
	case "":
		cfg.Unit = UnitSegments
	case UnitSegments, UnitRecords:
	default:
		return nil, fmt.Errorf("unknown shard unit %q", cfg.Unit)
	}
	codec, err := CodecFor(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	stagingPath := filepath.Join(cfg.WorkingDir, StagingFileName)
	if info, err := os.Stat(stagingPath); err == nil && info.Size() > 0 {
		logger.Warn("discarding leftover staging file",
			zap.String("path", stagingPath),
			zap.Int64("bytes", info.Size()),
		)
	}
	file, err := os.OpenFile(stagingPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	w := &Writer{
		cfg:    cfg,
		codec:  codec,
		store:  store,
		ids:    ids,
		clock:  clock,
		logger: logger,
		file:   file,
	}
	w.resetEncoder()
	return w, nil
}

func (w *Writer) resetEncoder() {
	w.buf = bufio.NewWriterSize(w.file, 256<<10)
	w.enc = json.NewEncoder(w.buf)
	w.enc.SetEscapeHTML(false)
}

// Append stages one segment's records. Every record is validated before any
// is written, so a failed append leaves the staging file untouched. In
// records mode a shard is cut the moment the threshold is reached, which can
// split a segment across shards; the segment only becomes durable once its
// last record is uploaded.
func (w *Writer) Append(ctx context.Context, segment corpus.SegmentID, records []corpus.RefinedRecord) (Result, error) {
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return Result{}, fmt.Errorf("segment %s record %d: %w", segment, i, err)
		}
	}

	var res Result
	for i := range records {
		if err := w.enc.Encode(&records[i]); err != nil {
			return res, fmt.Errorf("stage record: %w", err)
		}
		w.records++
		if w.cfg.Unit == UnitRecords && w.records >= w.cfg.Threshold {
			last := i == len(records)-1
			if last {
				w.pending = append(w.pending, segment)
				w.segments++
			}
			flushed, err := w.flush(ctx)
			if err != nil {
				return res, err
			}
			res.merge(flushed)
			if last {
				return res, nil
			}
		}
	}
	w.pending = append(w.pending, segment)
	w.segments++

	flushed, err := w.MaybeFlush(ctx)
	if err != nil {
		return res, err
	}
	res.merge(flushed)
	return res, nil
}

// MaybeFlush cuts a shard when the segment threshold is reached.
func (w *Writer) MaybeFlush(ctx context.Context) (Result, error) {
	if w.cfg.Unit != UnitSegments || w.segments < w.cfg.Threshold {
		return Result{}, nil
	}
	return w.flush(ctx)
}

// FlushRemaining uploads whatever is staged.
func (w *Writer) FlushRemaining(ctx context.Context) (Result, error) {
	if w.records == 0 && len(w.pending) == 0 {
		return Result{}, nil
	}
	return w.flush(ctx)
}

// Pending reports staged records and segments not yet in a shard.
func (w *Writer) Pending() (records, segments int) {
	return w.records, len(w.pending)
}

// Close releases the staging file. Unflushed records stay on disk and are
// discarded by the next NewWriter.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return fmt.Errorf("flush staging file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close staging file: %w", closeErr)
	}
	return nil
}

func (w *Writer) flush(ctx context.Context) (Result, error) {
	segments := w.pending
	if w.records == 0 {
		w.pending = nil
		w.segments = 0
		return Result{Segments: segments}, nil
	}
	if err := w.buf.Flush(); err != nil {
		return Result{}, fmt.Errorf("flush staging file: %w", err)
	}
	info, err := w.file.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat staging file: %w", err)
	}
	staged := info.Size()

	id, err := w.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("shard id: %w", err)
	}
	name := id + w.codec.Ext()
	if w.cfg.Prefix != "" {
		name = path.Join(w.cfg.Prefix, name)
	}

	uri, written, err := w.upload(ctx, name, io.NewSectionReader(w.file, 0, staged))
	if err != nil {
		return Result{}, fmt.Errorf("upload shard %s: %w", name, err)
	}

	shard := corpus.ShardInfo{
		Name:      name,
		URI:       uri,
		Records:   w.records,
		Segments:  w.segments,
		Bytes:     written,
		CreatedAt: w.clock.Now(),
	}
	metrics.ObserveShard(staged)
	w.logger.Info("shard flushed",
		zap.String("name", name),
		zap.String("uri", uri),
		zap.Int("records", shard.Records),
		zap.Int("segments", shard.Segments),
		zap.Int64("staged_bytes", staged),
		zap.Int64("bytes", written),
	)

	if err := w.file.Truncate(0); err != nil {
		return Result{}, fmt.Errorf("truncate staging file: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("rewind staging file: %w", err)
	}
	w.resetEncoder()
	w.records = 0
	w.segments = 0
	w.bytes += written
	w.pending = nil
	return Result{Shards: []corpus.ShardInfo{shard}, Segments: segments}, nil
}

// upload compresses src through a pipe straight into the blob store.
func (w *Writer) upload(ctx context.Context, name string, src io.Reader) (string, int64, error) {
	pr, pw := io.Pipe()
	go func() {
		zw, err := w.codec.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(zw, src); err != nil {
			_ = zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()

	counter := &countingReader{r: pr}
	uri, err := w.store.PutObject(ctx, name, w.codec.ContentType(), counter)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return "", 0, err
	}
	return uri, counter.n, nil
}

// BytesWritten totals the compressed bytes uploaded.
func (w *Writer) BytesWritten() int64 {
	return w.bytes
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
