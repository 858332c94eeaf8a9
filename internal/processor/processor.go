// Package processor runs the per-segment record state machine that pairs each
// HTML response with its crawl metadata and produces refined records.
package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/htmlmeta"
	"github.com/JakeFAU/ccja/internal/langid"
	"github.com/JakeFAU/ccja/internal/metrics"
	"github.com/JakeFAU/ccja/internal/quality"
)

// DefaultExtractTimeout bounds a single extraction.
const DefaultExtractTimeout = 30 * time.Second

// Record outcomes reported to metrics.
const (
	outcomeEmitted   = "emitted"
	outcomeRejected  = "rejected"
	outcomeDropped   = "dropped"
	outcomeTimeout   = "timeout"
	outcomeExtractKO = "extract_failed"
)

type state int

const (
	stateIdle state = iota
	stateAwaitingMetadata
)

// Config tunes the processor.
type Config struct {
	// Target is the ISO 639-1 language to keep.
	Target string
	// StrictLangAttr requires a matching lang attribute; otherwise an absent
	// attribute also lets a response through to the metadata stage.
	StrictLangAttr bool
	ExtractEnabled bool
	ExtractTimeout time.Duration
	Gate           quality.Gate
}

// Deps are the collaborators shared by every segment.
type Deps struct {
	Meta      *htmlmeta.Parser
	Cascade   *langid.Cascade
	Extractor corpus.Extractor
	Hasher    corpus.Hasher
	Logger    *zap.Logger
}

// Processor is safe for concurrent use; all per-segment state lives on the
// stack of Process.
type Processor struct {
	cfg       Config
	meta      *htmlmeta.Parser
	cascade   *langid.Cascade
	extractor corpus.Extractor
	hasher    corpus.Hasher
	encoder   *zstd.Encoder
	logger    *zap.Logger
}

// candidate is a response waiting for its metadata record.
type candidate struct {
	uri     string
	raw     []byte
	lang    string
	headers map[string]string
}

// New validates the configuration and builds a Processor.
func New(cfg Config, deps Deps) (*Processor, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("target language is required")
	}
	if deps.Cascade == nil {
		return nil, fmt.Errorf("cascade is required")
	}
	if deps.Hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if cfg.ExtractEnabled && deps.Extractor == nil {
		return nil, fmt.Errorf("extractor is required when extraction is enabled")
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultExtractTimeout
	}
	if cfg.Gate.MinLength <= 0 {
		cfg.Gate = quality.New(cfg.Gate.MinLength, cfg.Gate.DropRejected)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meta := deps.Meta
	if meta == nil {
		meta = htmlmeta.New(logger)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	return &Processor{
		cfg:       cfg,
		meta:      meta,
		cascade:   deps.Cascade,
		extractor: deps.Extractor,
		hasher:    deps.Hasher,
		encoder:   enc,
		logger:    logger,
	}, nil
}

// Process drains iter and returns the refined records of one segment. Record
// level problems are counted and skipped; only iterator failures and
// cancellation abort the segment.
func (p *Processor) Process(ctx context.Context, segment corpus.SegmentID, iter corpus.RecordIterator) ([]corpus.RefinedRecord, corpus.ProcessStats, error) {
	var (
		out     []corpus.RefinedRecord
		stats   corpus.ProcessStats
		st      = stateIdle
		pending *candidate
	)
	log := p.logger.With(zap.String("segment", string(segment)))

	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		rec, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read record %d: %w", stats.Records+1, err)
		}
		stats.Records++

		switch rec.Type {
		case corpus.RecordResponse:
			stats.Responses++
			if st == stateAwaitingMetadata {
				stats.Dropped++
				metrics.ObserveRecord(outcomeDropped)
			}
			pending = p.admit(rec)
			if pending == nil {
				st = stateIdle
				stats.Dropped++
				metrics.ObserveRecord(outcomeDropped)
				continue
			}
			stats.Candidates++
			st = stateAwaitingMetadata

		case corpus.RecordMetadata:
			if st != stateAwaitingMetadata {
				continue
			}
			cand := pending
			pending, st = nil, stateIdle
			refined, keep, err := p.resolve(ctx, segment, cand, rec, &stats, log)
			if err != nil {
				return nil, stats, err
			}
			if keep {
				out = append(out, refined)
			}
		}
	}

	if pending != nil {
		stats.Dropped++
		metrics.ObserveRecord(outcomeDropped)
	}
	return out, stats, nil
}

// admit applies the cheap response-time filters.
func (p *Processor) admit(rec corpus.ArchiveRecord) *candidate {
	if !rec.IsHTML() {
		return nil
	}
	lang, ok := p.meta.ParseLang(rec.Payload)
	switch {
	case ok && lang != "":
		if !p.cascade.QuickMatch(lang) {
			return nil
		}
	case p.cfg.StrictLangAttr:
		return nil
	}
	return &candidate{
		uri:     rec.TargetURI(),
		raw:     rec.Payload,
		lang:    lang,
		headers: rec.Headers,
	}
}

// resolve finishes a candidate once its metadata arrives. The returned error
// is non-nil only when the segment must abort.
func (p *Processor) resolve(
	ctx context.Context,
	segment corpus.SegmentID,
	cand *candidate,
	metaRec corpus.ArchiveRecord,
	stats *corpus.ProcessStats,
	log *zap.Logger,
) (corpus.RefinedRecord, bool, error) {
	drop := func(reason string) (corpus.RefinedRecord, bool, error) {
		stats.Dropped++
		metrics.ObserveRecord(outcomeDropped)
		log.Debug("candidate dropped", zap.String("url", cand.uri), zap.String("reason", reason))
		return corpus.RefinedRecord{}, false, nil
	}

	if uri := metaRec.TargetURI(); uri != "" && cand.uri != "" && uri != cand.uri {
		return drop("metadata target mismatch")
	}
	meta := langid.ParseCrawlMetadata(metaRec.Payload)
	if !langid.HasLanguageStats(meta) {
		return drop("no language stats")
	}
	dominant, _ := langid.DominantLanguage(meta)
	if !p.cascade.DominantMatches(dominant) {
		return drop("dominant language " + dominant)
	}
	signals := p.meta.Signals(cand.raw)
	verdict := p.cascade.Classify(signals, dominant)
	if !verdict.Accepted {
		return drop("classifier disagreed")
	}

	digest, err := p.hasher.Hash(cand.raw)
	if err != nil {
		log.Debug("hash failed", zap.String("url", cand.uri), zap.Error(err))
	}
	rec := corpus.RefinedRecord{
		SegmentID:           string(segment),
		URL:                 cand.uri,
		Title:               signals.Title,
		Description:         signals.Description,
		Heading:             signals.Heading,
		Language:            p.cfg.Target,
		LanguageSignal:      verdict.Signal,
		LanguagesClassifier: verdict.Prediction,
		SHA256:              digest,
		RecHeaders:          cand.headers,
		Metadata:            meta,
	}

	if !p.cfg.ExtractEnabled {
		rec.RawData = base64.StdEncoding.EncodeToString(cand.raw)
		rec.Encoding = corpus.EncodingBase64
		return p.emit(rec, stats)
	}

	doc, err := p.extract(ctx, cand)
	switch {
	case errors.Is(err, corpus.ErrExtractTimeout):
		stats.Timeouts++
		metrics.ObserveRecord(outcomeTimeout)
		log.Debug("extraction timed out, storing raw page", zap.String("url", cand.uri))
		rec.Timeout = true
		rec.RawData = base64.StdEncoding.EncodeToString(p.encoder.EncodeAll(cand.raw, nil))
		rec.Encoding = corpus.EncodingZstdBase64
		return p.emit(rec, stats)
	case err != nil && ctx.Err() != nil:
		return corpus.RefinedRecord{}, false, ctx.Err()
	case err != nil:
		stats.ExtractFailures++
		metrics.ObserveRecord(outcomeExtractKO)
		log.Debug("extraction failed", zap.String("url", cand.uri), zap.Error(err))
		return corpus.RefinedRecord{}, false, nil
	case doc.Text == "":
		stats.ExtractFailures++
		metrics.ObserveRecord(outcomeExtractKO)
		log.Debug("extraction produced no text", zap.String("url", cand.uri))
		return corpus.RefinedRecord{}, false, nil
	}

	if doc.Title != "" {
		rec.Title = doc.Title
	}
	rec.Author = doc.Author
	rec.Hostname = doc.Hostname
	rec.Date = doc.Date
	rec.Sitename = doc.Sitename
	rec.Excerpt = doc.Excerpt
	rec.Text = doc.Text
	if !p.cfg.Gate.Apply(&rec) {
		stats.Rejected++
		metrics.ObserveRecord(outcomeRejected)
		return corpus.RefinedRecord{}, false, nil
	}
	return p.emit(rec, stats)
}

func (p *Processor) emit(rec corpus.RefinedRecord, stats *corpus.ProcessStats) (corpus.RefinedRecord, bool, error) {
	if rec.Rejected {
		stats.Rejected++
		metrics.ObserveRecord(outcomeRejected)
	}
	stats.Emitted++
	metrics.ObserveRecord(outcomeEmitted)
	return rec, true, nil
}

// extract runs the extractor under the configured budget. A run that
// outlives the budget is abandoned and reported as corpus.ErrExtractTimeout.
func (p *Processor) extract(ctx context.Context, cand *candidate) (corpus.Document, error) {
	type result struct {
		doc corpus.Document
		err error
	}
	ectx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		doc, err := p.extractor.Extract(ectx, corpus.ExtractRequest{
			HTML:           cand.raw,
			URL:            cand.uri,
			TargetLanguage: p.cfg.Target,
		})
		done <- result{doc: doc, err: err}
	}()

	select {
	case res := <-done:
		metrics.ObserveExtract(time.Since(start))
		if res.err != nil && ctx.Err() == nil && errors.Is(res.err, context.DeadlineExceeded) {
			return corpus.Document{}, corpus.ErrExtractTimeout
		}
		return res.doc, res.err
	case <-ectx.Done():
		metrics.ObserveExtract(time.Since(start))
		if err := ctx.Err(); err != nil {
			return corpus.Document{}, err
		}
		return corpus.Document{}, corpus.ErrExtractTimeout
	}
}
