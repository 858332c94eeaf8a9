// Package worker runs segments through fetch, record iteration and refinement
// with a bounded whole-segment retry loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/metrics"
	"github.com/JakeFAU/ccja/internal/progress"
	"github.com/JakeFAU/ccja/internal/retry"
	"github.com/JakeFAU/ccja/internal/warc"
)

// Defaults for the whole-segment retry loop.
const (
	DefaultAttempts    = 5
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = time.Minute
)

// SegmentProcessor refines the records of one segment.
type SegmentProcessor interface {
	Process(ctx context.Context, segment corpus.SegmentID, iter corpus.RecordIterator) ([]corpus.RefinedRecord, corpus.ProcessStats, error)
}

// Config controls Worker behavior.
type Config struct {
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Deps are the collaborators a Worker needs.
type Deps struct {
	Queue     corpus.Queue
	Fetcher   corpus.SegmentFetcher
	Processor SegmentProcessor
	Results   chan<- corpus.SegmentResult
	Emitter   progress.Emitter
	Clock     corpus.Clock
	Logger    *zap.Logger
}

// Worker consumes segment jobs one at a time.
type Worker struct {
	index     int
	queue     corpus.Queue
	fetcher   corpus.SegmentFetcher
	processor SegmentProcessor
	results   chan<- corpus.SegmentResult
	emitter   progress.Emitter
	clock     corpus.Clock
	policy    retry.Policy
	logger    *zap.Logger
}

// New constructs a Worker.
func New(index int, deps Deps, cfg Config) *Worker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = progress.Nop
	}
	return &Worker{
		index:     index,
		queue:     deps.Queue,
		fetcher:   deps.Fetcher,
		processor: deps.Processor,
		results:   deps.Results,
		emitter:   emitter,
		clock:     deps.Clock,
		policy:    retry.NewExponential(cfg.Attempts, cfg.BackoffBase, cfg.BackoffMax),
		logger:    logger.With(zap.Int("worker", index)),
	}
}

// Run dequeues while runCtx is live and processes each segment under
// workCtx, so an interrupt stops intake without abandoning the segment in
// hand. It returns when the queue is closed and drained or runCtx ends.
func (w *Worker) Run(runCtx, workCtx context.Context) {
	for {
		job, err := w.queue.Dequeue(runCtx)
		if err != nil {
			if errors.Is(err, corpus.ErrQueueClosed) || runCtx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if runCtx.Err() != nil {
			return
		}
		w.results <- w.ProcessSegment(workCtx, job.SegmentID)
	}
}

// ProcessSegment runs one segment to completion, retrying whole attempts with
// backoff. Permanent failures and cancellation are never retried; a result
// cut short by cancellation is marked Canceled.
func (w *Worker) ProcessSegment(ctx context.Context, id corpus.SegmentID) corpus.SegmentResult {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := w.logger.With(zap.String("segment", string(id)))
	start := w.now()
	w.emitter.Emit(progress.Event{Stage: progress.StageSegmentStart, Worker: w.index, SegmentID: string(id)})
	log.Debug("segment started")

	res := corpus.SegmentResult{SegmentID: id}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		records, stats, n, err := w.attempt(ctx, id)
		res.Bytes += n
		if err == nil {
			res.Records = records
			res.Stats = stats
			res.Err = nil
			break
		}
		res.Err = err
		if ctx.Err() != nil {
			res.Canceled = true
			break
		}
		if !w.policy.ShouldRetry(err, attempt) {
			break
		}
		delay := w.policy.Backoff(attempt)
		log.Warn("segment attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		w.emitter.Emit(progress.Event{
			Stage:     progress.StageSegmentRetry,
			Worker:    w.index,
			SegmentID: string(id),
			Attempt:   attempt,
			Note:      err.Error(),
		})
		if sleepErr := retry.Sleep(ctx, delay); sleepErr != nil {
			res.Canceled = true
			break
		}
	}
	res.Duration = w.now().Sub(start)

	evt := progress.Event{
		Worker:    w.index,
		SegmentID: string(id),
		Records:   int64(len(res.Records)),
		Rejected:  res.Stats.Rejected,
		Bytes:     res.Bytes,
		Attempt:   res.Attempts,
		Dur:       res.Duration,
	}
	switch {
	case res.Err == nil:
		evt.Stage = progress.StageSegmentDone
		log.Info("segment processed",
			zap.Int("records", len(res.Records)),
			zap.Int64("responses", res.Stats.Responses),
			zap.Int64("rejected", res.Stats.Rejected),
			zap.Int("attempts", res.Attempts),
			zap.Duration("dur", res.Duration),
		)
	case res.Canceled:
		evt.Stage = progress.StageSegmentFail
		evt.Note = "canceled"
		log.Warn("segment canceled", zap.Error(res.Err))
	default:
		evt.Stage = progress.StageSegmentFail
		evt.Note = res.Err.Error()
		log.Error("segment failed",
			zap.Int("attempts", res.Attempts),
			zap.Bool("permanent", errors.Is(res.Err, corpus.ErrPermanent)),
			zap.Error(res.Err),
		)
	}
	w.emitter.Emit(evt)
	return res
}

func (w *Worker) attempt(ctx context.Context, id corpus.SegmentID) ([]corpus.RefinedRecord, corpus.ProcessStats, int64, error) {
	body, err := w.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, corpus.ProcessStats{}, 0, err
	}
	defer body.Close()

	counter := &countingReader{r: body}
	defer func() { metrics.AddFetchBytes(counter.n) }()

	reader, err := warc.NewReader(counter)
	if err != nil {
		return nil, corpus.ProcessStats{}, counter.n, fmt.Errorf("open segment %s: %w", id, err)
	}
	defer reader.Close()

	records, stats, err := w.processor.Process(ctx, id, reader)
	if err != nil {
		return nil, stats, counter.n, fmt.Errorf("process segment %s: %w", id, err)
	}
	return records, stats, counter.n, nil
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now()
	}
	return w.clock.Now()
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
