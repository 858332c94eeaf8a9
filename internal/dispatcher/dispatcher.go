// Package dispatcher fans segments out to a worker pool and funnels every
// result through a single collector that owns the shard writer and the
// checkpoint.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/progress"
	"github.com/JakeFAU/ccja/internal/queue/memory"
	"github.com/JakeFAU/ccja/internal/shard"
	"github.com/JakeFAU/ccja/internal/worker"
)

// DefaultShardTopic labels shard notifications.
const DefaultShardTopic = "shard.flushed"

// ShardWriter stages records and reports what became durable.
type ShardWriter interface {
	Append(ctx context.Context, segment corpus.SegmentID, records []corpus.RefinedRecord) (shard.Result, error)
	FlushRemaining(ctx context.Context) (shard.Result, error)
}

// Checkpointer tracks completed segments.
type Checkpointer interface {
	MarkComplete(id corpus.SegmentID) bool
	Persist(ctx context.Context) error
	Len() int
}

// Config controls the pool.
type Config struct {
	Workers int
	// QueueSize defaults to twice the worker count.
	QueueSize int
	// ShutdownGrace bounds how long in-flight segments may run after an
	// interrupt. Zero waits for them indefinitely.
	ShutdownGrace time.Duration
	ShardTopic    string
	Worker        worker.Config
}

// Deps are the collaborators shared by the pool and the collector.
type Deps struct {
	Fetcher    corpus.SegmentFetcher
	Processor  worker.SegmentProcessor
	Shards     ShardWriter
	Checkpoint Checkpointer
	Publisher  corpus.Publisher
	Emitter    progress.Emitter
	Clock      corpus.Clock
	Logger     *zap.Logger
}

// Summary describes a finished run.
type Summary struct {
	Segments     int
	Completed    int
	Failed       int
	Discarded    int
	Checkpointed int
	Records      int64
	Rejected     int64
	Shards       int
	Interrupted  bool
	Duration     time.Duration
}

// Skipped counts segments that were never processed to completion or failure.
func (s Summary) Skipped() int {
	return s.Segments - s.Completed - s.Failed
}

// Snapshot is a point-in-time view of a running dispatcher.
type Snapshot struct {
	Running      bool  `json:"running"`
	Total        int64 `json:"total"`
	Queued       int64 `json:"queued"`
	InFlight     int64 `json:"in_flight"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Discarded    int64 `json:"discarded"`
	Checkpointed int64 `json:"checkpointed"`
	Records      int64 `json:"records"`
	Shards       int64 `json:"shards"`
}

// Dispatcher runs one batch of segments at a time.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	running      atomic.Bool
	total        atomic.Int64
	queued       atomic.Int64
	inFlight     atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	discarded    atomic.Int64
	checkpointed atomic.Int64
	records      atomic.Int64
	shards       atomic.Int64
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		return nil, errors.New("workers must be > 0")
	}
	if deps.Fetcher == nil || deps.Processor == nil {
		return nil, errors.New("fetcher and processor are required")
	}
	if deps.Shards == nil || deps.Checkpoint == nil {
		return nil, errors.New("shard writer and checkpoint are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.ShardTopic == "" {
		cfg.ShardTopic = DefaultShardTopic
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, deps: deps, logger: deps.Logger.Named("dispatcher")}, nil
}

// Snapshot returns live counters. Safe for concurrent use.
func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		Running:      d.running.Load(),
		Total:        d.total.Load(),
		Queued:       d.queued.Load(),
		InFlight:     d.inFlight.Load(),
		Completed:    d.completed.Load(),
		Failed:       d.failed.Load(),
		Discarded:    d.discarded.Load(),
		Checkpointed: d.checkpointed.Load(),
		Records:      d.records.Load(),
		Shards:       d.shards.Load(),
	}
}

// Run processes segments until all are handled or ctx ends. An interrupt
// stops intake, lets in-flight segments finish within the shutdown grace,
// flushes staged output and persists the checkpoint; it is reported through
// Summary.Interrupted rather than as an error. Errors are returned only when
// shard output or the checkpoint cannot be made durable.
func (d *Dispatcher) Run(ctx context.Context, segments []corpus.SegmentID) (Summary, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Summary{}, errors.New("dispatcher already running")
	}
	defer d.running.Store(false)
	d.reset(len(segments))

	start := d.now()
	summary := Summary{Segments: len(segments)}
	d.deps.Emitter.Emit(progress.Event{Stage: progress.StageRunStart, Worker: -1, Records: int64(len(segments))})
	d.logger.Info("run starting",
		zap.Int("segments", len(segments)),
		zap.Int("workers", d.cfg.Workers),
	)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	ioCtx := context.WithoutCancel(ctx)

	queue := memory.NewQueue(d.cfg.QueueSize)
	results := make(chan corpus.SegmentResult, d.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		w := worker.New(i, worker.Deps{
			Queue:     queue,
			Fetcher:   d.deps.Fetcher,
			Processor: d.deps.Processor,
			Results:   results,
			Emitter:   progress.EmitterFunc(d.observe),
			Clock:     d.deps.Clock,
			Logger:    d.deps.Logger.Named("worker"),
		}, d.cfg.Worker)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx, workCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	go d.feed(runCtx, queue, segments)

	drained := make(chan struct{})
	defer close(drained)
	go d.enforceGrace(runCtx, ctx, drained, cancelWork)

	var fatal error
	for res := range results {
		d.inFlight.Add(-1)
		if fatal != nil {
			continue
		}
		if err := d.collect(ioCtx, res, &summary); err != nil {
			fatal = err
			d.logger.Error("shard output failed, stopping run", zap.Error(err))
			stopRun()
			cancelWork()
		}
	}

	if fatal == nil {
		flushed, err := d.deps.Shards.FlushRemaining(ioCtx)
		if err != nil {
			fatal = fmt.Errorf("flush remaining shard: %w", err)
		} else {
			d.durable(ioCtx, flushed, &summary)
		}
	}
	if err := d.deps.Checkpoint.Persist(ioCtx); err != nil {
		fatal = errors.Join(fatal, err)
	}

	summary.Interrupted = ctx.Err() != nil
	summary.Duration = d.now().Sub(start)
	d.deps.Emitter.Emit(progress.Event{
		Stage:    progress.StageRunDone,
		Worker:   -1,
		Records:  summary.Records,
		Rejected: summary.Rejected,
		Dur:      summary.Duration,
		Note:     runNote(summary, fatal),
	})
	d.logger.Info("run finished",
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("discarded", summary.Discarded),
		zap.Int("skipped", summary.Skipped()),
		zap.Int("checkpointed", summary.Checkpointed),
		zap.Int64("records", summary.Records),
		zap.Int("shards", summary.Shards),
		zap.Bool("interrupted", summary.Interrupted),
		zap.Duration("dur", summary.Duration),
	)
	return summary, fatal
}

func (d *Dispatcher) reset(total int) {
	d.total.Store(int64(total))
	for _, c := range []*atomic.Int64{
		&d.queued, &d.inFlight, &d.completed, &d.failed,
		&d.discarded, &d.checkpointed, &d.records, &d.shards,
	} {
		c.Store(0)
	}
}

func (d *Dispatcher) feed(ctx context.Context, queue *memory.Queue, segments []corpus.SegmentID) {
	defer queue.Close()
	for _, id := range segments {
		if err := queue.Enqueue(ctx, corpus.SegmentJob{SegmentID: id, Enqueued: d.now()}); err != nil {
			d.logger.Info("intake stopped", zap.Int64("queued", d.queued.Load()))
			return
		}
		d.queued.Add(1)
	}
}

// enforceGrace cancels in-flight work once the grace period after an
// interrupt has elapsed.
func (d *Dispatcher) enforceGrace(runCtx, parent context.Context, drained <-chan struct{}, cancelWork context.CancelFunc) {
	select {
	case <-runCtx.Done():
	case <-drained:
		return
	}
	if parent.Err() == nil {
		return
	}
	d.logger.Warn("interrupt received, finishing in-flight segments",
		zap.Int64("in_flight", d.inFlight.Load()),
		zap.Duration("grace", d.cfg.ShutdownGrace),
	)
	if d.cfg.ShutdownGrace <= 0 {
		return
	}
	timer := time.NewTimer(d.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		d.logger.Warn("shutdown grace elapsed, canceling in-flight segments")
		cancelWork()
	case <-drained:
	}
}

// observe forwards worker events and tracks segments in flight.
func (d *Dispatcher) observe(evt progress.Event) {
	if evt.Stage == progress.StageSegmentStart {
		d.inFlight.Add(1)
	}
	d.deps.Emitter.Emit(evt)
}

// collect is the only writer of shard and checkpoint state. A returned error
// is fatal to the run.
func (d *Dispatcher) collect(ctx context.Context, res corpus.SegmentResult, summary *Summary) error {
	log := d.logger.With(zap.String("segment", string(res.SegmentID)))
	switch {
	case res.Canceled:
		summary.Discarded++
		d.discarded.Add(1)
		log.Warn("discarding canceled segment")
		return nil
	case res.Err != nil:
		summary.Failed++
		d.failed.Add(1)
		log.Warn("segment failed, left for the next run", zap.Int("attempts", res.Attempts), zap.Error(res.Err))
		return nil
	}

	flushed, err := d.deps.Shards.Append(ctx, res.SegmentID, res.Records)
	if err != nil {
		if errors.Is(err, corpus.ErrInvalidRecord) {
			summary.Failed++
			d.failed.Add(1)
			log.Error("segment produced an invalid record", zap.Error(err))
			return nil
		}
		return fmt.Errorf("append segment %s: %w", res.SegmentID, err)
	}
	summary.Completed++
	summary.Records += int64(len(res.Records))
	summary.Rejected += res.Stats.Rejected
	d.completed.Add(1)
	d.records.Add(int64(len(res.Records)))
	d.durable(ctx, flushed, summary)
	if len(flushed.Shards) > 0 {
		if err := d.deps.Checkpoint.Persist(ctx); err != nil {
			return err
		}
	}
	return nil
}

// durable checkpoints segments that reached a shard and announces the shards.
func (d *Dispatcher) durable(ctx context.Context, res shard.Result, summary *Summary) {
	for _, id := range res.Segments {
		if d.deps.Checkpoint.MarkComplete(id) {
			summary.Checkpointed++
			d.checkpointed.Add(1)
		}
	}
	for _, info := range res.Shards {
		summary.Shards++
		d.shards.Add(1)
		d.deps.Emitter.Emit(progress.Event{
			Stage:   progress.StageShardFlushed,
			Worker:  -1,
			Shard:   info.Name,
			Records: int64(info.Records),
			Bytes:   info.Bytes,
		})
		if d.deps.Publisher == nil {
			continue
		}
		if _, err := d.deps.Publisher.Publish(ctx, d.cfg.ShardTopic, info); err != nil {
			d.logger.Warn("shard notification failed", zap.String("shard", info.Name), zap.Error(err))
		}
	}
}

func (d *Dispatcher) now() time.Time {
	if d.deps.Clock == nil {
		return time.Now()
	}
	return d.deps.Clock.Now()
}

func runNote(s Summary, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case s.Interrupted:
		return "interrupted"
	default:
		return ""
	}
}
