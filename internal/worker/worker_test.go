package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/progress"
	"github.com/JakeFAU/ccja/internal/queue/memory"
)

const warcRecord = "WARC/1.0\r\n" +
	"WARC-Type: warcinfo\r\n" +
	"Content-Length: 4\r\n" +
	"\r\n" +
	"info\r\n\r\n"

type stubFetcher struct {
	calls atomic.Int32
	fail  func(attempt int32) error
}

func (s *stubFetcher) Fetch(_ context.Context, _ corpus.SegmentID) (io.ReadCloser, error) {
	n := s.calls.Add(1)
	if s.fail != nil {
		if err := s.fail(n); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(strings.NewReader(warcRecord)), nil
}

type stubProcessor struct {
	block bool
}

func (s *stubProcessor) Process(ctx context.Context, segment corpus.SegmentID, iter corpus.RecordIterator) ([]corpus.RefinedRecord, corpus.ProcessStats, error) {
	if s.block {
		<-ctx.Done()
		return nil, corpus.ProcessStats{}, ctx.Err()
	}
	var stats corpus.ProcessStats
	for {
		_, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, err
		}
		stats.Records++
	}
	rec := corpus.RefinedRecord{SegmentID: string(segment), Language: "ja", LanguageSignal: "lang_attr"}
	stats.Emitted = 1
	return []corpus.RefinedRecord{rec}, stats, nil
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Stage
	}
	return out
}

func newWorker(fetcher corpus.SegmentFetcher, proc SegmentProcessor, emitter progress.Emitter, results chan corpus.SegmentResult, q corpus.Queue) *Worker {
	return New(0, Deps{
		Queue:     q,
		Fetcher:   fetcher,
		Processor: proc,
		Results:   results,
		Emitter:   emitter,
	}, Config{Attempts: 3, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
}

func TestProcessSegmentSuccess(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w := newWorker(&stubFetcher{}, &stubProcessor{}, rec, nil, nil)

	res := w.ProcessSegment(context.Background(), "seg-1")
	require.NoError(t, res.Err)
	assert.False(t, res.Canceled)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, int64(1), res.Stats.Records)
	assert.Equal(t, int64(len(warcRecord)), res.Bytes)
	assert.Equal(t, []progress.Stage{progress.StageSegmentStart, progress.StageSegmentDone}, rec.stages())
}

func TestProcessSegmentRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{fail: func(n int32) error {
		if n < 3 {
			return fmt.Errorf("%w: boom", corpus.ErrFetchFailed)
		}
		return nil
	}}
	rec := &recorder{}
	w := newWorker(fetcher, &stubProcessor{}, rec, nil, nil)

	res := w.ProcessSegment(context.Background(), "seg-1")
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []progress.Stage{
		progress.StageSegmentStart,
		progress.StageSegmentRetry,
		progress.StageSegmentRetry,
		progress.StageSegmentDone,
	}, rec.stages())
}

func TestProcessSegmentExhaustsAttempts(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{fail: func(int32) error { return corpus.ErrFetchFailed }}
	w := newWorker(fetcher, &stubProcessor{}, nil, nil, nil)

	res := w.ProcessSegment(context.Background(), "seg-1")
	require.ErrorIs(t, res.Err, corpus.ErrFetchFailed)
	assert.False(t, res.Canceled)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), fetcher.calls.Load())
	assert.Empty(t, res.Records)
}

func TestProcessSegmentPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{fail: func(int32) error { return fmt.Errorf("%w: 404", corpus.ErrPermanent) }}
	rec := &recorder{}
	w := newWorker(fetcher, &stubProcessor{}, rec, nil, nil)

	res := w.ProcessSegment(context.Background(), "seg-1")
	require.ErrorIs(t, res.Err, corpus.ErrPermanent)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []progress.Stage{progress.StageSegmentStart, progress.StageSegmentFail}, rec.stages())
}

func TestProcessSegmentMarksCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(&stubFetcher{}, &stubProcessor{block: true}, nil, nil, nil)

	done := make(chan corpus.SegmentResult, 1)
	go func() { done <- w.ProcessSegment(ctx, "seg-1") }()
	cancel()

	select {
	case res := <-done:
		assert.True(t, res.Canceled)
		require.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessSegment did not return after cancellation")
	}
}

func TestRunDrainsQueueUntilClosed(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	ctx := context.Background()
	for _, id := range []corpus.SegmentID{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, corpus.SegmentJob{SegmentID: id}))
	}
	q.Close()

	results := make(chan corpus.SegmentResult, 3)
	w := newWorker(&stubFetcher{}, &stubProcessor{}, nil, results, q)
	w.Run(ctx, ctx)
	close(results)

	var got []corpus.SegmentID
	for res := range results {
		require.NoError(t, res.Err)
		got = append(got, res.SegmentID)
	}
	assert.Equal(t, []corpus.SegmentID{"a", "b", "c"}, got)
}

func TestRunStopsIntakeWhenRunContextEnds(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	runCtx, cancel := context.WithCancel(context.Background())
	results := make(chan corpus.SegmentResult, 1)
	w := newWorker(&stubFetcher{}, &stubProcessor{}, nil, results, q)

	stopped := make(chan struct{})
	go func() {
		w.Run(runCtx, context.Background())
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after run context ended")
	}
	assert.Empty(t, results)
}
