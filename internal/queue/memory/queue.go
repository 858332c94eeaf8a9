// Package memory provides the bounded in-process segment queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ccja/internal/corpus"
)

// Queue is a bounded in-memory queue with context-aware operations. The
// producer owns Close; Enqueue after Close panics.
type Queue struct {
	ch      chan corpus.SegmentJob
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan corpus.SegmentJob, capacity),
	}
}

// Enqueue pushes a job, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, job corpus.SegmentJob) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job. Once the queue is closed and drained it returns
// corpus.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (corpus.SegmentJob, error) {
	select {
	case <-ctx.Done():
		return corpus.SegmentJob{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return corpus.SegmentJob{}, corpus.ErrQueueClosed
		}
		return job, nil
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops further dequeues once the buffer drains. Safe to call twice.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
