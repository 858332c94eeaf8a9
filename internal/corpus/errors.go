package corpus

import "errors"

var (
	// ErrPermanent marks failures that must not be retried (e.g. a missing segment).
	ErrPermanent = errors.New("permanent failure")
	// ErrFetchFailed is returned once the fetch retry budget is exhausted.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrExtractTimeout is returned when text extraction exceeds its budget.
	ErrExtractTimeout = errors.New("extraction timed out")
	// ErrInvalidRecord is returned when a refined record fails validation.
	ErrInvalidRecord = errors.New("invalid refined record")
	// ErrQueueClosed is returned by Dequeue after the queue has been drained and closed.
	ErrQueueClosed = errors.New("queue closed")
)
