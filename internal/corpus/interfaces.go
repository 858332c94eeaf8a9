package corpus

import (
	"context"
	"io"
	"time"
)

// SegmentFetcher opens the byte stream of one archive segment.
type SegmentFetcher interface {
	Fetch(ctx context.Context, id SegmentID) (io.ReadCloser, error)
}

// RecordIterator yields archive records until io.EOF.
type RecordIterator interface {
	Next() (ArchiveRecord, error)
}

// Extractor pulls the main body text out of an HTML page.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (Document, error)
}

// LanguageIdentifier ranks language predictions for a short text.
type LanguageIdentifier interface {
	Predict(text string, k int) ([]Prediction, error)
}

// CheckpointStore durably records completed segments.
type CheckpointStore interface {
	Load(ctx context.Context) ([]SegmentID, error)
	Save(ctx context.Context, ids []SegmentID) error
}

// BlobStore writes shard objects and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes shard notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for segment work.
type Queue interface {
	Enqueue(ctx context.Context, job SegmentJob) error
	Dequeue(ctx context.Context) (SegmentJob, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces shard identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
