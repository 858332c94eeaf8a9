package corpus

import (
	"mime"
	"net/http"
	"strings"
	"time"
)

// SegmentID is the relative path of one archive segment. It doubles as the
// checkpoint key.
type SegmentID string

// RecordType tags an archive record.
type RecordType string

// Record types consumed by the processor; everything else is ignored.
const (
	RecordResponse RecordType = "response"
	RecordMetadata RecordType = "metadata"
	RecordRequest  RecordType = "request"
	RecordWarcinfo RecordType = "warcinfo"
)

// ArchiveRecord is a decoded record from a segment's byte stream.
type ArchiveRecord struct {
	Type RecordType
	// Headers holds the archive record headers with their original casing.
	Headers map[string]string
	// HTTPHeaders is populated for response records only.
	HTTPHeaders http.Header
	// Payload is the HTTP body for responses and the raw block otherwise.
	Payload []byte
}

// TargetURI returns the captured URL, if any.
func (r ArchiveRecord) TargetURI() string {
	return r.Headers["WARC-Target-URI"]
}

// ContentType returns the media type of an HTTP response, lowercased and
// stripped of parameters.
func (r ArchiveRecord) ContentType() string {
	raw := r.HTTPHeaders.Get("Content-Type")
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		mediaType, _, _ = strings.Cut(raw, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// IsHTML reports whether the record is an HTML response.
func (r ArchiveRecord) IsHTML() bool {
	if r.Type != RecordResponse {
		return false
	}
	switch r.ContentType() {
	case "text/html", "application/xhtml+xml":
		return true
	default:
		return false
	}
}

// ExtractRequest is the input to an Extractor.
type ExtractRequest struct {
	HTML           []byte
	URL            string
	TargetLanguage string
}

// Document is the structured output of an Extractor.
type Document struct {
	Title    string
	Author   string
	Hostname string
	Date     string
	Sitename string
	Excerpt  string
	Text     string
	Language string
}

// Prediction is a ranked language guess.
type Prediction struct {
	Code       string  `json:"code"`
	Confidence float64 `json:"confidence"`
}

// SegmentJob is a unit of queued work.
type SegmentJob struct {
	SegmentID SegmentID
	Enqueued  time.Time
}

// ProcessStats summarises one pass over a segment.
type ProcessStats struct {
	Records         int64
	Responses       int64
	Candidates      int64
	Emitted         int64
	Rejected        int64
	Dropped         int64
	ExtractFailures int64
	Timeouts        int64
}

// Add accumulates other into s.
func (s *ProcessStats) Add(other ProcessStats) {
	s.Records += other.Records
	s.Responses += other.Responses
	s.Candidates += other.Candidates
	s.Emitted += other.Emitted
	s.Rejected += other.Rejected
	s.Dropped += other.Dropped
	s.ExtractFailures += other.ExtractFailures
	s.Timeouts += other.Timeouts
}

// SegmentResult is what a worker hands back to the dispatcher.
type SegmentResult struct {
	SegmentID SegmentID
	Records   []RefinedRecord
	Stats     ProcessStats
	Bytes     int64
	Attempts  int
	Duration  time.Duration
	Err       error
	// Canceled is set when the work context ended mid-segment; its output is
	// partial and must be discarded.
	Canceled bool
}

// ShardInfo describes a flushed shard.
type ShardInfo struct {
	Name      string    `json:"name"`
	URI       string    `json:"uri"`
	Records   int       `json:"records"`
	Segments  int       `json:"segments"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}
