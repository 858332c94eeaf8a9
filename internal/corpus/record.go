package corpus

import "fmt"

// Language signals recorded on accepted pages.
const (
	SignalLangAttr   = "lang_attr"
	SignalCLD2       = "cld2"
	SignalClassifier = "classifier"
)

// Raw payload encodings.
const (
	EncodingBase64     = "base64"
	EncodingZstdBase64 = "zstd+base64"
)

// RefinedRecord is one output line of a shard.
type RefinedRecord struct {
	SegmentID string `json:"segment_id"`
	URL       string `json:"url,omitempty"`

	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Date        string `json:"date,omitempty"`
	Sitename    string `json:"sitename,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
	Description string `json:"description,omitempty"`
	Heading     string `json:"heading,omitempty"`
	Text        string `json:"text,omitempty"`

	Language            string      `json:"language"`
	LanguageSignal      string      `json:"language_signal"`
	LanguagesClassifier *Prediction `json:"languages-classifier,omitempty"`

	Rejected       bool   `json:"rejected"`
	RejectedReason string `json:"rejected_reason"`

	Timeout  bool   `json:"timeout,omitempty"`
	RawData  string `json:"raw_data,omitempty"`
	Encoding string `json:"encoding,omitempty"`

	SHA256     string            `json:"sha256,omitempty"`
	RecHeaders map[string]string `json:"rec_headers"`
	Metadata   map[string]any    `json:"metadata"`
}

// Validate enforces the shard schema.
func (r RefinedRecord) Validate() error {
	if r.SegmentID == "" {
		return fmt.Errorf("%w: segment_id is required", ErrInvalidRecord)
	}
	if r.Rejected != (r.RejectedReason != "") {
		return fmt.Errorf("%w: rejected_reason must be set iff rejected", ErrInvalidRecord)
	}
	hasText := r.Text != ""
	hasRaw := r.RawData != ""
	if hasText == hasRaw {
		return fmt.Errorf("%w: exactly one of text or raw_data must be set", ErrInvalidRecord)
	}
	if hasRaw && r.Encoding == "" {
		return fmt.Errorf("%w: raw_data requires encoding", ErrInvalidRecord)
	}
	if !hasRaw && r.Encoding != "" {
		return fmt.Errorf("%w: encoding set without raw_data", ErrInvalidRecord)
	}
	return nil
}
