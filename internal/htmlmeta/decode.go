package htmlmeta

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	smallInputLimit = 10000
	windowSize      = 5000
)

// Decoder turns arbitrary markup bytes into a UTF-8 string.
type Decoder struct {
	detector *chardet.Detector
	logger   *zap.Logger
}

// NewDecoder constructs a Decoder backed by a statistical charset detector.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		detector: chardet.NewTextDetector(),
		logger:   logger,
	}
}

// Decode returns data as UTF-8. Valid UTF-8 passes through; otherwise each
// detected charset is tried in rank order and the first clean decode wins.
// Undecodable input degrades to one replacement character per invalid byte.
func (d *Decoder) Decode(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	for _, name := range d.Candidates(data) {
		enc, err := htmlindex.Get(name)
		if err != nil {
			d.logger.Debug("unknown charset candidate", zap.String("charset", name))
			continue
		}
		out, err := enc.NewDecoder().Bytes(data)
		if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
			d.logger.Debug("wrong encoding detected", zap.String("charset", name))
			continue
		}
		return string(out)
	}
	return lossyUTF8(data)
}

// Candidates ranks the charsets the detector proposes, excluding UTF-8.
// Large inputs are sampled from the head and tail first and scanned whole only
// when the sample yields nothing.
func (d *Decoder) Candidates(data []byte) []string {
	var results []chardet.Result
	if len(data) < smallInputLimit {
		results = d.detect(data)
	} else {
		sample := make([]byte, 0, 2*windowSize)
		sample = append(sample, data[:windowSize]...)
		sample = append(sample, data[len(data)-windowSize:]...)
		results = d.detect(sample)
		if len(results) == 0 {
			results = d.detect(data)
		}
	}
	seen := make(map[string]struct{}, len(results))
	out := make([]string, 0, len(results))
	for _, r := range results {
		if isUTF8Alias(r.Charset) {
			continue
		}
		key := strings.ToLower(r.Charset)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r.Charset)
	}
	return out
}

func (d *Decoder) detect(data []byte) []chardet.Result {
	results, err := d.detector.DetectAll(data)
	if err != nil {
		return nil
	}
	return results
}

func isUTF8Alias(name string) bool {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "utf-8", "utf8":
		return true
	default:
		return false
	}
}

func lossyUTF8(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			b.WriteRune(utf8.RuneError)
			data = data[1:]
			continue
		}
		b.WriteRune(r)
		data = data[size:]
	}
	return b.String()
}
