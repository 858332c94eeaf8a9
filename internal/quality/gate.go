// Package quality flags extracted text that is too short to be useful.
package quality

import (
	"unicode/utf8"

	"github.com/JakeFAU/ccja/internal/corpus"
)

// DefaultMinLength is the character count below which text is rejected.
const DefaultMinLength = 400

// ReasonTooShort is recorded on records below the length threshold.
const ReasonTooShort = "Too_Short"

// Verdict is the gate outcome for one text.
type Verdict struct {
	Rejected bool
	Reason   string
}

// Gate annotates records; it never discards them itself.
type Gate struct {
	MinLength int
	// DropRejected tells callers to omit rejected records from output.
	DropRejected bool
}

// New returns a Gate, substituting the default threshold for non-positive values.
func New(minLength int, dropRejected bool) Gate {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return Gate{MinLength: minLength, DropRejected: dropRejected}
}

// Evaluate measures text length in characters.
func (g Gate) Evaluate(text string) Verdict {
	if utf8.RuneCountInString(text) < g.MinLength {
		return Verdict{Rejected: true, Reason: ReasonTooShort}
	}
	return Verdict{}
}

// Apply writes the verdict for rec.Text onto rec and reports whether the
// record should be kept under the configured policy.
func (g Gate) Apply(rec *corpus.RefinedRecord) bool {
	v := g.Evaluate(rec.Text)
	rec.Rejected = v.Rejected
	rec.RejectedReason = v.Reason
	return !(v.Rejected && g.DropRejected)
}
