package langid

import (
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/htmlmeta"
)

// Minimum rune lengths for each metadata field before the classifier is
// consulted, checked in priority order.
const (
	minDescriptionLen = 10
	minTitleLen       = 5
	minHeadingLen     = 10
)

// Verdict is the outcome of one cascade run.
type Verdict struct {
	Accepted   bool
	Signal     string
	Prediction *corpus.Prediction
}

// Cascade applies the cheapest sufficient language signal first.
type Cascade struct {
	// Target is the ISO 639-1 code pages must match.
	Target string
	// Identifier is the optional statistical classifier; nil disables it.
	Identifier corpus.LanguageIdentifier
	// Confirm requires classifier agreement even when the lang attribute or
	// cld2 already matched.
	Confirm bool
	Logger  *zap.Logger
}

// QuickMatch reports whether the declared lang attribute names the target.
func (c *Cascade) QuickMatch(lang string) bool {
	return matchesTarget(lang, c.Target)
}

// DominantMatches reports whether the cld2 dominant code names the target.
func (c *Cascade) DominantMatches(dominant string) bool {
	return matchesTarget(dominant, c.Target)
}

// Classify decides one page. dominant is the cld2 dominant code ("" if none).
func (c *Cascade) Classify(signals htmlmeta.Signals, dominant string) Verdict {
	var signal string
	switch {
	case c.QuickMatch(signals.Lang):
		signal = corpus.SignalLangAttr
	case c.DominantMatches(dominant):
		signal = corpus.SignalCLD2
	}
	if signal != "" {
		if !c.Confirm || c.Identifier == nil {
			return Verdict{Accepted: true, Signal: signal}
		}
		v := c.classify(signals)
		if v.Accepted {
			v.Signal = signal
		}
		return v
	}
	if c.Identifier == nil {
		return Verdict{}
	}
	return c.classify(signals)
}

func (c *Cascade) classify(signals htmlmeta.Signals) Verdict {
	text, ok := classifierInput(signals)
	if !ok {
		return Verdict{}
	}
	preds, err := c.Identifier.Predict(text, 1)
	if err != nil {
		c.logger().Debug("language classifier failed", zap.Error(err))
		return Verdict{}
	}
	if len(preds) == 0 {
		return Verdict{}
	}
	top := preds[0]
	return Verdict{
		Accepted:   strings.EqualFold(top.Code, c.Target),
		Signal:     corpus.SignalClassifier,
		Prediction: &top,
	}
}

func (c *Cascade) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// classifierInput picks the first metadata field long enough to classify.
func classifierInput(s htmlmeta.Signals) (string, bool) {
	switch {
	case utf8.RuneCountInString(s.Description) > minDescriptionLen:
		return flatten(s.Description), true
	case utf8.RuneCountInString(s.Title) > minTitleLen:
		return flatten(s.Title), true
	case utf8.RuneCountInString(s.Heading) > minHeadingLen:
		return flatten(s.Heading), true
	default:
		return "", false
	}
}

func flatten(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}

// matchesTarget compares language tags case-insensitively, accepting region
// subtags such as ja-JP.
func matchesTarget(lang, target string) bool {
	lang = strings.TrimSpace(lang)
	if lang == "" || target == "" {
		return false
	}
	primary, _, _ := strings.Cut(strings.ReplaceAll(lang, "_", "-"), "-")
	return strings.EqualFold(primary, target)
}
