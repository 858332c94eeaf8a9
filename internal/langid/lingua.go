package langid

import (
	"fmt"
	"strings"

	"github.com/pemistahl/lingua-go"

	"github.com/JakeFAU/ccja/internal/corpus"
)

// LinguaConfig selects the languages the detector distinguishes between.
type LinguaConfig struct {
	// Languages are ISO 639-1 codes; at least two are required.
	Languages []string
	// LowAccuracy trades precision on short texts for speed and memory.
	LowAccuracy bool
}

// Lingua adapts lingua-go to corpus.LanguageIdentifier.
type Lingua struct {
	detector lingua.LanguageDetector
}

// NewLingua builds a detector restricted to the configured languages.
func NewLingua(cfg LinguaConfig) (*Lingua, error) {
	langs, err := resolveLanguages(cfg.Languages)
	if err != nil {
		return nil, err
	}
	if len(langs) < 2 {
		return nil, fmt.Errorf("at least two classifier languages are required, got %d", len(langs))
	}
	builder := lingua.NewLanguageDetectorBuilder().FromLanguages(langs...)
	if cfg.LowAccuracy {
		builder = builder.WithLowAccuracyMode()
	}
	return &Lingua{detector: builder.Build()}, nil
}

// Predict returns up to k ranked predictions with lowercase ISO 639-1 codes.
func (l *Lingua) Predict(text string, k int) ([]corpus.Prediction, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be > 0")
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	values := l.detector.ComputeLanguageConfidenceValues(text)
	out := make([]corpus.Prediction, 0, k)
	for _, v := range values {
		if len(out) == k {
			break
		}
		if v.Value() <= 0 {
			break
		}
		out = append(out, corpus.Prediction{
			Code:       strings.ToLower(v.Language().IsoCode639_1().String()),
			Confidence: v.Value(),
		})
	}
	return out, nil
}

func resolveLanguages(codes []string) ([]lingua.Language, error) {
	byCode := make(map[string]lingua.Language)
	for _, lang := range lingua.AllLanguages() {
		byCode[strings.ToLower(lang.IsoCode639_1().String())] = lang
	}
	seen := make(map[lingua.Language]struct{}, len(codes))
	out := make([]lingua.Language, 0, len(codes))
	for _, code := range codes {
		lang, ok := byCode[strings.ToLower(strings.TrimSpace(code))]
		if !ok {
			return nil, fmt.Errorf("unsupported classifier language %q", code)
		}
		if _, dup := seen[lang]; dup {
			continue
		}
		seen[lang] = struct{}{}
		out = append(out, lang)
	}
	return out, nil
}
