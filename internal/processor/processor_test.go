package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/hash/sha256"
	"github.com/JakeFAU/ccja/internal/langid"
	"github.com/JakeFAU/ccja/internal/quality"
)

type sliceIterator struct {
	records []corpus.ArchiveRecord
	err     error
	pos     int
}

func (s *sliceIterator) Next() (corpus.ArchiveRecord, error) {
	if s.pos >= len(s.records) {
		if s.err != nil {
			return corpus.ArchiveRecord{}, s.err
		}
		return corpus.ArchiveRecord{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

type stubExtractor struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req corpus.ExtractRequest) (corpus.Document, error)
}

func (s *stubExtractor) Extract(ctx context.Context, req corpus.ExtractRequest) (corpus.Document, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func textExtractor(text string) *stubExtractor {
	return &stubExtractor{fn: func(_ context.Context, req corpus.ExtractRequest) (corpus.Document, error) {
		return corpus.Document{Title: "extracted", Hostname: "example.jp", Text: text, Language: req.TargetLanguage}, nil
	}}
}

type stubIdentifier struct {
	code string
}

func (s stubIdentifier) Predict(_ string, _ int) ([]corpus.Prediction, error) {
	return []corpus.Prediction{{Code: s.code, Confidence: 0.9}}, nil
}

func response(uri, html string) corpus.ArchiveRecord {
	return corpus.ArchiveRecord{
		Type:        corpus.RecordResponse,
		Headers:     map[string]string{"WARC-Type": "response", "WARC-Target-URI": uri},
		HTTPHeaders: http.Header{"Content-Type": []string{"text/html; charset=UTF-8"}},
		Payload:     []byte(html),
	}
}

func metadata(uri, lang string) corpus.ArchiveRecord {
	payload := "fetchTimeMs: 120\r\n"
	if lang != "" {
		payload += fmt.Sprintf(`languages-cld2: {"reliable":true,"text-bytes":1000,"languages":[{"code":%q,"text-covered":0.97,"score":900.0}]}`, lang) + "\r\n"
	}
	return corpus.ArchiveRecord{
		Type:    corpus.RecordMetadata,
		Headers: map[string]string{"WARC-Type": "metadata", "WARC-Target-URI": uri},
		Payload: []byte(payload),
	}
}

const jaPage = `<html lang="ja"><head><title>日本語のページ</title></head><body><h1>見出し</h1><p>本文</p></body></html>`

func newProcessor(t *testing.T, cfg Config, extractor corpus.Extractor, identifier corpus.LanguageIdentifier) *Processor {
	t.Helper()
	if cfg.Target == "" {
		cfg.Target = "ja"
	}
	p, err := New(cfg, Deps{
		Cascade:   &langid.Cascade{Target: cfg.Target, Identifier: identifier},
		Extractor: extractor,
		Hasher:    sha256.New(),
	})
	require.NoError(t, err)
	return p
}

func requireValid(t *testing.T, recs []corpus.RefinedRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, rec.Validate())
	}
}

func TestProcessEmitsExtractedRecord(t *testing.T) {
	t.Parallel()

	longText := strings.Repeat("あ", quality.DefaultMinLength)
	p := newProcessor(t, Config{ExtractEnabled: true}, textExtractor(longText), nil)
	iter := &sliceIterator{records: []corpus.ArchiveRecord{
		{Type: corpus.RecordWarcinfo},
		response("https://example.jp/a", jaPage),
		{Type: corpus.RecordRequest},
		metadata("https://example.jp/a", "ja"),
	}}

	recs, stats, err := p.Process(context.Background(), "seg-1", iter)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	requireValid(t, recs)

	rec := recs[0]
	assert.Equal(t, "seg-1", rec.SegmentID)
	assert.Equal(t, "https://example.jp/a", rec.URL)
	assert.Equal(t, "extracted", rec.Title)
	assert.Equal(t, "見出し", rec.Heading)
	assert.Equal(t, longText, rec.Text)
	assert.Equal(t, "ja", rec.Language)
	assert.Equal(t, corpus.SignalLangAttr, rec.LanguageSignal)
	assert.False(t, rec.Rejected)
	assert.Len(t, rec.SHA256, 64)
	assert.Equal(t, "https://example.jp/a", rec.RecHeaders["WARC-Target-URI"])
	assert.Contains(t, rec.Metadata, langid.CLD2Field)

	assert.Equal(t, int64(4), stats.Records)
	assert.Equal(t, int64(1), stats.Candidates)
	assert.Equal(t, int64(1), stats.Emitted)
}

func TestProcessQualityGate(t *testing.T) {
	t.Parallel()

	records := func() *sliceIterator {
		return &sliceIterator{records: []corpus.ArchiveRecord{
			response("https://example.jp/short", jaPage),
			metadata("https://example.jp/short", "ja"),
		}}
	}

	keep := newProcessor(t, Config{ExtractEnabled: true}, textExtractor("短い"), nil)
	recs, stats, err := keep.Process(context.Background(), "seg", records())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	requireValid(t, recs)
	assert.True(t, recs[0].Rejected)
	assert.Equal(t, quality.ReasonTooShort, recs[0].RejectedReason)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.Emitted)

	drop := newProcessor(t, Config{ExtractEnabled: true, Gate: quality.New(0, true)}, textExtractor("短い"), nil)
	recs, stats, err = drop.Process(context.Background(), "seg", records())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Zero(t, stats.Emitted)
}

func TestProcessStateMachineDrops(t *testing.T) {
	t.Parallel()

	ext := textExtractor(strings.Repeat("い", 500))
	p := newProcessor(t, Config{ExtractEnabled: true}, ext, nil)
	image := response("https://example.jp/img", "GIF89a")
	image.HTTPHeaders.Set("Content-Type", "image/gif")

	iter := &sliceIterator{records: []corpus.ArchiveRecord{
		metadata("https://example.jp/orphan", "ja"),
		image,
		response("https://example.jp/en", `<html lang="en"><body>english</body></html>`),
		response("https://example.jp/first", jaPage),
		response("https://example.jp/second", jaPage),
		metadata("https://example.jp/second", ""),
		response("https://example.jp/third", jaPage),
		metadata("https://example.jp/other", "ja"),
		response("https://example.jp/tail", jaPage),
	}}

	recs, stats, err := p.Process(context.Background(), "seg", iter)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, ext.calls)
	assert.Equal(t, int64(6), stats.Responses)
	assert.Equal(t, int64(4), stats.Candidates)
	assert.Equal(t, int64(6), stats.Dropped)
}

func TestProcessCLD2AcceptsWithoutLangAttr(t *testing.T) {
	t.Parallel()

	page := `<html><head><meta name="description" content="これは日本語の説明文です。"></head><body></body></html>`
	iter := func() *sliceIterator {
		return &sliceIterator{records: []corpus.ArchiveRecord{
			response("https://example.jp/x", page),
			metadata("https://example.jp/x", "ja"),
		}}
	}

	p := newProcessor(t, Config{}, nil, nil)
	recs, _, err := p.Process(context.Background(), "seg", iter())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, corpus.SignalCLD2, recs[0].LanguageSignal)

	strict := newProcessor(t, Config{StrictLangAttr: true}, nil, nil)
	recs, stats, err := strict.Process(context.Background(), "seg", iter())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, stats.Candidates)
}

func TestProcessDiscardsWhenDominantLanguageIsNotTarget(t *testing.T) {
	t.Parallel()

	noAttr := `<html><head><meta name="description" content="これは日本語の説明文です。"></head></html>`
	cases := []struct {
		name       string
		page       string
		identifier corpus.LanguageIdentifier
	}{
		{"lang attribute says ja", jaPage, nil},
		{"classifier says ja", noAttr, stubIdentifier{code: "ja"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ext := textExtractor(strings.Repeat("う", 500))
			p := newProcessor(t, Config{ExtractEnabled: true}, ext, tc.identifier)
			iter := &sliceIterator{records: []corpus.ArchiveRecord{
				response("https://example.jp/en", tc.page),
				metadata("https://example.jp/en", "en"),
			}}

			recs, stats, err := p.Process(context.Background(), "seg", iter)
			require.NoError(t, err)
			require.Empty(t, recs)
			assert.Equal(t, int64(1), stats.Candidates)
			assert.Equal(t, int64(1), stats.Dropped)
			assert.Zero(t, ext.calls)
		})
	}
}

func TestProcessConfirmUsesClassifier(t *testing.T) {
	t.Parallel()

	build := func(code string) *Processor {
		p, err := New(Config{Target: "ja"}, Deps{
			Cascade: &langid.Cascade{Target: "ja", Identifier: stubIdentifier{code: code}, Confirm: true},
			Hasher:  sha256.New(),
		})
		require.NoError(t, err)
		return p
	}
	iter := func() *sliceIterator {
		return &sliceIterator{records: []corpus.ArchiveRecord{
			response("https://example.jp/c", jaPage),
			metadata("https://example.jp/c", "ja"),
		}}
	}

	recs, _, err := build("ja").Process(context.Background(), "seg", iter())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, corpus.SignalLangAttr, recs[0].LanguageSignal)
	require.NotNil(t, recs[0].LanguagesClassifier)
	assert.Equal(t, "ja", recs[0].LanguagesClassifier.Code)

	recs, stats, err := build("zh").Process(context.Background(), "seg", iter())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestProcessExtractionDisabledStoresRaw(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, Config{ExtractEnabled: false}, nil, nil)
	iter := &sliceIterator{records: []corpus.ArchiveRecord{
		response("https://example.jp/raw", jaPage),
		metadata("https://example.jp/raw", "ja"),
	}}
	recs, _, err := p.Process(context.Background(), "seg", iter)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	requireValid(t, recs)
	assert.Equal(t, corpus.EncodingBase64, recs[0].Encoding)
	raw, err := base64.StdEncoding.DecodeString(recs[0].RawData)
	require.NoError(t, err)
	assert.Equal(t, jaPage, string(raw))
	assert.Empty(t, recs[0].Text)
}

func TestProcessExtractionTimeoutFallsBackToCompressedRaw(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	slow := &stubExtractor{fn: func(_ context.Context, _ corpus.ExtractRequest) (corpus.Document, error) {
		<-release
		return corpus.Document{Text: "late"}, nil
	}}
	p := newProcessor(t, Config{ExtractEnabled: true, ExtractTimeout: 20 * time.Millisecond}, slow, nil)
	iter := &sliceIterator{records: []corpus.ArchiveRecord{
		response("https://example.jp/slow", jaPage),
		metadata("https://example.jp/slow", "ja"),
	}}

	recs, stats, err := p.Process(context.Background(), "seg", iter)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	requireValid(t, recs)
	rec := recs[0]
	assert.True(t, rec.Timeout)
	assert.Equal(t, corpus.EncodingZstdBase64, rec.Encoding)
	assert.Equal(t, int64(1), stats.Timeouts)

	compressed, err := base64.StdEncoding.DecodeString(rec.RawData)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, jaPage, string(raw))
}

func TestProcessExtractionFailureSkipsCandidate(t *testing.T) {
	t.Parallel()

	calls := 0
	ext := &stubExtractor{fn: func(_ context.Context, _ corpus.ExtractRequest) (corpus.Document, error) {
		calls++
		if calls == 1 {
			return corpus.Document{}, errors.New("parse failure")
		}
		if calls == 2 {
			return corpus.Document{}, nil
		}
		return corpus.Document{Text: strings.Repeat("う", 450)}, nil
	}}
	p := newProcessor(t, Config{ExtractEnabled: true}, ext, nil)
	iter := &sliceIterator{records: []corpus.ArchiveRecord{
		response("https://example.jp/1", jaPage), metadata("https://example.jp/1", "ja"),
		response("https://example.jp/2", jaPage), metadata("https://example.jp/2", "ja"),
		response("https://example.jp/3", jaPage), metadata("https://example.jp/3", "ja"),
	}}

	recs, stats, err := p.Process(context.Background(), "seg", iter)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://example.jp/3", recs[0].URL)
	assert.Equal(t, int64(2), stats.ExtractFailures)
}

func TestProcessAbortsOnIteratorError(t *testing.T) {
	t.Parallel()

	boom := errors.New("gzip: invalid checksum")
	p := newProcessor(t, Config{}, nil, nil)
	iter := &sliceIterator{
		records: []corpus.ArchiveRecord{response("https://example.jp/a", jaPage), metadata("https://example.jp/a", "ja")},
		err:     boom,
	}
	recs, _, err := p.Process(context.Background(), "seg", iter)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, recs)
}

func TestProcessHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newProcessor(t, Config{}, nil, nil)
	_, _, err := p.Process(ctx, "seg", &sliceIterator{records: []corpus.ArchiveRecord{response("u", jaPage)}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
	_, err = New(Config{Target: "ja"}, Deps{Cascade: &langid.Cascade{Target: "ja"}})
	assert.Error(t, err)
	_, err = New(Config{Target: "ja", ExtractEnabled: true}, Deps{Cascade: &langid.Cascade{Target: "ja"}, Hasher: sha256.New()})
	assert.Error(t, err)
}
