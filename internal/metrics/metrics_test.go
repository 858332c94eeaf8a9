package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"archive https", "https://Data.CommonCrawl.org/crawl-data/x.warc.gz", "data.commoncrawl.org"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeHost(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, recordsTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(recordsTotal.WithLabelValues("emitted"))
	ObserveRecord("emitted")
	assert.Equal(t, before+1, testutil.ToFloat64(recordsTotal.WithLabelValues("emitted")))

	beforeErr := testutil.ToFloat64(checkpointPersistsTotal.WithLabelValues("error"))
	ObserveCheckpointPersist(errors.New("disk full"))
	assert.Equal(t, beforeErr+1, testutil.ToFloat64(checkpointPersistsTotal.WithLabelValues("error")))

	beforeShards := testutil.ToFloat64(shardsTotal)
	ObserveShard(1024)
	assert.Equal(t, beforeShards+1, testutil.ToFloat64(shardsTotal))

	IncActiveWorkers()
	gauge := testutil.ToFloat64(activeWorkers)
	DecActiveWorkers()
	assert.Equal(t, gauge-1, testutil.ToFloat64(activeWorkers))

	ObserveRateLimitDelay("data.commoncrawl.org", 10*time.Millisecond)
	ObserveExtract(time.Millisecond)
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")))
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://data.commoncrawl.org", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
