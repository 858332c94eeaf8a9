// Package metrics exposes Prometheus collectors for the corpus builder.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsTotal               *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchBytesTotal            prometheus.Counter
	extractDurationSeconds     prometheus.Histogram
	shardsTotal                prometheus.Counter
	shardBytesTotal            prometheus.Counter
	checkpointPersistsTotal    *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccja_records_total",
				Help: "Archive records by processing outcome.",
			},
			[]string{"outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccja_fetch_attempts_total",
				Help: "Segment fetch attempts by outcome.",
			},
			[]string{"outcome"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ccja_fetch_bytes_total",
				Help: "Compressed segment bytes read from the archive.",
			},
		)

		extractDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ccja_extract_duration_seconds",
				Help:    "Per-page text extraction latency.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		)

		shardsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ccja_shards_total",
				Help: "Shards flushed to the blob store.",
			},
		)

		shardBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ccja_shard_bytes_total",
				Help: "Uncompressed staging bytes flushed into shards.",
			},
		)

		checkpointPersistsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccja_checkpoint_persists_total",
				Help: "Checkpoint persist calls by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ccja_active_workers",
				Help: "Number of workers currently processing a segment.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ccja_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRecord counts one processed record outcome.
func ObserveRecord(outcome string) {
	Init()
	recordsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchAttempt counts one segment fetch attempt.
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// AddFetchBytes adds to the fetched byte counter.
func AddFetchBytes(n int64) {
	Init()
	if n > 0 {
		fetchBytesTotal.Add(float64(n))
	}
}

// ObserveExtract records extraction latency.
func ObserveExtract(d time.Duration) {
	Init()
	extractDurationSeconds.Observe(d.Seconds())
}

// ObserveShard records a flushed shard.
func ObserveShard(stagedBytes int64) {
	Init()
	shardsTotal.Inc()
	if stagedBytes > 0 {
		shardBytesTotal.Add(float64(stagedBytes))
	}
}

// ObserveCheckpointPersist records a checkpoint persist result.
func ObserveCheckpointPersist(err error) {
	Init()
	result := "success"
	if err != nil {
		result = "error"
	}
	checkpointPersistsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
