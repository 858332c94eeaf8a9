package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ccja/internal/progress"
)

// PrometheusSink exports segment and shard progress. It owns its collectors so
// tests can register them on a private registry.
type PrometheusSink struct {
	segmentsStarted  prometheus.Counter
	segmentsFinished *prometheus.CounterVec
	segmentRetries   prometheus.Counter
	segmentsInFlight prometheus.Gauge
	segmentRuntime   *prometheus.HistogramVec
	segmentRecords   prometheus.Histogram
	segmentBytes     prometheus.Counter

	shardsFlushed prometheus.Counter
	shardBytes    prometheus.Counter
	shardRecords  prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		segmentsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccja_segments_started_total",
			Help: "Segment attempts that have started, first attempts only.",
		}),
		segmentsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccja_segments_finished_total",
			Help: "Segments finished partitioned by result.",
		}, []string{"result"}),
		segmentRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccja_segment_retries_total",
			Help: "Whole-segment retries.",
		}),
		segmentsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccja_segments_in_flight",
			Help: "Segments currently being processed.",
		}),
		segmentRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccja_segment_runtime_seconds",
			Help:    "Wall time per finished segment including retries.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"result"}),
		segmentRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ccja_segment_records",
			Help:    "Refined records produced per segment.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		segmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccja_segment_bytes_total",
			Help: "Compressed segment bytes streamed.",
		}),
		shardsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccja_progress_shards_flushed_total",
			Help: "Shards uploaded.",
		}),
		shardBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccja_progress_shard_bytes_total",
			Help: "Compressed shard bytes uploaded.",
		}),
		shardRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ccja_shard_records",
			Help:    "Records per uploaded shard.",
			Buckets: prometheus.ExponentialBuckets(100, 4, 8),
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.segmentsStarted,
		s.segmentsFinished,
		s.segmentRetries,
		s.segmentsInFlight,
		s.segmentRuntime,
		s.segmentRecords,
		s.segmentBytes,
		s.shardsFlushed,
		s.shardBytes,
		s.shardRecords,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSegmentStart:
		s.segmentsStarted.Inc()
		s.segmentsInFlight.Inc()
	case progress.StageSegmentRetry:
		s.segmentRetries.Inc()
	case progress.StageSegmentDone:
		s.finishSegment(evt, "success")
		s.segmentRecords.Observe(float64(evt.Records))
	case progress.StageSegmentFail:
		s.finishSegment(evt, "error")
	case progress.StageShardFlushed:
		s.shardsFlushed.Inc()
		s.shardBytes.Add(float64(evt.Bytes))
		s.shardRecords.Observe(float64(evt.Records))
	}
}

func (s *PrometheusSink) finishSegment(evt progress.Event, result string) {
	s.segmentsInFlight.Dec()
	s.segmentsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.segmentRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if evt.Bytes > 0 {
		s.segmentBytes.Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
