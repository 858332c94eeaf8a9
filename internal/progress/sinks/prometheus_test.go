package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/ccja/internal/progress"
)

func segmentBatch() []progress.Event {
	now := time.Now()
	return []progress.Event{
		{TS: now, Stage: progress.StageSegmentStart, SegmentID: "a"},
		{TS: now, Stage: progress.StageSegmentStart, SegmentID: "b"},
		{TS: now, Stage: progress.StageSegmentRetry, SegmentID: "b", Attempt: 1, Note: "gzip: invalid header"},
		{TS: now, Stage: progress.StageSegmentDone, SegmentID: "a", Records: 12, Bytes: 1 << 20, Dur: 90 * time.Second},
		{TS: now, Stage: progress.StageSegmentFail, SegmentID: "b", Dur: 10 * time.Second},
		{TS: now, Stage: progress.StageShardFlushed, Shard: "x.zst", Records: 12, Bytes: 4096},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), segmentBatch()))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.segmentsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.segmentRetries))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.segmentsInFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.segmentsFinished.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.segmentsFinished.WithLabelValues("error")))
	require.InDelta(t, float64(1<<20), testutil.ToFloat64(sink.segmentBytes), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.shardsFlushed))
	require.InDelta(t, 4096.0, testutil.ToFloat64(sink.shardBytes), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.shardRecords, "ccja_shard_records"))
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), segmentBatch()))

	require.Equal(t, 6, logs.Len())
	require.Equal(t, 2, logs.FilterLevelExact(zap.WarnLevel).Len())
	require.Equal(t, 2, logs.FilterLevelExact(zap.DebugLevel).Len())

	done := logs.FilterField(zap.String("segment", "a")).FilterLevelExact(zap.InfoLevel).All()
	require.Len(t, done, 1)
	require.Equal(t, "1.0 MB", done[0].ContextMap()["size"])
}
