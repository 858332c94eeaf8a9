package sinks

import (
	"context"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/progress"
)

// LogSink writes one structured line per milestone. Start events log at debug
// level; everything else at info, failures at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.SegmentID != "" {
			fields = append(fields, zap.String("segment", evt.SegmentID), zap.Int("worker", evt.Worker))
		}
		if evt.Shard != "" {
			fields = append(fields, zap.String("shard", evt.Shard))
		}
		if evt.Records > 0 || evt.Stage == progress.StageSegmentDone {
			fields = append(fields, zap.Int64("records", evt.Records), zap.Int64("rejected", evt.Rejected))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.String("size", humanize.Bytes(uint64(evt.Bytes))))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}

		switch evt.Stage {
		case progress.StageSegmentStart:
			s.logger.Debug("progress", fields...)
		case progress.StageSegmentRetry, progress.StageSegmentFail:
			s.logger.Warn("progress", fields...)
		default:
			s.logger.Info("progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
