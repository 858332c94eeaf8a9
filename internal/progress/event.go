package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageSegmentStart Stage = "SEGMENT_START"
	StageSegmentRetry Stage = "SEGMENT_RETRY"
	StageSegmentDone  Stage = "SEGMENT_DONE"
	StageSegmentFail  Stage = "SEGMENT_FAILED"
	StageShardFlushed Stage = "SHARD_FLUSHED"
)

// Event captures a single milestone.
type Event struct {
	// TS is stamped by the hub when left zero.
	TS    time.Time
	Stage Stage
	// Worker is the emitting worker index, or -1 for the collector.
	Worker    int
	SegmentID string
	// Shard names the uploaded object for SHARD_FLUSHED.
	Shard    string
	Records  int64
	Rejected int64
	Bytes    int64
	Attempt  int
	Dur      time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageSegmentStart, StageSegmentRetry, StageSegmentDone, StageSegmentFail:
		if e.SegmentID == "" {
			return fmt.Errorf("%s requires segment id", e.Stage)
		}
	case StageShardFlushed:
		if e.Shard == "" {
			return errors.New("shard flushed requires shard name")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Records < 0 || e.Bytes < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}
