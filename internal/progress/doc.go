// Package progress carries per-segment and per-shard milestones from workers
// to observers. A non-blocking hub batches events on a background goroutine
// and fans them out to sinks such as structured logs and Prometheus.
package progress
