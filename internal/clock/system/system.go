// Package system supplies the UTC wall clock that stamps flushed shards and
// dispatcher run times.
package system

import "time"

// Clock implements corpus.Clock using time.Now.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
