// Package checkpoint tracks which segments have been fully processed so a run
// can resume after a crash or interrupt.
package checkpoint

import "github.com/JakeFAU/ccja/internal/corpus"

// Checkpoint is an insertion-ordered set of completed segments. It is not
// safe for concurrent use.
type Checkpoint struct {
	order []corpus.SegmentID
	index map[corpus.SegmentID]struct{}
}

// New builds a Checkpoint from ids, dropping duplicates.
func New(ids ...corpus.SegmentID) *Checkpoint {
	c := &Checkpoint{index: make(map[corpus.SegmentID]struct{}, len(ids))}
	for _, id := range ids {
		c.MarkComplete(id)
	}
	return c
}

// MarkComplete adds id and reports whether it was new.
func (c *Checkpoint) MarkComplete(id corpus.SegmentID) bool {
	if _, ok := c.index[id]; ok {
		return false
	}
	c.index[id] = struct{}{}
	c.order = append(c.order, id)
	return true
}

// Contains reports whether id is complete.
func (c *Checkpoint) Contains(id corpus.SegmentID) bool {
	_, ok := c.index[id]
	return ok
}

// IDs returns a copy of the completed segments in completion order.
func (c *Checkpoint) IDs() []corpus.SegmentID {
	out := make([]corpus.SegmentID, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of completed segments.
func (c *Checkpoint) Len() int {
	return len(c.order)
}
