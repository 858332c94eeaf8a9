// Package uuid names shards with time-ordered UUIDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements corpus.IDGenerator with UUIDv7, whose string form
// sorts by creation time.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string used as a shard object name.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
