package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/metrics"
)

// Manager pairs the in-memory checkpoint with its durable store. Mutation is
// expected from one goroutine; Len and Completed may be read concurrently.
type Manager struct {
	store  corpus.CheckpointStore
	logger *zap.Logger

	mu    sync.RWMutex
	cp    *Checkpoint
	dirty bool
}

// NewManager wraps store.
func NewManager(store corpus.CheckpointStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, cp: New()}
}

// Load replaces the in-memory state with the store's contents.
func (m *Manager) Load(ctx context.Context) (*Checkpoint, error) {
	ids, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp := New(ids...)
	m.mu.Lock()
	m.cp = cp
	m.dirty = false
	m.mu.Unlock()
	m.logger.Info("checkpoint loaded", zap.Int("completed", cp.Len()))
	return cp, nil
}

// MarkComplete records id; false means it was already complete.
func (m *Manager) MarkComplete(id corpus.SegmentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := m.cp.MarkComplete(id)
	if added {
		m.dirty = true
	}
	return added
}

// Contains reports whether id is complete.
func (m *Manager) Contains(id corpus.SegmentID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cp.Contains(id)
}

// Completed returns the completed ids in order.
func (m *Manager) Completed() []corpus.SegmentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cp.IDs()
}

// Len returns the completed count.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cp.Len()
}

// Persist writes the full set to the store when it changed since the last
// successful persist.
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.RLock()
	dirty := m.dirty
	ids := m.cp.IDs()
	m.mu.RUnlock()
	if !dirty {
		return nil
	}

	err := m.store.Save(ctx, ids)
	metrics.ObserveCheckpointPersist(err)
	if err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	m.mu.Lock()
	if m.cp.Len() == len(ids) {
		m.dirty = false
	}
	m.mu.Unlock()
	m.logger.Debug("checkpoint persisted", zap.Int("completed", len(ids)))
	return nil
}
