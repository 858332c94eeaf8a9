package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
)

// DefaultFileName is the checkpoint file inside the working directory.
const DefaultFileName = "progress_parallel.txt"

type fileFormat struct {
	ProcessedFileNames []string `json:"processed_file_names"`
	// LastItrCount is read for compatibility with older files and ignored.
	LastItrCount *int `json:"last_itr_count,omitempty"`
}

// FileStore persists the checkpoint as a small JSON document.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the file. A missing or unreadable document is treated as an
// empty checkpoint.
func (s *FileStore) Load(_ context.Context) ([]corpus.SegmentID, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no checkpoint file, starting fresh", zap.String("path", s.path))
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("checkpoint unreadable, starting fresh", zap.String("path", s.path), zap.Error(err))
		return nil, nil
	}
	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("checkpoint corrupt, starting fresh", zap.String("path", s.path), zap.Error(err))
		return nil, nil
	}
	ids := make([]corpus.SegmentID, 0, len(doc.ProcessedFileNames))
	for _, name := range doc.ProcessedFileNames {
		if name != "" {
			ids = append(ids, corpus.SegmentID(name))
		}
	}
	return ids, nil
}

// Save atomically replaces the file: a temp file in the same directory is
// written, synced and renamed over the target.
func (s *FileStore) Save(_ context.Context, ids []corpus.SegmentID) error {
	doc := fileFormat{ProcessedFileNames: make([]string, len(ids))}
	for i, id := range ids {
		doc.ProcessedFileNames[i] = string(id)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}
