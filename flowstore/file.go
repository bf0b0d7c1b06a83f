package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FileStore keeps one JSON document per flow in a directory
type FileStore struct {
	logger *zap.Logger
	dir    string
	now    func() time.Time
}

// NewFileStore creates the directory if needed
func NewFileStore(logger *zap.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create flows directory: %w", err)
	}
	return &FileStore{logger: logger, dir: dir, now: time.Now}, nil
}

// Backend returns "file"
func (s *FileStore) Backend() string { return BackendFile }

// Close is a no-op
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the flow atomically through a temporary file
func (s *FileStore) Save(_ context.Context, id string, graph Graph) (Flow, error) {
	if err := ValidateID(id); err != nil {
		return Flow{}, err
	}

	flow := newFlow(id, graph, s.now())
	data, err := json.MarshalIndent(flow, "", "  ")
	if err != nil {
		return Flow{}, fmt.Errorf("failed to encode flow: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+"-*.tmp")
	if err != nil {
		return Flow{}, fmt.Errorf("failed to save flow: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Flow{}, fmt.Errorf("failed to save flow: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Flow{}, fmt.Errorf("failed to save flow: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		return Flow{}, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}

// Load reads a flow
func (s *FileStore) Load(_ context.Context, id string) (Flow, error) {
	if err := ValidateID(id); err != nil {
		return Flow{}, err
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Flow{}, ErrNotFound
		}
		return Flow{}, fmt.Errorf("failed to load flow: %w", err)
	}
	return decodeFlow(data)
}

// List returns every readable flow, newest first
func (s *FileStore) List(_ context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable flow", zap.String("file", name), zap.Error(err))
			continue
		}
		flow, err := decodeFlow(data)
		if err != nil {
			s.logger.Warn("skipping corrupt flow", zap.String("file", name), zap.Error(err))
			continue
		}
		summaries = append(summaries, flow.Summary())
	}

	sortSummaries(summaries)
	return summaries, nil
}
