package progress

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/config"
)

// Marker lines written around a session's user output
const (
	StartMarker    = "🚀 Starting execution..."
	CompleteMarker = "✅ EXECUTION COMPLETE"
	ResultHeader   = "--- FINAL RESULT ---"
	FailedMarker   = "❌ EXECUTION FAILED"
	ErrorHeader    = "--- ERROR ---"
	CancelMarker   = "🛑 EXECUTION CANCELLED"
)

const filePermission = 0o600

// ErrInvalidToken is returned for tokens that are not UUIDs
var ErrInvalidToken = errors.New("invalid log token")

// Chunk is an incremental read of a log
type Chunk struct {
	Content string `json:"content"`
	Offset  int64  `json:"position"`
	Exists  bool   `json:"exists"`
}

// Store manages progress log files in a single directory
type Store struct {
	logger *zap.Logger
	dir    string
	prefix string

	mu      sync.Mutex
	writers map[string]*Writer
}

// NewStore creates a store. An empty dir means the OS temp directory.
func NewStore(logger *zap.Logger, dir, prefix string) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create progress directory: %w", err)
	}
	return &Store{
		logger:  logger,
		dir:     dir,
		prefix:  prefix,
		writers: make(map[string]*Writer),
	}, nil
}

// NewStoreFromConfig creates a store from the progress section
func NewStoreFromConfig(logger *zap.Logger, cfg *config.Config) (*Store, error) {
	return NewStore(logger, cfg.Progress.Dir, cfg.Progress.FilePrefix)
}

// Path returns the file backing token
func (s *Store) Path(token string) (string, error) {
	if _, err := uuid.Parse(token); err != nil {
		return "", ErrInvalidToken
	}
	return filepath.Join(s.dir, s.prefix+token+".txt"), nil
}

// Open creates an empty log for token and returns its writer
func (s *Store) Open(token string) (*Writer, error) {
	path, err := s.Path(token)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermission)
	if err != nil {
		return nil, fmt.Errorf("failed to create log %s: %w", token, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to create log %s: %w", token, err)
	}

	w := &Writer{token: token, path: path}
	s.mu.Lock()
	s.writers[token] = w
	s.mu.Unlock()
	return w, nil
}

// Append writes a line to an open log
func (s *Store) Append(token, line string) error {
	if _, err := uuid.Parse(token); err != nil {
		return ErrInvalidToken
	}
	s.mu.Lock()
	w, ok := s.writers[token]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("log %s is not open", token)
	}
	return w.Append(line)
}

// Read returns the complete lines written at or after offset
func (s *Store) Read(token string, offset int64) (Chunk, error) {
	if offset < 0 {
		offset = 0
	}

	path, err := s.Path(token)
	if err != nil {
		return Chunk{Offset: offset}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Chunk{Offset: offset}, nil
		}
		return Chunk{}, fmt.Errorf("failed to open log %s: %w", token, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Chunk{}, fmt.Errorf("failed to stat log %s: %w", token, err)
	}
	if offset >= info.Size() {
		return Chunk{Offset: offset, Exists: true}, nil
	}

	buf := make([]byte, info.Size()-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return Chunk{}, fmt.Errorf("failed to read log %s: %w", token, err)
	}

	// only hand out whole lines so a reader never splits a multi-byte rune
	data := buf[:n]
	end := strings.LastIndexByte(string(data), '\n') + 1
	return Chunk{Content: string(data[:end]), Offset: offset + int64(end), Exists: true}, nil
}

// Release forgets the writer for token. The file is kept for readers.
func (s *Store) Release(token string) {
	s.mu.Lock()
	delete(s.writers, token)
	s.mu.Unlock()
}

// Remove deletes the log for token
func (s *Store) Remove(token string) error {
	path, err := s.Path(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.writers, token)
	s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove log %s: %w", token, err)
	}
	return nil
}

// Sweep removes log files not modified within olderThan. Open writers are kept.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list progress directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, s.prefix) || !strings.HasSuffix(name, ".txt") {
			continue
		}
		token := strings.TrimSuffix(strings.TrimPrefix(name, s.prefix), ".txt")
		if _, err := uuid.Parse(token); err != nil {
			continue
		}

		s.mu.Lock()
		_, open := s.writers[token]
		s.mu.Unlock()
		if open {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove stale log", zap.String("file", name), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Writer appends lines to one log file
type Writer struct {
	token string
	path  string
	mu    sync.Mutex
}

// Token returns the session token the log belongs to
func (w *Writer) Token() string {
	return w.token
}

// Append writes line followed by a newline
func (w *Writer) Append(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermission)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", w.token, err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write log %s: %w", w.token, err)
	}
	return f.Close()
}
