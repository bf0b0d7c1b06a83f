package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	commandResults map[string]commandResult
	defaultResult  commandResult
	calls          [][]string
	sawContext     bool
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.calls = append(m.calls, args)
	_, m.sawContext = ctx.Deadline()

	if result, exists := m.commandResults[strings.Join(args, " ")]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}
	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

// MockFileSystem implements FileSystem in memory
type MockFileSystem struct {
	files          map[string][]byte
	mkdirAllErrors map[string]error
	dirs           []string
}

func newMockFileSystem() *MockFileSystem {
	return &MockFileSystem{files: make(map[string][]byte), mkdirAllErrors: make(map[string]error)}
}

func (m *MockFileSystem) MkdirAll(path string, _ os.FileMode) error {
	if err, exists := m.mkdirAllErrors[path]; exists {
		return err
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	m.files[filename] = append([]byte(nil), data...)
	return nil
}

func (m *MockFileSystem) ReadFile(filename string) ([]byte, error) {
	data, ok := m.files[filename]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", filename, os.ErrNotExist)
	}
	return data, nil
}

func (m *MockFileSystem) ReadDir(path string) ([]string, error) {
	var names []string
	for name := range m.files {
		if filepath.Dir(name) == path {
			names = append(names, filepath.Base(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockFileSystem) FileExists(path string) (bool, error) {
	_, ok := m.files[path]
	return ok, nil
}

// recordingSink collects progress lines
type recordingSink struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *recordingSink) Append(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return s.err
}

func (s *recordingSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type observation struct {
	mode      string
	outcome   string
	errorKind string
}

// mockRecorder implements Recorder for testing
type mockRecorder struct {
	mu           sync.Mutex
	observations []observation
	rejected     []string
}

func (m *mockRecorder) ObserveExecution(mode, outcome, errorKind string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, observation{mode: mode, outcome: outcome, errorKind: errorKind})
}

func (m *mockRecorder) ImportRejected(module string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, module)
}
