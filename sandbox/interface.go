package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ExecuteRequest represents the parameters for running a user function
type ExecuteRequest struct {
	Code    string
	Input   string
	Timeout time.Duration
	// Token is set when the run belongs to an asynchronous session
	Token string
}

// ExecuteResult represents the outcome of a single run
type ExecuteResult struct {
	Success         bool
	Output          *string
	ExecutionTime   time.Duration
	Error           *string
	ErrorKind       ErrorKind
	Token           string
	TimeoutEnforced bool
}

// ProgressSink receives progress lines emitted by user code
type ProgressSink interface {
	Append(line string) error
}

// Executor defines the interface for running user functions
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest, sink ProgressSink) (ExecuteResult, error)
}

// Recorder receives execution telemetry
type Recorder interface {
	ObserveExecution(mode, outcome, errorKind string, elapsed time.Duration)
	ImportRejected(module string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveExecution(string, string, string, time.Duration) {}
func (nopRecorder) ImportRejected(string)                                  {}

func succeeded(output string, elapsed time.Duration) ExecuteResult {
	return ExecuteResult{Success: true, Output: &output, ExecutionTime: elapsed}
}

func failed(kind ErrorKind, msg string, elapsed time.Duration) ExecuteResult {
	return ExecuteResult{Success: false, Error: &msg, ErrorKind: kind, ExecutionTime: elapsed}
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // only reachable with the subprocess capability enabled

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	ReadDir(path string) ([]string, error)
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600
)

// JailPath resolves a user supplied relative path under root, rejecting traversal
func JailPath(root, name string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no files root configured")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute path not allowed: %s", name)
	}

	cleanName := filepath.Clean(name)
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe relative path: %s", name)
	}

	cleanRoot := filepath.Clean(root)
	fullPath := filepath.Join(cleanRoot, cleanName)
	if fullPath != cleanRoot && !strings.HasPrefix(fullPath, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path: %s", name)
	}

	return fullPath, nil
}
