package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/flowbox/progress"
	"github.com/isdmx/flowbox/sandbox"
)

// blockingExecutor runs until its context is cancelled
type blockingExecutor struct {
	started chan string
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan string, 16)}
}

func (b *blockingExecutor) Execute(ctx context.Context, req sandbox.ExecuteRequest, sink sandbox.ProgressSink) (sandbox.ExecuteResult, error) {
	_ = sink.Append("working")
	b.started <- req.Token
	<-ctx.Done()
	msg := "execution cancelled"
	return sandbox.ExecuteResult{Error: &msg, ErrorKind: sandbox.ErrorKindRuntime, Token: req.Token}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T) *sandbox.Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry, err := sandbox.NewRegistry(logger, sandbox.RegistryConfig{Allowed: sandbox.DefaultCapabilities})
	require.NoError(t, err)
	engine, err := sandbox.NewEngine(logger, &sandbox.Config{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     time.Minute,
		EnforceTimeout: true,
		EntryPoint:     "process",
		Preload:        true,
	}, registry)
	require.NoError(t, err)
	return engine
}

func newTestManager(t *testing.T, executor sandbox.Executor, cfg Config, opts ...ManagerOption) (*Manager, *progress.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	logs, err := progress.NewStore(logger, t.TempDir(), "flowbox_log_")
	require.NoError(t, err)

	m := NewManager(logger, cfg, executor, logs, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, m.Close(ctx))
	})
	return m, logs
}

func readLog(t *testing.T, logs *progress.Store, token string) string {
	t.Helper()
	chunk, err := logs.Read(token, 0)
	require.NoError(t, err)
	return chunk.Content
}

func waitFor(t *testing.T, m *Manager, token string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := m.Wait(ctx, token)
	require.NoError(t, err)
	return snap
}

func TestManagerCompletes(t *testing.T) {
	m, logs := newTestManager(t, newEngine(t), Config{MaxSessions: 8, Retention: time.Hour})

	code := "def process(input_text):\n    log_progress('halfway')\n    return input_text.upper()\n"
	s, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: code, Input: "hello"})
	require.NoError(t, err)
	_, err = uuid.Parse(s.Token)
	require.NoError(t, err)

	snap := waitFor(t, m, s.Token)
	assert.Equal(t, StatusCompleted, snap.Status)
	require.NotNil(t, snap.FinishedAt)
	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.Success)
	assert.Equal(t, "HELLO", *snap.Result.Output)
	assert.Equal(t, s.Token, snap.Result.Token)

	content := readLog(t, logs, s.Token)
	assert.True(t, strings.HasPrefix(content, progress.StartMarker+"\n"))
	assert.Contains(t, content, "halfway\n")
	assert.Contains(t, content, progress.CompleteMarker+"\n"+progress.ResultHeader+"\nHELLO\n")
	assert.Less(t, strings.Index(content, "halfway"), strings.Index(content, progress.CompleteMarker))
}

func TestManagerRecordsFailure(t *testing.T) {
	m, logs := newTestManager(t, newEngine(t), Config{MaxSessions: 8, Retention: time.Hour})

	s, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: "def other(x):\n    return x\n", Input: "x"})
	require.NoError(t, err)

	snap := waitFor(t, m, s.Token)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.False(t, snap.Result.Success)

	content := readLog(t, logs, s.Token)
	assert.Contains(t, content, progress.FailedMarker)
	assert.Contains(t, content, "[FunctionNotFound]")
}

func TestManagerCancel(t *testing.T) {
	executor := newBlockingExecutor()
	m, logs := newTestManager(t, executor, Config{MaxSessions: 8, Retention: time.Hour})

	s, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, s.Token, <-executor.started)

	t.Run("FirstCancelTransitions", func(t *testing.T) {
		res, err := m.Cancel(s.Token)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, StatusCancelled, res.Status)
	})

	t.Run("SecondCancelIsNoop", func(t *testing.T) {
		res, err := m.Cancel(s.Token)
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.Equal(t, StatusCancelled, res.Status)
	})

	snap := waitFor(t, m, s.Token)
	assert.Equal(t, StatusCancelled, snap.Status)

	content := readLog(t, logs, s.Token)
	assert.Equal(t, 1, strings.Count(content, progress.CancelMarker))
	assert.NotContains(t, content, progress.CompleteMarker)
	assert.NotContains(t, content, progress.FailedMarker)
}

func TestManagerCancelStopsRunawayLoop(t *testing.T) {
	m, logs := newTestManager(t, newEngine(t), Config{MaxSessions: 8, Retention: time.Hour})

	code := "def process(input_text):\n    n = 0\n    while True:\n        n += 1\n"
	s, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: code, Timeout: time.Minute})
	require.NoError(t, err)

	res, err := m.Cancel(s.Token)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	snap := waitFor(t, m, s.Token)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.NotContains(t, readLog(t, logs, s.Token), progress.CompleteMarker)
}

func TestManagerCancelAfterCompletion(t *testing.T) {
	m, _ := newTestManager(t, newEngine(t), Config{MaxSessions: 8, Retention: time.Hour})

	s, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: "def process(x):\n    return x\n", Input: "a"})
	require.NoError(t, err)
	waitFor(t, m, s.Token)

	res, err := m.Cancel(s.Token)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestManagerUnknownToken(t *testing.T) {
	m, _ := newTestManager(t, newBlockingExecutor(), Config{MaxSessions: 8, Retention: time.Hour})

	_, err := m.Cancel(uuid.NewString())
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, ok := m.Get("missing")
	assert.False(t, ok)

	_, err = m.Wait(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, logs := newTestManager(t, newEngine(t), Config{MaxSessions: 8, Retention: time.Hour, RemoveLogs: true}, WithClock(clock.Now))

	s, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: "def process(x):\n    return x\n", Input: "a"})
	require.NoError(t, err)
	waitFor(t, m, s.Token)

	assert.Equal(t, 0, m.Sweep())
	assert.Equal(t, 1, m.Len())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Len())

	_, ok := m.Get(s.Token)
	assert.False(t, ok)

	chunk, err := logs.Read(s.Token, 0)
	require.NoError(t, err)
	assert.False(t, chunk.Exists)
}

func TestManagerSweepKeepsRunning(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	executor := newBlockingExecutor()
	m, _ := newTestManager(t, executor, Config{MaxSessions: 8, Retention: time.Minute}, WithClock(clock.Now))

	s, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: "ignored"})
	require.NoError(t, err)
	<-executor.started

	clock.Advance(time.Hour)
	assert.Equal(t, 0, m.Sweep())

	snap, ok := m.Get(s.Token)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestManagerCapacity(t *testing.T) {
	executor := newBlockingExecutor()
	m, _ := newTestManager(t, executor, Config{MaxSessions: 1, Retention: time.Hour})

	first, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: "ignored"})
	require.NoError(t, err)
	<-executor.started

	_, err = m.Start(context.Background(), sandbox.ExecuteRequest{Code: "ignored"})
	require.ErrorIs(t, err, ErrTooManySessions)

	_, err = m.Cancel(first.Token)
	require.NoError(t, err)
	waitFor(t, m, first.Token)

	// the terminal session makes room for a new one
	second, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: "ignored"})
	require.NoError(t, err)
	<-executor.started

	_, ok := m.Get(first.Token)
	assert.False(t, ok)
	_, ok = m.Get(second.Token)
	assert.True(t, ok)
}

func TestManagerClose(t *testing.T) {
	executor := newBlockingExecutor()
	m, _ := newTestManager(t, executor, Config{MaxSessions: 8, Retention: time.Hour, SweepInterval: 10 * time.Millisecond})
	m.StartSweeper()

	s, err := m.Start(context.Background(), sandbox.ExecuteRequest{Code: "ignored"})
	require.NoError(t, err)
	<-executor.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	select {
	case <-s.Done():
	default:
		t.Fatal("session still running after Close")
	}

	_, err = m.Start(context.Background(), sandbox.ExecuteRequest{Code: "ignored"})
	require.ErrorIs(t, err, ErrClosed)
}
