package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/config"
	"github.com/isdmx/flowbox/progress"
	"github.com/isdmx/flowbox/sandbox"
)

var (
	// ErrSessionNotFound is returned for unknown or evicted tokens
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the session table is full of running sessions
	ErrTooManySessions = errors.New("too many sessions")
	// ErrClosed is returned by Start after Close
	ErrClosed = errors.New("session manager closed")
)

// Config holds session manager settings
type Config struct {
	MaxSessions   int
	Retention     time.Duration
	SweepInterval time.Duration
	RemoveLogs    bool
}

// Recorder receives session telemetry
type Recorder interface {
	SessionStarted()
	SessionFinished(status string)
	SessionsEvicted(n int)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()        {}
func (nopRecorder) SessionFinished(string) {}
func (nopRecorder) SessionsEvicted(int)    {}

// CancelResult reports the outcome of a cancel request
type CancelResult struct {
	Token   string
	Status  Status
	Changed bool
}

// Manager owns the table of asynchronous sessions
type Manager struct {
	logger   *zap.Logger
	config   Config
	executor sandbox.Executor
	logs     *progress.Store
	recorder Recorder
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	sweepOnce sync.Once
	stopSweep chan struct{}
	closeOnce sync.Once
	closed    bool
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithRecorder sets the telemetry recorder
func WithRecorder(recorder Recorder) ManagerOption {
	return func(m *Manager) {
		if recorder != nil {
			m.recorder = recorder
		}
	}
}

// WithClock replaces the wall clock, for tests
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a session manager
func NewManager(logger *zap.Logger, cfg Config, executor sandbox.Executor, logs *progress.Store, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:    logger,
		config:    cfg,
		executor:  executor,
		logs:      logs,
		recorder:  nopRecorder{},
		now:       time.Now,
		sessions:  make(map[string]*Session),
		baseCtx:   ctx,
		cancelAll: cancel,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewManagerFromConfig creates a session manager from the sessions section
func NewManagerFromConfig(logger *zap.Logger, cfg *config.Config, executor sandbox.Executor, logs *progress.Store, opts ...ManagerOption) *Manager {
	return NewManager(logger, Config{
		MaxSessions:   cfg.Sessions.MaxSessions,
		Retention:     cfg.Sessions.Retention,
		SweepInterval: cfg.Sessions.SweepInterval,
		RemoveLogs:    cfg.Sessions.RemoveLogs,
	}, executor, logs, opts...)
}

// Start registers a session, writes the start marker and runs req in the background
func (m *Manager) Start(_ context.Context, req sandbox.ExecuteRequest) (*Session, error) {
	m.Sweep()

	s, evicted, err := m.register()
	m.dropLogs(evicted)
	if err != nil {
		return nil, err
	}

	req.Token = s.Token
	go m.run(s.ctx, s, req)

	m.logger.Info("session started", zap.String("token", s.Token))
	return s, nil
}

// register reserves a table slot and opens the session log
func (m *Manager) register() (*Session, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrClosed
	}

	var evicted []string
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		evicted = m.evictOldestLocked(len(m.sessions) - m.config.MaxSessions + 1)
		if len(m.sessions) >= m.config.MaxSessions {
			return nil, evicted, ErrTooManySessions
		}
	}

	token := uuid.NewString()
	log, err := m.logs.Open(token)
	if err != nil {
		return nil, evicted, fmt.Errorf("failed to open progress log: %w", err)
	}
	if err := log.Append(progress.StartMarker); err != nil {
		m.logger.Warn("failed to write start marker", zap.String("token", token), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	s := &Session{
		Token:     token,
		StartedAt: m.now(),
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[token] = s
	m.wg.Add(1)
	m.recorder.SessionStarted()
	return s, evicted, nil
}

func (m *Manager) run(ctx context.Context, s *Session, req sandbox.ExecuteRequest) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.cancel()

	result, err := m.executor.Execute(ctx, req, s.log)
	if err != nil {
		msg := err.Error()
		result = sandbox.ExecuteResult{Error: &msg, ErrorKind: sandbox.ErrorKindRuntime, Token: s.Token}
	}
	s.setResult(result)

	if !s.transition(stateCompleted) {
		m.logger.Info("session finished after cancellation, completion not recorded", zap.String("token", s.Token))
		return
	}
	s.markFinished(m.now())

	if err := s.log.Append(completionMessage(result)); err != nil {
		m.logger.Warn("failed to write completion marker", zap.String("token", s.Token), zap.Error(err))
	}
	m.logs.Release(s.Token)
	m.recorder.SessionFinished(string(StatusCompleted))

	m.logger.Info("session completed",
		zap.String("token", s.Token),
		zap.Bool("success", result.Success),
		zap.Duration("elapsed", result.ExecutionTime),
	)
}

func completionMessage(result sandbox.ExecuteResult) string {
	if result.Success {
		output := ""
		if result.Output != nil {
			output = *result.Output
		}
		return fmt.Sprintf("%s\n%s\n%s", progress.CompleteMarker, progress.ResultHeader, output)
	}

	errText := ""
	if result.Error != nil {
		errText = *result.Error
	}
	return fmt.Sprintf("%s\n%s\n[%s] %s", progress.FailedMarker, progress.ErrorHeader, result.ErrorKind, errText)
}

// Cancel moves a running session to cancelled. Terminal sessions are left
// untouched and their status is reported with Changed false.
func (m *Manager) Cancel(token string) (CancelResult, error) {
	s, ok := m.lookup(token)
	if !ok {
		return CancelResult{}, ErrSessionNotFound
	}

	if !s.transition(stateCancelled) {
		return CancelResult{Token: token, Status: s.Status()}, nil
	}
	s.markFinished(m.now())

	if err := s.log.Append(progress.CancelMarker); err != nil {
		m.logger.Warn("failed to write cancel marker", zap.String("token", token), zap.Error(err))
	}
	s.cancel()
	m.recorder.SessionFinished(string(StatusCancelled))

	m.logger.Info("session cancelled", zap.String("token", token))
	return CancelResult{Token: token, Status: StatusCancelled, Changed: true}, nil
}

// Get returns a snapshot of the session
func (m *Manager) Get(token string) (Snapshot, bool) {
	s, ok := m.lookup(token)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Wait blocks until the session's background run returns or ctx is done
func (m *Manager) Wait(ctx context.Context, token string) (Snapshot, error) {
	s, ok := m.lookup(token)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	select {
	case <-s.Done():
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Len returns the number of tracked sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(token string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	return s, ok
}

// Sweep evicts terminal sessions older than the retention period
func (m *Manager) Sweep() int {
	if m.config.Retention <= 0 {
		return 0
	}
	now := m.now()

	m.mu.Lock()
	var evicted []string
	for token, s := range m.sessions {
		finished, ok := s.FinishedAt()
		if !ok || !s.returned() || now.Sub(finished) < m.config.Retention {
			continue
		}
		delete(m.sessions, token)
		evicted = append(evicted, token)
	}
	m.mu.Unlock()

	m.dropLogs(evicted)
	return len(evicted)
}

// evictOldestLocked drops up to n terminal sessions, oldest first
func (m *Manager) evictOldestLocked(n int) []string {
	var terminal []*Session
	for _, s := range m.sessions {
		if _, ok := s.FinishedAt(); ok && s.returned() {
			terminal = append(terminal, s)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		a, _ := terminal[i].FinishedAt()
		b, _ := terminal[j].FinishedAt()
		return a.Before(b)
	})

	var evicted []string
	for _, s := range terminal {
		if len(evicted) >= n {
			break
		}
		delete(m.sessions, s.Token)
		evicted = append(evicted, s.Token)
	}
	return evicted
}

func (m *Manager) dropLogs(tokens []string) {
	if len(tokens) == 0 {
		return
	}
	m.recorder.SessionsEvicted(len(tokens))
	for _, token := range tokens {
		if !m.config.RemoveLogs {
			m.logs.Release(token)
			continue
		}
		if err := m.logs.Remove(token); err != nil {
			m.logger.Warn("failed to remove session log", zap.String("token", token), zap.Error(err))
		}
	}
	m.logger.Debug("sessions evicted", zap.Int("count", len(tokens)))
}

// StartSweeper runs Sweep every SweepInterval until Close
func (m *Manager) StartSweeper() {
	if m.config.SweepInterval <= 0 {
		return
	}
	m.sweepOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.config.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.Sweep()
				case <-m.stopSweep:
					return
				}
			}
		}()
	})
}

// Close stops the sweeper, cancels running sessions and waits for their
// background runs until ctx is done
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.stopSweep)
		m.cancelAll()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}
