package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isdmx/flowbox/progress"
	"github.com/isdmx/flowbox/sandbox"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

const (
	stateRunning int32 = iota
	stateCompleted
	stateCancelled
)

func statusOf(state int32) Status {
	switch state {
	case stateCompleted:
		return StatusCompleted
	case stateCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

// Session is one asynchronous execution
type Session struct {
	Token     string
	StartedAt time.Time

	state      atomic.Int32
	finishedAt atomic.Int64

	log    *progress.Writer
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *sandbox.ExecuteResult
}

// Snapshot is a point-in-time view of a session
type Snapshot struct {
	Token      string                 `json:"session_token"`
	Status     Status                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Result     *sandbox.ExecuteResult `json:"-"`
}

// Status returns the current status
func (s *Session) Status() Status {
	return statusOf(s.state.Load())
}

// Done is closed once the background execution has returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the execution result once the background run has returned
func (s *Session) Result() (sandbox.ExecuteResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return sandbox.ExecuteResult{}, false
	}
	return *s.result, true
}

// FinishedAt returns when the session reached a terminal status
func (s *Session) FinishedAt() (time.Time, bool) {
	ns := s.finishedAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Snapshot returns a copy of the session state
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Token:     s.Token,
		Status:    s.Status(),
		StartedAt: s.StartedAt,
	}
	if finished, ok := s.FinishedAt(); ok {
		snap.FinishedAt = &finished
	}
	if result, ok := s.Result(); ok {
		snap.Result = &result
	}
	return snap
}

func (s *Session) transition(to int32) bool {
	return s.state.CompareAndSwap(stateRunning, to)
}

func (s *Session) markFinished(now time.Time) {
	s.finishedAt.CompareAndSwap(0, now.UnixNano())
}

func (s *Session) setResult(result sandbox.ExecuteResult) {
	s.mu.Lock()
	s.result = &result
	s.mu.Unlock()
}

func (s *Session) returned() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
