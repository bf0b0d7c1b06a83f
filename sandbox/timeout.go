package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// TimeoutGuard bounds the wall-clock time of a single run. Expiry cancels the
// interpreter thread, which stops at its next step or at any blocking builtin
// watching the thread context.
type TimeoutGuard struct {
	Timeout  time.Duration
	Enforced bool
}

// NewTimeoutGuard returns a guard. A non-positive timeout or disabled enforcement
// yields a guard that only propagates parent cancellation.
func NewTimeoutGuard(timeout time.Duration, enforce bool) TimeoutGuard {
	return TimeoutGuard{Timeout: timeout, Enforced: enforce && timeout > 0}
}

// Message is the error text reported when the guard fires
func (g TimeoutGuard) Message() string {
	return fmt.Sprintf("Function execution exceeded %g seconds", g.Timeout.Seconds())
}

// Run executes fn with the guard armed. The guard is disarmed on every return
// path. timedOut is true only when fn failed because the deadline passed while
// the parent context was still live.
func (g TimeoutGuard) Run(ctx context.Context, thread *starlark.Thread, fn func() error) (timedOut bool, err error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if g.Enforced {
		runCtx, cancel = context.WithTimeout(ctx, g.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	stop := context.AfterFunc(runCtx, func() {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			thread.Cancel(g.Message())
			return
		}
		thread.Cancel("execution cancelled")
	})
	defer stop()

	thread.SetLocal(contextKey, runCtx)

	err = fn()
	timedOut = err != nil && g.Enforced &&
		errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return timedOut, err
}
