package sandbox

import (
	"context"
	"errors"
	"fmt"

	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// Invoker runs a compiled artifact inside a namespace and calls the entry point
type Invoker struct {
	logger     *zap.Logger
	entryPoint string
	maxSteps   uint64
}

// NewInvoker creates an invoker for the named entry point. maxSteps of zero
// leaves the interpreter step budget unlimited.
func NewInvoker(logger *zap.Logger, entryPoint string, maxSteps uint64) *Invoker {
	return &Invoker{logger: logger, entryPoint: entryPoint, maxSteps: maxSteps}
}

// Invoke returns the entry point's result as text or an *ExecError
func (inv *Invoker) Invoke(ctx context.Context, art *Artifact, ns *Namespace, guard TimeoutGuard, rawInput string) (string, error) {
	thread := ns.NewThread(inv.entryPoint)
	if inv.maxSteps > 0 {
		thread.SetMaxExecutionSteps(inv.maxSteps)
	}

	var result starlark.Value
	timedOut, err := guard.Run(ctx, thread, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("internal error: %v", r)
			}
		}()

		globals, err := art.program.Init(thread, ns.globals)
		if err != nil {
			return err
		}

		fn, ok := globals[inv.entryPoint].(starlark.Callable)
		if !ok {
			return errFunctionNotFound
		}

		args, kwargs := ParseInput(thread, rawInput).Arguments(fn)
		result, err = starlark.Call(thread, fn, args, kwargs)
		return err
	})
	if err == nil {
		return ToText(result), nil
	}

	return "", inv.classify(ctx, ns, guard, timedOut, err)
}

// classify orders failure kinds: missing entry point, timeout, rejected import, runtime
func (inv *Invoker) classify(ctx context.Context, ns *Namespace, guard TimeoutGuard, timedOut bool, err error) *ExecError {
	if errors.Is(err, errFunctionNotFound) {
		return &ExecError{
			Kind: ErrorKindFunctionNotFound,
			Err:  fmt.Errorf("Function '%s(input_text)' not found in code", inv.entryPoint), //nolint:staticcheck // user facing message
		}
	}

	if timedOut {
		return &ExecError{Kind: ErrorKindTimeout, Err: errors.New(guard.Message())}
	}

	var importErr *ImportError
	if errors.As(err, &importErr) {
		return &ExecError{Kind: ErrorKindImportRejected, Err: importErr}
	}
	if rejected := ns.Rejected(); len(rejected) > 0 {
		return &ExecError{Kind: ErrorKindImportRejected, Err: &ImportError{Name: rejected[0]}}
	}

	if ctx.Err() != nil {
		return &ExecError{Kind: ErrorKindRuntime, Err: errors.New("execution cancelled")}
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		inv.logger.Debug("user code failed", zap.String("backtrace", evalErr.Backtrace()))
	}
	return &ExecError{Kind: ErrorKindRuntime, Err: fmt.Errorf("RuntimeError: %s", err.Error())}
}
