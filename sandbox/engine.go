package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/isdmx/flowbox/sandbox"

// Config holds engine settings
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	EnforceTimeout bool
	MaxSteps       uint64
	EntryPoint     string
	Builtins       []string
	Preload        bool
}

// Engine implements Executor on top of the restricted compiler
type Engine struct {
	logger   *zap.Logger
	config   *Config
	policy   *Policy
	registry *Registry
	compiler *Compiler
	invoker  *Invoker
	recorder Recorder
	tracer   trace.Tracer
}

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithRecorder sets the telemetry recorder
func WithRecorder(recorder Recorder) EngineOption {
	return func(e *Engine) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// WithTracerProvider sets the tracer provider used for execution spans
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// NewEngine creates an execution engine
func NewEngine(logger *zap.Logger, config *Config, registry *Registry, opts ...EngineOption) (*Engine, error) {
	var preload []string
	if config.Preload {
		preload = registry.Names()
	}

	policy, err := NewPolicy(config.Builtins, config.EntryPoint, preload)
	if err != nil {
		return nil, fmt.Errorf("invalid builtin policy: %w", err)
	}

	e := &Engine{
		logger:   logger,
		config:   config,
		policy:   policy,
		registry: registry,
		compiler: NewCompiler(policy),
		invoker:  NewInvoker(logger, config.EntryPoint, config.MaxSteps),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}

	if !config.EnforceTimeout {
		logger.Warn("execution timeouts are not enforced; runaway functions will run until cancelled")
	}

	return e, nil
}

// Policy returns the engine's name policy
func (e *Engine) Policy() *Policy {
	return e.policy
}

// Execute compiles and runs one user function. Failures of the user code are
// reported in the result; the error is reserved for invalid requests.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest, sink ProgressSink) (ExecuteResult, error) {
	timeout, err := e.resolveTimeout(req.Timeout)
	if err != nil {
		return ExecuteResult{}, err
	}

	mode := "sync"
	if req.Token != "" {
		mode = "async"
	}

	ctx, span := e.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("flowbox.mode", mode),
		attribute.Int("flowbox.code_length", len(req.Code)),
		attribute.Float64("flowbox.timeout_seconds", timeout.Seconds()),
	))
	defer span.End()

	guard := NewTimeoutGuard(timeout, e.config.EnforceTimeout)
	if !guard.Enforced {
		e.logger.Warn("running without an enforced timeout", zap.String("token", req.Token))
	}

	e.logger.Debug("executing function",
		zap.String("mode", mode),
		zap.String("token", req.Token),
		zap.Int("code_length", len(req.Code)),
		zap.Duration("timeout", timeout),
	)

	start := time.Now()
	result, ns := e.run(ctx, req, sink, guard, start)
	result.Token = req.Token
	result.TimeoutEnforced = guard.Enforced

	outcome := "success"
	if !result.Success {
		outcome = "failure"
		span.SetStatus(codes.Error, string(result.ErrorKind))
		span.SetAttributes(attribute.String("flowbox.error_kind", string(result.ErrorKind)))
		e.logger.Info("function failed",
			zap.String("token", req.Token),
			zap.String("error_kind", string(result.ErrorKind)),
			zap.Duration("elapsed", result.ExecutionTime),
		)
	}
	if ns != nil {
		for _, module := range ns.Rejected() {
			e.recorder.ImportRejected(module)
		}
	}
	e.recorder.ObserveExecution(mode, outcome, string(result.ErrorKind), result.ExecutionTime)

	return result, nil
}

func (e *Engine) run(ctx context.Context, req ExecuteRequest, sink ProgressSink, guard TimeoutGuard, start time.Time) (ExecuteResult, *Namespace) {
	artifact, err := e.compiler.Compile(req.Code)
	if err != nil {
		return failed(ErrorKindCompilation, err.Error(), time.Since(start)), nil
	}

	ns := NewNamespace(e.logger, e.policy, e.registry, sink)
	output, err := e.invoker.Invoke(ctx, artifact, ns, guard, req.Input)
	elapsed := time.Since(start)
	if err != nil {
		var execErr *ExecError
		if errors.As(err, &execErr) {
			return failed(execErr.Kind, execErr.Error(), elapsed), ns
		}
		return failed(ErrorKindRuntime, err.Error(), elapsed), ns
	}

	return succeeded(output, elapsed), ns
}

func (e *Engine) resolveTimeout(requested time.Duration) (time.Duration, error) {
	if requested < 0 {
		return 0, fmt.Errorf("timeout must not be negative")
	}
	if requested == 0 {
		requested = e.config.DefaultTimeout
	}
	if e.config.MaxTimeout > 0 && requested > e.config.MaxTimeout {
		return 0, fmt.Errorf("timeout %s exceeds maximum %s", requested, e.config.MaxTimeout)
	}
	return requested, nil
}
