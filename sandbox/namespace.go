package sandbox

import (
	"context"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.uber.org/zap"
)

const (
	builtinRequire     = "require"
	builtinLogProgress = "log_progress"

	contextKey = "flowbox.context"
)

var hostBuiltinNames = []string{builtinRequire, builtinLogProgress}

// Namespace is the per-execution set of globals visible to user code
type Namespace struct {
	logger   *zap.Logger
	registry *Registry
	sink     ProgressSink
	globals  starlark.StringDict

	mu       sync.Mutex
	rejected []string
}

// NewNamespace builds a fresh namespace. Nothing in it is shared with other
// executions except frozen capability modules.
func NewNamespace(logger *zap.Logger, policy *Policy, registry *Registry, sink ProgressSink) *Namespace {
	ns := &Namespace{
		logger:   logger,
		registry: registry,
		sink:     sink,
	}

	globals := make(starlark.StringDict, len(policy.extras)+len(guardBuiltins)+len(hostBuiltinNames)+len(policy.preload))
	for name, fn := range policy.extras {
		globals[name] = fn
	}
	for name, fn := range guardBuiltins {
		globals[name] = fn
	}
	globals[builtinRequire] = starlark.NewBuiltin(builtinRequire, ns.require)
	globals[builtinLogProgress] = starlark.NewBuiltin(builtinLogProgress, ns.logProgress)
	for _, name := range policy.preload {
		if module, err := registry.Resolve(name); err == nil {
			globals[name] = module
		}
	}
	ns.globals = globals

	return ns
}

// NewThread returns an interpreter thread wired to this namespace
func (ns *Namespace) NewThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: ns.print,
		Load:  ns.load,
	}
}

// Rejected returns the module names refused during this execution
func (ns *Namespace) Rejected() []string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([]string(nil), ns.rejected...)
}

func (ns *Namespace) resolve(name string) (*starlarkstruct.Module, error) {
	module, err := ns.registry.Resolve(name)
	if err != nil {
		ns.mu.Lock()
		ns.rejected = append(ns.rejected, name)
		ns.mu.Unlock()
		ns.logger.Warn("import rejected", zap.String("module", name))
		return nil, err
	}
	return module, nil
}

func (ns *Namespace) load(_ *starlark.Thread, name string) (starlark.StringDict, error) {
	module, err := ns.resolve(name)
	if err != nil {
		return nil, err
	}
	members := make(starlark.StringDict, len(module.Members)+1)
	for k, v := range module.Members {
		members[k] = v
	}
	members[module.Name] = module
	return members, nil
}

func (ns *Namespace) require(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	module, err := ns.resolve(name)
	if err != nil {
		return nil, err
	}
	return module, nil
}

func (ns *Namespace) logProgress(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	ns.emit(ToText(msg))
	return starlark.None, nil
}

func (ns *Namespace) print(_ *starlark.Thread, msg string) {
	ns.emit(msg)
}

func (ns *Namespace) emit(line string) {
	if ns.sink == nil {
		ns.logger.Debug("progress", zap.String("message", line))
		return
	}
	if err := ns.sink.Append(line); err != nil {
		ns.logger.Warn("failed to append progress line", zap.Error(err))
	}
}

// ToText renders a value the way it is reported as output
func ToText(v starlark.Value) string {
	switch v := v.(type) {
	case nil:
		return "None"
	case starlark.String:
		return string(v)
	}
	return v.String()
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}
