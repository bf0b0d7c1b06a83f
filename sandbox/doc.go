// Package sandbox runs untrusted user functions in a restricted interpreter.
//
// User source is Starlark defining an entry point (process by default). The
// Compiler parses it, rejects names starting with an underscore and attribute
// assignment, and rewrites attribute reads, subscripts, iteration and
// augmented assignment through guard hooks before compiling. Each run gets a
// fresh Namespace holding only the allow-listed builtins, the import gate
// backed by the capability Registry, and log_progress bound to the caller's
// ProgressSink. The Invoker initialises the program, maps the input onto the
// entry point's parameters and classifies failures. A TimeoutGuard cancels
// the interpreter thread when the deadline passes.
//
// InplaceVar also accepts "**=" for callers that dispatch operators
// themselves. Starlark source has no ** operator, so user code never reaches it.
//
// Usage:
//
//	registry, err := sandbox.NewRegistryFromConfig(logger, cfg)
//	engine, err := sandbox.NewExecutor(logger, cfg, registry)
//	result, err := engine.Execute(ctx, sandbox.ExecuteRequest{
//	    Code:    "def process(input_text):\n    return input_text.upper()\n",
//	    Input:   "hello",
//	    Timeout: 5 * time.Second,
//	}, nil)
package sandbox
