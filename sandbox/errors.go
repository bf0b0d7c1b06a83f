package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed execution
type ErrorKind string

const (
	ErrorKindCompilation      ErrorKind = "CompilationError"
	ErrorKindFunctionNotFound ErrorKind = "FunctionNotFound"
	ErrorKindTimeout          ErrorKind = "Timeout"
	ErrorKindImportRejected   ErrorKind = "ImportRejected"
	ErrorKindRuntime          ErrorKind = "Runtime"
)

// ErrImportRejected is wrapped by every import refused by the capability registry
var ErrImportRejected = errors.New("import rejected")

var errFunctionNotFound = errors.New("entry point not found")

// ImportError reports a module name outside the configured allow-list
type ImportError struct {
	Name string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("Module '%s' is not allowed", e.Name)
}

func (e *ImportError) Unwrap() error {
	return ErrImportRejected
}

// CompileError is returned when user source cannot be turned into a runnable artifact
type CompileError struct {
	Syntax bool
	Msg    string
}

func (e *CompileError) Error() string {
	if e.Syntax {
		return "SyntaxError: " + e.Msg
	}
	return "CompilationError: " + e.Msg
}

// ExecError carries a classified execution failure
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	return e.Err.Error()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
