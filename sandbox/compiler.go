package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const sourceFilename = "<user_function>"

// Artifact is compiled user code ready to be initialised in a fresh namespace
type Artifact struct {
	program *starlark.Program
}

// Compiler turns user source into restricted artifacts
type Compiler struct {
	policy  *Policy
	options *syntax.FileOptions
}

// NewCompiler creates a compiler bound to the given name policy
func NewCompiler(policy *Policy) *Compiler {
	return &Compiler{
		policy: policy,
		options: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
			Recursion:       true,
		},
	}
}

// Compile parses, validates and rewrites source. Every failure is a *CompileError.
func (c *Compiler) Compile(source string) (art *Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			art, err = nil, &CompileError{Msg: fmt.Sprintf("internal compiler fault: %v", r)}
		}
	}()

	f, err := c.options.Parse(sourceFilename, source, 0)
	if err != nil {
		return nil, &CompileError{Syntax: true, Msg: err.Error()}
	}

	rw := &rewriter{}
	rw.file(f)
	if rw.err != nil {
		return nil, rw.err
	}

	program, err := starlark.FileProgram(f, c.policy.isPredeclared)
	if err != nil {
		return nil, &CompileError{Msg: err.Error()}
	}

	if err := c.policy.checkUniversal(f); err != nil {
		return nil, err
	}

	return &Artifact{program: program}, nil
}
