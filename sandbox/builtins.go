package sandbox

import (
	"fmt"
	"sort"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// DefaultBuiltins is the allow-list applied when no builtins are configured
var DefaultBuiltins = []string{
	"abs", "all", "any", "bool", "chr", "dict", "enumerate", "fail", "float",
	"hasattr", "int", "len", "list", "max", "min", "ord", "print", "range",
	"repr", "reversed", "sorted", "str", "sum", "tuple", "type", "zip",
}

// names that are never exposed even when configured
var deniedBuiltins = map[string]bool{
	"getattr": true,
	"dir":     true,
}

var constantNames = map[string]bool{
	"None":  true,
	"True":  true,
	"False": true,
}

// builtins implemented here rather than taken from the interpreter universe
var engineBuiltins = starlark.StringDict{
	"sum": starlark.NewBuiltin("sum", builtinSum),
}

// Policy decides which names user code can see
type Policy struct {
	entryPoint string
	universe   map[string]bool
	extras     starlark.StringDict
	preload    []string
	names      map[string]bool
}

// NewPolicy validates the configured builtin names and captures the predeclared set
func NewPolicy(builtins []string, entryPoint string, preload []string) (*Policy, error) {
	if len(builtins) == 0 {
		builtins = DefaultBuiltins
	}
	if entryPoint == "" {
		return nil, fmt.Errorf("entry point must not be empty")
	}

	p := &Policy{
		entryPoint: entryPoint,
		universe:   make(map[string]bool),
		extras:     make(starlark.StringDict),
		preload:    append([]string(nil), preload...),
		names:      make(map[string]bool),
	}

	for _, name := range builtins {
		if deniedBuiltins[name] {
			return nil, fmt.Errorf("builtin %s cannot be enabled", name)
		}
		if fn, ok := engineBuiltins[name]; ok {
			p.extras[name] = fn
			continue
		}
		if !starlark.Universe.Has(name) {
			return nil, fmt.Errorf("unknown builtin: %s", name)
		}
		p.universe[name] = true
	}

	for name := range p.extras {
		p.names[name] = true
	}
	for _, name := range guardNames {
		p.names[name] = true
	}
	for _, name := range hostBuiltinNames {
		p.names[name] = true
	}
	for _, name := range p.preload {
		p.names[name] = true
	}

	return p, nil
}

// EntryPoint returns the name of the function every user source must define
func (p *Policy) EntryPoint() string {
	return p.entryPoint
}

// Builtins returns the sorted list of builtin names visible to user code
func (p *Policy) Builtins() []string {
	names := make([]string, 0, len(p.universe)+len(p.extras))
	for name := range p.universe {
		names = append(names, name)
	}
	for name := range p.extras {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Policy) isPredeclared(name string) bool {
	return p.names[name]
}

func (p *Policy) allowsUniversal(name string) bool {
	return constantNames[name] || p.universe[name]
}

// checkUniversal rejects references to interpreter builtins outside the allow-list.
// It must run after resolution so identifier bindings are populated.
func (p *Policy) checkUniversal(f *syntax.File) error {
	var violation error
	syntax.Walk(f, func(n syntax.Node) bool {
		if violation != nil {
			return false
		}
		id, ok := n.(*syntax.Ident)
		if !ok {
			return true
		}
		binding, ok := id.Binding.(*resolve.Binding)
		if ok && binding.Scope == resolve.Universal && !p.allowsUniversal(id.Name) {
			violation = &CompileError{Msg: fmt.Sprintf("%s: name '%s' is not available", id.NamePos, id.Name)}
		}
		return true
	})
	return violation
}

func builtinSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &iterable, &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	acc := start
	var x starlark.Value
	for iter.Next(&x) {
		v, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		acc = v
	}
	return acc, nil
}
