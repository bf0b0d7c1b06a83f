package sandbox

import (
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultCapabilities are importable unless configuration says otherwise
var DefaultCapabilities = []string{
	"collections", "itertools", "json", "math", "random", "re", "string", "time", "uuid",
}

// Catalog returns every capability the engine knows how to build
func Catalog() map[string]Capability {
	catalog := map[string]Capability{}
	for _, c := range []Capability{
		{Name: "math", Version: "1", Doc: "floating point functions and constants", build: copyModule(starlarkmath.Module)},
		{Name: "json", Version: "1", Doc: "encode, decode and indent JSON", build: copyModule(starlarkjson.Module)},
		{Name: "time", Version: "1", Doc: "time values, durations and a cancellable sleep", build: buildTime},
		{Name: "re", Version: "1", Doc: "RE2 regular expressions: search, match, fullmatch, findall, sub, split, escape", build: buildRe},
		{Name: "string", Version: "1", Doc: "character class constants", build: buildString},
		{Name: "random", Version: "1", Doc: "random, randint, uniform, choice, shuffle", build: buildRandom},
		{Name: "uuid", Version: "1", Doc: "uuid4", build: buildUUID},
		{Name: "collections", Version: "1", Doc: "Counter", build: buildCollections},
		{Name: "itertools", Version: "1", Doc: "chain", build: buildItertools},
		{Name: "files", Version: "1", Doc: "read and write files under the configured root", Unsafe: true, build: buildFiles},
		{Name: "subprocess", Version: "1", Doc: "run external commands", Unsafe: true, build: buildSubprocess},
		{Name: "os", Version: "1", Doc: "read environment variables", Unsafe: true, build: buildOS},
	} {
		catalog[c.Name] = c
	}
	return catalog
}

func copyModule(m *starlarkstruct.Module) func(capabilityDeps) (starlark.StringDict, error) {
	return func(capabilityDeps) (starlark.StringDict, error) {
		members := make(starlark.StringDict, len(m.Members))
		for k, v := range m.Members {
			members[k] = v
		}
		return members, nil
	}
}

func buildTime(capabilityDeps) (starlark.StringDict, error) {
	members := make(starlark.StringDict, len(starlarktime.Module.Members)+1)
	for k, v := range starlarktime.Module.Members {
		members[k] = v
	}
	members["sleep"] = starlark.NewBuiltin("sleep", timeSleep)
	return members, nil
}

const maxSleepSeconds = float64(math.MaxInt64) / float64(time.Second)

// timeSleep blocks for a number of seconds or a duration and wakes early when
// the execution is cancelled or times out.
func timeSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &value); err != nil {
		return nil, err
	}

	var d time.Duration
	forever := false
	if duration, ok := value.(starlarktime.Duration); ok {
		d = time.Duration(duration)
	} else {
		secs, ok := starlark.AsFloat(value)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want number or duration", b.Name(), value.Type())
		}
		switch {
		case math.IsNaN(secs):
			return nil, fmt.Errorf("%s: invalid duration nan", b.Name())
		case secs >= maxSleepSeconds:
			// not representable as a Duration, sleep until cancelled
			forever = true
		default:
			d = time.Duration(secs * float64(time.Second))
		}
	}
	if !forever && d <= 0 {
		return starlark.None, nil
	}

	ctx := threadContext(thread)
	var wake <-chan time.Time
	if !forever {
		timer := time.NewTimer(d)
		defer timer.Stop()
		wake = timer.C
	}

	select {
	case <-wake:
		return starlark.None, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func buildRe(capabilityDeps) (starlark.StringDict, error) {
	return starlark.StringDict{
		"search":    starlark.NewBuiltin("search", reSearch),
		"match":     starlark.NewBuiltin("match", reMatch),
		"fullmatch": starlark.NewBuiltin("fullmatch", reFullmatch),
		"findall":   starlark.NewBuiltin("findall", reFindall),
		"sub":       starlark.NewBuiltin("sub", reSub),
		"split":     starlark.NewBuiltin("split", reSplit),
		"escape":    starlark.NewBuiltin("escape", reEscape),
	}, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

func firstMatch(name, pattern, s string) (starlark.Value, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	loc := re.FindStringIndex(s)
	if loc == nil {
		return starlark.None, nil
	}
	return starlark.String(s[loc[0]:loc[1]]), nil
}

func reSearch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	return firstMatch(b.Name(), pattern, s)
}

func reMatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	return firstMatch(b.Name(), `\A(?:`+pattern+`)`, s)
}

func reFullmatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	return firstMatch(b.Name(), `\A(?:`+pattern+`)\z`, s)
}

func reFindall(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return stringList(re.FindAllString(s, -1)), nil
}

func reSub(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &pattern, &repl, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(re.ReplaceAllString(s, repl)), nil
}

func reSplit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return stringList(re.Split(s, -1)), nil
}

func reEscape(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	return starlark.String(regexp.QuoteMeta(s)), nil
}

func stringList(items []string) *starlark.List {
	values := make([]starlark.Value, len(items))
	for i, item := range items {
		values[i] = starlark.String(item)
	}
	return starlark.NewList(values)
}

func buildString(capabilityDeps) (starlark.StringDict, error) {
	const (
		lower  = "abcdefghijklmnopqrstuvwxyz"
		upper  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
		digits = "0123456789"
		punct  = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
	)
	return starlark.StringDict{
		"ascii_lowercase": starlark.String(lower),
		"ascii_uppercase": starlark.String(upper),
		"ascii_letters":   starlark.String(lower + upper),
		"digits":          starlark.String(digits),
		"hexdigits":       starlark.String(digits + "abcdefABCDEF"),
		"octdigits":       starlark.String("01234567"),
		"punctuation":     starlark.String(punct),
		"whitespace":      starlark.String(" \t\n\r\x0b\x0c"),
	}, nil
}

func buildRandom(capabilityDeps) (starlark.StringDict, error) {
	return starlark.StringDict{
		"random":  starlark.NewBuiltin("random", randomFloat),
		"randint": starlark.NewBuiltin("randint", randomInt),
		"uniform": starlark.NewBuiltin("uniform", randomUniform),
		"choice":  starlark.NewBuiltin("choice", randomChoice),
		"shuffle": starlark.NewBuiltin("shuffle", randomShuffle),
	}, nil
}

func randomFloat(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.Float(rand.Float64()), nil
}

func randomInt(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var loArg, hiArg starlark.Int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &loArg, &hiArg); err != nil {
		return nil, err
	}
	lo, ok := loArg.Int64()
	if !ok {
		return nil, fmt.Errorf("%s: %s out of range", b.Name(), loArg)
	}
	hi, ok := hiArg.Int64()
	if !ok {
		return nil, fmt.Errorf("%s: %s out of range", b.Name(), hiArg)
	}
	if hi < lo {
		return nil, fmt.Errorf("%s: empty range [%d, %d]", b.Name(), lo, hi)
	}
	// the span of the full int64 range only fits in a uint64
	span := uint64(hi-lo) + 1
	if span == 0 {
		return starlark.MakeInt64(int64(rand.Uint64())), nil
	}
	return starlark.MakeInt64(lo + int64(rand.Uint64N(span))), nil
}

func randomUniform(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
		return nil, err
	}
	a, ok := starlark.AsFloat(lo)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want number", b.Name(), lo.Type())
	}
	z, ok := starlark.AsFloat(hi)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want number", b.Name(), hi.Type())
	}
	return starlark.Float(a + (z-a)*rand.Float64()), nil
}

func randomChoice(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seq starlark.Indexable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
		return nil, err
	}
	if seq.Len() == 0 {
		return nil, fmt.Errorf("%s: empty sequence", b.Name())
	}
	return seq.Index(rand.IntN(seq.Len())), nil
}

func randomShuffle(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var list *starlark.List
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &list); err != nil {
		return nil, err
	}
	n := list.Len()
	for i := n - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		a, z := list.Index(i), list.Index(j)
		if err := list.SetIndex(i, z); err != nil {
			return nil, err
		}
		if err := list.SetIndex(j, a); err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

func buildUUID(capabilityDeps) (starlark.StringDict, error) {
	return starlark.StringDict{
		"uuid4": starlark.NewBuiltin("uuid4", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.String(uuid.NewString()), nil
		}),
	}, nil
}

func buildCollections(capabilityDeps) (starlark.StringDict, error) {
	return starlark.StringDict{
		"Counter": starlark.NewBuiltin("Counter", counter),
	}, nil
}

func counter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &iterable); err != nil {
		return nil, err
	}
	counts := starlark.NewDict(0)
	if iterable == nil {
		return counts, nil
	}

	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		current, found, err := counts.Get(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		n := starlark.MakeInt(1)
		if found {
			n = current.(starlark.Int).Add(n)
		}
		if err := counts.SetKey(x, n); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return counts, nil
}

func buildItertools(capabilityDeps) (starlark.StringDict, error) {
	return starlark.StringDict{
		"chain": starlark.NewBuiltin("chain", chain),
	}, nil
}

func chain(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	var out []starlark.Value
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is not iterable (got %s)", b.Name(), i+1, arg.Type())
		}
		iter := iterable.Iterate()
		var x starlark.Value
		for iter.Next(&x) {
			out = append(out, x)
		}
		iter.Done()
	}
	return starlark.NewList(out), nil
}

func buildFiles(deps capabilityDeps) (starlark.StringDict, error) {
	if deps.filesRoot == "" {
		return nil, fmt.Errorf("sandbox.files_root must be set")
	}
	if err := deps.fs.MkdirAll(deps.filesRoot, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create files root: %w", err)
	}

	readText := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		path, err := JailPath(deps.filesRoot, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		data, err := deps.fs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.String(data), nil
	}

	writeText := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, data string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &name, &data); err != nil {
			return nil, err
		}
		path, err := JailPath(deps.filesRoot, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if err := deps.fs.WriteFile(path, []byte(data), FilePermission); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.MakeInt(len(data)), nil
	}

	exists := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		path, err := JailPath(deps.filesRoot, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		ok, err := deps.fs.FileExists(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.Bool(ok), nil
	}

	listDir := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		name := "."
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &name); err != nil {
			return nil, err
		}
		path, err := JailPath(deps.filesRoot, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		names, err := deps.fs.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		sort.Strings(names)
		return stringList(names), nil
	}

	return starlark.StringDict{
		"read_text":  starlark.NewBuiltin("read_text", readText),
		"write_text": starlark.NewBuiltin("write_text", writeText),
		"exists":     starlark.NewBuiltin("exists", exists),
		"list_dir":   starlark.NewBuiltin("list_dir", listDir),
	}, nil
}

func buildSubprocess(deps capabilityDeps) (starlark.StringDict, error) {
	run := func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var argv *starlark.List
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &argv); err != nil {
			return nil, err
		}
		command := make([]string, argv.Len())
		for i := range command {
			s, ok := starlark.AsString(argv.Index(i))
			if !ok {
				return nil, fmt.Errorf("%s: argument %d is %s, want string", b.Name(), i, argv.Index(i).Type())
			}
			command[i] = s
		}

		stdout, stderr, exitCode, err := deps.runner.RunCommand(threadContext(thread), command)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"stdout":    starlark.String(stdout),
			"stderr":    starlark.String(stderr),
			"exit_code": starlark.MakeInt(exitCode),
		}), nil
	}

	return starlark.StringDict{
		"run": starlark.NewBuiltin("run", run),
	}, nil
}

func buildOS(deps capabilityDeps) (starlark.StringDict, error) {
	getenv := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var fallback starlark.Value = starlark.None
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name, &fallback); err != nil {
			return nil, err
		}
		if value, ok := deps.lookupEnv(name); ok {
			return starlark.String(value), nil
		}
		return fallback, nil
	}

	return starlark.StringDict{
		"getenv": starlark.NewBuiltin("getenv", getenv),
	}, nil
}
