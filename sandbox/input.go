package sandbox

import (
	"strings"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
)

// FieldInput is the field name a non-structured input is stored under
const FieldInput = "input"

// Input is the user supplied value handed to the entry point
type Input struct {
	raw        string
	fields     *starlark.Dict
	structured bool
}

// ParseInput decodes object shaped JSON into named fields. Any other text,
// including malformed JSON, becomes a single "input" field holding the raw text.
func ParseInput(thread *starlark.Thread, raw string) Input {
	in := Input{raw: raw}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		decode := starlarkjson.Module.Members["decode"]
		if v, err := starlark.Call(thread, decode, starlark.Tuple{starlark.String(trimmed)}, nil); err == nil {
			if dict, ok := v.(*starlark.Dict); ok {
				in.fields = dict
				in.structured = true
				return in
			}
		}
	}

	in.fields = starlark.NewDict(1)
	_ = in.fields.SetKey(starlark.String(FieldInput), starlark.String(raw))
	return in
}

// Structured reports whether the input was decoded from a JSON object
func (in Input) Structured() bool {
	return in.structured
}

// Fields returns the named fields of the input
func (in Input) Fields() *starlark.Dict {
	return in.fields
}

// Arguments maps the input onto fn's parameters. A function taking a single
// parameter receives the whole value: the decoded fields when structured,
// the raw text otherwise. Other functions receive the fields as keyword
// arguments, restricted to declared parameter names unless fn accepts **kwargs.
func (in Input) Arguments(fn starlark.Callable) (starlark.Tuple, []starlark.Tuple) {
	f, ok := fn.(*starlark.Function)
	if !ok || namedParams(f) == 1 {
		if in.Structured() {
			return starlark.Tuple{in.fields}, nil
		}
		return starlark.Tuple{starlark.String(in.raw)}, nil
	}

	accepted := make(map[string]bool, f.NumParams())
	for i := 0; i < f.NumParams(); i++ {
		name, _ := f.Param(i)
		accepted[name] = true
	}

	var kwargs []starlark.Tuple
	for _, item := range in.fields.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			continue
		}
		if f.HasKwargs() || accepted[string(key)] {
			kwargs = append(kwargs, starlark.Tuple{key, item[1]})
		}
	}
	return nil, kwargs
}

func namedParams(f *starlark.Function) int {
	n := f.NumParams()
	if f.HasVarargs() {
		n--
	}
	if f.HasKwargs() {
		n--
	}
	return n
}
