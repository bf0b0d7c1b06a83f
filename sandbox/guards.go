package sandbox

import (
	"fmt"
	"math"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Guard hooks inserted by the rewriter. User code cannot name them directly
// because identifiers with a leading underscore are rejected at compile time.
const (
	guardGetattr = "_getattr_"
	guardGetitem = "_getitem_"
	guardGetiter = "_getiter_"
	guardInplace = "_inplacevar_"
)

var guardNames = []string{guardGetattr, guardGetitem, guardGetiter, guardInplace}

var guardBuiltins = starlark.StringDict{
	guardGetattr: starlark.NewBuiltin(guardGetattr, getattrGuard),
	guardGetitem: starlark.NewBuiltin(guardGetitem, getitemGuard),
	guardGetiter: starlark.NewBuiltin(guardGetiter, getiterGuard),
	guardInplace: starlark.NewBuiltin(guardInplace, inplaceGuard),
}

var inplaceOps = map[string]syntax.Token{
	"+=":  syntax.PLUS,
	"-=":  syntax.MINUS,
	"*=":  syntax.STAR,
	"/=":  syntax.SLASH,
	"//=": syntax.SLASHSLASH,
	"%=":  syntax.PERCENT,
	"&=":  syntax.AMP,
	"|=":  syntax.PIPE,
	"^=":  syntax.CIRCUMFLEX,
	"<<=": syntax.LTLT,
	">>=": syntax.GTGT,
}

const (
	powOp          = "**="
	maxIntExponent = 1 << 14
)

func isPrivateName(name string) bool {
	return len(name) > 1 && name[0] == '_'
}

func getattrGuard(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &name); err != nil {
		return nil, err
	}
	return GuardedAttr(x, name)
}

// GuardedAttr reads a public attribute of x
func GuardedAttr(x starlark.Value, name string) (starlark.Value, error) {
	if strings.HasPrefix(name, "_") {
		return nil, fmt.Errorf("access to attribute '%s' is not allowed", name)
	}
	has, ok := x.(starlark.HasAttrs)
	if !ok {
		return nil, fmt.Errorf("%s has no .%s field or method", x.Type(), name)
	}
	v, err := has.Attr(name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%s has no .%s field or method", x.Type(), name)
	}
	return v, nil
}

func getitemGuard(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, key starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &key); err != nil {
		return nil, err
	}
	return GuardedItem(x, key)
}

// GuardedItem performs x[key] for mappings and indexable sequences
func GuardedItem(x, key starlark.Value) (starlark.Value, error) {
	switch c := x.(type) {
	case starlark.Mapping:
		v, found, err := c.Get(key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("key %s not in %s", key, x.Type())
		}
		return v, nil
	case starlark.Indexable:
		n := c.Len()
		i, err := starlark.AsInt32(key)
		if err != nil {
			return nil, fmt.Errorf("%s index: %s", x.Type(), err)
		}
		orig := i
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%s index %d out of range [%d:%d]", x.Type(), orig, -n, n-1)
		}
		return c.Index(i), nil
	}
	return nil, fmt.Errorf("unhandled index operation %s[%s]", x.Type(), key.Type())
}

func getiterGuard(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	if _, ok := x.(starlark.Iterable); !ok {
		return nil, fmt.Errorf("%s value is not iterable", x.Type())
	}
	return x, nil
}

func inplaceGuard(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var op string
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &op, &x, &y); err != nil {
		return nil, err
	}
	return InplaceVar(op, x, y)
}

// InplaceVar applies an augmented assignment operator such as "+=" to x and y
func InplaceVar(op string, x, y starlark.Value) (starlark.Value, error) {
	if op == powOp {
		return power(x, y)
	}
	tok, ok := inplaceOps[op]
	if !ok {
		return nil, fmt.Errorf("unsupported in-place operator %q", op)
	}

	if list, ok := x.(*starlark.List); ok && tok == syntax.PLUS {
		return extendList(list, y)
	}
	return starlark.Binary(tok, x, y)
}

func extendList(list *starlark.List, y starlark.Value) (starlark.Value, error) {
	iterable, ok := y.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("unknown binary op: list += %s", y.Type())
	}

	// snapshot first so that x += x terminates
	var items []starlark.Value
	iter := iterable.Iterate()
	var v starlark.Value
	for iter.Next(&v) {
		items = append(items, v)
	}
	iter.Done()

	for _, item := range items {
		if err := list.Append(item); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func power(x, y starlark.Value) (starlark.Value, error) {
	if base, ok := x.(starlark.Int); ok {
		if exp, ok := y.(starlark.Int); ok {
			if e, ok := exp.Int64(); ok && e >= 0 {
				if e > maxIntExponent {
					return nil, fmt.Errorf("exponent %d too large", e)
				}
				result := starlark.MakeInt(1)
				for ; e > 0; e >>= 1 {
					if e&1 == 1 {
						result = result.Mul(base)
					}
					if e > 1 {
						base = base.Mul(base)
					}
				}
				return result, nil
			}
		}
	}

	a, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("unsupported operand type for **: %s", x.Type())
	}
	b, ok := starlark.AsFloat(y)
	if !ok {
		return nil, fmt.Errorf("unsupported operand type for **: %s", y.Type())
	}
	return starlark.Float(math.Pow(a, b)), nil
}
