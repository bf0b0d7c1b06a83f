package sandbox

import (
	"fmt"
	"strconv"

	"go.starlark.net/syntax"
)

// rewriter validates names and routes attribute reads, subscripts, iteration
// and augmented assignment through the guard hooks.
type rewriter struct {
	err   error
	temps int
}

func (r *rewriter) fail(pos syntax.Position, format string, args ...any) {
	if r.err == nil {
		r.err = &CompileError{Msg: fmt.Sprintf("%s: %s", pos, fmt.Sprintf(format, args...))}
	}
}

func (r *rewriter) file(f *syntax.File) {
	f.Stmts = r.stmts(f.Stmts)
}

func (r *rewriter) stmts(in []syntax.Stmt) []syntax.Stmt {
	if in == nil {
		return nil
	}
	out := make([]syntax.Stmt, 0, len(in))
	for _, s := range in {
		out = append(out, r.stmt(s)...)
	}
	return out
}

func (r *rewriter) stmt(s syntax.Stmt) []syntax.Stmt {
	switch s := s.(type) {
	case *syntax.AssignStmt:
		if s.Op != syntax.EQ {
			return r.augmented(s)
		}
		s.LHS = r.target(s.LHS)
		s.RHS = r.expr(s.RHS)
	case *syntax.DefStmt:
		r.ident(s.Name)
		r.params(s.Params)
		s.Body = r.stmts(s.Body)
	case *syntax.ExprStmt:
		s.X = r.expr(s.X)
	case *syntax.ForStmt:
		s.Vars = r.target(s.Vars)
		s.X = r.iter(r.expr(s.X))
		s.Body = r.stmts(s.Body)
	case *syntax.WhileStmt:
		s.Cond = r.expr(s.Cond)
		s.Body = r.stmts(s.Body)
	case *syntax.IfStmt:
		s.Cond = r.expr(s.Cond)
		s.True = r.stmts(s.True)
		s.False = r.stmts(s.False)
	case *syntax.LoadStmt:
		for i := range s.From {
			r.ident(s.From[i])
			r.ident(s.To[i])
		}
	case *syntax.ReturnStmt:
		if s.Result != nil {
			s.Result = r.expr(s.Result)
		}
	}
	return []syntax.Stmt{s}
}

// augmented expands x op= y into x = _inplacevar_("op=", x, y). Subscript
// targets are evaluated once into temporaries.
func (r *rewriter) augmented(s *syntax.AssignStmt) []syntax.Stmt {
	op := s.Op.String()
	pos := s.OpPos
	rhs := r.expr(s.RHS)

	switch lhs := unparen(s.LHS).(type) {
	case *syntax.Ident:
		r.ident(lhs)
		read := &syntax.Ident{NamePos: lhs.NamePos, Name: lhs.Name}
		return []syntax.Stmt{
			assign(pos, lhs, call(pos, guardInplace, str(pos, op), read, rhs)),
		}
	case *syntax.IndexExpr:
		obj := r.temp(pos)
		key := r.temp(pos)
		target := &syntax.IndexExpr{X: ref(obj), Lbrack: lhs.Lbrack, Y: ref(key), Rbrack: lhs.Rbrack}
		current := call(pos, guardGetitem, ref(obj), ref(key))
		return []syntax.Stmt{
			assign(pos, obj, r.expr(lhs.X)),
			assign(pos, key, r.expr(lhs.Y)),
			assign(pos, target, call(pos, guardInplace, str(pos, op), current, rhs)),
		}
	case *syntax.DotExpr:
		r.fail(pos, "assignment to attribute '%s' is not allowed", lhs.Name.Name)
	default:
		r.fail(pos, "invalid augmented assignment target")
	}
	return []syntax.Stmt{s}
}

func (r *rewriter) target(e syntax.Expr) syntax.Expr {
	switch e := e.(type) {
	case *syntax.Ident:
		r.ident(e)
	case *syntax.IndexExpr:
		e.X = r.expr(e.X)
		e.Y = r.expr(e.Y)
	case *syntax.DotExpr:
		r.fail(e.Dot, "assignment to attribute '%s' is not allowed", e.Name.Name)
	case *syntax.ParenExpr:
		e.X = r.target(e.X)
	case *syntax.TupleExpr:
		for i := range e.List {
			e.List[i] = r.target(e.List[i])
		}
	case *syntax.ListExpr:
		for i := range e.List {
			e.List[i] = r.target(e.List[i])
		}
	}
	return e
}

func (r *rewriter) expr(e syntax.Expr) syntax.Expr {
	switch e := e.(type) {
	case nil:
		return nil
	case *syntax.Ident:
		r.ident(e)
	case *syntax.DotExpr:
		if len(e.Name.Name) > 0 && e.Name.Name[0] == '_' {
			r.fail(e.NamePos, "access to attribute '%s' is not allowed", e.Name.Name)
		}
		return call(e.Dot, guardGetattr, r.expr(e.X), str(e.NamePos, e.Name.Name))
	case *syntax.IndexExpr:
		return call(e.Lbrack, guardGetitem, r.expr(e.X), r.expr(e.Y))
	case *syntax.SliceExpr:
		e.X = r.expr(e.X)
		e.Lo = r.expr(e.Lo)
		e.Hi = r.expr(e.Hi)
		e.Step = r.expr(e.Step)
	case *syntax.CallExpr:
		e.Fn = r.expr(e.Fn)
		r.args(e.Args)
	case *syntax.BinaryExpr:
		e.X = r.expr(e.X)
		e.Y = r.expr(e.Y)
	case *syntax.UnaryExpr:
		e.X = r.expr(e.X)
	case *syntax.CondExpr:
		e.Cond = r.expr(e.Cond)
		e.True = r.expr(e.True)
		e.False = r.expr(e.False)
	case *syntax.ParenExpr:
		e.X = r.expr(e.X)
	case *syntax.ListExpr:
		for i := range e.List {
			e.List[i] = r.expr(e.List[i])
		}
	case *syntax.TupleExpr:
		for i := range e.List {
			e.List[i] = r.expr(e.List[i])
		}
	case *syntax.DictExpr:
		for _, entry := range e.List {
			r.expr(entry)
		}
	case *syntax.DictEntry:
		e.Key = r.expr(e.Key)
		e.Value = r.expr(e.Value)
	case *syntax.Comprehension:
		for _, clause := range e.Clauses {
			switch c := clause.(type) {
			case *syntax.ForClause:
				c.Vars = r.target(c.Vars)
				c.X = r.iter(r.expr(c.X))
			case *syntax.IfClause:
				c.Cond = r.expr(c.Cond)
			}
		}
		e.Body = r.expr(e.Body)
	case *syntax.LambdaExpr:
		r.params(e.Params)
		e.Body = r.expr(e.Body)
	}
	return e
}

// args rewrites call arguments. Keyword names and star markers stay as written.
func (r *rewriter) args(args []syntax.Expr) {
	for i, a := range args {
		switch a := a.(type) {
		case *syntax.BinaryExpr:
			if a.Op == syntax.EQ {
				if id, ok := a.X.(*syntax.Ident); ok {
					r.ident(id)
				}
				a.Y = r.expr(a.Y)
				continue
			}
		case *syntax.UnaryExpr:
			if a.Op == syntax.STAR || a.Op == syntax.STARSTAR {
				a.X = r.expr(a.X)
				continue
			}
		}
		args[i] = r.expr(a)
	}
}

func (r *rewriter) params(params []syntax.Expr) {
	for _, p := range params {
		switch p := p.(type) {
		case *syntax.Ident:
			r.ident(p)
		case *syntax.BinaryExpr:
			if id, ok := p.X.(*syntax.Ident); ok {
				r.ident(id)
			}
			p.Y = r.expr(p.Y)
		case *syntax.UnaryExpr:
			if id, ok := p.X.(*syntax.Ident); ok {
				r.ident(id)
			}
		}
	}
}

func (r *rewriter) iter(x syntax.Expr) syntax.Expr {
	start, _ := x.Span()
	return call(start, guardGetiter, x)
}

func (r *rewriter) ident(id *syntax.Ident) {
	if id != nil && isPrivateName(id.Name) {
		r.fail(id.NamePos, "name '%s' is not allowed: names starting with '_' are reserved", id.Name)
	}
}

func (r *rewriter) temp(pos syntax.Position) *syntax.Ident {
	name := "_aug" + strconv.Itoa(r.temps) + "_"
	r.temps++
	return &syntax.Ident{NamePos: pos, Name: name}
}

func unparen(e syntax.Expr) syntax.Expr {
	for {
		p, ok := e.(*syntax.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}

func ref(id *syntax.Ident) *syntax.Ident {
	return &syntax.Ident{NamePos: id.NamePos, Name: id.Name}
}

func assign(pos syntax.Position, lhs, rhs syntax.Expr) *syntax.AssignStmt {
	return &syntax.AssignStmt{OpPos: pos, Op: syntax.EQ, LHS: lhs, RHS: rhs}
}

func call(pos syntax.Position, fn string, args ...syntax.Expr) *syntax.CallExpr {
	return &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: pos, Name: fn},
		Lparen: pos,
		Args:   args,
		Rparen: pos,
	}
}

func str(pos syntax.Position, s string) *syntax.Literal {
	return &syntax.Literal{Token: syntax.STRING, TokenPos: pos, Raw: strconv.Quote(s), Value: s}
}
