package highast

import "github.com/chazu/kernelize/image"

// Simplify tidies freshly structured statements: empty branches are
// dropped, guarded infinite loops become while, do-while and for loops,
// and redundant trailing jumps go away.
func Simplify(stmts []Stmt, fn *Function) []Stmt {
	out := simplifyList(stmts)
	if fn.Return == nil || fn.Return.Kind == image.KindVoid {
		if n := len(out); n > 0 {
			if r, ok := out[n-1].(*Return); ok && r.X == nil {
				out = out[:n-1]
			}
		}
	}
	return out
}

func simplifyList(stmts []Stmt) []Stmt {
	var out []Stmt
	for _, s := range stmts {
		switch s := s.(type) {
		case *If:
			out = append(out, simplifyIf(s)...)
		case *While:
			out = append(out, simplifyLoop(s))
		case *Fixed:
			s.Body = simplifyList(s.Body)
			out = append(out, s)
		default:
			out = append(out, s)
		}
		if endsInJump(out) {
			break
		}
	}
	return forLoops(out)
}

func isJump(s Stmt) bool {
	switch s.(type) {
	case *Return, *Break, *Continue:
		return true
	}
	return false
}

func endsInJump(stmts []Stmt) bool {
	return len(stmts) > 0 && isJump(stmts[len(stmts)-1])
}

func simplifyIf(s *If) []Stmt {
	s.Then = simplifyList(s.Then)
	s.Else = simplifyList(s.Else)
	if len(s.Then) == 0 {
		if len(s.Else) == 0 {
			return []Stmt{s}
		}
		s.Cond = negate(s.Cond)
		s.Then, s.Else = s.Else, nil
	}
	if endsInJump(s.Then) && endsInJump(s.Else) && len(s.Else) < len(s.Then) {
		s.Cond = negate(s.Cond)
		s.Then, s.Else = s.Else, s.Then
	}
	if len(s.Else) > 0 && endsInJump(s.Then) {
		rest := s.Else
		s.Else = nil
		return append([]Stmt{s}, rest...)
	}
	return []Stmt{s}
}

func simplifyLoop(w *While) Stmt {
	body := simplifyList(w.Body)
	conts := countContinues(body)
	n := len(body)

	// do { ... } while (c) reads as: ...; if (c) continue; break;
	if isTrue(w.Cond) && n >= 2 && conts == 1 {
		if c, ok := guarded(body[n-2], isContinue); ok && isBreak(body[n-1]) {
			return &DoWhile{w.stmtBase, body[:n-2], c}
		}
	}
	if n > 0 && isContinue(body[n-1]) {
		body = body[:n-1]
		n--
		conts--
	}
	if isTrue(w.Cond) && n > 0 {
		if c, ok := guarded(body[0], isBreak); ok {
			return simplifyLoop(&While{w.stmtBase, negate(c), body[1:]})
		}
		if c, ok := guarded(body[n-1], isBreak); ok && conts == 0 {
			return &DoWhile{w.stmtBase, body[:n-1], negate(c)}
		}
	}
	w.Body = body
	return w
}

func isContinue(s Stmt) bool {
	_, ok := s.(*Continue)
	return ok
}

func isBreak(s Stmt) bool {
	_, ok := s.(*Break)
	return ok
}

// guarded matches "if (c) jump;" and returns c.
func guarded(s Stmt, jump func(Stmt) bool) (Expr, bool) {
	i, ok := s.(*If)
	if !ok || len(i.Else) != 0 || len(i.Then) != 1 || !jump(i.Then[0]) {
		return nil, false
	}
	return i.Cond, true
}

func isTrue(e Expr) bool {
	lit, ok := e.(*IntLit)
	return ok && lit.Value != 0
}

// countContinues counts the continue statements bound to the enclosing
// loop.
func countContinues(stmts []Stmt) int {
	n := 0
	for _, s := range stmts {
		switch s := s.(type) {
		case *Continue:
			n++
		case *If:
			n += countContinues(s.Then) + countContinues(s.Else)
		case *Fixed:
			n += countContinues(s.Body)
		}
	}
	return n
}

// forLoops recovers "v = init; while (cond(v)) { ...; step(v); }" as a
// for loop.
func forLoops(stmts []Stmt) []Stmt {
	for i := 0; i+1 < len(stmts); i++ {
		v := assignedVar(stmts[i])
		w, ok := stmts[i+1].(*While)
		if v == nil || !ok || len(w.Body) < 2 || !readsVar(w.Cond, v) || countContinues(w.Body) > 0 {
			continue
		}
		last := w.Body[len(w.Body)-1]
		if assignedVar(last) != v {
			continue
		}
		f := &For{w.stmtBase, stmts[i], w.Cond, last, w.Body[:len(w.Body)-1]}
		stmts = append(stmts[:i], append([]Stmt{f}, stmts[i+2:]...)...)
	}
	return stmts
}

// assignedVar returns the variable an assignment, compound assignment or
// increment statement writes.
func assignedVar(s Stmt) *Var {
	es, ok := s.(*ExprStmt)
	if !ok {
		return nil
	}
	var lhs Expr
	switch x := es.X.(type) {
	case *Assign:
		lhs = x.LHS
	case *Compound:
		lhs = x.LHS
	case *IncDec:
		lhs = x.X
	}
	if r, ok := lhs.(*VarRef); ok {
		return r.Var
	}
	return nil
}

func readsVar(e Expr, v *Var) bool {
	found := false
	WalkExpr(e, func(x Expr) bool {
		if r, ok := x.(*VarRef); ok && r.Var == v {
			found = true
		}
		return !found
	})
	return found
}

// negate returns an expression testing the opposite of e.
func negate(e Expr) Expr {
	switch x := e.(type) {
	case *Unary:
		if x.Op == OpLogNot {
			return x.X
		}
	case *Binary:
		switch {
		case x.Op.IsCompare():
			n := *x
			n.Op = x.Op.Inverse()
			if t := x.X.Type(); t != nil && t.IsFloat() && x.Op != OpEq && x.Op != OpNe {
				n.Unsigned = !x.Unsigned
			}
			return &n
		case x.Op == OpLogAnd:
			return &Binary{exprBase: x.exprBase, Op: OpLogOr, X: negate(x.X), Y: negate(x.Y)}
		case x.Op == OpLogOr:
			return &Binary{exprBase: x.exprBase, Op: OpLogAnd, X: negate(x.X), Y: negate(x.Y)}
		}
	case *IntLit:
		n := *x
		n.Value = 0
		if x.Value == 0 {
			n.Value = 1
		}
		n.T = boolType
		return &n
	}
	return &Unary{exprBase{e.Span(), boolType}, OpLogNot, e}
}
