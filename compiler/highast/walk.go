package highast

// WalkExpr calls fn for e and each of its subexpressions in prefix order.
// Returning false skips the children of the current node.
func WalkExpr(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, c := range children(e) {
		WalkExpr(c, fn)
	}
}

func children(e Expr) []Expr {
	switch x := e.(type) {
	case *FieldRef:
		return []Expr{x.X}
	case *Index:
		return append([]Expr{x.X}, x.Indices...)
	case *Len:
		return []Expr{x.X}
	case *AddrOf:
		return []Expr{x.X}
	case *Deref:
		return []Expr{x.X}
	case *Binary:
		return []Expr{x.X, x.Y}
	case *Unary:
		return []Expr{x.X}
	case *Conv:
		return []Expr{x.X}
	case *Call:
		return x.Args
	case *MathCall:
		return x.Args
	case *Assign:
		return []Expr{x.LHS, x.RHS}
	case *Compound:
		return []Expr{x.LHS, x.RHS}
	case *IncDec:
		return []Expr{x.X}
	}
	return nil
}

// WalkStmts calls fn for every statement, entering nested bodies. Returning
// false skips the nested bodies of the current statement.
func WalkStmts(stmts []Stmt, fn func(Stmt) bool) {
	for _, s := range stmts {
		if !fn(s) {
			continue
		}
		switch s := s.(type) {
		case *If:
			WalkStmts(s.Then, fn)
			WalkStmts(s.Else, fn)
		case *While:
			WalkStmts(s.Body, fn)
		case *DoWhile:
			WalkStmts(s.Body, fn)
		case *For:
			WalkStmts([]Stmt{s.Init}, fn)
			WalkStmts(s.Body, fn)
			WalkStmts([]Stmt{s.Post}, fn)
		case *Fixed:
			WalkStmts(s.Body, fn)
		}
	}
}

// StmtExprs returns the expressions a statement evaluates directly.
func StmtExprs(s Stmt) []Expr {
	switch s := s.(type) {
	case *ExprStmt:
		return []Expr{s.X}
	case *Return:
		if s.X != nil {
			return []Expr{s.X}
		}
	case *If:
		return []Expr{s.Cond}
	case *While:
		return []Expr{s.Cond}
	case *DoWhile:
		return []Expr{s.Cond}
	case *For:
		return []Expr{s.Cond}
	case *Fixed:
		return []Expr{s.Init}
	}
	return nil
}

// Calls returns the functions fn calls directly, in first-call order.
func Calls(fn *Function) []*Function {
	var out []*Function
	seen := make(map[*Function]bool)
	WalkStmts(fn.Body, func(s Stmt) bool {
		for _, e := range StmtExprs(s) {
			WalkExpr(e, func(x Expr) bool {
				if c, ok := x.(*Call); ok && !seen[c.Func] {
					seen[c.Func] = true
					out = append(out, c.Func)
				}
				return true
			})
		}
		return true
	})
	return out
}
