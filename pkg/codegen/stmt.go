package codegen

import (
	"fmt"

	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
)

func (e *emitter) stmts(ss []highast.Stmt) {
	for _, s := range ss {
		e.stmt(s)
	}
}

func (e *emitter) stmt(s highast.Stmt) {
	switch s := s.(type) {
	case *highast.ExprStmt:
		if a, ok := s.X.(*highast.Assign); ok && isArrayVar(a.LHS) {
			e.arrayAssign(a)
			return
		}
		e.writeLine("%s;", e.bare(s.X))
	case *highast.Return:
		if s.X == nil {
			e.writeLine("return;")
		} else {
			e.writeLine("return %s;", e.bare(s.X))
		}
	case *highast.If:
		e.writeLine("if (%s) {", e.bare(s.Cond))
		e.block(s.Then)
		if len(s.Else) > 0 {
			e.writeLine("} else {")
			e.block(s.Else)
		}
		e.writeLine("}")
	case *highast.While:
		e.writeLine("while (%s) {", e.bare(s.Cond))
		e.block(s.Body)
		e.writeLine("}")
	case *highast.DoWhile:
		e.writeLine("do {")
		e.block(s.Body)
		e.writeLine("} while (%s);", e.bare(s.Cond))
	case *highast.For:
		e.writeLine("for (%s; %s; %s) {", e.inline(s.Init), e.bare(s.Cond), e.inline(s.Post))
		e.block(s.Body)
		e.writeLine("}")
	case *highast.Break:
		e.writeLine("break;")
	case *highast.Continue:
		e.writeLine("continue;")
	case *highast.Fixed:
		e.writeLine("%s = %s;", s.Var.Name, e.bare(s.Init))
		e.writeLine("{")
		e.block(s.Body)
		e.writeLine("}")
	case *highast.Barrier:
		if e.d == CUDA {
			e.writeLine("__syncthreads();")
		} else {
			e.writeLine("barrier(CLK_LOCAL_MEM_FENCE | CLK_GLOBAL_MEM_FENCE);")
		}
	default:
		e.construct("statement %T", s)
	}
}

func (e *emitter) block(ss []highast.Stmt) {
	e.indent++
	e.stmts(ss)
	e.indent--
}

func (e *emitter) inline(s highast.Stmt) string {
	if s == nil {
		return ""
	}
	if es, ok := s.(*highast.ExprStmt); ok {
		return e.bare(es.X)
	}
	return e.construct("statement %T in a for clause", s)
}

func isArrayVar(x highast.Expr) bool {
	r, ok := x.(*highast.VarRef)
	return ok && r.Var.Type.Kind == image.KindArray
}

// arrayAssign copies an array reference together with its extents.
func (e *emitter) arrayAssign(a *highast.Assign) {
	dst := a.LHS.(*highast.VarRef).Var
	e.writeLine("%s = %s;", dst.Name, e.bare(a.RHS))
	names := extents(dst.Name, dst.Type.Rank)
	for dim := range names {
		if dim == 2 {
			e.writeLine("%s = %s;", names[dim], e.pitch(a.RHS))
			continue
		}
		e.writeLine("%s = %s;", names[dim], e.extent(a.RHS, dim))
	}
}

// pitch returns the row pitch of a rank-2 array expression.
func (e *emitter) pitch(x highast.Expr) string {
	if r, ok := x.(*highast.VarRef); ok {
		return r.Var.Name + "Pitch"
	}
	return e.construct("row pitch of %s", highast.FormatExpr(x))
}

// extent returns the length of dimension dim of an array expression.
func (e *emitter) extent(x highast.Expr, dim int) string {
	switch x := x.(type) {
	case *highast.VarRef:
		if x.Var.Space == image.SpaceShared && x.Var.SharedLen > 0 {
			return fmt.Sprint(x.Var.SharedLen)
		}
		return fmt.Sprintf("%sLen%d", x.Var.Name, dim)
	case *highast.GlobalRef:
		if x.Global.Len > 0 {
			return fmt.Sprint(x.Global.Len)
		}
	case *highast.FieldRef:
		if x.Field.FixedLen > 0 {
			return fmt.Sprint(x.Field.FixedLen)
		}
	case *highast.NullLit:
		return "0"
	}
	return e.construct("length of %s", highast.FormatExpr(x))
}
