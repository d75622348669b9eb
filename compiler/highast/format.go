package highast

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/kernelize/image"
)

// Format renders statements in a compact C-like notation for logs and
// tests. It is not the emitted kernel source.
func Format(stmts []Stmt) string {
	var sb strings.Builder
	formatStmts(&sb, stmts, 0)
	return sb.String()
}

// FormatExpr renders one expression.
func FormatExpr(e Expr) string {
	var sb strings.Builder
	writeExpr(&sb, e)
	return sb.String()
}

func formatStmts(sb *strings.Builder, stmts []Stmt, depth int) {
	for _, s := range stmts {
		formatStmt(sb, s, depth)
	}
}

func indent(sb *strings.Builder, depth int) {
	for i := 0; i < depth; i++ {
		sb.WriteString("  ")
	}
}

func formatStmt(sb *strings.Builder, s Stmt, depth int) {
	indent(sb, depth)
	switch s := s.(type) {
	case *ExprStmt:
		writeExpr(sb, s.X)
		sb.WriteString(";\n")
	case *Return:
		sb.WriteString("return")
		if s.X != nil {
			sb.WriteByte(' ')
			writeExpr(sb, s.X)
		}
		sb.WriteString(";\n")
	case *If:
		sb.WriteString("if ")
		writeCond(sb, s.Cond)
		sb.WriteString(" {\n")
		formatStmts(sb, s.Then, depth+1)
		if len(s.Else) > 0 {
			indent(sb, depth)
			sb.WriteString("} else {\n")
			formatStmts(sb, s.Else, depth+1)
		}
		indent(sb, depth)
		sb.WriteString("}\n")
	case *While:
		sb.WriteString("while ")
		writeCond(sb, s.Cond)
		sb.WriteString(" {\n")
		formatStmts(sb, s.Body, depth+1)
		indent(sb, depth)
		sb.WriteString("}\n")
	case *DoWhile:
		sb.WriteString("do {\n")
		formatStmts(sb, s.Body, depth+1)
		indent(sb, depth)
		sb.WriteString("} while ")
		writeCond(sb, s.Cond)
		sb.WriteString(";\n")
	case *For:
		sb.WriteString("for (")
		writeInline(sb, s.Init)
		sb.WriteString("; ")
		writeExpr(sb, s.Cond)
		sb.WriteString("; ")
		writeInline(sb, s.Post)
		sb.WriteString(") {\n")
		formatStmts(sb, s.Body, depth+1)
		indent(sb, depth)
		sb.WriteString("}\n")
	case *Break:
		sb.WriteString("break;\n")
	case *Continue:
		sb.WriteString("continue;\n")
	case *Fixed:
		fmt.Fprintf(sb, "fixed (%s = ", s.Var.Name)
		writeExpr(sb, s.Init)
		sb.WriteString(") {\n")
		formatStmts(sb, s.Body, depth+1)
		indent(sb, depth)
		sb.WriteString("}\n")
	case *Barrier:
		sb.WriteString("barrier;\n")
	default:
		fmt.Fprintf(sb, "<%T>\n", s)
	}
}

func writeCond(sb *strings.Builder, e Expr) {
	sb.WriteByte('(')
	writeBare(sb, e)
	sb.WriteByte(')')
}

func writeInline(sb *strings.Builder, s Stmt) {
	if es, ok := s.(*ExprStmt); ok {
		writeExpr(sb, es.X)
	}
}

// writeBare writes a binary expression without its outer parentheses.
func writeBare(sb *strings.Builder, e Expr) {
	if b, ok := e.(*Binary); ok {
		writeBinary(sb, b)
		return
	}
	writeExpr(sb, e)
}

func writeBinary(sb *strings.Builder, b *Binary) {
	writeExpr(sb, b.X)
	sb.WriteByte(' ')
	sb.WriteString(b.Op.Symbol())
	if b.Unsigned {
		sb.WriteByte('u')
	}
	sb.WriteByte(' ')
	writeExpr(sb, b.Y)
}

func writeArgs(sb *strings.Builder, args []Expr) {
	sb.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeExpr(sb, a)
	}
	sb.WriteByte(')')
}

func writeExpr(sb *strings.Builder, e Expr) {
	switch x := e.(type) {
	case *IntLit:
		sb.WriteString(strconv.FormatInt(x.Value, 10))
	case *FloatLit:
		sb.WriteString(strconv.FormatFloat(x.Value, 'g', -1, 64))
		if x.T != nil && x.T.Kind == image.KindF32 {
			sb.WriteByte('f')
		}
	case *DecimalLit:
		sb.WriteString(x.Value.String())
		sb.WriteByte('m')
	case *NullLit:
		sb.WriteString("null")
	case *DefaultLit:
		fmt.Fprintf(sb, "default(%s)", x.T)
	case *VarRef:
		sb.WriteString(x.Var.Name)
	case *GlobalRef:
		sb.WriteString(x.Global.Name)
	case *FieldRef:
		writeExpr(sb, x.X)
		sb.WriteByte('.')
		sb.WriteString(x.Field.Name)
	case *Index:
		writeExpr(sb, x.X)
		sb.WriteByte('[')
		for i, ix := range x.Indices {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeExpr(sb, ix)
		}
		sb.WriteByte(']')
	case *Len:
		fmt.Fprintf(sb, "len%d(", x.Dim)
		writeExpr(sb, x.X)
		sb.WriteByte(')')
	case *AddrOf:
		sb.WriteByte('&')
		writeExpr(sb, x.X)
	case *Deref:
		sb.WriteByte('*')
		writeExpr(sb, x.X)
	case *Binary:
		sb.WriteByte('(')
		writeBinary(sb, x)
		sb.WriteByte(')')
	case *Unary:
		sb.WriteString(x.Op.Symbol())
		writeExpr(sb, x.X)
	case *Conv:
		fmt.Fprintf(sb, "(%s)", x.T)
		writeExpr(sb, x.X)
	case *Call:
		sb.WriteString(x.Func.Name)
		writeArgs(sb, x.Args)
	case *MathCall:
		sb.WriteString(x.Name)
		writeArgs(sb, x.Args)
	case *Builtin:
		sb.WriteString(x.Kind.String())
		if x.Kind != BuiltinWarpSize {
			sb.WriteByte('.')
			sb.WriteByte("xyz"[x.Axis])
		}
	case *Assign:
		writeExpr(sb, x.LHS)
		sb.WriteString(" = ")
		writeExpr(sb, x.RHS)
	case *Compound:
		writeExpr(sb, x.LHS)
		fmt.Fprintf(sb, " %s= ", x.Op.Symbol())
		writeExpr(sb, x.RHS)
	case *IncDec:
		op := "++"
		if x.Delta < 0 {
			op = "--"
		}
		if !x.Post {
			sb.WriteString(op)
		}
		writeExpr(sb, x.X)
		if x.Post {
			sb.WriteString(op)
		}
	default:
		fmt.Fprintf(sb, "<%T>", e)
	}
}
