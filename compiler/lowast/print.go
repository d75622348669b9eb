package lowast

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/kernelize/image"
)

// Format renders the body one statement per line. Used by tests and by
// `kz translate --dump=low`.
func Format(b *Body) string {
	var sb strings.Builder
	for _, s := range b.Stmts {
		formatStmt(&sb, b, s, 0)
	}
	return sb.String()
}

// FormatNode renders a single expression or statement on one line.
func FormatNode(b *Body, id NodeID) string {
	var sb strings.Builder
	writeNode(&sb, b, id)
	return sb.String()
}

func formatStmt(sb *strings.Builder, b *Body, id NodeID, depth int) {
	n := b.Node(id)
	indent := strings.Repeat("  ", depth)
	switch n.Op {
	case OpLabel:
		fmt.Fprintf(sb, "%sL%d:\n", indent, n.Label)
	case OpFixed:
		fmt.Fprintf(sb, "%sfixed %s = ", indent, b.Vars[n.Var].Name)
		writeNode(sb, b, n.Args[0])
		sb.WriteString(" {\n")
		for _, s := range n.Block {
			formatStmt(sb, b, s, depth+1)
		}
		sb.WriteString(indent + "}\n")
	default:
		sb.WriteString(indent)
		writeNode(sb, b, id)
		sb.WriteByte('\n')
	}
}

func writeArgs(sb *strings.Builder, b *Body, args []NodeID) {
	sb.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeNode(sb, b, a)
	}
	sb.WriteByte(')')
}

func writeNode(sb *strings.Builder, b *Body, id NodeID) {
	n := b.Node(id)
	switch n.Op {
	case OpInt:
		sb.WriteString(strconv.FormatInt(n.Int, 10))
		if n.Type != nil && n.Type.Kind != image.KindI32 {
			sb.WriteString(":" + n.Type.String())
		}
	case OpFloat:
		sb.WriteString(strconv.FormatFloat(n.Float, 'g', -1, 64))
		if n.Type != nil && n.Type.Kind == image.KindF32 {
			sb.WriteString("f")
		}
	case OpNull:
		sb.WriteString("null")
	case OpString:
		sb.WriteString(strconv.Quote(n.Str))
	case OpDecimal:
		sb.WriteString(n.Dec.String() + "m")
	case OpDefault:
		fmt.Fprintf(sb, "default(%s)", n.Type)
	case OpLoad:
		sb.WriteString(b.Vars[n.Var].Name)
	case OpAddrVar:
		sb.WriteString("&" + b.Vars[n.Var].Name)
	case OpStore:
		sb.WriteString(b.Vars[n.Var].Name + " = ")
		writeNode(sb, b, n.Args[0])
	case OpBr:
		fmt.Fprintf(sb, "br L%d", n.Label)
	case OpBrTrue:
		fmt.Fprintf(sb, "brtrue L%d, ", n.Label)
		writeNode(sb, b, n.Args[0])
	case OpLabel:
		fmt.Fprintf(sb, "L%d:", n.Label)
	case OpRet:
		sb.WriteString("ret")
		if len(n.Args) > 0 {
			sb.WriteByte(' ')
			writeNode(sb, b, n.Args[0])
		}
	default:
		sb.WriteString(n.Op.String())
		switch {
		case n.Op == OpCompound:
			sb.WriteString("." + n.Assign.String())
		case n.Op == OpIncDec:
			if n.Post {
				sb.WriteString(".post")
			} else {
				sb.WriteString(".pre")
			}
			if n.Delta < 0 {
				sb.WriteString("dec")
			} else {
				sb.WriteString("inc")
			}
		case n.Op == OpConv:
			sb.WriteString("." + n.Type.String())
		case n.Op.IsBinary() || n.Op.IsCompare():
			if n.Unsigned {
				sb.WriteString(".un")
			}
			if n.Checked {
				sb.WriteString(".ovf")
			}
		case n.Op == OpDimLen:
			sb.WriteString("." + strconv.FormatInt(n.Int, 10))
		}
		switch {
		case n.Field != nil:
			sb.WriteString("[" + n.Field.ID() + "]")
		case n.Method != nil:
			sb.WriteString("[" + n.Method.ID() + "]")
		case n.Op == OpElem || n.Op == OpStoreElem || n.Op == OpDeref || n.Op == OpStoreDeref:
			sb.WriteString("[" + n.Type.String() + "]")
		}
		if n.Op == OpFtn || n.Op == OpStatic || n.Op == OpAddrStatic {
			return
		}
		writeArgs(sb, b, n.Args)
	}
}
