package codegen

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
)

// expr renders x as a self-delimiting C expression.
func (e *emitter) expr(x highast.Expr) string {
	s, _ := e.render(x)
	return s
}

// bare renders x without the outer parentheses of a top-level operator.
func (e *emitter) bare(x highast.Expr) string {
	s, wrapped := e.render(x)
	if wrapped {
		return s[1 : len(s)-1]
	}
	return s
}

// render returns the C text of x and whether the text is an operator
// wrapped in a single pair of outer parentheses.
func (e *emitter) render(x highast.Expr) (string, bool) {
	switch x := x.(type) {
	case *highast.IntLit:
		return e.intLit(x), false
	case *highast.FloatLit:
		return e.floatLit(x.Value, x.T), false
	case *highast.DecimalLit:
		e.usesDouble = true
		return e.floatLit(x.Value.InexactFloat64(), image.Prim(image.KindF64)), false
	case *highast.NullLit:
		return "0", false
	case *highast.DefaultLit:
		return e.zero(x.T), false
	case *highast.VarRef:
		return x.Var.Name, false
	case *highast.GlobalRef:
		if e.d == OpenCL && x.Global.Space == image.SpaceConstant && x.Global.Len == 0 {
			return "(*" + x.Global.Name + ")", false
		}
		return x.Global.Name, false
	case *highast.FieldRef:
		return e.fieldRef(x), false
	case *highast.Index:
		return e.index(x), false
	case *highast.Len:
		return e.extent(x.X, x.Dim), false
	case *highast.AddrOf:
		return e.addrOf(x), false
	case *highast.Deref:
		if a, ok := x.X.(*highast.AddrOf); ok {
			return e.render(a.X)
		}
		return "(*" + e.expr(x.X) + ")", false
	case *highast.Binary:
		return e.binary(x), true
	case *highast.Unary:
		return e.unary(x), false
	case *highast.Conv:
		return e.conv(x), false
	case *highast.Call:
		return e.call(x), false
	case *highast.MathCall:
		return e.mathCall(x), false
	case *highast.Builtin:
		return e.builtin(x), false
	case *highast.Assign:
		return "(" + e.expr(x.LHS) + " = " + e.bare(x.RHS) + ")", true
	case *highast.Compound:
		return e.compound(x), true
	case *highast.IncDec:
		return e.incDec(x), false
	}
	return e.construct("expression %T", x), false
}

func (e *emitter) intLit(x *highast.IntLit) string {
	t := x.T
	if t == nil {
		return strconv.FormatInt(x.Value, 10)
	}
	switch t.Kind {
	case image.KindBool:
		if x.Value != 0 {
			return "true"
		}
		return "false"
	case image.KindU32:
		return strconv.FormatUint(uint64(uint32(x.Value)), 10) + "u"
	case image.KindU64, image.KindNativeUint:
		return strconv.FormatUint(uint64(x.Value), 10) + "ull"
	case image.KindI64, image.KindNativeInt:
		if x.Value == math.MinInt64 {
			return "(-9223372036854775807ll - 1)"
		}
		return wrapNegative(strconv.FormatInt(x.Value, 10) + "ll")
	case image.KindI32:
		if x.Value == math.MinInt32 {
			return "(-2147483647 - 1)"
		}
	}
	return wrapNegative(strconv.FormatInt(x.Value, 10))
}

func wrapNegative(s string) string {
	if strings.HasPrefix(s, "-") {
		return "(" + s + ")"
	}
	return s
}

func (e *emitter) floatLit(v float64, t *image.Type) string {
	kind := image.KindF64
	if t != nil {
		kind = t.Kind
	}
	var s string
	switch {
	case math.IsNaN(v):
		s = "NAN"
	case math.IsInf(v, 1):
		s = "INFINITY"
	case math.IsInf(v, -1):
		s = "(-INFINITY)"
	default:
		bits := 64
		if kind != image.KindF64 {
			bits = 32
		}
		s = strconv.FormatFloat(v, 'g', -1, bits)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		if kind != image.KindF64 {
			s += "f"
		}
		s = wrapNegative(s)
	}
	switch kind {
	case image.KindF64:
		e.usesDouble = true
	case image.KindF16:
		return "((" + e.ctype(t) + ")" + s + ")"
	}
	return s
}

func (e *emitter) zero(t *image.Type) string {
	if t == nil {
		return "0"
	}
	if t.Kind == image.KindNamed {
		if e.d == CUDA {
			return t.Name + "{}"
		}
		return "((" + t.Name + "){0})"
	}
	if t.IsFloat() || t.Kind == image.KindDecimal {
		return e.floatLit(0, t)
	}
	if t.Kind == image.KindBool {
		return "false"
	}
	return "0"
}

func (e *emitter) fieldRef(x *highast.FieldRef) string {
	if d, ok := x.X.(*highast.Deref); ok {
		if _, isAddr := d.X.(*highast.AddrOf); !isAddr {
			return e.expr(d.X) + "->" + x.Field.Name
		}
	}
	return e.expr(x.X) + "." + x.Field.Name
}

func (e *emitter) index(x *highast.Index) string {
	base := e.expr(x.X)
	if len(x.Indices) == 2 {
		return fmt.Sprintf("%s[(%s) * %s + (%s)]", base, e.bare(x.Indices[0]), e.pitch(x.X), e.bare(x.Indices[1]))
	}
	if len(x.Indices) != 1 {
		return e.construct("array of rank %d", len(x.Indices))
	}
	return base + "[" + e.bare(x.Indices[0]) + "]"
}

func (e *emitter) addrOf(x *highast.AddrOf) string {
	switch t := x.X.(type) {
	case *highast.FieldRef:
		if t.Field.FixedLen > 0 {
			return e.expr(t)
		}
	case *highast.Deref:
		return e.expr(t.X)
	case *highast.GlobalRef:
		if e.d == OpenCL && t.Global.Space == image.SpaceConstant {
			return t.Global.Name
		}
		if t.Global.Len > 0 {
			return t.Global.Name
		}
	}
	return "(&" + e.expr(x.X) + ")"
}

func (e *emitter) checked(what string) {
	name := "?"
	if e.fn != nil {
		name = e.fn.Name
	}
	e.warn(fmt.Sprintf("%s: overflow-checked %s is not trapped on the device", name, what))
}

func (e *emitter) binary(b *highast.Binary) string {
	if b.Checked {
		e.checked("arithmetic")
	}
	xt, yt := b.X.Type(), b.Y.Type()
	x, y := e.expr(b.X), e.expr(b.Y)
	op := b.Op.Symbol()
	if b.Unsigned && xt != nil {
		switch {
		case xt.IsFloat() && b.Op.IsCompare() && b.Op != highast.OpEq && b.Op != highast.OpNe:
			// unordered: true when either operand is NaN
			return fmt.Sprintf("(!(%s %s %s))", x, b.Op.Inverse().Symbol(), y)
		case xt.IsInteger() && !xt.IsUnsigned():
			switch {
			case b.Op == highast.OpShr:
				x = e.castTo(e.unsignedOf(xt), x)
			case b.Op == highast.OpDiv || b.Op == highast.OpRem || b.Op.IsCompare():
				x = e.castTo(e.unsignedOf(xt), x)
				if yt != nil && yt.IsInteger() && !yt.IsUnsigned() {
					y = e.castTo(e.unsignedOf(yt), y)
				}
			}
		}
	}
	return "(" + x + " " + op + " " + y + ")"
}

func (e *emitter) castTo(ctype, s string) string {
	return "(" + ctype + ")" + s
}

func (e *emitter) unary(u *highast.Unary) string {
	x := e.expr(u.X)
	op := u.Op.Symbol()
	if strings.HasPrefix(x, "-") || strings.HasPrefix(x, "~") || strings.HasPrefix(x, "!") {
		x = "(" + x + ")"
	}
	return op + x
}

func (e *emitter) conv(c *highast.Conv) string {
	if c.Checked {
		e.checked("conversion")
	}
	x := e.expr(c.X)
	if c.T == nil {
		return x
	}
	to := e.ctype(c.T)
	if from := c.X.Type(); from != nil && e.ctype(from) == to {
		return x
	}
	if _, isLen := c.X.(*highast.Len); isLen && to == "int" {
		return x
	}
	return "((" + to + ")" + x + ")"
}

func (e *emitter) call(c *highast.Call) string {
	var args []string
	for i, a := range c.Args {
		if i < len(c.Func.Params) && c.Func.Params[i].Thread {
			continue
		}
		args = append(args, e.bare(a))
		if t := a.Type(); t != nil && t.Kind == image.KindArray {
			args = append(args, e.extent(a, 0))
			if t.Rank == 2 {
				args = append(args, e.extent(a, 1), e.pitch(a))
			}
		}
	}
	if e.d == OpenCL {
		for _, g := range e.consts[c.Func] {
			args = append(args, g.Name)
		}
	}
	return c.Func.Name + "(" + strings.Join(args, ", ") + ")"
}

func (e *emitter) mathCall(m *highast.MathCall) string {
	name := m.Name
	float := m.T != nil && (m.T.IsFloat() || m.T.Kind == image.KindDecimal)
	switch name {
	case "abs":
		if float {
			name = "fabs"
		}
	case "min", "max":
		if float {
			name = "f" + name
		}
	case "round":
		name = "rint"
	}
	args := make([]string, len(m.Args))
	for i, a := range m.Args {
		args[i] = e.bare(a)
	}
	return name + "(" + strings.Join(args, ", ") + ")"
}

var openclGeometry = map[highast.BuiltinKind]string{
	highast.BuiltinThreadIdx: "get_local_id",
	highast.BuiltinBlockIdx:  "get_group_id",
	highast.BuiltinBlockDim:  "get_local_size",
	highast.BuiltinGridDim:   "get_num_groups",
}

func (e *emitter) builtin(b *highast.Builtin) string {
	if b.Kind == highast.BuiltinWarpSize {
		if e.d == CUDA {
			return "warpSize"
		}
		e.usesWarp = true
		return "KZ_WARP_SIZE"
	}
	if b.Axis < 0 || b.Axis > 2 {
		return e.construct("%s axis %d", b.Kind, b.Axis)
	}
	if e.d == CUDA {
		return fmt.Sprintf("((int)%s.%c)", b.Kind, "xyz"[b.Axis])
	}
	return fmt.Sprintf("((int)%s(%d))", openclGeometry[b.Kind], b.Axis)
}

func (e *emitter) compound(c *highast.Compound) string {
	if c.Checked {
		e.checked("arithmetic")
	}
	lhs := e.expr(c.LHS)
	t := c.LHS.Type()
	signed := t != nil && t.IsInteger() && !t.IsUnsigned()
	if c.Unsigned && signed && (c.Op == highast.OpDiv || c.Op == highast.OpRem || c.Op == highast.OpShr) {
		u := e.unsignedOf(t)
		rhs := e.expr(c.RHS)
		if c.Op != highast.OpShr {
			rhs = e.castTo(u, rhs)
		}
		return fmt.Sprintf("(%s = (%s)(%s %s %s))", lhs, e.ctype(t), e.castTo(u, lhs), c.Op.Symbol(), rhs)
	}
	return "(" + lhs + " " + c.Op.Symbol() + "= " + e.bare(c.RHS) + ")"
}

func (e *emitter) incDec(x *highast.IncDec) string {
	if x.Checked {
		e.checked("increment")
	}
	v := e.expr(x.X)
	if x.Delta != 1 && x.Delta != -1 {
		if x.Post {
			return e.construct("postfix step of %d", x.Delta)
		}
		return fmt.Sprintf("(%s += %d)", v, x.Delta)
	}
	op := "++"
	if x.Delta < 0 {
		op = "--"
	}
	if x.Post {
		return v + op
	}
	return op + v
}
