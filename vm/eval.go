package vm

import (
	"math"

	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
)

// eval computes the value of x.
func (th *thread) eval(x highast.Expr) Value {
	switch x := x.(type) {
	case *highast.IntLit:
		if isFloating(x.T) {
			return Value{F: float64(x.Value)}
		}
		return Value{I: wrap(x.T, x.Value)}
	case *highast.FloatLit:
		return Value{F: round(x.T, x.Value)}
	case *highast.DecimalLit:
		return Value{F: x.Value.InexactFloat64()}
	case *highast.NullLit, *highast.DefaultLit:
		return th.zero(x.Type())
	case *highast.VarRef:
		return th.load(th.slot(x.Var), x.Var.Type)
	case *highast.GlobalRef:
		r := th.m.globals[x.Global]
		if x.Global.Len > 0 {
			return Array(r, x.Global.Len)
		}
		return th.load(Ref{R: r}, x.Global.Type)
	case *highast.FieldRef:
		if x.Field.FixedLen > 0 || addressable(x.X) {
			return th.load(th.addr(x), x.Field.Type)
		}
		v := th.eval(x.X)
		b := th.m.sizeOf(x.Field.Type)
		if x.Field.Offset+b > len(v.Agg) {
			th.fault(ErrOutOfBounds, "field %s of short value", x.Field.Name)
		}
		return th.decode(v.Agg[x.Field.Offset:x.Field.Offset+b], x.Field.Type)
	case *highast.Index, *highast.Deref:
		return th.load(th.addr(x), x.Type())
	case *highast.Len:
		return Value{I: int64(th.extent(x.X, x.Dim))}
	case *highast.AddrOf:
		return Value{Ref: th.addr(x.X)}
	case *highast.Binary:
		return th.binary(x)
	case *highast.Unary:
		return th.unary(x)
	case *highast.Conv:
		return convert(x.X.Type(), x.T, th.eval(x.X))
	case *highast.Call:
		return th.call(x)
	case *highast.MathCall:
		return th.math(x)
	case *highast.Builtin:
		return Value{I: int64(th.builtin(x))}
	case *highast.Assign:
		v := th.eval(x.RHS)
		th.assign(x.LHS, v)
		return v
	case *highast.Compound:
		ref := th.addr(x.LHS)
		t := x.LHS.Type()
		old := th.load(ref, t)
		v := th.arith(x.Op, t, x.RHS.Type(), old, th.eval(x.RHS), x.Unsigned, t)
		th.store(ref, t, v)
		return v
	case *highast.IncDec:
		ref := th.addr(x.X)
		t := x.X.Type()
		old := th.load(ref, t)
		v := th.step(t, old, x.Delta)
		th.store(ref, t, v)
		if x.Post {
			return old
		}
		return v
	}
	th.fault(ErrUnsupported, "expression %T", x)
	return Value{}
}

// addressable reports whether x denotes a memory location.
func addressable(x highast.Expr) bool {
	switch x := x.(type) {
	case *highast.VarRef, *highast.GlobalRef, *highast.Index, *highast.Deref:
		return true
	case *highast.FieldRef:
		return addressable(x.X)
	}
	return false
}

// addr computes the location x denotes.
func (th *thread) addr(x highast.Expr) Ref {
	switch x := x.(type) {
	case *highast.VarRef:
		return th.slot(x.Var)
	case *highast.GlobalRef:
		return Ref{R: th.m.globals[x.Global]}
	case *highast.FieldRef:
		if addressable(x.X) {
			return th.addr(x.X).add(x.Field.Offset)
		}
		return th.temp(x.X).add(x.Field.Offset)
	case *highast.Deref:
		r := th.eval(x.X).Ref
		if r.IsNull() {
			th.fault(ErrNullPointer, "dereference of null")
		}
		return r
	case *highast.Index:
		return th.element(x)
	}
	return th.temp(x)
}

// temp stores the value of x in a fresh region and returns its address.
func (th *thread) temp(x highast.Expr) Ref {
	t := x.Type()
	r := NewRegion("temp", image.SpaceDefault, th.m.sizeOf(t))
	if th.temps == nil {
		th.temps = make(map[*Region]uint64)
	}
	th.temps[r] = uint64(len(th.temps))
	th.store(Ref{R: r}, t, th.eval(x))
	return Ref{R: r}
}

// base returns the storage an indexable expression designates, with its
// extents. A zero extent means the bounds are unknown.
func (th *thread) base(x highast.Expr) Value {
	switch b := x.(type) {
	case *highast.GlobalRef:
		if b.Global.Len > 0 {
			return Array(th.m.globals[b.Global], b.Global.Len)
		}
	case *highast.FieldRef:
		if b.Field.FixedLen > 0 {
			return Value{Ref: th.addr(b), Len: [2]int{b.Field.FixedLen, 0}}
		}
	}
	return th.eval(x)
}

func (th *thread) element(x *highast.Index) Ref {
	arr := th.base(x.X)
	if arr.Ref.IsNull() {
		th.fault(ErrNullPointer, "index of null array")
	}
	known := x.X.Type().Kind == image.KindArray || arr.Len[0] > 0
	i := int(th.eval(x.Indices[0]).I)
	if known && (i < 0 || i >= arr.Len[0]) {
		th.fault(ErrOutOfBounds, "index %d with length %d", i, arr.Len[0])
	}
	pos := i
	if len(x.Indices) == 2 {
		j := int(th.eval(x.Indices[1]).I)
		if j < 0 || j >= arr.Len[1] {
			th.fault(ErrOutOfBounds, "index [%d,%d] with extents [%d,%d]", i, j, arr.Len[0], arr.Len[1])
		}
		pitch := arr.Pitch
		if pitch == 0 {
			pitch = arr.Len[1]
		}
		pos = i*pitch + j
	}
	return arr.Ref.add(pos * th.m.sizeOf(x.T))
}

func (th *thread) extent(x highast.Expr, dim int) int {
	if dim < 0 || dim > 1 {
		th.fault(ErrUnsupported, "extent of dimension %d", dim)
	}
	return th.base(x).Len[dim]
}

func (th *thread) assign(lhs highast.Expr, v Value) {
	th.store(th.addr(lhs), lhs.Type(), v)
}

// zero returns the zero value of t.
func (th *thread) zero(t *image.Type) Value {
	if t != nil && t.Kind == image.KindNamed {
		return Value{Agg: make([]byte, th.m.sizeOf(t))}
	}
	return Value{}
}

func (th *thread) builtin(b *highast.Builtin) int {
	switch b.Kind {
	case highast.BuiltinThreadIdx:
		return th.tid[b.Axis]
	case highast.BuiltinBlockIdx:
		return th.blk.idx[b.Axis]
	case highast.BuiltinBlockDim:
		return dim(th.l.block, b.Axis)
	case highast.BuiltinGridDim:
		return dim(th.l.grid, b.Axis)
	case highast.BuiltinWarpSize:
		return th.m.cfg.WarpSize
	}
	th.fault(ErrUnsupported, "builtin %v", b.Kind)
	return 0
}

func dim(d Dim3, axis int) int {
	return [3]int{d.X, d.Y, d.Z}[axis]
}

func (th *thread) call(c *highast.Call) Value {
	args := make([]Value, 0, len(c.Args))
	for i, a := range c.Args {
		if i < len(c.Func.Params) && c.Func.Params[i].Thread {
			continue
		}
		args = append(args, th.eval(a))
	}
	return th.invoke(c.Func, args)
}

// step adds delta to v of type t. Pointers move by elements.
func (th *thread) step(t *image.Type, v Value, delta int) Value {
	switch {
	case t.IsAddress():
		v.Ref = v.Ref.add(delta * th.m.sizeOf(t.Elem))
		return v
	case isFloating(t):
		return Value{F: round(t, v.F+float64(delta))}
	}
	return Value{I: wrap(t, v.I+int64(delta))}
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func (th *thread) binary(b *highast.Binary) Value {
	switch b.Op {
	case highast.OpLogAnd:
		return boolValue(th.cond(b.X) && th.cond(b.Y))
	case highast.OpLogOr:
		return boolValue(th.cond(b.X) || th.cond(b.Y))
	}
	xt, yt := b.X.Type(), b.Y.Type()
	x, y := th.eval(b.X), th.eval(b.Y)
	return th.arith(b.Op, xt, yt, x, y, b.Unsigned, b.T)
}

// arith applies op to x of type xt and y of type yt, producing a value of
// type rt.
func (th *thread) arith(op highast.Op, xt, yt *image.Type, x, y Value, uns bool, rt *image.Type) Value {
	if yt.IsAddress() && !xt.IsAddress() && op == highast.OpAdd {
		xt, yt, x, y = yt, xt, y, x
	}
	if xt.IsAddress() || xt.Kind == image.KindArray {
		return th.pointerArith(op, xt, yt, x, y)
	}
	if isFloating(xt) || isFloating(yt) {
		return th.floatArith(op, asFloat(xt, x), asFloat(yt, y), uns, rt)
	}

	t := xt
	if bits(yt) > bits(xt) {
		t = yt
	}
	uns = uns || t.IsUnsigned()
	a, c := x.I, y.I
	if op.IsCompare() {
		var r int
		if uns {
			ua, uc := unsigned(t, a), unsigned(t, c)
			r = cmp(ua < uc, ua > uc)
		} else {
			r = cmp(a < c, a > c)
		}
		return boolValue(compare(op, r))
	}

	var v int64
	switch op {
	case highast.OpAdd:
		v = a + c
	case highast.OpSub:
		v = a - c
	case highast.OpMul:
		v = a * c
	case highast.OpDiv, highast.OpRem:
		if wrap(t, c) == 0 {
			th.fault(ErrDivideByZero, "%d %s 0", a, op)
		}
		if uns {
			ua, uc := unsigned(t, a), unsigned(t, c)
			if op == highast.OpDiv {
				v = int64(ua / uc)
			} else {
				v = int64(ua % uc)
			}
		} else if op == highast.OpDiv {
			v = a / c
		} else {
			v = a % c
		}
	case highast.OpAnd:
		v = a & c
	case highast.OpOr:
		v = a | c
	case highast.OpXor:
		v = a ^ c
	case highast.OpShl:
		v = a << (uint64(c) & uint64(bits(t)-1))
	case highast.OpShr:
		n := uint64(c) & uint64(bits(t)-1)
		if uns {
			v = int64(unsigned(t, a) >> n)
		} else {
			v = a >> n
		}
	default:
		th.fault(ErrUnsupported, "integer operator %s", op)
	}
	if rt == nil || !rt.IsInteger() {
		rt = t
	}
	return Value{I: wrap(rt, v)}
}

func (th *thread) floatArith(op highast.Op, a, c float64, unordered bool, rt *image.Type) Value {
	if op.IsCompare() {
		if unordered && op != highast.OpEq && op != highast.OpNe {
			return boolValue(!fcompare(op.Inverse(), a, c))
		}
		return boolValue(fcompare(op, a, c))
	}
	var v float64
	switch op {
	case highast.OpAdd:
		v = a + c
	case highast.OpSub:
		v = a - c
	case highast.OpMul:
		v = a * c
	case highast.OpDiv:
		v = a / c
	case highast.OpRem:
		v = math.Mod(a, c)
	default:
		th.fault(ErrUnsupported, "floating point operator %s", op)
	}
	if rt == nil || !isFloating(rt) {
		rt = image.Prim(image.KindF64)
	}
	return Value{F: round(rt, v)}
}

func (th *thread) pointerArith(op highast.Op, xt, yt *image.Type, x, y Value) Value {
	if op.IsCompare() {
		if x.Ref.R != y.Ref.R {
			switch op {
			case highast.OpEq:
				return boolValue(false)
			case highast.OpNe:
				return boolValue(true)
			}
			th.fault(ErrUnsupported, "ordering of pointers into different regions")
		}
		return boolValue(compare(op, cmp(x.Ref.Off < y.Ref.Off, x.Ref.Off > y.Ref.Off)))
	}
	size := max(th.m.sizeOf(xt.Elem), 1)
	switch {
	case op == highast.OpAdd && !yt.IsAddress():
		x.Ref = x.Ref.add(int(y.I) * size)
		return x
	case op == highast.OpSub && !yt.IsAddress():
		x.Ref = x.Ref.add(-int(y.I) * size)
		return x
	case op == highast.OpSub:
		return Value{I: int64((x.Ref.Off - y.Ref.Off) / size)}
	}
	th.fault(ErrUnsupported, "pointer operator %s", op)
	return Value{}
}

func cmp(lt, gt bool) int {
	switch {
	case lt:
		return -1
	case gt:
		return 1
	}
	return 0
}

func compare(op highast.Op, r int) bool {
	switch op {
	case highast.OpEq:
		return r == 0
	case highast.OpNe:
		return r != 0
	case highast.OpLt:
		return r < 0
	case highast.OpLe:
		return r <= 0
	case highast.OpGt:
		return r > 0
	}
	return r >= 0
}

func fcompare(op highast.Op, a, c float64) bool {
	switch op {
	case highast.OpEq:
		return a == c
	case highast.OpNe:
		return a != c
	case highast.OpLt:
		return a < c
	case highast.OpLe:
		return a <= c
	case highast.OpGt:
		return a > c
	}
	return a >= c
}

func (th *thread) unary(u *highast.Unary) Value {
	t := u.X.Type()
	v := th.eval(u.X)
	switch u.Op {
	case highast.OpLogNot:
		return boolValue(!truth(t, v))
	case highast.OpNeg:
		if isFloating(t) {
			return Value{F: -v.F}
		}
		return Value{I: wrap(t, -v.I)}
	case highast.OpNot:
		return Value{I: wrap(t, ^v.I)}
	}
	th.fault(ErrUnsupported, "unary operator %s", u.Op)
	return Value{}
}

// convert changes v of type from to type to.
func convert(from, to *image.Type, v Value) Value {
	switch {
	case to == nil || from == nil:
		return v
	case to.Kind == image.KindBool:
		return boolValue(truth(from, v))
	case to.IsInteger():
		return Value{I: asInt(from, to, v)}
	case isFloating(to):
		return Value{F: round(to, asFloat(from, v))}
	case to.IsAddress():
		if from.IsAddress() || from.Kind == image.KindArray {
			return Value{Ref: v.Ref}
		}
		return Value{}
	}
	return v
}

func (th *thread) math(c *highast.MathCall) Value {
	args := make([]float64, len(c.Args))
	ints := make([]int64, len(c.Args))
	for i, a := range c.Args {
		v := th.eval(a)
		args[i] = asFloat(a.Type(), v)
		ints[i] = v.I
	}
	if c.T != nil && !isFloating(c.T) {
		return Value{I: wrap(c.T, th.intMath(c.Name, c.Args[0].Type(), ints))}
	}
	arg := func(i int) float64 {
		if i >= len(args) {
			th.fault(ErrArgumentCount, "%s", c.Name)
		}
		return args[i]
	}
	var v float64
	switch c.Name {
	case "sqrt":
		v = math.Sqrt(arg(0))
	case "sin":
		v = math.Sin(arg(0))
	case "cos":
		v = math.Cos(arg(0))
	case "tan":
		v = math.Tan(arg(0))
	case "exp":
		v = math.Exp(arg(0))
	case "log":
		v = math.Log(arg(0))
	case "floor":
		v = math.Floor(arg(0))
	case "ceil":
		v = math.Ceil(arg(0))
	case "round":
		v = math.RoundToEven(arg(0))
	case "abs":
		v = math.Abs(arg(0))
	case "pow":
		v = math.Pow(arg(0), arg(1))
	case "min":
		v = math.Min(arg(0), arg(1))
	case "max":
		v = math.Max(arg(0), arg(1))
	default:
		th.fault(ErrUnsupported, "math function %s", c.Name)
	}
	rt := c.T
	if rt == nil {
		rt = image.Prim(image.KindF64)
	}
	return Value{F: round(rt, v)}
}

func (th *thread) intMath(name string, t *image.Type, a []int64) int64 {
	if len(a) == 0 {
		th.fault(ErrArgumentCount, "%s", name)
	}
	switch name {
	case "abs":
		if a[0] < 0 {
			return -a[0]
		}
		return a[0]
	case "min", "max":
		if len(a) < 2 {
			th.fault(ErrArgumentCount, "%s", name)
		}
		less := a[0] < a[1]
		if t.IsUnsigned() {
			less = unsigned(t, a[0]) < unsigned(t, a[1])
		}
		if less == (name == "min") {
			return a[0]
		}
		return a[1]
	}
	th.fault(ErrUnsupported, "integer math function %s", name)
	return 0
}
