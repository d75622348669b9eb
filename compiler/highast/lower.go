package highast

import (
	"strings"

	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/compiler/lowast"
	"github.com/chazu/kernelize/compiler/peephole"
	"github.com/chazu/kernelize/image"
)

// Lower translates a normalized Low-Level body into the body of fn.
// inits are the declaration initializers of the constructor's type; they
// run first in constructors that do not chain to another constructor.
func Lower(d *Decls, fn *Function, body *lowast.Body, inits []peephole.Init) error {
	l := &lowerer{
		d:         d,
		fn:        fn,
		b:         body,
		vars:      make([]*Var, len(body.Vars)),
		delegates: make(map[lowast.VarID]*image.Method),
	}
	l.bindParams()
	l.findDelegates()

	stmts, err := l.structure(body.Stmts, regionFunction)
	if err != nil {
		return err
	}
	if fn.Ctor {
		prologue := []Stmt{l.assign(&VarRef{exprBase{T: fn.Self.Type}, fn.Self}, &DefaultLit{exprBase{T: fn.Self.Type}})}
		if !chains(body) {
			for _, in := range inits {
				init, err := lowerInit(d, in)
				if err != nil {
					return err
				}
				f, err := d.field(in.Field)
				if err != nil {
					return err
				}
				self := &VarRef{exprBase{T: fn.Self.Type}, fn.Self}
				prologue = append(prologue, l.assign(&FieldRef{exprBase{T: f.Type}, self, f}, init))
			}
		}
		stmts = append(prologue, stmts...)
	}
	fn.Body = Simplify(stmts, fn)
	return nil
}

// LowerInit translates a constant initializer of a static field or
// struct member.
func LowerInit(d *Decls, in peephole.Init) (Expr, error) { return lowerInit(d, in) }

func lowerInit(d *Decls, in peephole.Init) (Expr, error) {
	l := &lowerer{d: d, fn: &Function{ID: in.Field.ID()}, b: in.Body, vars: make([]*Var, len(in.Body.Vars))}
	return l.expr(in.Value)
}

func chains(b *lowast.Body) bool {
	for _, s := range b.Stmts {
		if b.Node(s).Op == lowast.OpThisInit {
			return true
		}
	}
	return false
}

type lowerer struct {
	d         *Decls
	fn        *Function
	b         *lowast.Body
	vars      []*Var
	delegates map[lowast.VarID]*image.Method
}

func (l *lowerer) bindParams() {
	m := l.b.Method
	for id := range l.b.Vars {
		v := &l.b.Vars[id]
		if v.Kind != lowast.VarArg {
			continue
		}
		switch {
		case m.HasThis() && v.Slot == 0 && l.fn.Ctor:
			l.vars[id] = l.fn.Self
		case m.HasThis() && l.fn.Ctor:
			l.vars[id] = l.fn.Params[v.Slot-1]
		default:
			l.vars[id] = l.fn.Params[v.Slot]
		}
	}
}

// findDelegates maps delegate locals assigned exactly once from a
// construction over a static method to that method.
func (l *lowerer) findDelegates() {
	refs := lowast.CountRefs(l.b)
	lowast.WalkStmts(l.b, func(id lowast.NodeID) bool {
		n := l.b.Node(id)
		if n.Op != lowast.OpStore || refs.Stores[n.Var] != 1 || refs.Addrs[n.Var] != 0 {
			return true
		}
		if m := l.delegateTarget(n.Args[0]); m != nil {
			l.delegates[n.Var] = m
		}
		return true
	})
}

func (l *lowerer) delegateTarget(id lowast.NodeID) *image.Method {
	n := l.b.Node(id)
	if n.Op == lowast.OpLoad {
		return l.delegates[n.Var]
	}
	if n.Op != lowast.OpNewObj || n.Method.Intrinsic != image.IntrinsicDelegateCtor || len(n.Args) != 2 {
		return nil
	}
	if l.b.Node(n.Args[0]).Op != lowast.OpNull {
		return nil
	}
	if f := l.b.Node(n.Args[1]); f.Op == lowast.OpFtn && f.Method.Static {
		return f.Method
	}
	return nil
}

func (l *lowerer) construct(n *lowast.Node, format string, args ...interface{}) error {
	return diag.Construct(l.fn.ID, n.Offset(), format, args...)
}

func span(n *lowast.Node) Span {
	if len(n.Ranges) == 0 {
		return Span{Start: -1, End: -1}
	}
	sp := Span{Start: n.Ranges[0].Start, End: n.Ranges[0].End}
	for _, r := range n.Ranges[1:] {
		sp.Start = min(sp.Start, r.Start)
		sp.End = max(sp.End, r.End)
	}
	return sp
}

func (l *lowerer) varRef(id lowast.VarID, n *lowast.Node) (*VarRef, error) {
	v := l.vars[id]
	if v == nil {
		lv := l.b.Var(id)
		if td, ok := l.b.Image.TypeDef(typeName(lv.Type)); ok && td.Kind == image.TypeDelegate {
			return nil, l.construct(n, "delegate value %s escapes its invocation", lv.Name)
		}
		v = l.fn.NewLocal(cName(lv.Name), HostType(lv.Type))
		v.Generated = lv.Generated
		v.Pinned = lv.Pinned
		l.vars[id] = v
	}
	return &VarRef{exprBase{span(n), v.Type}, v}, nil
}

func typeName(t *image.Type) string {
	if t != nil && t.Kind == image.KindNamed {
		return t.Name
	}
	return ""
}

func (l *lowerer) assign(lhs, rhs Expr) Stmt {
	sp := lhs.Span()
	return &ExprStmt{stmtBase{sp}, &Assign{exprBase{sp, lhs.Type()}, lhs, rhs}}
}

// object turns an expression designating a struct, by value or by
// address, into a struct value.
func object(x Expr) Expr {
	if a, ok := x.(*AddrOf); ok {
		return a.X
	}
	if t := x.Type(); t != nil && t.IsAddress() {
		return &Deref{exprBase{x.Span(), t.Elem}, x}
	}
	return x
}

func deref(x Expr, t *image.Type) Expr {
	if a, ok := x.(*AddrOf); ok {
		return a.X
	}
	return &Deref{exprBase{x.Span(), t}, x}
}

func (l *lowerer) exprs(ids []lowast.NodeID) ([]Expr, error) {
	out := make([]Expr, 0, len(ids))
	for _, id := range ids {
		x, err := l.expr(id)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, nil
}

// expr lowers a value-producing node.
func (l *lowerer) expr(id lowast.NodeID) (Expr, error) {
	n := l.b.Node(id)
	base := exprBase{span(n), HostType(n.Type)}
	switch n.Op {
	case lowast.OpInt:
		return &IntLit{base, n.Int}, nil
	case lowast.OpFloat:
		return &FloatLit{base, n.Float}, nil
	case lowast.OpDecimal:
		return &DecimalLit{base, n.Dec}, nil
	case lowast.OpNull:
		return &NullLit{base}, nil
	case lowast.OpDefault:
		return &DefaultLit{base}, nil
	case lowast.OpString:
		return nil, l.construct(n, "string value %q", n.Str)
	case lowast.OpFtn:
		return nil, l.construct(n, "function pointer to %s", n.Method.ID())

	case lowast.OpLoad:
		return l.varRef(n.Var, n)
	case lowast.OpAddrVar:
		v, err := l.varRef(n.Var, n)
		if err != nil {
			return nil, err
		}
		return &AddrOf{exprBase{base.SpanVal, image.PointerTo(v.Type())}, v}, nil

	case lowast.OpField, lowast.OpAddrField:
		if b, ok := l.builtin(n); ok {
			return b, nil
		}
		x, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		f, err := l.d.field(n.Field)
		if err != nil {
			return nil, l.construct(n, "%v", err)
		}
		ref := &FieldRef{exprBase{base.SpanVal, f.Type}, object(x), f}
		if n.Op == lowast.OpField {
			return ref, nil
		}
		return &AddrOf{base, ref}, nil
	case lowast.OpStatic, lowast.OpAddrStatic:
		g, err := l.d.Global(n.Field)
		if err != nil {
			return nil, l.construct(n, "%v", err)
		}
		ref := &GlobalRef{exprBase{base.SpanVal, HostType(n.Field.Type)}, g}
		if n.Op == lowast.OpStatic {
			return ref, nil
		}
		return &AddrOf{base, ref}, nil
	case lowast.OpElem, lowast.OpAddrElem:
		args, err := l.exprs(n.Args)
		if err != nil {
			return nil, err
		}
		elem := lowast.ElemType(l.b.Node(n.Args[0]).Type)
		ix := &Index{exprBase{base.SpanVal, HostType(elem)}, args[0], args[1:]}
		if n.Op == lowast.OpElem {
			return ix, nil
		}
		return &AddrOf{base, ix}, nil
	case lowast.OpLen, lowast.OpDimLen:
		x, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		return &Len{base, x, int(n.Int)}, nil
	case lowast.OpDeref:
		x, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		return deref(x, base.T), nil

	case lowast.OpNeg, lowast.OpNot, lowast.OpLogicalNot:
		x, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		op := map[lowast.Op]Op{lowast.OpNeg: OpNeg, lowast.OpNot: OpNot, lowast.OpLogicalNot: OpLogNot}[n.Op]
		return &Unary{base, op, x}, nil
	case lowast.OpConv:
		x, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		return &Conv{base, x, n.Checked}, nil

	case lowast.OpCall:
		return l.call(n, base)
	case lowast.OpNewObj:
		return l.newObj(n, base)

	case lowast.OpAssign:
		args, err := l.exprs(n.Args)
		if err != nil {
			return nil, err
		}
		return &Assign{exprBase{base.SpanVal, args[0].Type()}, args[0], args[1]}, nil
	case lowast.OpCompound:
		args, err := l.exprs(n.Args)
		if err != nil {
			return nil, err
		}
		return &Compound{exprBase{base.SpanVal, args[0].Type()}, binaryOps[n.Assign], args[0], args[1], n.Unsigned, n.Checked}, nil
	case lowast.OpIncDec:
		x, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		return &IncDec{exprBase{base.SpanVal, x.Type()}, x, n.Delta, n.Post, n.Checked}, nil
	}
	if op, ok := binaryOps[n.Op]; ok {
		args, err := l.exprs(n.Args)
		if err != nil {
			return nil, err
		}
		if n.Op.IsCompare() {
			base.T = image.Prim(image.KindBool)
		}
		return &Binary{base, op, args[0], args[1], n.Unsigned, n.Checked}, nil
	}
	return nil, l.construct(n, "%s used as a value", n.Op)
}

var binaryOps = map[lowast.Op]Op{
	lowast.OpAdd: OpAdd, lowast.OpSub: OpSub, lowast.OpMul: OpMul, lowast.OpDiv: OpDiv,
	lowast.OpRem: OpRem, lowast.OpAnd: OpAnd, lowast.OpOr: OpOr, lowast.OpXor: OpXor,
	lowast.OpShl: OpShl, lowast.OpShr: OpShr,
	lowast.OpCeq: OpEq, lowast.OpCne: OpNe, lowast.OpClt: OpLt, lowast.OpCle: OpLe,
	lowast.OpCgt: OpGt, lowast.OpCge: OpGe,
}

var builtinKinds = map[image.Intrinsic]BuiltinKind{
	image.IntrinsicThreadIdx: BuiltinThreadIdx,
	image.IntrinsicBlockIdx:  BuiltinBlockIdx,
	image.IntrinsicBlockDim:  BuiltinBlockDim,
	image.IntrinsicGridDim:   BuiltinGridDim,
}

// builtin recognizes thread.threadIdx.x and its relatives.
func (l *lowerer) builtin(n *lowast.Node) (Expr, bool) {
	if n.Op != lowast.OpField || n.Field.Owner.Name != image.Dim3Type {
		return nil, false
	}
	c := l.b.Node(n.Args[0])
	if c.Op != lowast.OpCall {
		return nil, false
	}
	kind, ok := builtinKinds[c.Method.Intrinsic]
	if !ok {
		return nil, false
	}
	axis := strings.IndexByte("xyz", n.Field.Name[0])
	return &Builtin{exprBase{span(n), image.Prim(image.KindI32)}, kind, axis}, true
}

func mathName(m *image.Method) string {
	switch m.Name {
	case "Ceiling":
		return "ceil"
	}
	return strings.ToLower(m.Name)
}

func (l *lowerer) call(n *lowast.Node, base exprBase) (Expr, error) {
	m := n.Method
	switch m.Intrinsic {
	case image.IntrinsicWarpSize:
		return &Builtin{base, BuiltinWarpSize, 0}, nil
	case image.IntrinsicThreadIdx, image.IntrinsicBlockIdx, image.IntrinsicBlockDim, image.IntrinsicGridDim:
		return nil, l.construct(n, "%s used as a dim3 value", m.Name)
	case image.IntrinsicSyncThreads, image.IntrinsicAllocateShared:
		return nil, l.construct(n, "%s used as a value", m.Name)
	case image.IntrinsicMath:
		args, err := l.exprs(n.Args)
		if err != nil {
			return nil, err
		}
		return &MathCall{base, mathName(m), args}, nil
	case image.IntrinsicDecimalToDouble:
		x, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		return &Conv{exprBase{base.SpanVal, image.Prim(image.KindF64)}, x, false}, nil
	case image.IntrinsicDecimalCtor, image.IntrinsicDelegateCtor:
		return nil, l.construct(n, "%s used as a value", m.ID())
	case image.IntrinsicDelegateInvoke:
		target := l.delegateTarget(n.Args[0])
		if target == nil {
			return nil, l.construct(n, "dynamic dispatch through delegate %s", m.Owner.Name)
		}
		return l.direct(n, base, target, n.Args[1:])
	}
	if m.IsCtor() {
		return nil, l.construct(n, "constructor call %s used as a value", m.ID())
	}
	return l.direct(n, base, m, n.Args)
}

func (l *lowerer) direct(n *lowast.Node, base exprBase, m *image.Method, argIDs []lowast.NodeID) (Expr, error) {
	fn, err := l.d.Function(m)
	if err != nil {
		return nil, l.construct(n, "call to %s: %v", m.ID(), err)
	}
	l.d.recordCall(l.fn, fn)
	args, err := l.exprs(argIDs)
	if err != nil {
		return nil, err
	}
	if m.HasThis() && !m.IsCtor() && len(args) > 0 {
		if t := args[0].Type(); t == nil || !t.IsAddress() {
			args[0] = &AddrOf{exprBase{args[0].Span(), image.PointerTo(fn.Params[0].Type.Elem)}, args[0]}
		}
	}
	base.T = fn.Return
	return &Call{base, fn, args}, nil
}

func (l *lowerer) newObj(n *lowast.Node, base exprBase) (Expr, error) {
	m := n.Method
	switch m.Intrinsic {
	case image.IntrinsicDecimalCtor:
		if len(n.Args) != 1 {
			return nil, l.construct(n, "decimal constructed from non-constant parts")
		}
		x, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		return &Conv{exprBase{base.SpanVal, image.Prim(image.KindDecimal)}, x, false}, nil
	case image.IntrinsicDelegateCtor:
		return nil, l.construct(n, "delegate %s used as a value", m.Owner.Name)
	}
	if m.Owner.Kind != image.TypeStruct {
		return nil, l.construct(n, "heap allocation of %s", m.Owner.Name)
	}
	if _, err := l.d.Struct(m.Owner.Name); err != nil {
		return nil, l.construct(n, "%v", err)
	}
	return l.direct(n, base, m, n.Args)
}

// stmt lowers a straight-line statement. Control flow is handled by the
// structurer.
func (l *lowerer) stmt(id lowast.NodeID) ([]Stmt, error) {
	n := l.b.Node(id)
	sp := stmtBase{span(n)}
	switch n.Op {
	case lowast.OpStore:
		if _, ok := l.delegates[n.Var]; ok {
			return nil, nil
		}
		if v := l.b.Node(n.Args[0]); v.Op == lowast.OpCall && v.Method.Intrinsic == image.IntrinsicAllocateShared {
			return nil, l.allocShared(n, v)
		}
		lhs, err := l.varRef(n.Var, n)
		if err != nil {
			return nil, err
		}
		rhs, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		return []Stmt{l.assign(lhs, rhs)}, nil
	case lowast.OpStoreField:
		obj, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		f, err := l.d.field(n.Field)
		if err != nil {
			return nil, l.construct(n, "%v", err)
		}
		rhs, err := l.expr(n.Args[1])
		if err != nil {
			return nil, err
		}
		return []Stmt{l.assign(&FieldRef{exprBase{span(n), f.Type}, object(obj), f}, rhs)}, nil
	case lowast.OpStoreStatic:
		g, err := l.d.Global(n.Field)
		if err != nil {
			return nil, l.construct(n, "%v", err)
		}
		if g.Space == image.SpaceConstant {
			return nil, l.construct(n, "store to constant region %s", g.Name)
		}
		rhs, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		return []Stmt{l.assign(&GlobalRef{exprBase{span(n), HostType(n.Field.Type)}, g}, rhs)}, nil
	case lowast.OpStoreElem:
		args, err := l.exprs(n.Args)
		if err != nil {
			return nil, err
		}
		last := len(args) - 1
		ix := &Index{exprBase{span(n), HostType(n.Type)}, args[0], args[1:last]}
		return []Stmt{l.assign(ix, args[last])}, nil
	case lowast.OpStoreDeref:
		args, err := l.exprs(n.Args)
		if err != nil {
			return nil, err
		}
		return []Stmt{l.assign(deref(args[0], HostType(n.Type)), args[1])}, nil
	case lowast.OpCall:
		return l.callStmt(n)
	case lowast.OpThisInit:
		if !l.fn.Ctor {
			return nil, l.construct(n, "constructor chaining outside a constructor")
		}
		call, err := l.direct(n, exprBase{SpanVal: span(n)}, n.Method, n.Args[1:])
		if err != nil {
			return nil, err
		}
		return []Stmt{l.assign(&VarRef{exprBase{span(n), l.fn.Self.Type}, l.fn.Self}, call)}, nil
	case lowast.OpBaseInit:
		return nil, l.construct(n, "base constructor %s", n.Method.ID())
	case lowast.OpRet:
		r := &Return{stmtBase: sp}
		if l.fn.Ctor {
			r.X = &VarRef{exprBase{span(n), l.fn.Self.Type}, l.fn.Self}
			return []Stmt{r}, nil
		}
		if len(n.Args) > 0 {
			x, err := l.expr(n.Args[0])
			if err != nil {
				return nil, err
			}
			r.X = x
		}
		return []Stmt{r}, nil
	}
	x, err := l.expr(id)
	if err != nil {
		return nil, err
	}
	return []Stmt{&ExprStmt{sp, x}}, nil
}

func (l *lowerer) callStmt(n *lowast.Node) ([]Stmt, error) {
	m := n.Method
	sp := stmtBase{span(n)}
	switch {
	case m.Intrinsic == image.IntrinsicSyncThreads:
		return []Stmt{&Barrier{sp}}, nil
	case m.Intrinsic == image.IntrinsicDecimalCtor:
		if len(n.Args) != 2 {
			return nil, l.construct(n, "decimal constructed from non-constant parts")
		}
		args, err := l.exprs(n.Args)
		if err != nil {
			return nil, err
		}
		t := image.Prim(image.KindDecimal)
		return []Stmt{l.assign(deref(args[0], t), &Conv{exprBase{span(n), t}, args[1], false})}, nil
	case m.IsCtor() && m.Intrinsic == image.IntrinsicNone:
		// In-place construction: recv = new T(args).
		recv, err := l.expr(n.Args[0])
		if err != nil {
			return nil, err
		}
		call, err := l.direct(n, exprBase{SpanVal: span(n)}, m, n.Args[1:])
		if err != nil {
			return nil, err
		}
		return []Stmt{l.assign(deref(recv, call.Type()), call)}, nil
	}
	x, err := l.call(n, exprBase{span(n), HostType(n.Type)})
	if err != nil {
		return nil, err
	}
	return []Stmt{&ExprStmt{sp, x}}, nil
}

// allocShared turns v = thread.AllocateShared<T>(name, n) into a
// block-shared array local.
func (l *lowerer) allocShared(st, call *lowast.Node) error {
	count := l.b.Node(call.Args[len(call.Args)-1])
	if count.Op != lowast.OpInt || count.Int <= 0 {
		return l.construct(call, "shared allocation needs a positive constant length")
	}
	lv := l.b.Var(st.Var)
	if l.vars[st.Var] != nil {
		return l.construct(st, "shared array %s allocated twice", lv.Name)
	}
	elem := call.Method.Generic
	if elem == nil {
		elem = lowast.ElemType(lv.Type)
	}
	v := l.fn.NewLocal(cName(lv.Name), image.ArrayOf(HostType(elem), 1))
	v.Space = image.SpaceShared
	v.SharedLen = int(count.Int)
	l.vars[st.Var] = v
	return nil
}
