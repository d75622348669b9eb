package peephole

import (
	"github.com/chazu/kernelize/compiler/lowast"
	"github.com/chazu/kernelize/image"
)

// compound folds the address-temporary read-modify-write shape
//
//	t = ADDR
//	*t = *t OP r
//
// into a compound assignment on the addressed location.
func (p *pass) compound(stmts []lowast.NodeID, i int) ([]lowast.NodeID, bool, error) {
	if i+1 >= len(stmts) {
		return stmts, false, nil
	}
	t, addr, ok := p.storeOf(stmts[i])
	if !ok || !p.generated(t) || p.refs.Loads[t] != 2 || p.refs.Stores[t] != 1 || !p.node(addr).Type.IsAddress() {
		return stmts, false, nil
	}
	st := p.node(stmts[i+1])
	if st.Op != lowast.OpStoreDeref || !p.isLoadOf(st.Args[0], t) {
		return stmts, false, nil
	}
	op := p.node(st.Args[1])
	if !op.Op.IsBinary() {
		return stmts, false, nil
	}
	lhs := p.node(op.Args[0])
	if lhs.Op != lowast.OpDeref || !p.isLoadOf(lhs.Args[0], t) || lowast.ReadsVar(p.b, op.Args[1], t) {
		return stmts, false, nil
	}
	c := lowast.Node{
		Op:       lowast.OpCompound,
		Assign:   op.Op,
		Unsigned: op.Unsigned,
		Checked:  op.Checked,
		Type:     lhs.Type,
		Args:     []lowast.NodeID{p.lvalue(addr), op.Args[1]},
		Ranges:   mergeRanges(p.node(stmts[i]), st),
	}
	p.b.Replace(stmts[i+1], c)
	return remove(stmts, i, i+1), true, nil
}

// postIncrement recognizes the value-producing increment of a variable
//
//	t = x
//	x = t ± 1
//	... t ...
//
// and replaces the use of t with x++ (or x--).
func (p *pass) postIncrement(stmts []lowast.NodeID, i int) ([]lowast.NodeID, bool, error) {
	if i+2 >= len(stmts) {
		return stmts, false, nil
	}
	t, src, ok := p.storeOf(stmts[i])
	if !ok || !p.generated(t) || p.refs.Loads[t] != 2 || p.refs.Stores[t] != 1 {
		return stmts, false, nil
	}
	x := p.node(src)
	if x.Op != lowast.OpLoad || x.Var == t || p.b.Vars[x.Var].AddressTaken {
		return stmts, false, nil
	}
	xv := x.Var
	x2, upd, ok := p.storeOf(stmts[i+1])
	if !ok || x2 != xv {
		return stmts, false, nil
	}
	delta, ok := p.step(upd, func(id lowast.NodeID) bool { return p.isLoadOf(id, t) })
	if !ok {
		return stmts, false, nil
	}
	use := stmts[i+2]
	if lowast.CountLoads(p.b, use, t) != 1 || lowast.ReadsVar(p.b, use, xv) {
		return stmts, false, nil
	}
	if n := p.node(use); n.Op == lowast.OpStore && n.Var == xv {
		return stmts, false, nil
	}
	u := p.node(upd)
	inc := p.b.Add(lowast.Node{
		Op:      lowast.OpIncDec,
		Delta:   delta,
		Post:    true,
		Checked: u.Checked,
		Type:    p.b.Vars[xv].Type,
		Args:    []lowast.NodeID{p.b.Load(xv)},
		Ranges:  mergeRanges(p.node(stmts[i]), p.node(stmts[i+1])),
	})
	lowast.Subst(p.b, use, lowast.FindLoad(p.b, use, t), inc)
	return remove(stmts, i, i+2), true, nil
}

// elementPostIncrement is postIncrement for a location reached through
// an address temporary:
//
//	a = ADDR
//	g = *a
//	*a = g ± 1
//	... g ...
func (p *pass) elementPostIncrement(stmts []lowast.NodeID, i int) ([]lowast.NodeID, bool, error) {
	if i+3 >= len(stmts) {
		return stmts, false, nil
	}
	a, addr, ok := p.storeOf(stmts[i])
	if !ok || !p.generated(a) || p.refs.Loads[a] != 2 || p.refs.Stores[a] != 1 || !p.node(addr).Type.IsAddress() {
		return stmts, false, nil
	}
	g, rd, ok := p.storeOf(stmts[i+1])
	if !ok || !p.generated(g) || p.refs.Loads[g] != 2 || p.refs.Stores[g] != 1 {
		return stmts, false, nil
	}
	if r := p.node(rd); r.Op != lowast.OpDeref || !p.isLoadOf(r.Args[0], a) {
		return stmts, false, nil
	}
	st := p.node(stmts[i+2])
	if st.Op != lowast.OpStoreDeref || !p.isLoadOf(st.Args[0], a) {
		return stmts, false, nil
	}
	delta, ok := p.step(st.Args[1], func(id lowast.NodeID) bool { return p.isLoadOf(id, g) })
	if !ok {
		return stmts, false, nil
	}
	use := stmts[i+3]
	if lowast.CountLoads(p.b, use, g) != 1 {
		return stmts, false, nil
	}
	inc := p.b.Add(lowast.Node{
		Op:      lowast.OpIncDec,
		Delta:   delta,
		Post:    true,
		Checked: p.node(st.Args[1]).Checked,
		Type:    p.node(rd).Type,
		Args:    []lowast.NodeID{p.lvalue(addr)},
		Ranges:  mergeRanges(p.node(stmts[i]), p.node(stmts[i+1]), st),
	})
	lowast.Subst(p.b, use, lowast.FindLoad(p.b, use, g), inc)
	return remove(stmts, i, i+3), true, nil
}

// preIncrement recognizes the increment whose new value is used
//
//	t = x ± 1
//	x = t
//	... t ...
//
// and replaces the use of t with ++x (or --x).
func (p *pass) preIncrement(stmts []lowast.NodeID, i int) ([]lowast.NodeID, bool, error) {
	if i+2 >= len(stmts) {
		return stmts, false, nil
	}
	t, upd, ok := p.storeOf(stmts[i])
	if !ok || !p.generated(t) || p.refs.Loads[t] != 2 || p.refs.Stores[t] != 1 {
		return stmts, false, nil
	}
	xv, val, ok := p.storeOf(stmts[i+1])
	if !ok || xv == t || !p.isLoadOf(val, t) || p.b.Vars[xv].AddressTaken {
		return stmts, false, nil
	}
	delta, ok := p.step(upd, func(id lowast.NodeID) bool { return p.isLoadOf(id, xv) })
	if !ok {
		return stmts, false, nil
	}
	use := stmts[i+2]
	if lowast.CountLoads(p.b, use, t) != 1 || lowast.ReadsVar(p.b, use, xv) {
		return stmts, false, nil
	}
	if n := p.node(use); n.Op == lowast.OpStore && n.Var == xv {
		return stmts, false, nil
	}
	inc := p.b.Add(lowast.Node{
		Op:      lowast.OpIncDec,
		Delta:   delta,
		Checked: p.node(upd).Checked,
		Type:    p.b.Vars[xv].Type,
		Args:    []lowast.NodeID{p.b.Load(xv)},
		Ranges:  mergeRanges(p.node(stmts[i]), p.node(stmts[i+1])),
	})
	lowast.Subst(p.b, use, lowast.FindLoad(p.b, use, t), inc)
	return remove(stmts, i, i+2), true, nil
}

// step matches v + 1, v - 1, v + -1 or v - -1 where isV recognizes v,
// and returns the direction of the change.
func (p *pass) step(id lowast.NodeID, isV func(lowast.NodeID) bool) (int, bool) {
	n := p.node(id)
	if n.Op == lowast.OpConv && len(n.Args) == 1 {
		n = p.node(n.Args[0])
	}
	if n.Op != lowast.OpAdd && n.Op != lowast.OpSub || !isV(n.Args[0]) {
		return 0, false
	}
	sign, ok := p.unit(n.Args[1])
	if !ok {
		return 0, false
	}
	if n.Op == lowast.OpSub {
		sign = -sign
	}
	return sign, true
}

// chain rebuilds a = b = X from
//
//	t = X
//	b = t
//	... t ...
func (p *pass) chain(stmts []lowast.NodeID, i int) ([]lowast.NodeID, bool, error) {
	if i+2 >= len(stmts) {
		return stmts, false, nil
	}
	t, x, ok := p.storeOf(stmts[i])
	if !ok || !p.generated(t) || p.refs.Loads[t] != 2 || p.refs.Stores[t] != 1 {
		return stmts, false, nil
	}
	lv, val, ok := p.storeTarget(stmts[i+1])
	if !ok || !p.isLoadOf(val, t) || lowast.ReadsVar(p.b, lv, t) {
		return stmts, false, nil
	}
	if n := p.node(stmts[i+1]); n.Op == lowast.OpStore && n.Var == t {
		return stmts, false, nil
	}
	use := stmts[i+2]
	if lowast.CountLoads(p.b, use, t) != 1 {
		return stmts, false, nil
	}
	assign := p.b.Add(lowast.Node{
		Op:     lowast.OpAssign,
		Type:   p.node(x).Type,
		Args:   []lowast.NodeID{lv, x},
		Ranges: mergeRanges(p.node(stmts[i]), p.node(stmts[i+1])),
	})
	lowast.Subst(p.b, use, lowast.FindLoad(p.b, use, t), assign)
	return remove(stmts, i, i+2), true, nil
}

// inline moves the value of a single-use generated temporary into the
// statement that immediately follows its assignment.
func (p *pass) inline(stmts []lowast.NodeID, i int) ([]lowast.NodeID, bool, error) {
	if i+1 >= len(stmts) {
		return stmts, false, nil
	}
	t, x, ok := p.storeOf(stmts[i])
	if !ok || !p.generated(t) || p.refs.Loads[t] != 1 || p.refs.Stores[t] != 1 || p.refs.Addrs[t] != 0 {
		return stmts, false, nil
	}
	next := stmts[i+1]
	use := lowast.FindLoad(p.b, next, t)
	if use == lowast.NoNode || p.node(next).Op == lowast.OpFixed {
		return stmts, false, nil
	}
	xr, xw := lowast.Effects(p.b, x)
	if xr || xw {
		// x must not move past a write performed while evaluating next.
		if _, w := lowast.Effects(p.b, p.operandsOf(next)); w {
			return stmts, false, nil
		}
	}
	lowast.Subst(p.b, next, use, x)
	n := p.node(next)
	n.Ranges = append(n.Ranges, p.node(stmts[i]).Ranges...)
	return remove(stmts, i, i+1), true, nil
}

// operandsOf returns a node standing for the operands of a statement,
// excluding the store it performs.
func (p *pass) operandsOf(stmt lowast.NodeID) lowast.NodeID {
	n := p.node(stmt)
	if !n.Op.IsStore() {
		return stmt
	}
	return p.b.Add(lowast.Node{Op: lowast.OpInvalid, Args: n.Args})
}

// deadStore drops assignments to generated variables nobody reads.
func (p *pass) deadStore(stmts []lowast.NodeID, i int) ([]lowast.NodeID, bool, error) {
	t, x, ok := p.storeOf(stmts[i])
	if !ok || !p.generated(t) || p.refs.Loads[t] != 0 || p.refs.Addrs[t] != 0 {
		return stmts, false, nil
	}
	if _, w := lowast.Effects(p.b, x); w {
		if op := p.node(x).Op; op != lowast.OpCall && op != lowast.OpNewObj {
			return stmts, false, nil
		}
		stmts[i] = x
		return stmts, true, nil
	}
	return remove(stmts, i, i+1), true, nil
}

// cachedDelegate undoes the lazily-initialized delegate cache, held in a
// static field or in a local:
//
//	if (C != null) goto L
//	C = new D(target, &M)
//	L:
//	... C ...
//
// becomes ... new D(target, &M) .... A local cache must be read exactly
// twice and never addressed; its null initializer is dropped.
func (p *pass) cachedDelegate(stmts []lowast.NodeID, i int) ([]lowast.NodeID, bool, error) {
	if i+2 >= len(stmts) {
		return stmts, false, nil
	}
	br := p.node(stmts[i])
	if br.Op != lowast.OpBrTrue {
		return stmts, false, nil
	}
	cond := p.node(br.Args[0])
	st := p.node(stmts[i+1])
	var (
		local bool
		v     lowast.VarID
	)
	switch cond.Op {
	case lowast.OpStatic:
		if st.Op != lowast.OpStoreStatic || st.Field != cond.Field {
			return stmts, false, nil
		}
	case lowast.OpLoad:
		v, local = cond.Var, true
		if st.Op != lowast.OpStore || st.Var != v || p.b.Vars[v].AddressTaken ||
			p.refs.Loads[v] != 2 || p.refs.Addrs[v] != 0 || p.refs.Stores[v] > 2 {
			return stmts, false, nil
		}
	default:
		return stmts, false, nil
	}
	ctor := p.node(st.Args[0])
	if ctor.Op != lowast.OpNewObj || ctor.Method.Intrinsic != image.IntrinsicDelegateCtor || len(ctor.Args) != 2 ||
		p.node(ctor.Args[1]).Op != lowast.OpFtn {
		return stmts, false, nil
	}
	switch target := p.node(ctor.Args[0]); {
	case target.Op == lowast.OpNull:
	case local && target.Op == lowast.OpLoad && target.Var != v:
	default:
		return stmts, false, nil
	}
	lbl := p.node(stmts[i+2])
	if lbl.Op != lowast.OpLabel || lbl.Label != br.Label || lowast.LabelRefs(p.b)[br.Label] != 1 {
		return stmts, false, nil
	}

	// A second store to a local cache must be its null initializer.
	init := -1
	if local && p.refs.Stores[v] == 2 {
		for j := 0; j < i; j++ {
			if w, x, ok := p.storeOf(stmts[j]); ok && w == v && p.node(x).Op == lowast.OpNull {
				init = j
				break
			}
		}
		if init < 0 {
			return stmts, false, nil
		}
	}

	var uses []lowast.NodeID
	lowast.WalkStmts(p.b, func(id lowast.NodeID) bool {
		if id == br.Args[0] || id == stmts[i+1] {
			return true
		}
		n := p.node(id)
		switch {
		case !local && n.Field == cond.Field:
			uses = append(uses, id)
		case local && n.Op == lowast.OpLoad && n.Var == v:
			uses = append(uses, id)
		}
		return true
	})
	if len(uses) != 1 || p.node(uses[0]).Op != cond.Op {
		return stmts, false, nil
	}
	newobj := *ctor
	newobj.Ranges = mergeRanges(ctor, p.node(uses[0]))
	p.b.Replace(uses[0], newobj)
	out := remove(stmts, i, i+3)
	if init >= 0 {
		out = remove(out, init, init+1)
	}
	return out, true, nil
}
