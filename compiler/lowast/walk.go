package lowast

import "github.com/chazu/kernelize/image"

// Walk visits the subtree rooted at id in pre-order. Children are skipped
// when fn returns false.
func Walk(b *Body, id NodeID, fn func(NodeID) bool) {
	if id == NoNode || !fn(id) {
		return
	}
	args, block := b.Nodes[id].Args, b.Nodes[id].Block
	for _, a := range args {
		Walk(b, a, fn)
	}
	for _, s := range block {
		Walk(b, s, fn)
	}
}

// WalkStmts visits every statement of the body, descending into fixed
// blocks.
func WalkStmts(b *Body, fn func(NodeID) bool) {
	for _, s := range b.Stmts {
		Walk(b, s, fn)
	}
}

// VarRefs counts the uses of each variable across the body.
type VarRefs struct {
	Loads  []int
	Stores []int
	Addrs  []int
}

// Total returns every reference to v.
func (r VarRefs) Total(v VarID) int {
	return r.Loads[v] + r.Stores[v] + r.Addrs[v]
}

// CountRefs tallies variable references across the body.
func CountRefs(b *Body) VarRefs {
	r := VarRefs{
		Loads:  make([]int, len(b.Vars)),
		Stores: make([]int, len(b.Vars)),
		Addrs:  make([]int, len(b.Vars)),
	}
	WalkStmts(b, func(id NodeID) bool {
		n := b.Node(id)
		switch n.Op {
		case OpLoad:
			r.Loads[n.Var]++
		case OpStore, OpFixed:
			r.Stores[n.Var]++
		case OpAddrVar:
			r.Addrs[n.Var]++
		}
		return true
	})
	return r
}

// LabelRefs counts the branches to each label.
func LabelRefs(b *Body) map[LabelID]int {
	refs := make(map[LabelID]int)
	WalkStmts(b, func(id NodeID) bool {
		n := b.Node(id)
		if n.Op == OpBr || n.Op == OpBrTrue {
			refs[n.Label]++
		}
		return true
	})
	return refs
}

// Subst replaces every occurrence of old below root with repl, returning
// the number of replacements.
func Subst(b *Body, root, old, repl NodeID) int {
	count := 0
	Walk(b, root, func(id NodeID) bool {
		n := &b.Nodes[id]
		for i, a := range n.Args {
			if a == old {
				n.Args[i] = repl
				count++
			}
		}
		return true
	})
	return count
}

// Same reports whether two subtrees of b are structurally identical.
func Same(b *Body, x, y NodeID) bool {
	return Equal(b, x, b, y)
}

// Equal reports whether subtree x of bx and subtree y of by are
// structurally identical.
func Equal(bx *Body, x NodeID, by *Body, y NodeID) bool {
	if bx == by && x == y {
		return true
	}
	nx, ny := bx.Node(x), by.Node(y)
	if nx.Op != ny.Op || nx.Field != ny.Field || nx.Method != ny.Method ||
		nx.Int != ny.Int || nx.Float != ny.Float || nx.Str != ny.Str || !nx.Dec.Equal(ny.Dec) ||
		nx.Unsigned != ny.Unsigned || nx.Checked != ny.Checked || len(nx.Args) != len(ny.Args) {
		return false
	}
	switch nx.Op {
	case OpLoad, OpStore, OpAddrVar, OpFixed:
		if bx == by && nx.Var != ny.Var || bx != by && bx.Vars[nx.Var].Name != by.Vars[ny.Var].Name {
			return false
		}
	}
	if (nx.Type == nil) != (ny.Type == nil) || nx.Type != nil && !nx.Type.Equal(ny.Type) {
		return false
	}
	for i := range nx.Args {
		if !Equal(bx, nx.Args[i], by, ny.Args[i]) {
			return false
		}
	}
	return true
}

// Effects reports whether evaluating the subtree reads or writes memory.
// Reads of address-taken variables count as memory reads.
func Effects(b *Body, id NodeID) (reads, writes bool) {
	Walk(b, id, func(nid NodeID) bool {
		n := b.Node(nid)
		switch n.Op {
		case OpField, OpStatic, OpElem, OpDeref:
			reads = true
		case OpLoad:
			if b.Vars[n.Var].AddressTaken {
				reads = true
			}
		case OpStore:
			if b.Vars[n.Var].AddressTaken {
				writes = true
			}
		case OpStoreField, OpStoreStatic, OpStoreElem, OpStoreDeref, OpAssign, OpCompound, OpIncDec:
			writes = true
		case OpCall, OpNewObj:
			if !PureCall(n.Method) {
				reads, writes = true, true
			}
		}
		return true
	})
	return reads, writes
}

// PureCall reports whether calling m has no observable side effects.
func PureCall(m *image.Method) bool {
	switch m.Intrinsic {
	case image.IntrinsicThreadIdx, image.IntrinsicBlockIdx, image.IntrinsicBlockDim,
		image.IntrinsicGridDim, image.IntrinsicWarpSize, image.IntrinsicMath,
		image.IntrinsicDecimalToDouble, image.IntrinsicDelegateCtor:
		return true
	}
	return false
}

// ReadsVar reports whether the subtree loads v.
func ReadsVar(b *Body, id NodeID, v VarID) bool {
	return CountLoads(b, id, v) > 0
}

// CountLoads counts the loads of v in the subtree.
func CountLoads(b *Body, id NodeID, v VarID) int {
	n := 0
	Walk(b, id, func(nid NodeID) bool {
		if x := b.Node(nid); x.Op == OpLoad && x.Var == v {
			n++
		}
		return true
	})
	return n
}

// FindLoad returns the first load of v in the subtree, or NoNode.
func FindLoad(b *Body, id NodeID, v VarID) NodeID {
	found := NoNode
	Walk(b, id, func(nid NodeID) bool {
		if found != NoNode {
			return false
		}
		if x := b.Node(nid); x.Op == OpLoad && x.Var == v {
			found = nid
			return false
		}
		return true
	})
	return found
}
