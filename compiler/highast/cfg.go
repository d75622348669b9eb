package highast

import (
	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/compiler/lowast"
	"github.com/chazu/kernelize/image"
)

type termKind uint8

const (
	termFall termKind = iota
	termJump
	termCond
	termRet
)

// block is a maximal run of straight-line statements. succ holds the
// fall-through or jump target, or the then/else targets of a condition.
type block struct {
	stmts []Stmt
	term  termKind
	cond  Expr
	ret   *Return
	succ  []int
	off   int
}

// loop is a natural loop. follow is the block control reaches when the
// loop exits normally, or -1 when it only exits by returning.
type loop struct {
	header int
	follow int
	nodes  []bool
}

// cfg is the control-flow graph of one statement list. Index len(blocks)
// is the virtual node reached by falling off the end of the list.
type cfg struct {
	blocks []*block
	exit   int
	preds  [][]int
	reach  []bool
	idom   []int
	loops  map[int]*loop
}

func (g *cfg) size() int { return len(g.blocks) + 1 }

func (g *cfg) succs(b int) []int {
	if b >= len(g.blocks) || g.blocks[b].term == termRet {
		return nil
	}
	return g.blocks[b].succ
}

func (g *cfg) isRet(b int) bool {
	return b < len(g.blocks) && g.blocks[b].term == termRet
}

// pureRet reports whether b does nothing but return.
func (g *cfg) pureRet(b int) bool {
	return g.isRet(b) && len(g.blocks[b].stmts) == 0
}

// blocks splits a statement list at labels and after jumps, lowering
// the straight-line statements on the way.
func (l *lowerer) blocks(stmts []lowast.NodeID) (*cfg, error) {
	type fixup struct {
		b     *block
		label lowast.LabelID
	}
	g := &cfg{}
	labels := make(map[lowast.LabelID]int)
	var fixups []fixup

	cur := &block{off: -1}
	g.blocks = append(g.blocks, cur)
	fresh := true
	next := func() {
		cur = &block{off: -1}
		g.blocks = append(g.blocks, cur)
		fresh = true
	}

	for _, id := range stmts {
		n := l.b.Node(id)
		if cur.off < 0 {
			cur.off = n.Offset()
		}
		switch n.Op {
		case lowast.OpLabel:
			if !fresh {
				cur.term = termFall
				cur.succ = []int{len(g.blocks)}
				next()
			}
			labels[n.Label] = len(g.blocks) - 1
		case lowast.OpBr:
			cur.term = termJump
			cur.succ = []int{-1}
			fixups = append(fixups, fixup{cur, n.Label})
			next()
		case lowast.OpBrTrue:
			c, err := l.expr(n.Args[0])
			if err != nil {
				return nil, err
			}
			cur.term = termCond
			cur.cond = c
			cur.succ = []int{-1, len(g.blocks)}
			fixups = append(fixups, fixup{cur, n.Label})
			next()
		case lowast.OpRet:
			ss, err := l.stmt(id)
			if err != nil {
				return nil, err
			}
			cur.term = termRet
			cur.ret = ss[0].(*Return)
			next()
		case lowast.OpFixed:
			f, err := l.fixed(n)
			if err != nil {
				return nil, err
			}
			cur.stmts = append(cur.stmts, f)
			fresh = false
		default:
			ss, err := l.stmt(id)
			if err != nil {
				return nil, err
			}
			cur.stmts = append(cur.stmts, ss...)
			fresh = false
		}
	}
	cur.term = termFall
	cur.succ = []int{len(g.blocks)}
	g.exit = len(g.blocks)

	for _, f := range fixups {
		t, ok := labels[f.label]
		if !ok {
			return nil, diag.Construct(l.fn.ID, f.b.off, "branch to L%d outside its statement list", f.label)
		}
		f.b.succ[0] = t
	}
	return g, nil
}

func (l *lowerer) fixed(n *lowast.Node) (Stmt, error) {
	v, err := l.varRef(n.Var, n)
	if err != nil {
		return nil, err
	}
	init, err := l.expr(n.Args[0])
	if err != nil {
		return nil, err
	}
	body, err := l.structure(n.Block, regionFixed)
	if err != nil {
		return nil, err
	}
	return &Fixed{stmtBase{span(n)}, v.Var, init, body}, nil
}

// link recomputes reachability from the entry block and predecessor
// lists of reachable blocks.
func (g *cfg) link() {
	n := g.size()
	g.preds = make([][]int, n)
	g.reach = make([]bool, n)
	g.reach[0] = true
	stack := []int{0}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range g.succs(b) {
			if !g.reach[s] {
				g.reach[s] = true
				stack = append(stack, s)
			}
		}
	}
	for b := range g.blocks {
		if !g.reach[b] {
			continue
		}
		for _, s := range g.succs(b) {
			g.preds[s] = appendUnique(g.preds[s], b)
		}
	}
}

func appendUnique(xs []int, x int) []int {
	for _, y := range xs {
		if y == x {
			return xs
		}
	}
	return append(xs, x)
}

// collapse merges chains of conditional blocks into short-circuit
// conditions: a statement-free condition reached only from another
// condition that shares one of its targets becomes part of it.
func (g *cfg) collapse() {
	for {
		g.link()
		merged := false
		for a, blk := range g.blocks {
			if g.reach[a] && blk.term == termCond && g.merge(a) {
				merged = true
				break
			}
		}
		if !merged {
			return
		}
	}
}

func (g *cfg) merge(a int) bool {
	A := g.blocks[a]
	if A.succ[0] == A.succ[1] {
		return false
	}
	for arm := 0; arm < 2; arm++ {
		bi := A.succ[arm]
		if bi == a || bi >= len(g.blocks) {
			continue
		}
		B := g.blocks[bi]
		if B.term != termCond || len(B.stmts) > 0 || len(g.preds[bi]) != 1 {
			continue
		}
		var c Expr
		var t, f int
		switch {
		case arm == 1 && A.succ[0] == B.succ[0]:
			c, t, f = logical(OpLogOr, A.cond, B.cond), A.succ[0], B.succ[1]
		case arm == 1 && A.succ[0] == B.succ[1]:
			c, t, f = logical(OpLogOr, A.cond, negate(B.cond)), A.succ[0], B.succ[0]
		case arm == 0 && A.succ[1] == B.succ[1]:
			c, t, f = logical(OpLogAnd, A.cond, B.cond), B.succ[0], A.succ[1]
		case arm == 0 && A.succ[1] == B.succ[0]:
			c, t, f = logical(OpLogAnd, A.cond, negate(B.cond)), B.succ[1], A.succ[1]
		default:
			continue
		}
		A.cond = c
		A.succ = []int{t, f}
		return true
	}
	return false
}

var boolType = image.Prim(image.KindBool)

func logical(op Op, x, y Expr) Expr {
	sp := Span{Start: min(x.Span().Start, y.Span().Start), End: max(x.Span().End, y.Span().End)}
	return &Binary{exprBase: exprBase{sp, boolType}, Op: op, X: x, Y: y}
}

// dominators returns the immediate dominator of every node reachable from
// entry, or -1. It is the iterative algorithm of Cooper, Harvey and
// Kennedy over a reverse postorder.
func dominators(n, entry int, succ, pred func(int) []int) []int {
	post := make([]int, n)
	for i := range post {
		post[i] = -1
	}
	var order []int
	seen := make([]bool, n)
	var dfs func(b int)
	dfs = func(b int) {
		seen[b] = true
		for _, s := range succ(b) {
			if !seen[s] {
				dfs(s)
			}
		}
		post[b] = len(order)
		order = append(order, b)
	}
	dfs(entry)

	idom := make([]int, n)
	for i := range idom {
		idom[i] = -1
	}
	idom[entry] = entry
	intersect := func(a, b int) int {
		for a != b {
			for post[a] < post[b] {
				a = idom[a]
			}
			for post[b] < post[a] {
				b = idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for i := len(order) - 2; i >= 0; i-- {
			b := order[i]
			nd := -1
			for _, p := range pred(b) {
				if post[p] < 0 || idom[p] < 0 {
					continue
				}
				if nd < 0 {
					nd = p
				} else {
					nd = intersect(p, nd)
				}
			}
			if nd >= 0 && idom[b] != nd {
				idom[b] = nd
				changed = true
			}
		}
	}
	return idom
}

func dominates(idom []int, a, b int) bool {
	for {
		if a == b {
			return true
		}
		if idom[b] < 0 || idom[b] == b {
			return false
		}
		b = idom[b]
	}
}

// analyze finds the natural loops of the graph and rejects control flow
// that cannot be expressed with structured statements.
func (g *cfg) analyze(method string) error {
	g.collapse()
	n := g.size()
	g.idom = dominators(n, 0, g.succs, func(b int) []int { return g.preds[b] })

	state := make([]uint8, n)
	var backs [][2]int
	var dfs func(b int)
	dfs = func(b int) {
		state[b] = 1
		for _, s := range g.succs(b) {
			switch state[s] {
			case 0:
				dfs(s)
			case 1:
				backs = append(backs, [2]int{b, s})
			}
		}
		state[b] = 2
	}
	dfs(0)

	g.loops = make(map[int]*loop)
	for _, e := range backs {
		src, h := e[0], e[1]
		if !dominates(g.idom, h, src) {
			return diag.Irreducible(method, g.blocks[h].off, "loop with more than one entry")
		}
		lp := g.loops[h]
		if lp == nil {
			lp = &loop{header: h, follow: -1, nodes: make([]bool, n)}
			lp.nodes[h] = true
			g.loops[h] = lp
		}
		stack := []int{src}
		for len(stack) > 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if lp.nodes[b] {
				continue
			}
			lp.nodes[b] = true
			stack = append(stack, g.preds[b]...)
		}
	}
	for _, lp := range g.loops {
		if err := g.follow(method, lp); err != nil {
			return err
		}
	}
	return nil
}

// follow picks the single block a loop exits to. Returning blocks only
// reachable from inside the loop are not exits.
func (g *cfg) follow(method string, lp *loop) error {
	var exits []int
	for b, in := range lp.nodes {
		if !in {
			continue
		}
		for _, s := range g.succs(b) {
			if !lp.nodes[s] {
				exits = appendUnique(exits, s)
			}
		}
	}
	if len(exits) > 1 {
		kept := exits[:0]
		for _, t := range exits {
			if g.pureRet(t) || g.isRet(t) && g.predsWithin(t, lp) {
				continue
			}
			kept = append(kept, t)
		}
		exits = kept
	}
	switch len(exits) {
	case 0:
	case 1:
		lp.follow = exits[0]
	default:
		return diag.Irreducible(method, g.blocks[lp.header].off, "loop with more than one exit")
	}
	return nil
}

func (g *cfg) predsWithin(b int, lp *loop) bool {
	for _, p := range g.preds[b] {
		if !lp.nodes[p] {
			return false
		}
	}
	return true
}
