package highast

import (
	"errors"

	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/compiler/lowast"
)

type regionKind uint8

const (
	regionFunction regionKind = iota
	regionFixed
)

var errDuplicate = errors.New("block reached from two structured paths")

// structure turns a statement list with labels and branches into
// structured statements. It first lets the final return block act as
// the natural end of the function; when that would need a block twice
// it retries treating every return as a dead end, copying return blocks
// into each path that reaches them.
func (l *lowerer) structure(stmts []lowast.NodeID, kind regionKind) ([]Stmt, error) {
	g, err := l.blocks(stmts)
	if err != nil {
		return nil, err
	}
	if err := g.analyze(l.fn.ID); err != nil {
		return nil, err
	}
	s := newStructurer(l, g, kind, true)
	out, err := s.seq(0, -1, nil)
	if errors.Is(err, errDuplicate) && kind == regionFunction {
		s = newStructurer(l, g, kind, false)
		out, err = s.seq(0, -1, nil)
	}
	if errors.Is(err, errDuplicate) {
		return nil, diag.Irreducible(l.fn.ID, s.dupAt, "unstructured jump")
	}
	return out, err
}

type loopCtx struct {
	loop   *loop
	parent *loopCtx
}

type structurer struct {
	l        *lowerer
	g        *cfg
	kind     regionKind
	retAlive bool
	lastRet  int
	emitted  []bool
	pdoms    map[*loop][]int
	dupAt    int
}

func newStructurer(l *lowerer, g *cfg, kind regionKind, retAlive bool) *structurer {
	s := &structurer{
		l:        l,
		g:        g,
		kind:     kind,
		retAlive: retAlive && kind == regionFunction,
		lastRet:  -1,
		emitted:  make([]bool, g.size()),
		pdoms:    make(map[*loop][]int),
	}
	for b := len(g.blocks) - 1; b >= 0; b-- {
		if g.reach[b] && g.pureRet(b) {
			s.lastRet = b
			break
		}
	}
	return s
}

// seq emits blocks starting at b until stop is reached or control leaves
// the sequence.
func (s *structurer) seq(b, stop int, ctx *loopCtx) ([]Stmt, error) {
	var out []Stmt
	for b != stop {
		if ctx != nil {
			if b == ctx.loop.header {
				return append(out, &Continue{stmtBase{s.span(b)}}), nil
			}
			if b == ctx.loop.follow {
				return append(out, &Break{stmtBase{s.span(b)}}), nil
			}
			for c := ctx.parent; c != nil; c = c.parent {
				if b == c.loop.header || b == c.loop.follow {
					return nil, diag.Irreducible(s.l.fn.ID, s.g.blocks[b].off, "jump out of nested loop")
				}
			}
		}
		if b == s.g.exit {
			return out, nil
		}
		if lp := s.g.loops[b]; lp != nil {
			w, err := s.loop(lp, ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
			if lp.follow < 0 {
				return out, nil
			}
			b = lp.follow
			continue
		}
		stmts, next, err := s.block(b, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, stmts...)
		if next < 0 {
			return out, nil
		}
		b = next
	}
	return out, nil
}

func (s *structurer) loop(lp *loop, ctx *loopCtx) (Stmt, error) {
	inner := &loopCtx{loop: lp, parent: ctx}
	body, next, err := s.block(lp.header, inner)
	if err != nil {
		return nil, err
	}
	if next >= 0 {
		rest, err := s.seq(next, -1, inner)
		if err != nil {
			return nil, err
		}
		body = append(body, rest...)
	}
	sp := s.span(lp.header)
	return &While{stmtBase{sp}, &IntLit{exprBase{sp, boolType}, 1}, body}, nil
}

// block emits b and returns the block to continue with, or -1.
func (s *structurer) block(b int, ctx *loopCtx) ([]Stmt, int, error) {
	blk := s.g.blocks[b]
	if blk.term == termRet {
		out := append([]Stmt(nil), blk.stmts...)
		return append(out, blk.ret), -1, nil
	}
	if s.emitted[b] {
		s.dupAt = blk.off
		return nil, -1, errDuplicate
	}
	s.emitted[b] = true
	out := append([]Stmt(nil), blk.stmts...)
	if blk.term != termCond {
		return out, blk.succ[0], nil
	}

	join := s.join(b, ctx)
	then, err := s.seq(blk.succ[0], join, ctx)
	if err != nil {
		return nil, -1, err
	}
	els, err := s.seq(blk.succ[1], join, ctx)
	if err != nil {
		return nil, -1, err
	}
	out = append(out, &If{stmtBase{blk.cond.Span()}, blk.cond, then, els})
	return out, join, nil
}

func (s *structurer) span(b int) Span {
	if b < len(s.g.blocks) {
		off := s.g.blocks[b].off
		return Span{Start: off, End: off}
	}
	return Span{Start: -1, End: -1}
}

// join returns the block where both arms of the condition ending b meet
// again inside the current region, or -1 when they only meet by leaving
// it.
func (s *structurer) join(b int, ctx *loopCtx) int {
	var lp *loop
	if ctx != nil {
		lp = ctx.loop
	}
	pd, ok := s.pdoms[lp]
	if !ok {
		pd = s.postdominators(lp)
		s.pdoms[lp] = pd
	}
	j := pd[b]
	if j < 0 || j >= len(s.g.blocks) {
		return -1
	}
	return j
}

// postdominators computes immediate postdominators within a region. The
// region is the whole graph, or the body of lp. Leaving the region
// (falling off, continuing or breaking) reaches a virtual exit node;
// returning is a dead end unless it is the natural end of the function.
func (s *structurer) postdominators(lp *loop) []int {
	g := s.g
	exit := g.size()
	n := exit + 1
	succ := make([][]int, n)
	pred := make([][]int, n)
	for b := range g.blocks {
		if !g.reach[b] || lp != nil && !lp.nodes[b] {
			continue
		}
		for _, t := range s.regionSuccs(lp, b, exit) {
			succ[b] = appendUnique(succ[b], t)
			pred[t] = appendUnique(pred[t], b)
		}
	}
	// Postdominators are dominators of the reversed graph.
	return dominators(n, exit, func(b int) []int { return pred[b] }, func(b int) []int { return succ[b] })
}

func (s *structurer) regionSuccs(lp *loop, b, exit int) []int {
	g := s.g
	if g.isRet(b) {
		if s.retAlive && lp == nil && (b == s.lastRet || !g.pureRet(b)) {
			return []int{exit}
		}
		return nil
	}
	var out []int
	for _, t := range g.succs(b) {
		switch {
		case t == g.exit:
			out = append(out, exit)
		case lp != nil && (t == lp.header || t == lp.follow):
			out = append(out, exit)
		case lp != nil && !lp.nodes[t]:
		case g.isRet(t) && !(s.retAlive && lp == nil && (t == s.lastRet || !g.pureRet(t))):
		default:
			out = append(out, t)
		}
	}
	return out
}
