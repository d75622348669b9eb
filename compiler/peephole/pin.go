package peephole

import (
	"fmt"

	"github.com/chazu/kernelize/compiler/lowast"
)

// pins rebuilds pinned scopes: the statements between the assignment of
// an address to a pinned variable and its reset to null become the body
// of a fixed statement. Adjacent scopes over one variable merge.
func (p *pass) pins() error {
	stmts, err := p.pinList(p.b.Stmts)
	if err != nil {
		return err
	}
	p.b.Stmts = stmts
	return nil
}

func (p *pass) isNull(id lowast.NodeID) bool {
	n := p.node(id)
	for n.Op == lowast.OpConv {
		n = p.node(n.Args[0])
	}
	return n.Op == lowast.OpNull || n.Op == lowast.OpInt && n.Int == 0
}

func (p *pass) pinList(stmts []lowast.NodeID) ([]lowast.NodeID, error) {
	for i := 0; i < len(stmts); i++ {
		v, init, ok := p.storeOf(stmts[i])
		if !ok || !p.b.Vars[v].Pinned || p.isNull(init) {
			continue
		}
		name := p.b.Vars[v].Name
		end := -1
		for j := i + 1; j < len(stmts) && end < 0; j++ {
			if v2, val, ok := p.storeOf(stmts[j]); ok && v2 == v {
				if !p.isNull(val) {
					return nil, fmt.Errorf("pinned %s reassigned before release", name)
				}
				end = j
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("pinned %s is never released", name)
		}
		block := append([]lowast.NodeID(nil), stmts[i+1:end]...)
		if err := p.closed(stmts, i+1, end); err != nil {
			return nil, fmt.Errorf("pinned %s: %w", name, err)
		}
		block, err := p.pinList(block)
		if err != nil {
			return nil, err
		}
		start := i
		if i > 0 {
			if v0, val, ok := p.storeOf(stmts[i-1]); ok && v0 == v && p.isNull(val) {
				start = i - 1
			}
		}
		if start > 0 {
			// A scope opening right where one over the same variable
			// closed continues it: the new address is stored inside.
			if prev := p.node(stmts[start-1]); prev.Op == lowast.OpFixed && prev.Var == v {
				prev.Block = append(append(prev.Block, stmts[i]), block...)
				prev.Ranges = mergeRanges(prev, p.node(stmts[end]))
				out := append([]lowast.NodeID(nil), stmts[:start]...)
				stmts = append(out, stmts[end+1:]...)
				i = start - 1
				continue
			}
		}
		fixed := p.b.Add(lowast.Node{
			Op:     lowast.OpFixed,
			Var:    v,
			Type:   p.b.Vars[v].Type,
			Args:   []lowast.NodeID{init},
			Block:  block,
			Ranges: mergeRanges(p.node(stmts[i]), p.node(stmts[end])),
		})
		out := append([]lowast.NodeID(nil), stmts[:start]...)
		out = append(out, fixed)
		stmts = append(out, stmts[end+1:]...)
		i = start
	}
	return stmts, nil
}

// closed checks that no branch crosses the boundary of stmts[from:to].
func (p *pass) closed(stmts []lowast.NodeID, from, to int) error {
	inside := make(map[lowast.LabelID]bool)
	for _, s := range stmts[from:to] {
		lowast.Walk(p.b, s, func(id lowast.NodeID) bool {
			if n := p.node(id); n.Op == lowast.OpLabel {
				inside[n.Label] = true
			}
			return true
		})
	}
	var err error
	for k, s := range stmts {
		in := k >= from && k < to
		lowast.Walk(p.b, s, func(id lowast.NodeID) bool {
			n := p.node(id)
			if (n.Op == lowast.OpBr || n.Op == lowast.OpBrTrue) && inside[n.Label] != in && err == nil {
				if in {
					err = fmt.Errorf("branch to L%d leaves the scope", n.Label)
				} else {
					err = fmt.Errorf("branch to L%d enters the scope", n.Label)
				}
			}
			return true
		})
	}
	return err
}
