// Package peephole normalizes a Low-Level AST into the idioms a human
// would write: compound assignments, increments, chained assignments,
// pinned scopes, folded literals and inlined temporaries.
//
// Rules run to a fixed point. When a rule finds the body in a shape it
// cannot account for, every rewrite of the run is undone and the body is
// left in its unnormalized (still correct) form.
package peephole

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/kernelize/compiler/lowast"
)

var log = commonlog.GetLogger("kernelize.peephole")

const maxRounds = 32

// Result reports how normalization went.
type Result struct {
	Rounds   int
	Rewrites int

	// Fallback is set when normalization was abandoned and the body
	// restored.
	Fallback bool
	Reason   error
}

// Normalize rewrites body in place.
func Normalize(body *lowast.Body) (res Result) {
	snap := body.Snapshot()
	defer func() {
		if r := recover(); r != nil {
			res.Reason = fmt.Errorf("panic: %v", r)
		}
		if res.Reason != nil {
			body.Restore(snap)
			res.Fallback = true
			log.Warningf("%s: normalization abandoned: %v", body.Method.FullID(), res.Reason)
		}
	}()

	p := &pass{b: body}
	for res.Rounds = 1; res.Rounds <= maxRounds; res.Rounds++ {
		p.changed = 0
		p.exprs()
		stmts, err := p.list(body.Stmts)
		if err != nil {
			res.Reason = err
			return res
		}
		body.Stmts = stmts
		res.Rewrites += p.changed
		if p.changed == 0 {
			break
		}
	}
	if err := p.pins(); err != nil {
		res.Reason = err
		return res
	}
	return res
}

type pass struct {
	b       *lowast.Body
	refs    lowast.VarRefs
	changed int
}

func (p *pass) node(id lowast.NodeID) *lowast.Node { return p.b.Node(id) }

func (p *pass) recount() { p.refs = lowast.CountRefs(p.b) }

// list applies the statement rules to one statement list, descending
// into fixed blocks.
func (p *pass) list(stmts []lowast.NodeID) ([]lowast.NodeID, error) {
	p.recount()
	rules := []func([]lowast.NodeID, int) ([]lowast.NodeID, bool, error){
		p.cachedDelegate,
		p.compound,
		p.postIncrement,
		p.elementPostIncrement,
		p.preIncrement,
		p.chain,
		p.inline,
		p.deadStore,
	}
	for i := 0; i < len(stmts); i++ {
		if n := p.node(stmts[i]); n.Op == lowast.OpFixed {
			block, err := p.list(n.Block)
			if err != nil {
				return nil, err
			}
			p.node(stmts[i]).Block = block
			p.recount()
		}
		for _, rule := range rules {
			out, ok, err := rule(stmts, i)
			if err != nil {
				return nil, err
			}
			if ok {
				stmts = out
				p.changed++
				p.recount()
				i = max(i-2, -1)
				break
			}
		}
	}
	return stmts, nil
}

// remove deletes stmts[i:j].
func remove(stmts []lowast.NodeID, i, j int) []lowast.NodeID {
	out := make([]lowast.NodeID, 0, len(stmts)-(j-i))
	out = append(out, stmts[:i]...)
	return append(out, stmts[j:]...)
}

func (p *pass) generated(v lowast.VarID) bool {
	return p.b.Vars[v].Generated && !p.b.Vars[v].AddressTaken
}

// storeOf matches store(v, value).
func (p *pass) storeOf(id lowast.NodeID) (lowast.VarID, lowast.NodeID, bool) {
	n := p.node(id)
	if n.Op != lowast.OpStore {
		return lowast.NoVar, lowast.NoNode, false
	}
	return n.Var, n.Args[0], true
}

func (p *pass) isLoadOf(id lowast.NodeID, v lowast.VarID) bool {
	n := p.node(id)
	return n.Op == lowast.OpLoad && n.Var == v
}

// unit returns the sign of a literal 1 or -1.
func (p *pass) unit(id lowast.NodeID) (int, bool) {
	n := p.node(id)
	switch {
	case n.Op == lowast.OpInt && n.Int == 1, n.Op == lowast.OpFloat && n.Float == 1:
		return 1, true
	case n.Op == lowast.OpInt && n.Int == -1, n.Op == lowast.OpFloat && n.Float == -1:
		return -1, true
	}
	return 0, false
}

// lvalue turns an address expression into the location it addresses,
// reusing the address node's operands.
func (p *pass) lvalue(addr lowast.NodeID) lowast.NodeID {
	a := p.node(addr)
	n := lowast.Node{Args: a.Args, Ranges: a.Ranges, Field: a.Field, Var: a.Var}
	switch a.Op {
	case lowast.OpAddrVar:
		n.Op = lowast.OpLoad
		n.Type = p.b.Vars[a.Var].Type
	case lowast.OpAddrField:
		if a.Field.FixedLen > 0 {
			return p.b.Add(lowast.Node{Op: lowast.OpDeref, Args: []lowast.NodeID{addr}, Type: a.Field.Type, Ranges: a.Ranges})
		}
		n.Op = lowast.OpField
		n.Type = a.Field.Type
	case lowast.OpAddrStatic:
		n.Op = lowast.OpStatic
		n.Type = a.Field.Type
	case lowast.OpAddrElem:
		n.Op = lowast.OpElem
		n.Type = lowast.ElemType(a.Type)
	default:
		return p.b.Add(lowast.Node{Op: lowast.OpDeref, Args: []lowast.NodeID{addr}, Type: lowast.ElemType(a.Type), Ranges: a.Ranges})
	}
	return p.b.Add(n)
}

// storeTarget splits a store statement into its location and value.
func (p *pass) storeTarget(id lowast.NodeID) (lv, val lowast.NodeID, ok bool) {
	n := p.node(id)
	last := len(n.Args) - 1
	switch n.Op {
	case lowast.OpStore:
		return p.b.Load(n.Var), n.Args[0], true
	case lowast.OpStoreField:
		return p.b.Add(lowast.Node{Op: lowast.OpField, Field: n.Field, Args: n.Args[:1], Type: n.Field.Type, Ranges: n.Ranges}), n.Args[1], true
	case lowast.OpStoreStatic:
		return p.b.Add(lowast.Node{Op: lowast.OpStatic, Field: n.Field, Type: n.Field.Type, Ranges: n.Ranges}), n.Args[0], true
	case lowast.OpStoreElem:
		return p.b.Add(lowast.Node{Op: lowast.OpElem, Args: n.Args[:last:last], Type: n.Type, Ranges: n.Ranges}), n.Args[last], true
	case lowast.OpStoreDeref:
		return p.b.Add(lowast.Node{Op: lowast.OpDeref, Args: n.Args[:1], Type: n.Type, Ranges: n.Ranges}), n.Args[1], true
	}
	return lowast.NoNode, lowast.NoNode, false
}

func mergeRanges(ns ...*lowast.Node) []lowast.Range {
	var out []lowast.Range
	for _, n := range ns {
		out = append(out, n.Ranges...)
	}
	return out
}
