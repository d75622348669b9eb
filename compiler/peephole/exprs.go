package peephole

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/chazu/kernelize/compiler/lowast"
	"github.com/chazu/kernelize/image"
)

// exprs applies the node-local rewrites across the body.
func (p *pass) exprs() {
	lowast.WalkStmts(p.b, func(id lowast.NodeID) bool {
		if p.rewrite(id) {
			p.changed++
		}
		return true
	})
}

func (p *pass) rewrite(id lowast.NodeID) bool {
	n := p.node(id)
	switch n.Op {
	case lowast.OpDeref:
		if loc, ok := p.direct(n.Args[0], n.Type); ok {
			loc.Ranges = mergeRanges(n, p.node(n.Args[0]))
			p.b.Replace(id, loc)
			return true
		}
	case lowast.OpStoreDeref:
		if loc, ok := p.direct(n.Args[0], n.Type); ok {
			st := lowast.Node{Type: n.Type, Field: loc.Field, Var: loc.Var, Ranges: mergeRanges(n, p.node(n.Args[0]))}
			switch loc.Op {
			case lowast.OpLoad:
				st.Op = lowast.OpStore
				st.Args = []lowast.NodeID{n.Args[1]}
			case lowast.OpField:
				st.Op = lowast.OpStoreField
				st.Args = []lowast.NodeID{loc.Args[0], n.Args[1]}
			case lowast.OpStatic:
				st.Op = lowast.OpStoreStatic
				st.Args = []lowast.NodeID{n.Args[1]}
			case lowast.OpElem:
				st.Op = lowast.OpStoreElem
				st.Args = append(append([]lowast.NodeID(nil), loc.Args...), n.Args[1])
			}
			p.b.Replace(id, st)
			return true
		}
	case lowast.OpCall:
		if n.Method.Intrinsic != image.IntrinsicDecimalCtor || len(n.Args) < 2 {
			return false
		}
		d, ok := p.decimalArgs(n.Args[1:])
		if !ok {
			return false
		}
		lit := p.b.Add(lowast.Node{Op: lowast.OpDecimal, Dec: d, Type: image.Prim(image.KindDecimal), Ranges: n.Ranges})
		recv := p.node(n.Args[0])
		if recv.Op == lowast.OpAddrVar {
			p.b.Replace(id, lowast.Node{Op: lowast.OpStore, Var: recv.Var, Args: []lowast.NodeID{lit}, Type: p.b.Vars[recv.Var].Type, Ranges: n.Ranges})
		} else {
			p.b.Replace(id, lowast.Node{Op: lowast.OpStoreDeref, Args: []lowast.NodeID{n.Args[0], lit}, Type: image.Prim(image.KindDecimal), Ranges: n.Ranges})
		}
		return true
	case lowast.OpNewObj:
		if n.Method.Intrinsic != image.IntrinsicDecimalCtor {
			return false
		}
		d, ok := p.decimalArgs(n.Args)
		if !ok {
			return false
		}
		p.b.Replace(id, lowast.Node{Op: lowast.OpDecimal, Dec: d, Type: image.Prim(image.KindDecimal), Ranges: n.Ranges})
		return true
	case lowast.OpConv:
		v := p.node(n.Args[0])
		if v.Op != lowast.OpInt || v.Type == nil || v.Type.Kind != image.KindI32 {
			return false
		}
		switch n.Type.Kind {
		case image.KindI64:
			p.b.Replace(id, lowast.Node{Op: lowast.OpInt, Int: v.Int, Type: n.Type, Ranges: mergeRanges(n, v)})
			return true
		case image.KindI32:
			p.b.Replace(id, lowast.Node{Op: lowast.OpInt, Int: v.Int, Type: n.Type, Ranges: mergeRanges(n, v)})
			return true
		}
	}
	return false
}

// direct resolves an indirect access through a known address to the
// location itself.
func (p *pass) direct(addr lowast.NodeID, t *image.Type) (lowast.Node, bool) {
	a := p.node(addr)
	switch a.Op {
	case lowast.OpAddrVar:
		if !p.b.Vars[a.Var].Type.Equal(t) {
			return lowast.Node{}, false
		}
		return lowast.Node{Op: lowast.OpLoad, Var: a.Var, Type: t}, true
	case lowast.OpAddrField:
		if a.Field.FixedLen > 0 || !a.Field.Type.Equal(t) {
			return lowast.Node{}, false
		}
		return lowast.Node{Op: lowast.OpField, Field: a.Field, Args: a.Args, Type: t}, true
	case lowast.OpAddrStatic:
		if !a.Field.Type.Equal(t) {
			return lowast.Node{}, false
		}
		return lowast.Node{Op: lowast.OpStatic, Field: a.Field, Type: t}, true
	case lowast.OpAddrElem:
		if !lowast.ElemType(a.Type).Equal(t) {
			return lowast.Node{}, false
		}
		return lowast.Node{Op: lowast.OpElem, Args: a.Args, Type: t}, true
	}
	return lowast.Node{}, false
}

// decimalArgs folds the constructor forms (value), (lo, mid, hi, flags)
// and (lo, mid, hi, negative, scale) when every argument is a literal.
func (p *pass) decimalArgs(args []lowast.NodeID) (decimal.Decimal, bool) {
	vals := make([]int64, len(args))
	for i, a := range args {
		n := p.node(a)
		if n.Op != lowast.OpInt {
			return decimal.Decimal{}, false
		}
		vals[i] = n.Int
	}
	return DecimalFromParts(vals)
}

// DecimalFromParts builds a decimal from the integer arguments of one of
// its constructors.
func DecimalFromParts(vals []int64) (decimal.Decimal, bool) {
	var neg bool
	var scale int64
	switch len(vals) {
	case 1:
		return decimal.NewFromInt(vals[0]), true
	case 4:
		flags := uint32(vals[3])
		neg = flags&0x80000000 != 0
		scale = int64(flags>>16) & 0xFF
	case 5:
		neg = vals[3] != 0
		scale = vals[4]
	default:
		return decimal.Decimal{}, false
	}
	if scale < 0 || scale > 28 {
		return decimal.Decimal{}, false
	}
	mag := new(big.Int).SetUint64(uint64(uint32(vals[2])))
	mag.Lsh(mag, 32)
	mag.Or(mag, new(big.Int).SetUint64(uint64(uint32(vals[1]))))
	mag.Lsh(mag, 32)
	mag.Or(mag, new(big.Int).SetUint64(uint64(uint32(vals[0]))))
	if neg {
		mag.Neg(mag)
	}
	return decimal.NewFromBigInt(mag, int32(-scale)), true
}
