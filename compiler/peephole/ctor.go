package peephole

import (
	"github.com/chazu/kernelize/compiler/lowast"
	"github.com/chazu/kernelize/image"
)

// Init is a field initializer lifted out of a constructor body. Value
// belongs to Body.
type Init struct {
	Field *image.Field
	Body  *lowast.Body
	Value lowast.NodeID
}

// TypeShape is the declaration-level form of a type after its
// constructors have been normalized.
type TypeShape struct {
	Type *image.TypeDef

	// FieldInits run at the start of every constructor that does not
	// chain to another constructor of the same type.
	FieldInits  []Init
	StaticInits []Init

	// ElidedCtor is set when the only constructor is parameterless and
	// empty. It need not be emitted.
	ElidedCtor *image.Method

	// RemovedCctor is set when the type initializer consisted only of
	// static field initializers.
	RemovedCctor bool
}

// NormalizeType rewrites the constructor bodies of td in place: chained
// constructor calls become this/base initializers and field assignments
// shared by every constructor become declaration initializers. bodies
// holds the already normalized bodies of td's methods.
func NormalizeType(td *image.TypeDef, bodies map[*image.Method]*lowast.Body) TypeShape {
	shape := TypeShape{Type: td}

	var plain []*lowast.Body
	for _, m := range td.Constructors() {
		b := bodies[m]
		if b == nil {
			continue
		}
		if !chainInit(b) {
			plain = append(plain, b)
		}
	}
	shape.FieldInits = hoistFieldInits(plain)

	if ctors := td.Constructors(); len(ctors) == 1 && len(ctors[0].Params) == 0 && len(shape.FieldInits) == 0 {
		if b := bodies[ctors[0]]; b != nil && empty(b) {
			shape.ElidedCtor = ctors[0]
		}
	}

	if cc := td.StaticConstructor(); cc != nil && td.BeforeFieldInit {
		if b := bodies[cc]; b != nil {
			shape.StaticInits = hoistStaticInits(td, b)
			shape.RemovedCctor = empty(b)
		}
	}
	return shape
}

// chainInit turns a leading call to another constructor on this into a
// ThisInit (same type) or BaseInit node and reports whether it was a
// ThisInit.
func chainInit(b *lowast.Body) bool {
	for _, s := range b.Stmts {
		n := b.Node(s)
		if n.Op == lowast.OpStoreField && isThis(b, n.Args[0]) {
			continue
		}
		if n.Op != lowast.OpCall || !n.Method.IsCtor() || len(n.Args) == 0 || !isThis(b, n.Args[0]) {
			return false
		}
		if n.Method.Owner == b.Method.Owner {
			n.Op = lowast.OpThisInit
			return true
		}
		n.Op = lowast.OpBaseInit
		return false
	}
	return false
}

func isThis(b *lowast.Body, id lowast.NodeID) bool {
	n := b.Node(id)
	return n.Op == lowast.OpLoad && n.Var == 0 && b.Method.HasThis()
}

// constant reports whether the value depends on nothing but literals.
func constant(b *lowast.Body, id lowast.NodeID) bool {
	ok := true
	lowast.Walk(b, id, func(nid lowast.NodeID) bool {
		n := b.Node(nid)
		switch {
		case n.Op.IsLiteral(), n.Op.IsBinary(), n.Op == lowast.OpNeg, n.Op == lowast.OpNot, n.Op == lowast.OpConv:
		default:
			ok = false
		}
		return ok
	})
	return ok
}

// hoistFieldInits removes the leading constant field assignments that all
// bodies share, in the same order.
func hoistFieldInits(bodies []*lowast.Body) []Init {
	if len(bodies) == 0 {
		return nil
	}
	var inits []Init
	first := bodies[0]
	for k := 0; k < len(first.Stmts); k++ {
		ref := first.Node(first.Stmts[k])
		if ref.Op != lowast.OpStoreField || !isThis(first, ref.Args[0]) || !constant(first, ref.Args[1]) {
			break
		}
		shared := true
		for _, b := range bodies[1:] {
			if k >= len(b.Stmts) || !lowast.Equal(first, first.Stmts[k], b, b.Stmts[k]) {
				shared = false
				break
			}
		}
		if !shared {
			break
		}
		inits = append(inits, Init{Field: ref.Field, Body: first, Value: ref.Args[1]})
	}
	for _, b := range bodies {
		b.Stmts = b.Stmts[len(inits):]
	}
	return inits
}

// hoistStaticInits removes the leading constant static assignments of a
// type initializer.
func hoistStaticInits(td *image.TypeDef, b *lowast.Body) []Init {
	var inits []Init
	for _, s := range b.Stmts {
		n := b.Node(s)
		if n.Op != lowast.OpStoreStatic || n.Field.Owner != td || !constant(b, n.Args[0]) {
			break
		}
		inits = append(inits, Init{Field: n.Field, Body: b, Value: n.Args[0]})
	}
	b.Stmts = b.Stmts[len(inits):]
	return inits
}

// empty reports whether the body does nothing but return.
func empty(b *lowast.Body) bool {
	for _, s := range b.Stmts {
		if n := b.Node(s); n.Op != lowast.OpRet || len(n.Args) > 0 {
			return false
		}
	}
	return true
}
