// Package lowast is the Low-Level AST: the typed expression-tree form a
// method body is decompiled into by simulating the operand stack.
//
// A Body owns an arena of nodes addressed by NodeID and a table of
// variables addressed by VarID. Nodes never point at each other directly;
// rewrites replace the node stored at an index, so no alias survives a
// rewrite.
package lowast

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/chazu/kernelize/image"
)

// Op tags a node kind.
type Op uint8

const (
	OpInvalid Op = iota

	// Literals
	OpInt     // Int, Type
	OpFloat   // Float, Type
	OpNull    // null reference
	OpString  // Str
	OpDecimal // Dec
	OpDefault // zero value of Type

	// Variables
	OpLoad    // Var
	OpStore   // Var, Args[value]
	OpAddrVar // Var

	// Fields
	OpField       // Field, Args[obj]
	OpStoreField  // Field, Args[obj, value]
	OpAddrField   // Field, Args[obj]
	OpStatic      // Field
	OpStoreStatic // Field, Args[value]
	OpAddrStatic  // Field

	// Arrays
	OpElem      // Type (element), Args[arr, idx...]
	OpStoreElem // Type, Args[arr, idx..., value]
	OpAddrElem  // Type, Args[arr, idx...]
	OpLen       // Args[arr]
	OpDimLen    // Int (dimension), Args[arr]

	// Indirect access
	OpDeref      // Type, Args[addr]
	OpStoreDeref // Type, Args[addr, value]

	// Arithmetic; Unsigned selects the unsigned variant, Checked the
	// overflow-checking one.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpNeg
	OpNot

	// Comparisons yield bool. Unsigned means unsigned for integers and
	// unordered for floats.
	OpCeq
	OpCne
	OpClt
	OpCle
	OpCgt
	OpCge
	OpLogicalNot

	OpConv // Type (target), Unsigned for conv.r.un, Args[value]

	// Calls
	OpCall   // Method, Args (receiver first for instance methods)
	OpNewObj // Method (constructor), Args
	OpFtn    // Method

	// Control
	OpRet    // Args[value] unless void
	OpBr     // Label
	OpBrTrue // Label, Args[cond]
	OpLabel  // Label

	// Normalized forms
	OpAssign   // Args[lvalue, value]; yields the stored value
	OpCompound // Assign (operator), Args[lvalue, value]
	OpIncDec   // Delta, Post, Checked, Args[lvalue]
	OpFixed    // Var, Args[init], Block
	OpThisInit // Method (chained constructor), Args[receiver, args...]
	OpBaseInit // Method (base constructor), Args[receiver, args...]
)

var opNames = [...]string{
	OpInvalid:     "invalid",
	OpInt:         "int",
	OpFloat:       "float",
	OpNull:        "null",
	OpString:      "string",
	OpDecimal:     "decimal",
	OpDefault:     "default",
	OpLoad:        "load",
	OpStore:       "store",
	OpAddrVar:     "addr",
	OpField:       "field",
	OpStoreField:  "stfield",
	OpAddrField:   "addrfield",
	OpStatic:      "static",
	OpStoreStatic: "ststatic",
	OpAddrStatic:  "addrstatic",
	OpElem:        "elem",
	OpStoreElem:   "stelem",
	OpAddrElem:    "addrelem",
	OpLen:         "len",
	OpDimLen:      "dimlen",
	OpDeref:       "deref",
	OpStoreDeref:  "stderef",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDiv:         "div",
	OpRem:         "rem",
	OpAnd:         "and",
	OpOr:          "or",
	OpXor:         "xor",
	OpShl:         "shl",
	OpShr:         "shr",
	OpNeg:         "neg",
	OpNot:         "not",
	OpCeq:         "ceq",
	OpCne:         "cne",
	OpClt:         "clt",
	OpCle:         "cle",
	OpCgt:         "cgt",
	OpCge:         "cge",
	OpLogicalNot:  "lnot",
	OpConv:        "conv",
	OpCall:        "call",
	OpNewObj:      "newobj",
	OpFtn:         "ftn",
	OpRet:         "ret",
	OpBr:          "br",
	OpBrTrue:      "brtrue",
	OpLabel:       "label",
	OpAssign:      "assign",
	OpCompound:    "compound",
	OpIncDec:      "incdec",
	OpFixed:       "fixed",
	OpThisInit:    "thisinit",
	OpBaseInit:    "baseinit",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// IsBinary reports whether op is a two-operand arithmetic or bitwise op.
func (op Op) IsBinary() bool { return op >= OpAdd && op <= OpShr }

// IsCompare reports whether op is a comparison.
func (op Op) IsCompare() bool { return op >= OpCeq && op <= OpCge }

// IsLiteral reports whether op is a constant.
func (op Op) IsLiteral() bool { return op >= OpInt && op <= OpDefault }

// IsLoad reports whether op reads a location that can also be stored to.
func (op Op) IsLoad() bool {
	switch op {
	case OpLoad, OpField, OpStatic, OpElem, OpDeref:
		return true
	}
	return false
}

// IsStore reports whether op is one of the store statements.
func (op Op) IsStore() bool {
	switch op {
	case OpStore, OpStoreField, OpStoreStatic, OpStoreElem, OpStoreDeref:
		return true
	}
	return false
}

// IsAddress reports whether op computes the address of a location.
func (op Op) IsAddress() bool {
	switch op {
	case OpAddrVar, OpAddrField, OpAddrStatic, OpAddrElem:
		return true
	}
	return false
}

// NodeID addresses a node in a body's arena.
type NodeID int32

// NoNode is the zero reference.
const NoNode NodeID = -1

// VarID addresses a variable in a body's table.
type VarID int32

// NoVar is the zero variable reference.
const NoVar VarID = -1

// LabelID names a branch target.
type LabelID int32

// Range is a bytecode span [Start, End).
type Range struct {
	Start, End int
}

// Node is one LowNode.
type Node struct {
	Op   Op
	Args []NodeID
	Type *image.Type // inferred result type (element type for array ops)

	Int   int64
	Float float64
	Str   string
	Dec   decimal.Decimal

	Var    VarID
	Field  *image.Field
	Method *image.Method
	Label  LabelID

	Unsigned bool
	Checked  bool

	Assign Op   // operator of OpCompound
	Delta  int  // +1 or -1 for OpIncDec
	Post   bool // OpIncDec yields the old value

	Block []NodeID // OpFixed

	Ranges []Range
}

// Offset returns the first bytecode offset the node was built from, or -1.
func (n *Node) Offset() int {
	if len(n.Ranges) == 0 {
		return -1
	}
	min := n.Ranges[0].Start
	for _, r := range n.Ranges[1:] {
		if r.Start < min {
			min = r.Start
		}
	}
	return min
}

// VarKind distinguishes argument, local and builder temporaries.
type VarKind uint8

const (
	VarArg VarKind = iota
	VarLocal
	VarTemp
)

// Var is a variable identity. Nodes refer to it by VarID.
type Var struct {
	Name string
	Type *image.Type
	Kind VarKind
	Slot int // argument or local slot; -1 for temporaries

	Generated    bool // not named in source
	Pinned       bool
	AddressTaken bool
	Space        image.AddressSpace // parameter address space
}

// Body is the Low-Level AST of one method.
type Body struct {
	Method *image.Method
	Image  *image.Image
	Nodes  []Node
	Vars   []Var
	Stmts  []NodeID

	labels int
}

// Node returns the node stored at id.
func (b *Body) Node(id NodeID) *Node { return &b.Nodes[id] }

// Add appends a node and returns its id.
func (b *Body) Add(n Node) NodeID {
	b.Nodes = append(b.Nodes, n)
	return NodeID(len(b.Nodes) - 1)
}

// Replace stores n at id.
func (b *Body) Replace(id NodeID, n Node) { b.Nodes[id] = n }

// Var returns the variable with the given id.
func (b *Body) Var(id VarID) *Var { return &b.Vars[id] }

// NewTemp declares a generated temporary.
func (b *Body) NewTemp(t *image.Type) VarID {
	id := VarID(len(b.Vars))
	b.Vars = append(b.Vars, Var{Name: fmt.Sprintf("t%d", id), Type: t, Kind: VarTemp, Slot: -1, Generated: true})
	return id
}

// NewLabel allocates a fresh label.
func (b *Body) NewLabel() LabelID {
	b.labels++
	return LabelID(b.labels - 1)
}

// Load builds a variable read.
func (b *Body) Load(v VarID) NodeID {
	return b.Add(Node{Op: OpLoad, Var: v, Type: b.Vars[v].Type})
}

// Clone deep-copies the subtree rooted at id.
func (b *Body) Clone(id NodeID) NodeID {
	n := b.Nodes[id]
	n.Args = b.cloneList(n.Args)
	n.Block = b.cloneList(n.Block)
	n.Ranges = append([]Range(nil), n.Ranges...)
	return b.Add(n)
}

func (b *Body) cloneList(ids []NodeID) []NodeID {
	if ids == nil {
		return nil
	}
	out := make([]NodeID, len(ids))
	for i, a := range ids {
		out[i] = b.Clone(a)
	}
	return out
}

// Snapshot captures the body so a failed rewrite can be undone.
type Snapshot struct {
	nodes  []Node
	vars   []Var
	stmts  []NodeID
	labels int
}

// Snapshot copies the mutable state of b.
func (b *Body) Snapshot() Snapshot {
	s := Snapshot{
		nodes:  make([]Node, len(b.Nodes)),
		vars:   append([]Var(nil), b.Vars...),
		stmts:  append([]NodeID(nil), b.Stmts...),
		labels: b.labels,
	}
	for i, n := range b.Nodes {
		n.Args = append([]NodeID(nil), n.Args...)
		n.Block = append([]NodeID(nil), n.Block...)
		s.nodes[i] = n
	}
	return s
}

// Restore reverts b to s.
func (b *Body) Restore(s Snapshot) {
	b.Nodes = s.nodes
	b.Vars = s.vars
	b.Stmts = s.stmts
	b.labels = s.labels
}
