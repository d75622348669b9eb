// Package highast holds the High-Level AST: structured statements and
// typed expressions over self-contained declarations (functions, structs
// and global regions). It is what the kernel emitter prints and what the
// emulator executes.
package highast

import (
	"github.com/shopspring/decimal"

	"github.com/chazu/kernelize/image"
)

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

// Span locates a node in the bytecode of the method it came from.
type Span struct {
	Start int
	End   int
}

// Node is the interface implemented by all HL nodes.
type Node interface {
	Span() Span
	node() // marker method
}

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	Type() *image.Type
	expr() // marker method
}

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

type exprBase struct {
	SpanVal Span
	T       *image.Type
}

func (e *exprBase) Span() Span        { return e.SpanVal }
func (e *exprBase) Type() *image.Type { return e.T }
func (e *exprBase) node()             {}
func (e *exprBase) expr()             {}

type stmtBase struct {
	SpanVal Span
}

func (s *stmtBase) Span() Span { return s.SpanVal }
func (s *stmtBase) node()      {}
func (s *stmtBase) stmt()      {}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// Op is a unary or binary operator.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpLogAnd
	OpLogOr
	OpNeg
	OpNot    // bitwise complement
	OpLogNot // logical negation
)

var opSymbols = [...]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpRem: "%",
	OpAnd: "&", OpOr: "|", OpXor: "^", OpShl: "<<", OpShr: ">>",
	OpEq: "==", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpLogAnd: "&&", OpLogOr: "||", OpNeg: "-", OpNot: "~", OpLogNot: "!",
}

// Symbol returns the C spelling of the operator.
func (op Op) Symbol() string {
	if int(op) < len(opSymbols) {
		return opSymbols[op]
	}
	return "?"
}

func (op Op) String() string { return op.Symbol() }

// IsCompare reports whether op is a relational operator.
func (op Op) IsCompare() bool { return op >= OpEq && op <= OpGe }

// IsLogical reports whether op is && or ||.
func (op Op) IsLogical() bool { return op == OpLogAnd || op == OpLogOr }

// Inverse returns the relational operator testing the opposite outcome.
func (op Op) Inverse() Op {
	switch op {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpLe:
		return OpGt
	case OpGt:
		return OpLe
	case OpGe:
		return OpLt
	}
	return op
}

// BuiltinKind selects a thread-geometry builtin.
type BuiltinKind uint8

const (
	BuiltinThreadIdx BuiltinKind = iota + 1
	BuiltinBlockIdx
	BuiltinBlockDim
	BuiltinGridDim
	BuiltinWarpSize
)

func (k BuiltinKind) String() string {
	switch k {
	case BuiltinThreadIdx:
		return "threadIdx"
	case BuiltinBlockIdx:
		return "blockIdx"
	case BuiltinBlockDim:
		return "blockDim"
	case BuiltinGridDim:
		return "gridDim"
	case BuiltinWarpSize:
		return "warpSize"
	}
	return "builtin?"
}

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// IntLit is an integer, bool or char literal.
type IntLit struct {
	exprBase
	Value int64
}

// FloatLit is a floating-point literal.
type FloatLit struct {
	exprBase
	Value float64
}

// DecimalLit is a decimal literal. Kernels compute decimals in double
// precision.
type DecimalLit struct {
	exprBase
	Value decimal.Decimal
}

// NullLit is the null pointer.
type NullLit struct {
	exprBase
}

// DefaultLit is the zero value of its type.
type DefaultLit struct {
	exprBase
}

// VarRef reads or names a parameter or local.
type VarRef struct {
	exprBase
	Var *Var
}

// GlobalRef names a static region.
type GlobalRef struct {
	exprBase
	Global *Global
}

// FieldRef selects a struct field. X is a struct value; access through a
// pointer is written FieldRef{X: Deref{p}}.
type FieldRef struct {
	exprBase
	X     Expr
	Field *Field
}

// Index selects an array element. Rank-2 arrays take two indices.
type Index struct {
	exprBase
	X       Expr
	Indices []Expr
}

// Len is the extent of dimension Dim of an array.
type Len struct {
	exprBase
	X   Expr
	Dim int
}

// AddrOf takes the address of a location.
type AddrOf struct {
	exprBase
	X Expr
}

// Deref is the location a pointer designates.
type Deref struct {
	exprBase
	X Expr
}

// Binary is an arithmetic, bitwise, relational or logical operation.
// Unsigned selects unsigned integer semantics; on floating-point
// comparisons it selects the unordered variant.
type Binary struct {
	exprBase
	Op       Op
	X, Y     Expr
	Unsigned bool
	Checked  bool
}

// Unary is negation, complement or logical not.
type Unary struct {
	exprBase
	Op Op
	X  Expr
}

// Conv converts X to the node's type.
type Conv struct {
	exprBase
	X       Expr
	Checked bool
}

// Call invokes a translated function. Constructors return the built value.
type Call struct {
	exprBase
	Func *Function
	Args []Expr
}

// MathCall invokes a math library function such as sqrt or min.
type MathCall struct {
	exprBase
	Name string
	Args []Expr
}

// Builtin reads a thread-geometry component. Axis is 0, 1 or 2.
type Builtin struct {
	exprBase
	Kind BuiltinKind
	Axis int
}

// Assign stores RHS into LHS and yields the stored value.
type Assign struct {
	exprBase
	LHS, RHS Expr
}

// Compound is LHS op= RHS.
type Compound struct {
	exprBase
	Op       Op
	LHS, RHS Expr
	Unsigned bool
	Checked  bool
}

// IncDec is ++/-- in prefix or postfix position.
type IncDec struct {
	exprBase
	X       Expr
	Delta   int
	Post    bool
	Checked bool
}

// ---------------------------------------------------------------------------
// Statement nodes
// ---------------------------------------------------------------------------

// ExprStmt evaluates an expression for its effects.
type ExprStmt struct {
	stmtBase
	X Expr
}

// Return leaves the function. X is nil in void functions.
type Return struct {
	stmtBase
	X Expr
}

// If is a two-way conditional. Else may be empty.
type If struct {
	stmtBase
	Cond Expr
	Then []Stmt
	Else []Stmt
}

// While is a pre-tested loop.
type While struct {
	stmtBase
	Cond Expr
	Body []Stmt
}

// DoWhile is a post-tested loop.
type DoWhile struct {
	stmtBase
	Body []Stmt
	Cond Expr
}

// For is a counted loop recovered from an initialized while loop.
type For struct {
	stmtBase
	Init Stmt
	Cond Expr
	Post Stmt
	Body []Stmt
}

// Break leaves the innermost loop.
type Break struct {
	stmtBase
}

// Continue starts the next iteration of the innermost loop.
type Continue struct {
	stmtBase
}

// Fixed pins Init for the duration of Body, binding its address to Var.
type Fixed struct {
	stmtBase
	Var  *Var
	Init Expr
	Body []Stmt
}

// Barrier synchronizes the threads of a block.
type Barrier struct {
	stmtBase
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// VarKind distinguishes parameters from locals.
type VarKind uint8

const (
	VarParam VarKind = iota
	VarLocal
)

// Var is a parameter or local of a function.
type Var struct {
	Name  string
	Type  *image.Type
	Kind  VarKind
	Index int // position in Function.Params or Function.Locals

	Space     image.AddressSpace
	SharedLen int // element count of a block-shared array local

	Thread    bool // the thread-context parameter
	Generated bool
	Pinned    bool
}

// Struct is a value type with its device layout.
type Struct struct {
	Name   string
	Fields []*Field
	Size   int
	Align  int
	Packed bool
}

// Field is a struct member. FixedLen > 0 declares an inline array.
type Field struct {
	Owner    *Struct
	Name     string
	Type     *image.Type
	FixedLen int
	Offset   int
	Init     Expr // declaration initializer shared by the constructors
}

// Global is a static region: a constant region when Space is
// SpaceConstant, otherwise a device global.
type Global struct {
	Name  string
	Type  *image.Type // element type when Len > 0
	Len   int
	Space image.AddressSpace
	Init  Expr
}

// Function is a translated method.
type Function struct {
	Name   string // identifier in emitted source
	ID     string // Owner::name(sig) of the method it came from
	Entry  bool
	Inline image.InlineMode
	Ctor   bool // returns Self
	Self   *Var

	Params []*Var
	Locals []*Var
	Return *image.Type
	Body   []Stmt
}

// Program is every declaration of one translation session.
type Program struct {
	Name      string
	Structs   []*Struct
	Globals   []*Global
	Functions []*Function
}

// Function returns the function called name.
func (p *Program) Function(name string) *Function {
	for _, f := range p.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Entries returns the kernel entry points in declaration order.
func (p *Program) Entries() []*Function {
	var out []*Function
	for _, f := range p.Functions {
		if f.Entry {
			out = append(out, f)
		}
	}
	return out
}

// Struct returns the struct called name.
func (p *Program) Struct(name string) *Struct {
	for _, s := range p.Structs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Global returns the global called name.
func (p *Program) Global(name string) *Global {
	for _, g := range p.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Field returns the member called name.
func (s *Struct) Field(name string) *Field {
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}
