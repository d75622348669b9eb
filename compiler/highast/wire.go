package highast

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"

	"github.com/chazu/kernelize/image"
)

// Programs travel in CBOR: the emulator toolchain stores an encoded
// Program as the binary of a kernel module. Declarations refer to each
// other by index.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("highast: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireProgram struct {
	Name      string         `cbor:"1,keyasint"`
	Structs   []wireStruct   `cbor:"2,keyasint,omitempty"`
	Globals   []wireGlobal   `cbor:"3,keyasint,omitempty"`
	Functions []wireFunction `cbor:"4,keyasint,omitempty"`
}

type wireStruct struct {
	Name   string      `cbor:"1,keyasint"`
	Size   int         `cbor:"2,keyasint"`
	Align  int         `cbor:"3,keyasint"`
	Packed bool        `cbor:"4,keyasint,omitempty"`
	Fields []wireField `cbor:"5,keyasint,omitempty"`
}

type wireField struct {
	Name     string    `cbor:"1,keyasint"`
	Type     string    `cbor:"2,keyasint"`
	FixedLen int       `cbor:"3,keyasint,omitempty"`
	Offset   int       `cbor:"4,keyasint"`
	Init     *wireExpr `cbor:"5,keyasint,omitempty"`
}

type wireGlobal struct {
	Name  string    `cbor:"1,keyasint"`
	Type  string    `cbor:"2,keyasint"`
	Len   int       `cbor:"3,keyasint,omitempty"`
	Space uint8     `cbor:"4,keyasint"`
	Init  *wireExpr `cbor:"5,keyasint,omitempty"`
}

type wireVar struct {
	Name      string `cbor:"1,keyasint"`
	Type      string `cbor:"2,keyasint"`
	Space     uint8  `cbor:"3,keyasint,omitempty"`
	SharedLen int    `cbor:"4,keyasint,omitempty"`
	Thread    bool   `cbor:"5,keyasint,omitempty"`
	Generated bool   `cbor:"6,keyasint,omitempty"`
	Pinned    bool   `cbor:"7,keyasint,omitempty"`
}

type wireFunction struct {
	Name   string     `cbor:"1,keyasint"`
	ID     string     `cbor:"2,keyasint"`
	Entry  bool       `cbor:"3,keyasint,omitempty"`
	Inline uint8      `cbor:"4,keyasint,omitempty"`
	Ctor   bool       `cbor:"5,keyasint,omitempty"`
	Self   int        `cbor:"6,keyasint"`
	Params []wireVar  `cbor:"7,keyasint,omitempty"`
	Locals []wireVar  `cbor:"8,keyasint,omitempty"`
	Return string     `cbor:"9,keyasint"`
	Body   []wireStmt `cbor:"10,keyasint,omitempty"`
}

const (
	wInt uint8 = iota + 1
	wFloat
	wDecimal
	wNull
	wDefault
	wVar
	wGlobal
	wField
	wIndex
	wLen
	wAddr
	wDeref
	wBinary
	wUnary
	wConv
	wCall
	wMath
	wBuiltin
	wAssign
	wCompound
	wIncDec
)

// wireExpr is the tagged form of every expression. A and B hold
// references: a variable, global or function index, or a struct and
// field index.
type wireExpr struct {
	K    uint8      `cbor:"1,keyasint"`
	T    string     `cbor:"2,keyasint,omitempty"`
	S    []int      `cbor:"3,keyasint,omitempty"`
	Op   uint8      `cbor:"4,keyasint,omitempty"`
	I    int64      `cbor:"5,keyasint,omitempty"`
	F    float64    `cbor:"6,keyasint,omitempty"`
	D    string     `cbor:"7,keyasint,omitempty"`
	Name string     `cbor:"8,keyasint,omitempty"`
	A    int        `cbor:"9,keyasint,omitempty"`
	B    int        `cbor:"10,keyasint,omitempty"`
	Flag uint8      `cbor:"11,keyasint,omitempty"`
	X    []wireExpr `cbor:"12,keyasint,omitempty"`
}

const (
	flagUnsigned uint8 = 1 << iota
	flagChecked
	flagPost
)

const (
	wExprStmt uint8 = iota + 1
	wReturn
	wIf
	wWhile
	wDoWhile
	wFor
	wBreak
	wContinue
	wFixed
	wBarrier
)

type wireStmt struct {
	K    uint8      `cbor:"1,keyasint"`
	S    []int      `cbor:"2,keyasint,omitempty"`
	X    []wireExpr `cbor:"3,keyasint,omitempty"`
	A    int        `cbor:"4,keyasint,omitempty"`
	Body []wireStmt `cbor:"5,keyasint,omitempty"`
	Else []wireStmt `cbor:"6,keyasint,omitempty"`
	Init []wireStmt `cbor:"7,keyasint,omitempty"`
	Post []wireStmt `cbor:"8,keyasint,omitempty"`
}

// MarshalProgram serializes a Program to CBOR bytes.
func MarshalProgram(p *Program) ([]byte, error) {
	enc := newEncoder(p)
	w, err := enc.program()
	if err != nil {
		return nil, fmt.Errorf("highast: marshal program: %w", err)
	}
	return cborEncMode.Marshal(w)
}

// UnmarshalProgram deserializes a Program from CBOR bytes.
func UnmarshalProgram(data []byte) (*Program, error) {
	var w wireProgram
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("highast: unmarshal program: %w", err)
	}
	p, err := decodeProgram(&w)
	if err != nil {
		return nil, fmt.Errorf("highast: unmarshal program: %w", err)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type fieldRef struct{ s, f int }

type encoder struct {
	p       *Program
	structs map[*Struct]int
	fields  map[*Field]fieldRef
	globals map[*Global]int
	funcs   map[*Function]int
	vars    map[*Var]int
}

func newEncoder(p *Program) *encoder {
	e := &encoder{
		p:       p,
		structs: make(map[*Struct]int),
		fields:  make(map[*Field]fieldRef),
		globals: make(map[*Global]int),
		funcs:   make(map[*Function]int),
	}
	for i, s := range p.Structs {
		e.structs[s] = i
		for j, f := range s.Fields {
			e.fields[f] = fieldRef{i, j}
		}
	}
	for i, g := range p.Globals {
		e.globals[g] = i
	}
	for i, f := range p.Functions {
		e.funcs[f] = i
	}
	return e
}

func typeSig(t *image.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func spanOf(sp Span) []int {
	if sp.Start < 0 {
		return nil
	}
	return []int{sp.Start, sp.End}
}

func (e *encoder) program() (*wireProgram, error) {
	w := &wireProgram{Name: e.p.Name}
	for _, s := range e.p.Structs {
		ws := wireStruct{Name: s.Name, Size: s.Size, Align: s.Align, Packed: s.Packed}
		for _, f := range s.Fields {
			wf := wireField{Name: f.Name, Type: typeSig(f.Type), FixedLen: f.FixedLen, Offset: f.Offset}
			if f.Init != nil {
				x, err := e.expr(f.Init)
				if err != nil {
					return nil, err
				}
				wf.Init = &x
			}
			ws.Fields = append(ws.Fields, wf)
		}
		w.Structs = append(w.Structs, ws)
	}
	for _, g := range e.p.Globals {
		wg := wireGlobal{Name: g.Name, Type: typeSig(g.Type), Len: g.Len, Space: uint8(g.Space)}
		if g.Init != nil {
			x, err := e.expr(g.Init)
			if err != nil {
				return nil, err
			}
			wg.Init = &x
		}
		w.Globals = append(w.Globals, wg)
	}
	for _, fn := range e.p.Functions {
		wf, err := e.function(fn)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name, err)
		}
		w.Functions = append(w.Functions, wf)
	}
	return w, nil
}

func wireVarOf(v *Var) wireVar {
	return wireVar{
		Name:      v.Name,
		Type:      typeSig(v.Type),
		Space:     uint8(v.Space),
		SharedLen: v.SharedLen,
		Thread:    v.Thread,
		Generated: v.Generated,
		Pinned:    v.Pinned,
	}
}

func (e *encoder) function(fn *Function) (wireFunction, error) {
	e.vars = make(map[*Var]int)
	w := wireFunction{
		Name:   fn.Name,
		ID:     fn.ID,
		Entry:  fn.Entry,
		Inline: uint8(fn.Inline),
		Ctor:   fn.Ctor,
		Self:   -1,
		Return: typeSig(fn.Return),
	}
	for _, v := range fn.Params {
		e.vars[v] = len(e.vars)
		w.Params = append(w.Params, wireVarOf(v))
	}
	for _, v := range fn.Locals {
		e.vars[v] = len(e.vars)
		w.Locals = append(w.Locals, wireVarOf(v))
	}
	if fn.Self != nil {
		w.Self = e.vars[fn.Self]
	}
	body, err := e.stmts(fn.Body)
	if err != nil {
		return w, err
	}
	w.Body = body
	return w, nil
}

func (e *encoder) stmts(ss []Stmt) ([]wireStmt, error) {
	out := make([]wireStmt, 0, len(ss))
	for _, s := range ss {
		w, err := e.stmt(s)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (e *encoder) stmt(s Stmt) (wireStmt, error) {
	w := wireStmt{S: spanOf(s.Span())}
	var err error
	var xs []Expr
	switch s := s.(type) {
	case *ExprStmt:
		w.K, xs = wExprStmt, []Expr{s.X}
	case *Return:
		w.K = wReturn
		if s.X != nil {
			xs = []Expr{s.X}
		}
	case *If:
		w.K, xs = wIf, []Expr{s.Cond}
		if w.Body, err = e.stmts(s.Then); err != nil {
			return w, err
		}
		if w.Else, err = e.stmts(s.Else); err != nil {
			return w, err
		}
	case *While:
		w.K, xs = wWhile, []Expr{s.Cond}
		w.Body, err = e.stmts(s.Body)
	case *DoWhile:
		w.K, xs = wDoWhile, []Expr{s.Cond}
		w.Body, err = e.stmts(s.Body)
	case *For:
		w.K, xs = wFor, []Expr{s.Cond}
		if w.Init, err = e.stmts([]Stmt{s.Init}); err != nil {
			return w, err
		}
		if w.Post, err = e.stmts([]Stmt{s.Post}); err != nil {
			return w, err
		}
		w.Body, err = e.stmts(s.Body)
	case *Break:
		w.K = wBreak
	case *Continue:
		w.K = wContinue
	case *Fixed:
		w.K, xs = wFixed, []Expr{s.Init}
		w.A = e.vars[s.Var]
		w.Body, err = e.stmts(s.Body)
	case *Barrier:
		w.K = wBarrier
	default:
		return w, fmt.Errorf("unknown statement %T", s)
	}
	if err != nil {
		return w, err
	}
	for _, x := range xs {
		wx, err := e.expr(x)
		if err != nil {
			return w, err
		}
		w.X = append(w.X, wx)
	}
	return w, nil
}

func flags(unsigned, checked, post bool) uint8 {
	var f uint8
	if unsigned {
		f |= flagUnsigned
	}
	if checked {
		f |= flagChecked
	}
	if post {
		f |= flagPost
	}
	return f
}

func (e *encoder) expr(x Expr) (wireExpr, error) {
	w := wireExpr{T: typeSig(x.Type()), S: spanOf(x.Span())}
	var kids []Expr
	switch x := x.(type) {
	case *IntLit:
		w.K, w.I = wInt, x.Value
	case *FloatLit:
		w.K, w.F = wFloat, x.Value
	case *DecimalLit:
		w.K, w.D = wDecimal, x.Value.String()
	case *NullLit:
		w.K = wNull
	case *DefaultLit:
		w.K = wDefault
	case *VarRef:
		idx, ok := e.vars[x.Var]
		if !ok {
			return w, fmt.Errorf("variable %s not declared", x.Var.Name)
		}
		w.K, w.A = wVar, idx
	case *GlobalRef:
		idx, ok := e.globals[x.Global]
		if !ok {
			return w, fmt.Errorf("global %s not declared", x.Global.Name)
		}
		w.K, w.A = wGlobal, idx
	case *FieldRef:
		ref, ok := e.fields[x.Field]
		if !ok {
			return w, fmt.Errorf("field %s not declared", x.Field.Name)
		}
		w.K, w.A, w.B, kids = wField, ref.s, ref.f, []Expr{x.X}
	case *Index:
		w.K, kids = wIndex, append([]Expr{x.X}, x.Indices...)
	case *Len:
		w.K, w.A, kids = wLen, x.Dim, []Expr{x.X}
	case *AddrOf:
		w.K, kids = wAddr, []Expr{x.X}
	case *Deref:
		w.K, kids = wDeref, []Expr{x.X}
	case *Binary:
		w.K, w.Op, w.Flag, kids = wBinary, uint8(x.Op), flags(x.Unsigned, x.Checked, false), []Expr{x.X, x.Y}
	case *Unary:
		w.K, w.Op, kids = wUnary, uint8(x.Op), []Expr{x.X}
	case *Conv:
		w.K, w.Flag, kids = wConv, flags(false, x.Checked, false), []Expr{x.X}
	case *Call:
		idx, ok := e.funcs[x.Func]
		if !ok {
			return w, fmt.Errorf("function %s not declared", x.Func.Name)
		}
		w.K, w.A, kids = wCall, idx, x.Args
	case *MathCall:
		w.K, w.Name, kids = wMath, x.Name, x.Args
	case *Builtin:
		w.K, w.A, w.B = wBuiltin, int(x.Kind), x.Axis
	case *Assign:
		w.K, kids = wAssign, []Expr{x.LHS, x.RHS}
	case *Compound:
		w.K, w.Op, w.Flag, kids = wCompound, uint8(x.Op), flags(x.Unsigned, x.Checked, false), []Expr{x.LHS, x.RHS}
	case *IncDec:
		w.K, w.I, w.Flag, kids = wIncDec, int64(x.Delta), flags(false, x.Checked, x.Post), []Expr{x.X}
	default:
		return w, fmt.Errorf("unknown expression %T", x)
	}
	for _, k := range kids {
		wk, err := e.expr(k)
		if err != nil {
			return w, err
		}
		w.X = append(w.X, wk)
	}
	return w, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type decoder struct {
	p    *Program
	vars []*Var
}

func parseSig(s string) (*image.Type, error) {
	if s == "" {
		return nil, nil
	}
	return image.ParseType(s)
}

func decodeProgram(w *wireProgram) (*Program, error) {
	d := &decoder{p: &Program{Name: w.Name}}
	for _, ws := range w.Structs {
		s := &Struct{Name: ws.Name, Size: ws.Size, Align: ws.Align, Packed: ws.Packed}
		for _, wf := range ws.Fields {
			t, err := parseSig(wf.Type)
			if err != nil {
				return nil, err
			}
			s.Fields = append(s.Fields, &Field{Owner: s, Name: wf.Name, Type: t, FixedLen: wf.FixedLen, Offset: wf.Offset})
		}
		d.p.Structs = append(d.p.Structs, s)
	}
	for _, wg := range w.Globals {
		t, err := parseSig(wg.Type)
		if err != nil {
			return nil, err
		}
		d.p.Globals = append(d.p.Globals, &Global{Name: wg.Name, Type: t, Len: wg.Len, Space: image.AddressSpace(wg.Space)})
	}
	for _, wf := range w.Functions {
		ret, err := parseSig(wf.Return)
		if err != nil {
			return nil, err
		}
		d.p.Functions = append(d.p.Functions, &Function{
			Name:   wf.Name,
			ID:     wf.ID,
			Entry:  wf.Entry,
			Inline: image.InlineMode(wf.Inline),
			Ctor:   wf.Ctor,
			Return: ret,
		})
	}

	// Initializers and bodies refer to declarations, so they come last.
	for i, ws := range w.Structs {
		for j, wf := range ws.Fields {
			if wf.Init == nil {
				continue
			}
			x, err := d.expr(wf.Init)
			if err != nil {
				return nil, err
			}
			d.p.Structs[i].Fields[j].Init = x
		}
	}
	for i, wg := range w.Globals {
		if wg.Init == nil {
			continue
		}
		x, err := d.expr(wg.Init)
		if err != nil {
			return nil, err
		}
		d.p.Globals[i].Init = x
	}
	for i := range w.Functions {
		if err := d.function(d.p.Functions[i], &w.Functions[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", w.Functions[i].Name, err)
		}
	}
	return d.p, nil
}

func (d *decoder) function(fn *Function, w *wireFunction) error {
	d.vars = d.vars[:0]
	decl := func(wv wireVar, kind VarKind, index int) (*Var, error) {
		t, err := parseSig(wv.Type)
		if err != nil {
			return nil, err
		}
		v := &Var{
			Name: wv.Name, Type: t, Kind: kind, Index: index,
			Space: image.AddressSpace(wv.Space), SharedLen: wv.SharedLen,
			Thread: wv.Thread, Generated: wv.Generated, Pinned: wv.Pinned,
		}
		d.vars = append(d.vars, v)
		return v, nil
	}
	for i, wv := range w.Params {
		v, err := decl(wv, VarParam, i)
		if err != nil {
			return err
		}
		fn.Params = append(fn.Params, v)
	}
	for i, wv := range w.Locals {
		v, err := decl(wv, VarLocal, i)
		if err != nil {
			return err
		}
		fn.Locals = append(fn.Locals, v)
	}
	if w.Self >= 0 {
		if w.Self >= len(d.vars) {
			return fmt.Errorf("self index %d out of range", w.Self)
		}
		fn.Self = d.vars[w.Self]
	}
	body, err := d.stmts(w.Body)
	if err != nil {
		return err
	}
	fn.Body = body
	return nil
}

func spanFrom(s []int) Span {
	if len(s) != 2 {
		return Span{Start: -1, End: -1}
	}
	return Span{Start: s[0], End: s[1]}
}

func (d *decoder) stmts(ws []wireStmt) ([]Stmt, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	out := make([]Stmt, 0, len(ws))
	for i := range ws {
		s, err := d.stmt(&ws[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *decoder) stmt(w *wireStmt) (Stmt, error) {
	base := stmtBase{spanFrom(w.S)}
	xs := make([]Expr, len(w.X))
	for i := range w.X {
		x, err := d.expr(&w.X[i])
		if err != nil {
			return nil, err
		}
		xs[i] = x
	}
	need := func(n int) error {
		if len(xs) != n {
			return fmt.Errorf("statement kind %d has %d expressions, want %d", w.K, len(xs), n)
		}
		return nil
	}
	body, err := d.stmts(w.Body)
	if err != nil {
		return nil, err
	}
	switch w.K {
	case wExprStmt:
		if err := need(1); err != nil {
			return nil, err
		}
		return &ExprStmt{base, xs[0]}, nil
	case wReturn:
		r := &Return{stmtBase: base}
		if len(xs) > 0 {
			r.X = xs[0]
		}
		return r, nil
	case wIf:
		if err := need(1); err != nil {
			return nil, err
		}
		els, err := d.stmts(w.Else)
		if err != nil {
			return nil, err
		}
		return &If{base, xs[0], body, els}, nil
	case wWhile:
		if err := need(1); err != nil {
			return nil, err
		}
		return &While{base, xs[0], body}, nil
	case wDoWhile:
		if err := need(1); err != nil {
			return nil, err
		}
		return &DoWhile{base, body, xs[0]}, nil
	case wFor:
		if err := need(1); err != nil {
			return nil, err
		}
		init, err := d.stmts(w.Init)
		if err != nil || len(init) != 1 {
			return nil, fmt.Errorf("for statement without init: %v", err)
		}
		post, err := d.stmts(w.Post)
		if err != nil || len(post) != 1 {
			return nil, fmt.Errorf("for statement without post: %v", err)
		}
		return &For{base, init[0], xs[0], post[0], body}, nil
	case wBreak:
		return &Break{base}, nil
	case wContinue:
		return &Continue{base}, nil
	case wFixed:
		if err := need(1); err != nil {
			return nil, err
		}
		v, err := d.variable(w.A)
		if err != nil {
			return nil, err
		}
		return &Fixed{base, v, xs[0], body}, nil
	case wBarrier:
		return &Barrier{base}, nil
	}
	return nil, fmt.Errorf("unknown statement kind %d", w.K)
}

func (d *decoder) variable(i int) (*Var, error) {
	if i < 0 || i >= len(d.vars) {
		return nil, fmt.Errorf("variable index %d out of range", i)
	}
	return d.vars[i], nil
}

func unpack(f uint8) (unsigned, checked, post bool) {
	return f&flagUnsigned != 0, f&flagChecked != 0, f&flagPost != 0
}

func (d *decoder) expr(w *wireExpr) (Expr, error) {
	t, err := parseSig(w.T)
	if err != nil {
		return nil, err
	}
	base := exprBase{spanFrom(w.S), t}
	xs := make([]Expr, len(w.X))
	for i := range w.X {
		x, err := d.expr(&w.X[i])
		if err != nil {
			return nil, err
		}
		xs[i] = x
	}
	need := func(n int) error {
		if len(xs) < n {
			return fmt.Errorf("expression kind %d has %d operands, want %d", w.K, len(xs), n)
		}
		return nil
	}
	unsigned, checked, post := unpack(w.Flag)

	switch w.K {
	case wInt:
		return &IntLit{base, w.I}, nil
	case wFloat:
		return &FloatLit{base, w.F}, nil
	case wDecimal:
		v, err := decimal.NewFromString(w.D)
		if err != nil {
			return nil, err
		}
		return &DecimalLit{base, v}, nil
	case wNull:
		return &NullLit{base}, nil
	case wDefault:
		return &DefaultLit{base}, nil
	case wVar:
		v, err := d.variable(w.A)
		if err != nil {
			return nil, err
		}
		return &VarRef{base, v}, nil
	case wGlobal:
		if w.A < 0 || w.A >= len(d.p.Globals) {
			return nil, fmt.Errorf("global index %d out of range", w.A)
		}
		return &GlobalRef{base, d.p.Globals[w.A]}, nil
	case wField:
		if err := need(1); err != nil {
			return nil, err
		}
		if w.A < 0 || w.A >= len(d.p.Structs) || w.B < 0 || w.B >= len(d.p.Structs[w.A].Fields) {
			return nil, fmt.Errorf("field %d.%d out of range", w.A, w.B)
		}
		return &FieldRef{base, xs[0], d.p.Structs[w.A].Fields[w.B]}, nil
	case wIndex:
		if err := need(2); err != nil {
			return nil, err
		}
		return &Index{base, xs[0], xs[1:]}, nil
	case wLen:
		if err := need(1); err != nil {
			return nil, err
		}
		return &Len{base, xs[0], w.A}, nil
	case wAddr:
		if err := need(1); err != nil {
			return nil, err
		}
		return &AddrOf{base, xs[0]}, nil
	case wDeref:
		if err := need(1); err != nil {
			return nil, err
		}
		return &Deref{base, xs[0]}, nil
	case wBinary:
		if err := need(2); err != nil {
			return nil, err
		}
		return &Binary{base, Op(w.Op), xs[0], xs[1], unsigned, checked}, nil
	case wUnary:
		if err := need(1); err != nil {
			return nil, err
		}
		return &Unary{base, Op(w.Op), xs[0]}, nil
	case wConv:
		if err := need(1); err != nil {
			return nil, err
		}
		return &Conv{base, xs[0], checked}, nil
	case wCall:
		if w.A < 0 || w.A >= len(d.p.Functions) {
			return nil, fmt.Errorf("function index %d out of range", w.A)
		}
		return &Call{base, d.p.Functions[w.A], xs}, nil
	case wMath:
		return &MathCall{base, w.Name, xs}, nil
	case wBuiltin:
		return &Builtin{base, BuiltinKind(w.A), w.B}, nil
	case wAssign:
		if err := need(2); err != nil {
			return nil, err
		}
		return &Assign{base, xs[0], xs[1]}, nil
	case wCompound:
		if err := need(2); err != nil {
			return nil, err
		}
		return &Compound{base, Op(w.Op), xs[0], xs[1], unsigned, checked}, nil
	case wIncDec:
		if err := need(1); err != nil {
			return nil, err
		}
		return &IncDec{base, xs[0], int(w.I), post, checked}, nil
	}
	return nil, fmt.Errorf("unknown expression kind %d", w.K)
}
