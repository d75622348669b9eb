package highast

import (
	"fmt"
	"strings"

	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/image"
)

// Decls creates program declarations on demand while method bodies are
// lowered. Methods referenced for the first time are queued until the
// caller picks them up with Next.
type Decls struct {
	Image *image.Image
	Prog  *Program

	funcs   map[*image.Method]*Function
	methods map[*Function]*image.Method
	structs map[string]*Struct
	globals map[*image.Field]*Global
	names   map[string]bool
	pending []*image.Method
	called  map[*Function]bool
	calls   map[*Function][]*Function
}

// NewDecls starts an empty program.
func NewDecls(img *image.Image, name string) *Decls {
	return &Decls{
		Image:   img,
		Prog:    &Program{Name: name},
		funcs:   make(map[*image.Method]*Function),
		methods: make(map[*Function]*image.Method),
		structs: make(map[string]*Struct),
		globals: make(map[*image.Field]*Global),
		names:   make(map[string]bool),
		called:  make(map[*Function]bool),
		calls:   make(map[*Function][]*Function),
	}
}

// Next returns a declared method whose body has not been requested yet.
func (d *Decls) Next() (*image.Method, bool) {
	if len(d.pending) == 0 {
		return nil, false
	}
	m := d.pending[0]
	d.pending = d.pending[1:]
	return m, true
}

// Method returns the method fn was declared from.
func (d *Decls) Method(fn *Function) *image.Method { return d.methods[fn] }

// Declared returns the function already declared for m, or nil.
func (d *Decls) Declared(m *image.Method) *Function { return d.funcs[m] }

// StaticField returns the static field g was declared from.
func (d *Decls) StaticField(g *Global) *image.Field {
	for f, x := range d.globals {
		if x == g {
			return f
		}
	}
	return nil
}

// Translatable reports why m cannot be translated, or nil.
func Translatable(m *image.Method) error {
	switch {
	case m.Body == nil:
		return diag.Construct(m.FullID(), diag.NoOffset, "method has no body")
	case m.Directives.Ignored():
		return diag.Construct(m.FullID(), diag.NoOffset, "method is marked ignore")
	case m.Owner.Kind != image.TypeStruct && m.HasThis():
		return diag.Construct(m.FullID(), diag.NoOffset, "instance method of reference type %s", m.Owner.Name)
	case m.IsStaticCtor():
		return diag.Construct(m.FullID(), diag.NoOffset, "type initializer has statements beyond static field initializers")
	case !m.Directives.Kernel() && !(m.IsCtor() && m.Owner.Directives.Kernel()):
		return diag.Construct(m.FullID(), diag.NoOffset, "method is not marked for translation")
	}
	return nil
}

// Function returns the function for m, declaring it on first use.
func (d *Decls) Function(m *image.Method) (*Function, error) {
	if fn, ok := d.funcs[m]; ok {
		return fn, nil
	}
	if err := Translatable(m); err != nil {
		return nil, err
	}
	fn := &Function{
		Name:   d.uniqueName(functionName(m)),
		ID:     m.FullID(),
		Inline: m.Directives.Inline(),
		Return: HostType(m.Return),
	}
	if m.IsCtor() {
		fn.Ctor = true
		fn.Return = image.Named(m.Owner.Name)
		fn.Self = fn.NewLocal("self", image.Named(m.Owner.Name))
	} else if m.HasThis() {
		fn.Params = append(fn.Params, &Var{Name: "self", Type: image.PointerTo(image.Named(m.Owner.Name)), Kind: VarParam})
	}
	for _, p := range m.Params {
		v := &Var{
			Name:  cName(p.Name),
			Type:  HostType(p.Type),
			Kind:  VarParam,
			Index: len(fn.Params),
			Space: p.Directives.Space(),
		}
		if p.Type.Kind == image.KindNamed && p.Type.Name == image.ThreadType {
			v.Thread = true
		}
		fn.Params = append(fn.Params, v)
	}
	d.funcs[m] = fn
	d.methods[fn] = m
	d.pending = append(d.pending, m)
	d.Prog.Functions = append(d.Prog.Functions, fn)
	return fn, nil
}

// recordCall notes that caller invokes callee.
func (d *Decls) recordCall(caller, callee *Function) {
	d.called[callee] = true
	for _, c := range d.calls[caller] {
		if c == callee {
			return
		}
	}
	d.calls[caller] = append(d.calls[caller], callee)
}

// Finish decides which functions are kernel entry points and rejects
// recursion. A function is an entry when it has kernel shape (static,
// void, the thread context only as first parameter) and no other
// translated function calls it.
func (d *Decls) Finish() error {
	for _, fn := range d.Prog.Functions {
		m := d.methods[fn]
		fn.Entry = !d.called[fn] && entryShape(m)
	}
	return d.checkRecursion()
}

func entryShape(m *image.Method) bool {
	if m.HasThis() || m.IsCtor() || !m.ReturnsVoid() || !m.Directives.Kernel() {
		return false
	}
	for i, p := range m.Params {
		if p.Type.Kind == image.KindNamed && p.Type.Name == image.ThreadType && i != 0 {
			return false
		}
	}
	return true
}

func (d *Decls) checkRecursion() error {
	const (
		unvisited = iota
		active
		finished
	)
	state := make(map[*Function]int)
	var visit func(fn *Function, path []string) error
	visit = func(fn *Function, path []string) error {
		switch state[fn] {
		case active:
			return diag.Construct(fn.ID, diag.NoOffset, "recursion through %s", strings.Join(append(path, fn.Name), " -> "))
		case finished:
			return nil
		}
		state[fn] = active
		for _, c := range d.calls[fn] {
			if err := visit(c, append(path, fn.Name)); err != nil {
				return err
			}
		}
		state[fn] = finished
		return nil
	}
	for _, fn := range d.Prog.Functions {
		if err := visit(fn, nil); err != nil {
			return err
		}
	}
	return nil
}

// Drop removes a function whose translation failed.
func (d *Decls) Drop(fn *Function) {
	m := d.methods[fn]
	delete(d.funcs, m)
	delete(d.methods, fn)
	delete(d.calls, fn)
	delete(d.called, fn)
	fns := d.Prog.Functions[:0]
	for _, f := range d.Prog.Functions {
		if f != fn {
			fns = append(fns, f)
		}
	}
	d.Prog.Functions = fns
}

// Struct returns the declaration of a value type, computing its layout on
// first use.
func (d *Decls) Struct(name string) (*Struct, error) {
	if s, ok := d.structs[name]; ok {
		return s, nil
	}
	td, ok := d.Image.TypeDef(name)
	if !ok {
		return nil, fmt.Errorf("struct %s: %w", name, image.ErrNotFound)
	}
	if td.Kind != image.TypeStruct || td.Builtin {
		return nil, fmt.Errorf("%s %s is not a translatable value type", td.Kind, name)
	}
	layout, err := d.Image.Layout(name)
	if err != nil {
		return nil, err
	}
	s := &Struct{Name: name, Size: layout.Size, Align: layout.Align, Packed: layout.Packed}
	d.structs[name] = s
	for _, fl := range layout.Fields {
		if fl.Field.Type.Kind == image.KindNamed {
			if _, err := d.Struct(fl.Field.Type.Name); err != nil {
				return nil, err
			}
		}
		s.Fields = append(s.Fields, &Field{
			Owner:    s,
			Name:     fl.Field.Name,
			Type:     HostType(fl.Field.Type),
			FixedLen: fl.Field.FixedLen,
			Offset:   fl.Offset,
		})
	}
	d.Prog.Structs = append(d.Prog.Structs, s)
	return s, nil
}

// field resolves an image field to its struct member.
func (d *Decls) field(f *image.Field) (*Field, error) {
	s, err := d.Struct(f.Owner.Name)
	if err != nil {
		return nil, err
	}
	hf := s.Field(f.Name)
	if hf == nil {
		return nil, fmt.Errorf("field %s: %w", f.ID(), image.ErrNotFound)
	}
	return hf, nil
}

// Global returns the region for a static field.
func (d *Decls) Global(f *image.Field) (*Global, error) {
	if g, ok := d.globals[f]; ok {
		return g, nil
	}
	if !f.Static {
		return nil, fmt.Errorf("field %s is not static", f.ID())
	}
	g := &Global{Name: d.uniqueName(cName(f.Name)), Type: HostType(f.Type), Space: f.Directives.Space()}
	if f.FixedLen > 0 {
		if f.Type.Kind != image.KindArray {
			return nil, fmt.Errorf("static %s declares a length but is not an array", f.ID())
		}
		g.Type = HostType(f.Type.Elem)
		g.Len = f.FixedLen
	} else if f.Type.Kind == image.KindArray {
		return nil, fmt.Errorf("static array %s needs a fixed length", f.ID())
	}
	if g.Space == image.SpaceDefault {
		g.Space = image.SpaceGlobal
	}
	d.globals[f] = g
	d.Prog.Globals = append(d.Prog.Globals, g)
	return g, nil
}

func (d *Decls) uniqueName(base string) string {
	name := base
	for i := 2; d.names[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	d.names[name] = true
	return name
}

func functionName(m *image.Method) string {
	switch {
	case m.IsCtor():
		return m.Owner.Name + "_ctor"
	case m.HasThis():
		return m.Owner.Name + "_" + m.Name
	}
	return cName(m.Name)
}

var reserved = map[string]bool{
	"this": true, "int": true, "float": true, "double": true, "char": true, "short": true,
	"long": true, "unsigned": true, "signed": true, "void": true, "struct": true, "union": true,
	"const": true, "static": true, "register": true, "volatile": true, "switch": true,
	"case": true, "default": true, "goto": true, "sizeof": true, "typedef": true,
	"extern": true, "auto": true, "enum": true, "inline": true, "restrict": true,
	"kernel": true, "global": true, "local": true, "constant": true, "private": true,
	"half": true, "bool": true, "new": true, "delete": true, "template": true,
}

// cName makes a host identifier usable in C.
func cName(s string) string {
	var sb strings.Builder
	for i, r := range s {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	out := sb.String()
	if out == "" || reserved[out] {
		out += "_"
	}
	return out
}

// HostType maps a host type to its HL form: managed references become
// pointers.
func HostType(t *image.Type) *image.Type {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case image.KindByRef:
		return image.PointerTo(HostType(t.Elem))
	case image.KindPointer:
		return image.PointerTo(HostType(t.Elem))
	case image.KindArray:
		return image.ArrayOf(HostType(t.Elem), t.Rank)
	}
	return t
}

// NewLocal appends a local variable.
func (fn *Function) NewLocal(name string, t *image.Type) *Var {
	for _, v := range append(fn.Params, fn.Locals...) {
		if v.Name == name {
			name = fmt.Sprintf("%s_%d", name, len(fn.Locals))
			break
		}
	}
	v := &Var{Name: name, Type: t, Kind: VarLocal, Index: len(fn.Locals)}
	fn.Locals = append(fn.Locals, v)
	return v
}
