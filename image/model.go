package image

import (
	"fmt"
	"strings"

	"github.com/chazu/kernelize/pkg/bytecode"
)

// TypeKind distinguishes declared types.
type TypeKind uint8

const (
	TypeStruct TypeKind = iota
	TypeClass
	TypeDelegate
)

func (k TypeKind) String() string {
	switch k {
	case TypeStruct:
		return "struct"
	case TypeClass:
		return "class"
	case TypeDelegate:
		return "delegate"
	}
	return fmt.Sprintf("TypeKind(%d)", k)
}

// TypeDef is a struct, class or delegate declared in an image (or one of
// the builtin types).
type TypeDef struct {
	Name            string
	Kind            TypeKind
	BeforeFieldInit bool // static initializers may run at any time before first access
	Builtin         bool
	Directives      Directives
	Fields          []*Field
	Methods         []*Method
}

// Field returns the field called name.
func (td *TypeDef) Field(name string) *Field {
	for _, f := range td.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// InstanceFields returns the non-static fields in declaration order.
func (td *TypeDef) InstanceFields() []*Field {
	var out []*Field
	for _, f := range td.Fields {
		if !f.Static {
			out = append(out, f)
		}
	}
	return out
}

// Constructors returns the instance constructors.
func (td *TypeDef) Constructors() []*Method {
	var out []*Method
	for _, m := range td.Methods {
		if m.IsCtor() {
			out = append(out, m)
		}
	}
	return out
}

// StaticConstructor returns the type initializer, if any.
func (td *TypeDef) StaticConstructor() *Method {
	for _, m := range td.Methods {
		if m.IsStaticCtor() {
			return m
		}
	}
	return nil
}

// Field is a field declaration. Static fields tagged constant are constant
// regions; FixedLen gives their element count (or the length of an inline
// fixed buffer for instance fields).
type Field struct {
	Owner      *TypeDef
	Name       string
	Type       *Type
	Static     bool
	FixedLen   int
	Directives Directives
}

// ID returns "Owner::name".
func (f *Field) ID() string {
	return f.Owner.Name + "::" + f.Name
}

// Param is a declared method parameter.
type Param struct {
	Name       string
	Type       *Type
	Directives Directives
}

// Local is a declared local variable slot.
type Local struct {
	Name      string
	Type      *Type
	Generated bool // introduced by the host compiler, not named in source
	Pinned    bool
}

// Intrinsic identifies builtin methods whose semantics the translator knows.
type Intrinsic uint8

const (
	IntrinsicNone Intrinsic = iota
	IntrinsicThreadIdx
	IntrinsicBlockIdx
	IntrinsicBlockDim
	IntrinsicGridDim
	IntrinsicWarpSize
	IntrinsicSyncThreads
	IntrinsicAllocateShared
	IntrinsicMath
	IntrinsicDecimalCtor
	IntrinsicDelegateCtor
	IntrinsicDelegateInvoke
	IntrinsicDecimalToDouble
)

// Method is a method declaration. Builtin methods have an Intrinsic and no
// Body.
type Method struct {
	Owner      *TypeDef
	Name       string
	Static     bool
	Params     []Param // declared parameters, excluding the receiver
	Return     *Type
	Locals     []Local
	Body       *bytecode.Body
	Directives Directives
	Intrinsic  Intrinsic
	Generic    *Type // instantiation of a generic builtin
}

// HasThis reports whether argument slot 0 is the receiver.
func (m *Method) HasThis() bool { return !m.Static }

// IsCtor reports whether m is an instance constructor.
func (m *Method) IsCtor() bool { return m.Name == ".ctor" }

// IsStaticCtor reports whether m is a type initializer.
func (m *Method) IsStaticCtor() bool { return m.Name == ".cctor" }

// ThisType returns the receiver type: a reference for structs, the type
// itself for classes.
func (m *Method) ThisType() *Type {
	t := Named(m.Owner.Name)
	if m.Owner.Kind == TypeStruct {
		return ByRefTo(t)
	}
	return t
}

// ArgCount returns the number of argument slots including the receiver.
func (m *Method) ArgCount() int {
	if m.HasThis() {
		return len(m.Params) + 1
	}
	return len(m.Params)
}

// ArgType returns the type of argument slot i.
func (m *Method) ArgType(i int) *Type {
	if m.HasThis() {
		if i == 0 {
			return m.ThisType()
		}
		i--
	}
	if i < 0 || i >= len(m.Params) {
		return nil
	}
	return m.Params[i].Type
}

// ArgName returns the name of argument slot i.
func (m *Method) ArgName(i int) string {
	if m.HasThis() {
		if i == 0 {
			return "this"
		}
		i--
	}
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i].Name
}

// Signature renders the parameter types, e.g. "(i32,f32[])".
func (m *Method) Signature() string {
	parts := make([]string, len(m.Params))
	for i, p := range m.Params {
		parts[i] = p.Type.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// ID returns "Owner::name".
func (m *Method) ID() string {
	return m.Owner.Name + "::" + m.Name
}

// FullID returns "Owner::name(sig)", unique within an image.
func (m *Method) FullID() string {
	return m.ID() + m.Signature()
}

// MatchesSig reports whether the declared parameter types equal sig.
func (m *Method) MatchesSig(sig []*Type) bool {
	if len(sig) != len(m.Params) {
		return false
	}
	for i, t := range sig {
		if !m.Params[i].Type.Equal(t) {
			return false
		}
	}
	return true
}

// ReturnsVoid reports whether the method pushes no value.
func (m *Method) ReturnsVoid() bool {
	return m.Return == nil || m.Return.Kind == KindVoid
}

// MemberKind distinguishes member table entries.
type MemberKind uint8

const (
	MemberType MemberKind = iota
	MemberField
	MemberMethod
)

// MemberRef is a symbolic reference from code to a type, field or method.
// Instruction tokens index the image's member table.
type MemberRef struct {
	Kind    MemberKind
	Owner   string
	Name    string
	HasSig  bool    // Sig disambiguates overloads
	Sig     []*Type // parameter types
	Generic *Type   // generic instantiation, e.g. AllocateShared<f32>
	Type    *Type   // MemberType target
}

// String renders the reference the way the assembler accepts it.
func (r MemberRef) String() string {
	switch r.Kind {
	case MemberType:
		return r.Type.String()
	case MemberField:
		return r.Owner + "::" + r.Name
	}
	var sb strings.Builder
	sb.WriteString(r.Owner)
	sb.WriteString("::")
	sb.WriteString(r.Name)
	if r.Generic != nil {
		sb.WriteString("<" + r.Generic.String() + ">")
	}
	if r.HasSig {
		parts := make([]string, len(r.Sig))
		for i, t := range r.Sig {
			parts[i] = t.String()
		}
		sb.WriteString("(" + strings.Join(parts, ",") + ")")
	}
	return sb.String()
}
