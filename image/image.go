// Package image models assembly images: the compiled host-language types,
// fields and method bodies that kernelize translates, their binary format
// and the Bytecode Reader that serves method bodies to the translator.
package image

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chazu/kernelize/pkg/bytecode"
)

var (
	// ErrNotFound reports an identifier that does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedFormat reports an image this reader does not understand.
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Image is a linked assembly image.
type Image struct {
	Name    string
	Version uint16
	Types   []*TypeDef
	Members []MemberRef

	types      map[string]*TypeDef
	memberKeys map[string]uint16
}

// New creates an empty image.
func New(name string) *Image {
	return &Image{Name: name, Version: ImageVersion}
}

// AddType appends a type declaration.
func (img *Image) AddType(td *TypeDef) {
	img.Types = append(img.Types, td)
	img.types = nil
}

// Intern adds ref to the member table, returning the existing token if an
// identical reference is present.
func (img *Image) Intern(ref MemberRef) (uint16, error) {
	if img.memberKeys == nil {
		img.memberKeys = make(map[string]uint16, len(img.Members))
		for i, m := range img.Members {
			img.memberKeys[memberKey(m)] = uint16(i)
		}
	}
	key := memberKey(ref)
	if tok, ok := img.memberKeys[key]; ok {
		return tok, nil
	}
	if len(img.Members) >= 1<<16 {
		return 0, fmt.Errorf("member table full")
	}
	tok := uint16(len(img.Members))
	img.Members = append(img.Members, ref)
	img.memberKeys[key] = tok
	return tok, nil
}

func memberKey(r MemberRef) string {
	return fmt.Sprintf("%d|%s", r.Kind, r.String())
}

// Link sets owner back-pointers, binds builtin semantics to delegate
// members and validates declarations. It must run before resolution.
func (img *Image) Link() error {
	img.types = make(map[string]*TypeDef, len(img.Types))
	for _, td := range img.Types {
		if _, dup := img.types[td.Name]; dup {
			return fmt.Errorf("duplicate type %s", td.Name)
		}
		if _, builtin := builtinTypes[td.Name]; builtin {
			return fmt.Errorf("type %s shadows a builtin type", td.Name)
		}
		img.types[td.Name] = td
		if err := td.Directives.Validate(); err != nil {
			return fmt.Errorf("type %s: %w", td.Name, err)
		}
		for _, f := range td.Fields {
			f.Owner = td
			if f.Type == nil {
				return fmt.Errorf("field %s has no type", f.ID())
			}
			if err := f.Directives.Validate(); err != nil {
				return fmt.Errorf("field %s: %w", f.ID(), err)
			}
		}
		seen := make(map[string]bool)
		for _, m := range td.Methods {
			m.Owner = td
			if seen[m.FullID()] {
				return fmt.Errorf("duplicate method %s", m.FullID())
			}
			seen[m.FullID()] = true
			if err := m.Directives.Validate(); err != nil {
				return fmt.Errorf("method %s: %w", m.ID(), err)
			}
			for _, p := range m.Params {
				if err := p.Directives.Validate(); err != nil {
					return fmt.Errorf("method %s param %s: %w", m.ID(), p.Name, err)
				}
			}
			if td.Kind == TypeDelegate {
				switch m.Name {
				case ".ctor":
					m.Intrinsic = IntrinsicDelegateCtor
				case "Invoke":
					m.Intrinsic = IntrinsicDelegateInvoke
				}
			}
		}
	}
	return nil
}

// TypeDef returns a declared or builtin type by name.
func (img *Image) TypeDef(name string) (*TypeDef, bool) {
	if img.types == nil {
		img.types = make(map[string]*TypeDef, len(img.Types))
		for _, td := range img.Types {
			img.types[td.Name] = td
		}
	}
	if td, ok := img.types[name]; ok {
		return td, true
	}
	td, ok := builtinTypes[name]
	return td, ok
}

// Methods returns every method declared in the image, sorted by FullID.
func (img *Image) Methods() []*Method {
	var out []*Method
	for _, td := range img.Types {
		out = append(out, td.Methods...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullID() < out[j].FullID() })
	return out
}

// FindMethod resolves owner::name. A nil sig matches any overload but
// fails if the name is ambiguous.
func (img *Image) FindMethod(owner, name string, sig []*Type, hasSig bool) (*Method, error) {
	td, ok := img.TypeDef(owner)
	if !ok {
		return nil, fmt.Errorf("type %s: %w", owner, ErrNotFound)
	}
	var found []*Method
	for _, m := range td.Methods {
		if m.Name != name {
			continue
		}
		if hasSig && !m.MatchesSig(sig) {
			continue
		}
		found = append(found, m)
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("method %s::%s: %w", owner, name, ErrNotFound)
	case 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("method %s::%s is overloaded; give a signature: %w", owner, name, ErrNotFound)
}

// FindField resolves owner::name.
func (img *Image) FindField(owner, name string) (*Field, error) {
	td, ok := img.TypeDef(owner)
	if !ok {
		return nil, fmt.Errorf("type %s: %w", owner, ErrNotFound)
	}
	if f := td.Field(name); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("field %s::%s: %w", owner, name, ErrNotFound)
}

func (img *Image) member(tok uint16, kind MemberKind) (MemberRef, error) {
	if int(tok) >= len(img.Members) {
		return MemberRef{}, fmt.Errorf("token #%d out of range: %w", tok, ErrNotFound)
	}
	ref := img.Members[tok]
	if ref.Kind != kind {
		return MemberRef{}, fmt.Errorf("token #%d (%s) is not a %s reference", tok, ref, [...]string{"type", "field", "method"}[kind])
	}
	return ref, nil
}

// ResolveType resolves a type token.
func (img *Image) ResolveType(tok uint16) (*Type, error) {
	ref, err := img.member(tok, MemberType)
	if err != nil {
		return nil, err
	}
	if ref.Type.Kind == KindNamed {
		if _, ok := img.TypeDef(ref.Type.Name); !ok {
			return nil, fmt.Errorf("type %s: %w", ref.Type.Name, ErrNotFound)
		}
	}
	return ref.Type, nil
}

// ResolveField resolves a field token.
func (img *Image) ResolveField(tok uint16) (*Field, error) {
	ref, err := img.member(tok, MemberField)
	if err != nil {
		return nil, err
	}
	return img.FindField(ref.Owner, ref.Name)
}

// ResolveMethod resolves a method token. Generic builtins are returned as
// a specialized copy.
func (img *Image) ResolveMethod(tok uint16) (*Method, error) {
	ref, err := img.member(tok, MemberMethod)
	if err != nil {
		return nil, err
	}
	m, err := img.FindMethod(ref.Owner, ref.Name, ref.Sig, ref.HasSig)
	if err != nil {
		return nil, err
	}
	if m.Intrinsic == IntrinsicAllocateShared {
		if ref.Generic == nil {
			return nil, fmt.Errorf("%s requires an element type argument", m.ID())
		}
		inst := *m
		inst.Generic = ref.Generic
		inst.Return = ArrayOf(ref.Generic, 1)
		return &inst, nil
	}
	return m, nil
}

// TokenName implements bytecode.Resolver.
func (img *Image) TokenName(tok uint16) string {
	if int(tok) >= len(img.Members) {
		return ""
	}
	return img.Members[tok].String()
}

// SlotName implements bytecode.Resolver without method context.
func (img *Image) SlotName(bytecode.Opcode, uint16) string { return "" }

// MethodResolver names slots of one method for disassembly.
type MethodResolver struct {
	Image  *Image
	Method *Method
}

// TokenName implements bytecode.Resolver.
func (r MethodResolver) TokenName(tok uint16) string { return r.Image.TokenName(tok) }

// SlotName implements bytecode.Resolver.
func (r MethodResolver) SlotName(op bytecode.Opcode, slot uint16) string {
	switch op {
	case bytecode.OpLdArg, bytecode.OpStArg, bytecode.OpLdArgA:
		return r.Method.ArgName(int(slot))
	}
	if int(slot) < len(r.Method.Locals) {
		return r.Method.Locals[slot].Name
	}
	return ""
}
