package image

import (
	"fmt"
	"strings"
)

// Kind classifies a type signature.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindChar // UTF-16 code unit
	KindI8
	KindU8
	KindI16
	KindU16
	KindI32
	KindU32
	KindI64
	KindU64
	KindF16
	KindF32
	KindF64
	KindDecimal
	KindNativeInt
	KindNativeUint
	KindString
	KindObject
	KindNamed   // struct, class or delegate declared in an image
	KindArray   // Elem with Rank dimensions
	KindPointer // unmanaged pointer
	KindByRef   // managed reference (address of local, field or element)
)

var kindNames = map[Kind]string{
	KindVoid:       "void",
	KindBool:       "bool",
	KindChar:       "char",
	KindI8:         "i8",
	KindU8:         "u8",
	KindI16:        "i16",
	KindU16:        "u16",
	KindI32:        "i32",
	KindU32:        "u32",
	KindI64:        "i64",
	KindU64:        "u64",
	KindF16:        "f16",
	KindF32:        "f32",
	KindF64:        "f64",
	KindDecimal:    "decimal",
	KindNativeInt:  "native",
	KindNativeUint: "unative",
	KindString:     "string",
	KindObject:     "object",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

// Type is a parsed type signature. Types are immutable; compare them with
// Equal rather than by pointer.
type Type struct {
	Kind Kind
	Elem *Type  // KindArray, KindPointer, KindByRef
	Rank int    // KindArray
	Name string // KindNamed
}

var primitives = func() map[Kind]*Type {
	m := make(map[Kind]*Type)
	for k := range kindNames {
		m[k] = &Type{Kind: k}
	}
	return m
}()

// Prim returns the shared instance of a primitive type.
func Prim(k Kind) *Type {
	if t, ok := primitives[k]; ok {
		return t
	}
	panic(fmt.Sprintf("image: %d is not a primitive kind", k))
}

// Named returns a reference to a declared type.
func Named(name string) *Type { return &Type{Kind: KindNamed, Name: name} }

// ArrayOf returns a rank-n array of elem.
func ArrayOf(elem *Type, rank int) *Type { return &Type{Kind: KindArray, Elem: elem, Rank: rank} }

// PointerTo returns an unmanaged pointer to elem.
func PointerTo(elem *Type) *Type { return &Type{Kind: KindPointer, Elem: elem} }

// ByRefTo returns a managed reference to elem.
func ByRefTo(elem *Type) *Type { return &Type{Kind: KindByRef, Elem: elem} }

// String renders the signature in the form accepted by ParseType.
func (t *Type) String() string {
	if t == nil {
		return "?"
	}
	switch t.Kind {
	case KindNamed:
		return t.Name
	case KindArray:
		return t.Elem.String() + "[" + strings.Repeat(",", t.Rank-1) + "]"
	case KindPointer:
		return t.Elem.String() + "*"
	case KindByRef:
		return t.Elem.String() + "&"
	}
	return kindNames[t.Kind]
}

// Equal reports whether two signatures denote the same type.
func (t *Type) Equal(o *Type) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Kind != o.Kind || t.Rank != o.Rank || t.Name != o.Name {
		return false
	}
	if t.Elem == nil || o.Elem == nil {
		return t.Elem == o.Elem
	}
	return t.Elem.Equal(o.Elem)
}

// IsInteger reports whether t is an integral scalar (bool and char included).
func (t *Type) IsInteger() bool {
	switch t.Kind {
	case KindBool, KindChar, KindI8, KindU8, KindI16, KindU16, KindI32, KindU32,
		KindI64, KindU64, KindNativeInt, KindNativeUint:
		return true
	}
	return false
}

// IsUnsigned reports whether t is an unsigned integral scalar.
func (t *Type) IsUnsigned() bool {
	switch t.Kind {
	case KindBool, KindChar, KindU8, KindU16, KindU32, KindU64, KindNativeUint:
		return true
	}
	return false
}

// IsFloat reports whether t is a floating point scalar.
func (t *Type) IsFloat() bool {
	return t.Kind == KindF16 || t.Kind == KindF32 || t.Kind == KindF64
}

// IsScalar reports whether t is a primitive value type.
func (t *Type) IsScalar() bool {
	return t.IsInteger() || t.IsFloat() || t.Kind == KindDecimal
}

// IsAddress reports whether t is a pointer or managed reference.
func (t *Type) IsAddress() bool {
	return t.Kind == KindPointer || t.Kind == KindByRef
}

// ScalarSize returns the size in bytes of scalar and address types, or 0
// for types whose size depends on a declaration.
func (t *Type) ScalarSize() int {
	switch t.Kind {
	case KindBool, KindI8, KindU8:
		return 1
	case KindChar, KindI16, KindU16, KindF16:
		return 2
	case KindI32, KindU32, KindF32:
		return 4
	case KindI64, KindU64, KindF64, KindDecimal, KindNativeInt, KindNativeUint,
		KindPointer, KindByRef, KindArray, KindObject, KindString:
		return 8
	}
	return 0
}

// ParseType parses a type signature such as "i32", "f32[]", "i32[,]",
// "ComplexF", "u8*" or "i32&".
func ParseType(sig string) (*Type, error) {
	s := strings.TrimSpace(sig)
	if s == "" {
		return nil, fmt.Errorf("empty type signature")
	}
	i := 0
	for i < len(s) && !strings.ContainsRune("[*&", rune(s[i])) {
		i++
	}
	base := strings.TrimSpace(s[:i])
	if base == "" {
		return nil, fmt.Errorf("type signature %q has no element type", sig)
	}
	var t *Type
	if k, ok := kindByName[base]; ok {
		t = Prim(k)
	} else {
		for _, r := range base {
			if !(r == '_' || r == '.' || r == '$' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return nil, fmt.Errorf("invalid character %q in type name %q", r, base)
			}
		}
		t = Named(base)
	}
	for i < len(s) {
		switch s[i] {
		case '*':
			t = PointerTo(t)
			i++
		case '&':
			t = ByRefTo(t)
			i++
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated array rank in %q", sig)
			}
			inner := s[i+1 : i+end]
			if strings.Trim(inner, ",") != "" {
				return nil, fmt.Errorf("invalid array rank %q in %q", inner, sig)
			}
			t = ArrayOf(t, len(inner)+1)
			i += end + 1
		default:
			return nil, fmt.Errorf("unexpected %q in type signature %q", s[i], sig)
		}
	}
	return t, nil
}

// MustParseType is ParseType for signatures known to be valid.
func MustParseType(sig string) *Type {
	t, err := ParseType(sig)
	if err != nil {
		panic(err)
	}
	return t
}
