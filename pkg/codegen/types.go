package codegen

import (
	"github.com/chazu/kernelize/image"
)

var cudaScalars = map[image.Kind]string{
	image.KindBool:       "bool",
	image.KindChar:       "unsigned short",
	image.KindI8:         "signed char",
	image.KindU8:         "unsigned char",
	image.KindI16:        "short",
	image.KindU16:        "unsigned short",
	image.KindI32:        "int",
	image.KindU32:        "unsigned int",
	image.KindI64:        "long long",
	image.KindU64:        "unsigned long long",
	image.KindNativeInt:  "long long",
	image.KindNativeUint: "unsigned long long",
	image.KindF16:        "__half",
	image.KindF32:        "float",
	image.KindF64:        "double",
	image.KindDecimal:    "double",
	image.KindVoid:       "void",
}

var openclScalars = map[image.Kind]string{
	image.KindBool:       "bool",
	image.KindChar:       "ushort",
	image.KindI8:         "char",
	image.KindU8:         "uchar",
	image.KindI16:        "short",
	image.KindU16:        "ushort",
	image.KindI32:        "int",
	image.KindU32:        "uint",
	image.KindI64:        "long",
	image.KindU64:        "ulong",
	image.KindNativeInt:  "long",
	image.KindNativeUint: "ulong",
	image.KindF16:        "half",
	image.KindF32:        "float",
	image.KindF64:        "double",
	image.KindDecimal:    "double",
	image.KindVoid:       "void",
}

// ctype renders t as a C type. Addresses carry no space qualifier here.
func (e *emitter) ctype(t *image.Type) string {
	switch t.Kind {
	case image.KindNamed:
		return t.Name
	case image.KindArray, image.KindPointer, image.KindByRef:
		return e.ctype(t.Elem) + "*"
	case image.KindF16:
		e.usesHalf = true
	case image.KindF64, image.KindDecimal:
		e.usesDouble = true
	}
	table := cudaScalars
	if e.d == OpenCL {
		table = openclScalars
	}
	if s, ok := table[t.Kind]; ok {
		return s
	}
	e.construct("type %s has no device representation", t)
	return "void"
}

// unsignedOf returns the unsigned C type of the same width as t.
func (e *emitter) unsignedOf(t *image.Type) string {
	switch t.Kind {
	case image.KindI8:
		return e.ctype(image.Prim(image.KindU8))
	case image.KindI16:
		return e.ctype(image.Prim(image.KindU16))
	case image.KindI32:
		return e.ctype(image.Prim(image.KindU32))
	case image.KindI64, image.KindNativeInt:
		return e.ctype(image.Prim(image.KindU64))
	}
	return e.ctype(t)
}

func (e *emitter) byteType() string {
	return e.ctype(image.Prim(image.KindU8))
}

// qualifier returns the OpenCL address space keyword of pointer targets.
func (e *emitter) qualifier(space image.AddressSpace) string {
	if e.d != OpenCL {
		return ""
	}
	switch space {
	case image.SpaceShared:
		return "__local "
	case image.SpaceConstant:
		return "__constant "
	}
	return "__global "
}

// pointerTo renders a pointer to elem in space.
func (e *emitter) pointerTo(elem *image.Type, space image.AddressSpace) string {
	return e.qualifier(space) + e.ctype(elem) + "*"
}

// declare renders a declaration of name with type t.
func (e *emitter) declare(t *image.Type, name string, space image.AddressSpace) string {
	switch {
	case t.Kind == image.KindArray:
		return e.pointerTo(t.Elem, space) + " " + name
	case t.IsAddress() && space == image.SpaceDefault:
		// generic address space
		return e.ctype(t) + " " + name
	case t.IsAddress():
		return e.pointerTo(t.Elem, space) + " " + name
	}
	return e.ctype(t) + " " + name
}
