package lowast

import (
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/bytecode"
)

var (
	tBool    = image.Prim(image.KindBool)
	tI32     = image.Prim(image.KindI32)
	tU32     = image.Prim(image.KindU32)
	tI64     = image.Prim(image.KindI64)
	tU64     = image.Prim(image.KindU64)
	tF32     = image.Prim(image.KindF32)
	tF64     = image.Prim(image.KindF64)
	tNative  = image.Prim(image.KindNativeInt)
	tObject  = image.Prim(image.KindObject)
	tString  = image.Prim(image.KindString)
	tDecimal = image.Prim(image.KindDecimal)
)

// convTargets maps conversion opcodes to their result types.
var convTargets = map[bytecode.Opcode]*image.Type{
	bytecode.OpConvI1:  image.Prim(image.KindI8),
	bytecode.OpConvI2:  image.Prim(image.KindI16),
	bytecode.OpConvI4:  tI32,
	bytecode.OpConvI8:  tI64,
	bytecode.OpConvU1:  image.Prim(image.KindU8),
	bytecode.OpConvU2:  image.Prim(image.KindU16),
	bytecode.OpConvU4:  tU32,
	bytecode.OpConvU8:  tU64,
	bytecode.OpConvR4:  tF32,
	bytecode.OpConvR8:  tF64,
	bytecode.OpConvI:   tNative,
	bytecode.OpConvU:   image.Prim(image.KindNativeUint),
	bytecode.OpConvRUn: tF64,
}

// Promote widens a type the way the operand stack does: small integers
// become i32 and f16 becomes f32.
func Promote(t *image.Type) *image.Type {
	if t == nil {
		return tI32
	}
	switch t.Kind {
	case image.KindBool, image.KindChar, image.KindI8, image.KindU8, image.KindI16, image.KindU16:
		return tI32
	case image.KindF16:
		return tF32
	}
	return t
}

// BinaryType infers the result type of a binary arithmetic or bitwise op.
func BinaryType(op Op, a, b *image.Type) *image.Type {
	if op.IsCompare() {
		return tBool
	}
	a, b = Promote(a), Promote(b)
	if op == OpShl || op == OpShr {
		return a
	}
	switch {
	case a.IsAddress() && b.IsAddress():
		return tNative
	case a.IsAddress():
		return a
	case b.IsAddress():
		return b
	}
	if a.Kind == image.KindDecimal || b.Kind == image.KindDecimal {
		return tDecimal
	}
	if a.IsFloat() || b.IsFloat() {
		if a.Kind == image.KindF64 || b.Kind == image.KindF64 {
			return tF64
		}
		return tF32
	}
	switch {
	case a.Kind == image.KindNativeInt || b.Kind == image.KindNativeInt:
		return tNative
	case a.Kind == image.KindNativeUint || b.Kind == image.KindNativeUint:
		return image.Prim(image.KindNativeUint)
	case a.Kind == image.KindU64 && b.Kind != image.KindI64, b.Kind == image.KindU64 && a.Kind != image.KindI64:
		return tU64
	case a.Kind == image.KindI64 || b.Kind == image.KindI64:
		return tI64
	case a.Kind == image.KindU32 && b.Kind == image.KindU32:
		return tU32
	}
	return tI32
}

// ElemType returns the element type addressed by an array, pointer or
// reference type.
func ElemType(t *image.Type) *image.Type {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case image.KindArray, image.KindPointer, image.KindByRef:
		return t.Elem
	}
	return nil
}

// FieldAddrType returns the type of the address of f. Inline fixed
// buffers decay to a pointer to their element type.
func FieldAddrType(f *image.Field) *image.Type {
	if f.FixedLen > 0 && !f.Static {
		return image.PointerTo(f.Type)
	}
	return image.ByRefTo(f.Type)
}
