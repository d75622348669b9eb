package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BodyVersion is the current method body format version.
// Increment when making incompatible changes to the format.
const BodyVersion uint16 = 1

// Magic bytes for serialized method bodies: "KZBC" (kernelize bytecode)
var BodyMagic = []byte{'K', 'Z', 'B', 'C'}

// BodyFlags contains compilation flags for a method body.
type BodyFlags uint16

const (
	// BodyFlagInitLocals indicates locals are zero-initialized on entry.
	BodyFlagInitLocals BodyFlags = 1 << 0

	// BodyFlagHasHandlers indicates the method declares exception handlers.
	BodyFlagHasHandlers BodyFlags = 1 << 1
)

// Body is the instruction stream of one method together with the string
// pool referenced by OpLdStr.
type Body struct {
	// Header
	Version  uint16
	Flags    BodyFlags
	MaxStack uint16

	// Code section
	Code []byte

	// String pool referenced by OpLdStr
	Strings []string
}

// NewBody creates a new empty body with the current version.
func NewBody() *Body {
	return &Body{
		Version: BodyVersion,
		Flags:   BodyFlagInitLocals,
		Code:    make([]byte, 0, 64),
	}
}

// AddString adds a string to the pool and returns its index.
// If the string already exists, returns the existing index.
func (b *Body) AddString(value string) uint16 {
	for i, s := range b.Strings {
		if s == value {
			return uint16(i)
		}
	}
	idx := uint16(len(b.Strings))
	b.Strings = append(b.Strings, value)
	return idx
}

// Emit appends a single-byte opcode to the code section.
func (b *Body) Emit(op Opcode) int {
	offset := len(b.Code)
	b.Code = append(b.Code, byte(op))
	return offset
}

// EmitI32 appends an opcode with a 4-byte operand.
func (b *Body) EmitI32(op Opcode, v int32) int {
	offset := b.Emit(op)
	b.Code = binary.BigEndian.AppendUint32(b.Code, uint32(v))
	return offset
}

// EmitI64 appends an opcode with an 8-byte operand.
func (b *Body) EmitI64(op Opcode, v int64) int {
	offset := b.Emit(op)
	b.Code = binary.BigEndian.AppendUint64(b.Code, uint64(v))
	return offset
}

// EmitF32 appends OpLdcR4.
func (b *Body) EmitF32(v float32) int {
	offset := b.Emit(OpLdcR4)
	b.Code = binary.BigEndian.AppendUint32(b.Code, math.Float32bits(v))
	return offset
}

// EmitF64 appends OpLdcR8.
func (b *Body) EmitF64(v float64) int {
	offset := b.Emit(OpLdcR8)
	b.Code = binary.BigEndian.AppendUint64(b.Code, math.Float64bits(v))
	return offset
}

// EmitU16 appends an opcode with a slot, token or string operand.
func (b *Body) EmitU16(op Opcode, v uint16) int {
	offset := b.Emit(op)
	b.Code = binary.BigEndian.AppendUint16(b.Code, v)
	return offset
}

// EmitRank appends a multi-dimensional array opcode.
func (b *Body) EmitRank(op Opcode, token uint16, rank uint8) int {
	offset := b.EmitU16(op, token)
	b.Code = append(b.Code, rank)
	return offset
}

// EmitDim appends OpGetLen.
func (b *Body) EmitDim(dim uint8) int {
	offset := b.Emit(OpGetLen)
	b.Code = append(b.Code, dim)
	return offset
}

// EmitJump emits a branch instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (b *Body) EmitJump(op Opcode) int {
	b.Emit(op)
	placeholder := len(b.Code)
	b.Code = append(b.Code, 0xFF, 0xFF, 0xFF, 0xFF)
	return placeholder
}

// PatchJump patches a branch's offset to jump to the current position.
func (b *Body) PatchJump(placeholderOffset int) {
	b.PatchJumpTo(placeholderOffset, len(b.Code))
}

// PatchJumpTo patches a branch to go to a specific offset.
func (b *Body) PatchJumpTo(placeholderOffset int, target int) {
	jumpFrom := placeholderOffset + 4
	delta := int32(target - jumpFrom)
	binary.BigEndian.PutUint32(b.Code[placeholderOffset:], uint32(delta))
}

// CurrentOffset returns the current offset in the code section.
func (b *Body) CurrentOffset() int {
	return len(b.Code)
}

// CodeLen returns the length of the code section.
func (b *Body) CodeLen() int {
	return len(b.Code)
}

// Serialize encodes the body to bytes for storage.
// Format:
//
//	[magic:4] [version:2] [flags:2] [max_stack:2]
//	[code_len:4] [code:...]
//	[string_count:2] [strings:...]
func (b *Body) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 16+len(b.Code)+len(b.Strings)*16)

	buf = append(buf, BodyMagic...)
	buf = binary.BigEndian.AppendUint16(buf, b.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(b.Flags))
	buf = binary.BigEndian.AppendUint16(buf, b.MaxStack)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Code)))
	buf = append(buf, b.Code...)

	if len(b.Strings) > math.MaxUint16 {
		return nil, fmt.Errorf("too many strings: %d", len(b.Strings))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b.Strings)))
	for _, s := range b.Strings {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("string too long: %d bytes", len(s))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}

	return buf, nil
}

// Deserialize decodes a body from bytes.
func Deserialize(data []byte) (*Body, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("bytecode too short: need at least 10 bytes, got %d", len(data))
	}

	if string(data[0:4]) != string(BodyMagic) {
		return nil, fmt.Errorf("invalid bytecode magic: expected %q, got %q", BodyMagic, data[0:4])
	}

	b := &Body{
		Version:  binary.BigEndian.Uint16(data[4:6]),
		Flags:    BodyFlags(binary.BigEndian.Uint16(data[6:8])),
		MaxStack: binary.BigEndian.Uint16(data[8:10]),
	}
	if b.Version > BodyVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d", b.Version, BodyVersion)
	}

	pos := 10

	if pos+4 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading code length at pos %d", pos)
	}
	codeLen := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4

	if pos+codeLen > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading code section: need %d bytes at pos %d", codeLen, pos)
	}
	b.Code = make([]byte, codeLen)
	copy(b.Code, data[pos:pos+codeLen])
	pos += codeLen

	if pos+2 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading string count")
	}
	count := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2

	b.Strings = make([]string, count)
	for i := range b.Strings {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("unexpected end of bytecode reading string %d length", i)
		}
		n := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+n > len(data) {
			return nil, fmt.Errorf("unexpected end of bytecode reading string %d", i)
		}
		b.Strings[i] = string(data[pos : pos+n])
		pos += n
	}

	return b, nil
}
