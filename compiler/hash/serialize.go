package hash

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Deterministic binary serialization of fingerprint records.
//
// Encoding conventions:
//   - First byte: HashVersion (0x02)
//   - Integers: big-endian fixed-width (int64=8B, uint32=4B)
//   - Floats: IEEE 754 big-endian 8B
//   - Strings: uint32 big-endian length + UTF-8 bytes
//   - Booleans: single byte (0/1)
//   - Lists: uint32 count followed by the elements
// ---------------------------------------------------------------------------

// Serialize produces a deterministic byte serialization of an HMethod.
func Serialize(m *HMethod) []byte {
	s := &serializer{buf: make([]byte, 0, 256)}
	s.writeByte(HashVersion)
	s.serializeMethod(m)
	return s.buf
}

type serializer struct {
	buf []byte
}

func (s *serializer) writeByte(b byte) {
	s.buf = append(s.buf, b)
}

func (s *serializer) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

func (s *serializer) writeInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	s.buf = append(s.buf, b[:]...)
}

func (s *serializer) writeFloat64(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	s.buf = append(s.buf, b[:]...)
}

func (s *serializer) writeString(v string) {
	s.writeUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

func (s *serializer) writeBool(v bool) {
	if v {
		s.writeByte(1)
	} else {
		s.writeByte(0)
	}
}

func (s *serializer) writeInt(v int) {
	s.writeInt64(int64(v))
}

func (s *serializer) serializeMethod(m *HMethod) {
	s.writeByte(TagMethod)
	s.writeByte(TagOwner)
	s.writeString(m.Owner)
	s.writeByte(m.OwnerKind)
	s.writeUint32(uint32(len(m.OwnerFields)))
	for _, f := range m.OwnerFields {
		s.writeByte(TagOwnerField)
		s.writeString(f.Name)
		s.writeString(f.Type)
		s.writeBool(f.Static)
		s.writeInt(f.FixedLen)
		s.serializeDirectives(f.Directives)
	}

	s.writeString(m.Name)
	s.writeBool(m.Static)
	s.writeUint32(uint32(len(m.Params)))
	for _, p := range m.Params {
		s.writeByte(TagParam)
		s.writeString(p.Name)
		s.writeString(p.Type)
		s.serializeDirectives(p.Directives)
	}
	s.writeByte(TagReturn)
	s.writeString(m.Return)
	s.writeUint32(uint32(len(m.Locals)))
	for _, l := range m.Locals {
		s.writeByte(TagLocal)
		s.writeString(l.Name)
		s.writeString(l.Type)
		s.writeBool(l.Generated)
		s.writeBool(l.Pinned)
	}
	s.serializeDirectives(m.Directives)

	s.writeUint32(uint32(len(m.Code)))
	for _, in := range m.Code {
		s.serializeInstr(in)
	}
}

func (s *serializer) serializeDirectives(ds []HDirective) {
	s.writeUint32(uint32(len(ds)))
	for _, d := range ds {
		s.writeByte(TagDirective)
		s.writeByte(d.Kind)
		s.writeInt64(int64(d.Value))
	}
}

func (s *serializer) serializeInstr(in HInstr) {
	s.writeByte(TagInstr)
	s.writeByte(in.Op)
	switch in.Operand {
	case OperandNone:
		s.writeByte(TagOperandNone)
	case OperandInt:
		s.writeByte(TagOperandInt)
		s.writeInt64(in.Int)
	case OperandReal:
		s.writeByte(TagOperandReal)
		s.writeFloat64(in.Real)
	case OperandRef:
		s.writeByte(TagOperandRef)
		s.writeString(in.Ref)
	case OperandStr:
		s.writeByte(TagOperandStr)
		s.writeString(in.Ref)
	case OperandJump:
		s.writeByte(TagOperandJump)
		s.writeInt64(in.Int)
	case OperandRank:
		s.writeByte(TagOperandRank)
		s.writeString(in.Ref)
		s.writeInt64(in.Int)
	}
}
