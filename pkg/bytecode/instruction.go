package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Instruction is one decoded operation. Instructions are immutable once
// decoded.
type Instruction struct {
	Offset int    // Offset of the opcode byte
	Op     Opcode // Operation
	Len    int    // Total encoded length

	Int    int64   // OperandI32, OperandI64, OperandSlot, OperandToken, OperandString, OperandDim
	Float  float64 // OperandF32, OperandF64
	Target int     // Absolute branch target for OperandBranch
	Rank   int     // Rank for OperandRank (Int holds the type token)
}

// End returns the offset of the next instruction.
func (in Instruction) End() int {
	return in.Offset + in.Len
}

// Decode decodes a whole code section into instructions.
// Branch targets are validated to land on instruction boundaries.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	starts := make(map[int]bool)
	pos := 0
	for pos < len(code) {
		in, err := DecodeAt(code, pos)
		if err != nil {
			return nil, err
		}
		starts[pos] = true
		out = append(out, in)
		pos = in.End()
	}
	for _, in := range out {
		if in.Op.GetInfo().Operand != OperandBranch {
			continue
		}
		if in.Target != len(code) && !starts[in.Target] {
			return nil, fmt.Errorf("branch at %04X targets %04X which is not an instruction boundary", in.Offset, in.Target)
		}
	}
	return out, nil
}

// DecodeAt decodes the instruction at offset pos.
func DecodeAt(code []byte, pos int) (Instruction, error) {
	if pos >= len(code) {
		return Instruction{}, fmt.Errorf("unexpected end of code at %04X", pos)
	}
	op := Opcode(code[pos])
	if !op.IsDefined() {
		return Instruction{}, fmt.Errorf("unknown opcode 0x%02X at %04X", byte(op), pos)
	}
	info := op.GetInfo()
	n := info.Operand.Len()
	if pos+1+n > len(code) {
		return Instruction{}, fmt.Errorf("truncated %s operand at %04X", info.Name, pos)
	}
	in := Instruction{Offset: pos, Op: op, Len: 1 + n}
	operand := code[pos+1 : pos+1+n]
	switch info.Operand {
	case OperandI32:
		in.Int = int64(int32(binary.BigEndian.Uint32(operand)))
	case OperandI64:
		in.Int = int64(binary.BigEndian.Uint64(operand))
	case OperandF32:
		in.Float = float64(math.Float32frombits(binary.BigEndian.Uint32(operand)))
	case OperandF64:
		in.Float = math.Float64frombits(binary.BigEndian.Uint64(operand))
	case OperandSlot, OperandToken, OperandString:
		in.Int = int64(binary.BigEndian.Uint16(operand))
	case OperandBranch:
		delta := int32(binary.BigEndian.Uint32(operand))
		in.Target = in.End() + int(delta)
		if in.Target < 0 {
			return Instruction{}, fmt.Errorf("branch at %04X jumps before start of code", pos)
		}
	case OperandRank:
		in.Int = int64(binary.BigEndian.Uint16(operand))
		in.Rank = int(operand[2])
	case OperandDim:
		in.Int = int64(operand[0])
	}
	return in, nil
}

// GetInfo returns the metadata for op.
func (op Opcode) GetInfo() OpcodeInfo {
	return GetOpcodeInfo(op)
}
