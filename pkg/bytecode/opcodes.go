package bytecode

import "fmt"

// Opcode represents a host bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = 0x00 // No operation
	OpPop Opcode = 0x01 // Pop top of stack
	OpDup Opcode = 0x02 // Duplicate top of stack

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpLdcI4  Opcode = 0x10 // Push int32: OpLdcI4 <value:i32>
	OpLdcI8  Opcode = 0x11 // Push int64: OpLdcI8 <value:i64>
	OpLdcR4  Opcode = 0x12 // Push float32: OpLdcR4 <bits:u32>
	OpLdcR8  Opcode = 0x13 // Push float64: OpLdcR8 <bits:u64>
	OpLdNull Opcode = 0x14 // Push null reference
	OpLdStr  Opcode = 0x15 // Push string from pool: OpLdStr <index:u16>

	// ========================================================================
	// Arguments and locals (0x20-0x2F)
	// ========================================================================

	OpLdArg  Opcode = 0x20 // Push argument: OpLdArg <slot:u16>
	OpStArg  Opcode = 0x21 // Pop and store argument
	OpLdArgA Opcode = 0x22 // Push address of argument
	OpLdLoc  Opcode = 0x23 // Push local: OpLdLoc <slot:u16>
	OpStLoc  Opcode = 0x24 // Pop and store local
	OpLdLocA Opcode = 0x25 // Push address of local

	// ========================================================================
	// Fields (0x30-0x3F)
	// ========================================================================

	OpLdFld   Opcode = 0x30 // Pop instance, push field: OpLdFld <member:u16>
	OpStFld   Opcode = 0x31 // Pop value and instance, store field
	OpLdFldA  Opcode = 0x32 // Pop instance, push field address
	OpLdSFld  Opcode = 0x33 // Push static field
	OpStSFld  Opcode = 0x34 // Pop and store static field
	OpLdSFldA Opcode = 0x35 // Push static field address

	// ========================================================================
	// Arrays (0x40-0x47)
	// ========================================================================

	OpLdElem    Opcode = 0x40 // Pop index and array, push element: OpLdElem <type:u16>
	OpStElem    Opcode = 0x41 // Pop value, index and array, store element
	OpLdElemA   Opcode = 0x42 // Pop index and array, push element address
	OpLdLen     Opcode = 0x43 // Pop array, push element count
	OpLdElemMD  Opcode = 0x44 // Multi-dimensional load: OpLdElemMD <type:u16> <rank:u8>
	OpStElemMD  Opcode = 0x45 // Multi-dimensional store
	OpLdElemAMD Opcode = 0x46 // Multi-dimensional element address
	OpGetLen    Opcode = 0x47 // Pop array, push extent of dimension: OpGetLen <dim:u8>

	// ========================================================================
	// Indirect access (0x48-0x4F)
	// ========================================================================

	OpLdObj   Opcode = 0x48 // Pop address, push value: OpLdObj <type:u16>
	OpStObj   Opcode = 0x49 // Pop value and address, store value
	OpInitObj Opcode = 0x4A // Pop address, store default value

	// ========================================================================
	// Arithmetic (0x50-0x5F)
	// ========================================================================

	OpAdd      Opcode = 0x50 // Pop two, push sum
	OpSub      Opcode = 0x51 // Pop two, push difference (a - b where b is TOS)
	OpMul      Opcode = 0x52 // Pop two, push product
	OpDiv      Opcode = 0x53 // Pop two, push quotient
	OpDivUn    Opcode = 0x54 // Unsigned quotient
	OpRem      Opcode = 0x55 // Pop two, push remainder
	OpRemUn    Opcode = 0x56 // Unsigned remainder
	OpNeg      Opcode = 0x57 // Negate top of stack
	OpAddOvf   Opcode = 0x58 // Checked signed sum
	OpAddOvfUn Opcode = 0x59 // Checked unsigned sum
	OpSubOvf   Opcode = 0x5A // Checked signed difference
	OpSubOvfUn Opcode = 0x5B // Checked unsigned difference
	OpMulOvf   Opcode = 0x5C // Checked signed product
	OpMulOvfUn Opcode = 0x5D // Checked unsigned product

	// ========================================================================
	// Bitwise (0x60-0x67)
	// ========================================================================

	OpAnd   Opcode = 0x60
	OpOr    Opcode = 0x61
	OpXor   Opcode = 0x62
	OpNot   Opcode = 0x63 // Bitwise complement
	OpShl   Opcode = 0x64
	OpShr   Opcode = 0x65
	OpShrUn Opcode = 0x66

	// ========================================================================
	// Comparison (0x68-0x6F)
	// ========================================================================

	OpCeq   Opcode = 0x68 // Pop two, push 1 if equal, 0 otherwise
	OpCgt   Opcode = 0x69
	OpCgtUn Opcode = 0x6A
	OpClt   Opcode = 0x6B
	OpCltUn Opcode = 0x6C

	// ========================================================================
	// Conversion (0x70-0x7F)
	// ========================================================================

	OpConvI1  Opcode = 0x70
	OpConvI2  Opcode = 0x71
	OpConvI4  Opcode = 0x72
	OpConvI8  Opcode = 0x73
	OpConvU1  Opcode = 0x74
	OpConvU2  Opcode = 0x75
	OpConvU4  Opcode = 0x76
	OpConvU8  Opcode = 0x77
	OpConvR4  Opcode = 0x78
	OpConvR8  Opcode = 0x79
	OpConvI   Opcode = 0x7A // Convert to native int
	OpConvU   Opcode = 0x7B // Convert to native unsigned int
	OpConvRUn Opcode = 0x7C // Unsigned integer to float

	// ========================================================================
	// Control flow (0x80-0x8F)
	// ========================================================================

	OpBr      Opcode = 0x80 // Unconditional branch: OpBr <offset:i32>
	OpBrTrue  Opcode = 0x81 // Branch if top is non-zero
	OpBrFalse Opcode = 0x82 // Branch if top is zero
	OpBeq     Opcode = 0x83 // Pop two, branch if equal
	OpBneUn   Opcode = 0x84
	OpBlt     Opcode = 0x85
	OpBltUn   Opcode = 0x86
	OpBle     Opcode = 0x87
	OpBleUn   Opcode = 0x88
	OpBgt     Opcode = 0x89
	OpBgtUn   Opcode = 0x8A
	OpBge     Opcode = 0x8B
	OpBgeUn   Opcode = 0x8C

	// ========================================================================
	// Calls (0x90-0x9F)
	// ========================================================================

	OpCall     Opcode = 0x90 // Call method: OpCall <member:u16>
	OpCallVirt Opcode = 0x91 // Virtual call
	OpNewObj   Opcode = 0x92 // Construct value via constructor
	OpLdFtn    Opcode = 0x93 // Push method pointer

	// ========================================================================
	// Managed-only operations (0xA0-0xAF), never translatable
	// ========================================================================

	OpNewArr     Opcode = 0xA0 // Heap array allocation: OpNewArr <type:u16>
	OpBox        Opcode = 0xA1
	OpUnbox      Opcode = 0xA2
	OpCastClass  Opcode = 0xA3
	OpIsInst     Opcode = 0xA4
	OpThrow      Opcode = 0xA5
	OpLeave      Opcode = 0xA6 // Exit protected region: OpLeave <offset:i32>
	OpEndFinally Opcode = 0xA7

	// ========================================================================
	// Return (0xF0-0xFF)
	// ========================================================================

	OpRet Opcode = 0xF0 // Return (pops the value for non-void methods)
)

// OperandKind describes the encoding of an instruction's operand.
type OperandKind uint8

const (
	OperandNone   OperandKind = iota
	OperandI32                // 4-byte signed integer
	OperandI64                // 8-byte signed integer
	OperandF32                // 4-byte IEEE float bits
	OperandF64                // 8-byte IEEE float bits
	OperandSlot               // 2-byte argument/local slot
	OperandToken              // 2-byte member or type table index
	OperandString             // 2-byte string pool index
	OperandBranch             // 4-byte signed offset relative to the next instruction
	OperandRank               // 2-byte type token followed by 1-byte rank
	OperandDim                // 1-byte dimension
)

var operandLens = [...]int{
	OperandNone:   0,
	OperandI32:    4,
	OperandI64:    8,
	OperandF32:    4,
	OperandF64:    8,
	OperandSlot:   2,
	OperandToken:  2,
	OperandString: 2,
	OperandBranch: 4,
	OperandRank:   3,
	OperandDim:    1,
}

// Len returns the number of operand bytes for this kind.
func (k OperandKind) Len() int {
	if int(k) < len(operandLens) {
		return operandLens[k]
	}
	return 0
}

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name      string      // Assembler mnemonic
	StackPop  int         // How many values popped from stack (-1 = variable)
	StackPush int         // How many values pushed to stack (-1 = variable)
	Operand   OperandKind // Operand encoding
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop: {"nop", 0, 0, OperandNone},
	OpPop: {"pop", 1, 0, OperandNone},
	OpDup: {"dup", 1, 2, OperandNone},

	// Constants
	OpLdcI4:  {"ldc.i4", 0, 1, OperandI32},
	OpLdcI8:  {"ldc.i8", 0, 1, OperandI64},
	OpLdcR4:  {"ldc.r4", 0, 1, OperandF32},
	OpLdcR8:  {"ldc.r8", 0, 1, OperandF64},
	OpLdNull: {"ldnull", 0, 1, OperandNone},
	OpLdStr:  {"ldstr", 0, 1, OperandString},

	// Arguments and locals
	OpLdArg:  {"ldarg", 0, 1, OperandSlot},
	OpStArg:  {"starg", 1, 0, OperandSlot},
	OpLdArgA: {"ldarga", 0, 1, OperandSlot},
	OpLdLoc:  {"ldloc", 0, 1, OperandSlot},
	OpStLoc:  {"stloc", 1, 0, OperandSlot},
	OpLdLocA: {"ldloca", 0, 1, OperandSlot},

	// Fields
	OpLdFld:   {"ldfld", 1, 1, OperandToken},
	OpStFld:   {"stfld", 2, 0, OperandToken},
	OpLdFldA:  {"ldflda", 1, 1, OperandToken},
	OpLdSFld:  {"ldsfld", 0, 1, OperandToken},
	OpStSFld:  {"stsfld", 1, 0, OperandToken},
	OpLdSFldA: {"ldsflda", 0, 1, OperandToken},

	// Arrays
	OpLdElem:    {"ldelem", 2, 1, OperandToken},
	OpStElem:    {"stelem", 3, 0, OperandToken},
	OpLdElemA:   {"ldelema", 2, 1, OperandToken},
	OpLdLen:     {"ldlen", 1, 1, OperandNone},
	OpLdElemMD:  {"ldelem.md", -1, 1, OperandRank}, // Pops array + rank indices
	OpStElemMD:  {"stelem.md", -1, 0, OperandRank}, // Pops array + rank indices + value
	OpLdElemAMD: {"ldelema.md", -1, 1, OperandRank},
	OpGetLen:    {"getlen", 1, 1, OperandDim},

	// Indirect
	OpLdObj:   {"ldobj", 1, 1, OperandToken},
	OpStObj:   {"stobj", 2, 0, OperandToken},
	OpInitObj: {"initobj", 1, 0, OperandToken},

	// Arithmetic
	OpAdd:      {"add", 2, 1, OperandNone},
	OpSub:      {"sub", 2, 1, OperandNone},
	OpMul:      {"mul", 2, 1, OperandNone},
	OpDiv:      {"div", 2, 1, OperandNone},
	OpDivUn:    {"div.un", 2, 1, OperandNone},
	OpRem:      {"rem", 2, 1, OperandNone},
	OpRemUn:    {"rem.un", 2, 1, OperandNone},
	OpNeg:      {"neg", 1, 1, OperandNone},
	OpAddOvf:   {"add.ovf", 2, 1, OperandNone},
	OpAddOvfUn: {"add.ovf.un", 2, 1, OperandNone},
	OpSubOvf:   {"sub.ovf", 2, 1, OperandNone},
	OpSubOvfUn: {"sub.ovf.un", 2, 1, OperandNone},
	OpMulOvf:   {"mul.ovf", 2, 1, OperandNone},
	OpMulOvfUn: {"mul.ovf.un", 2, 1, OperandNone},

	// Bitwise
	OpAnd:   {"and", 2, 1, OperandNone},
	OpOr:    {"or", 2, 1, OperandNone},
	OpXor:   {"xor", 2, 1, OperandNone},
	OpNot:   {"not", 1, 1, OperandNone},
	OpShl:   {"shl", 2, 1, OperandNone},
	OpShr:   {"shr", 2, 1, OperandNone},
	OpShrUn: {"shr.un", 2, 1, OperandNone},

	// Comparison
	OpCeq:   {"ceq", 2, 1, OperandNone},
	OpCgt:   {"cgt", 2, 1, OperandNone},
	OpCgtUn: {"cgt.un", 2, 1, OperandNone},
	OpClt:   {"clt", 2, 1, OperandNone},
	OpCltUn: {"clt.un", 2, 1, OperandNone},

	// Conversion
	OpConvI1:  {"conv.i1", 1, 1, OperandNone},
	OpConvI2:  {"conv.i2", 1, 1, OperandNone},
	OpConvI4:  {"conv.i4", 1, 1, OperandNone},
	OpConvI8:  {"conv.i8", 1, 1, OperandNone},
	OpConvU1:  {"conv.u1", 1, 1, OperandNone},
	OpConvU2:  {"conv.u2", 1, 1, OperandNone},
	OpConvU4:  {"conv.u4", 1, 1, OperandNone},
	OpConvU8:  {"conv.u8", 1, 1, OperandNone},
	OpConvR4:  {"conv.r4", 1, 1, OperandNone},
	OpConvR8:  {"conv.r8", 1, 1, OperandNone},
	OpConvI:   {"conv.i", 1, 1, OperandNone},
	OpConvU:   {"conv.u", 1, 1, OperandNone},
	OpConvRUn: {"conv.r.un", 1, 1, OperandNone},

	// Control flow
	OpBr:      {"br", 0, 0, OperandBranch},
	OpBrTrue:  {"brtrue", 1, 0, OperandBranch},
	OpBrFalse: {"brfalse", 1, 0, OperandBranch},
	OpBeq:     {"beq", 2, 0, OperandBranch},
	OpBneUn:   {"bne.un", 2, 0, OperandBranch},
	OpBlt:     {"blt", 2, 0, OperandBranch},
	OpBltUn:   {"blt.un", 2, 0, OperandBranch},
	OpBle:     {"ble", 2, 0, OperandBranch},
	OpBleUn:   {"ble.un", 2, 0, OperandBranch},
	OpBgt:     {"bgt", 2, 0, OperandBranch},
	OpBgtUn:   {"bgt.un", 2, 0, OperandBranch},
	OpBge:     {"bge", 2, 0, OperandBranch},
	OpBgeUn:   {"bge.un", 2, 0, OperandBranch},

	// Calls
	OpCall:     {"call", -1, -1, OperandToken},
	OpCallVirt: {"callvirt", -1, -1, OperandToken},
	OpNewObj:   {"newobj", -1, 1, OperandToken},
	OpLdFtn:    {"ldftn", 0, 1, OperandToken},

	// Managed-only
	OpNewArr:     {"newarr", 1, 1, OperandToken},
	OpBox:        {"box", 1, 1, OperandToken},
	OpUnbox:      {"unbox", 1, 1, OperandToken},
	OpCastClass:  {"castclass", 1, 1, OperandToken},
	OpIsInst:     {"isinst", 1, 1, OperandToken},
	OpThrow:      {"throw", 1, 0, OperandNone},
	OpLeave:      {"leave", 0, 0, OperandBranch},
	OpEndFinally: {"endfinally", 0, 0, OperandNone},

	// Return
	OpRet: {"ret", -1, 0, OperandNone},
}

// opcodeByName is the reverse lookup used by the assembler.
var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Lookup returns the opcode for an assembler mnemonic.
func Lookup(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// IsDefined reports whether op has metadata.
func (op Opcode) IsDefined() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).Operand.Len()
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode is a branch instruction.
func (op Opcode) IsJump() bool {
	return op >= OpBr && op <= OpBgeUn
}

// IsConditionalJump returns true for branches that may fall through.
func (op Opcode) IsConditionalJump() bool {
	return op > OpBr && op <= OpBgeUn
}

// IsReturn returns true if this opcode terminates execution.
func (op Opcode) IsReturn() bool {
	return op == OpRet
}

// IsCall returns true if this opcode invokes a method.
func (op Opcode) IsCall() bool {
	return op >= OpCall && op <= OpNewObj
}

// IsManagedOnly returns true for operations that require the managed heap
// or exception machinery.
func (op Opcode) IsManagedOnly() bool {
	return op >= OpNewArr && op <= OpEndFinally
}

// EndsBlock returns true if control never falls through to the next instruction.
func (op Opcode) EndsBlock() bool {
	return op == OpBr || op == OpRet || op == OpThrow || op == OpLeave || op == OpEndFinally
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
