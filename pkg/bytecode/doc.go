// Package bytecode defines the host instruction set that kernelize
// decompiles: a typed stack bytecode covering arithmetic, conversions,
// argument/local/field/array access, indirect loads and stores, branches
// and calls.
//
// The format is designed for:
//   - Compact representation (1-9 bytes per instruction)
//   - Fast decoding (single-byte opcodes, fixed operand widths per opcode)
//   - Easy serialization (method bodies are embedded in assembly images)
//
// # Architecture Overview
//
//   - Opcodes: the instruction table with stack effect and operand kind for
//     each opcode. Opcodes in the managed-only range (heap allocation, boxing,
//     exceptions) decode fine but are rejected by the translator.
//
//   - Body: one method's code section plus its string pool. Bodies can be
//     serialized using the "KZBC" format.
//
//   - Builder: emits instructions with symbolic labels and patches branch
//     offsets once labels are marked.
//
//   - Decode/Disassemble: turn a code section back into instructions or a
//     listing. A Resolver supplies member and slot names.
//
// Branch operands are signed 32-bit offsets relative to the end of the
// branch instruction. All multi-byte operands are big-endian.
package bytecode
