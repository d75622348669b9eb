package bytecode

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolver names the tokens and slots referenced by instructions. A nil
// Resolver prints raw indices.
type Resolver interface {
	TokenName(token uint16) string
	SlotName(op Opcode, slot uint16) string
}

// Disassemble returns a human-readable bytecode listing for the body.
func (b *Body) Disassemble(r Resolver) string {
	return b.DisassembleWithName("", r)
}

// DisassembleWithName returns a human-readable bytecode listing with a name header.
func (b *Body) DisassembleWithName(name string, r Resolver) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Kernelize Bytecode v%d\n", b.Version))
	sb.WriteString(fmt.Sprintf("; Flags: 0x%04X", b.Flags))
	if b.Flags&BodyFlagInitLocals != 0 {
		sb.WriteString(" [INIT_LOCALS]")
	}
	if b.Flags&BodyFlagHasHandlers != 0 {
		sb.WriteString(" [HANDLERS]")
	}
	sb.WriteString("\n")
	if b.MaxStack > 0 {
		sb.WriteString(fmt.Sprintf("; Max stack: %d\n", b.MaxStack))
	}

	if len(b.Strings) > 0 {
		sb.WriteString("; Strings:\n")
		for i, s := range b.Strings {
			display := s
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %q\n", i, display))
		}
	}

	sb.WriteString("; Code:\n")
	offset := 0
	for offset < len(b.Code) {
		in, err := DecodeAt(b.Code, offset)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%04X  <%v>\n", offset, err))
			break
		}
		sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, b.formatInstruction(in, r)))
		offset = in.End()
	}

	return sb.String()
}

// formatInstruction renders one decoded instruction.
func (b *Body) formatInstruction(in Instruction, r Resolver) string {
	info := in.Op.GetInfo()
	switch info.Operand {
	case OperandNone:
		return info.Name
	case OperandI32, OperandI64:
		return fmt.Sprintf("%-10s %d", info.Name, in.Int)
	case OperandF32:
		return fmt.Sprintf("%-10s %s", info.Name, strconv.FormatFloat(in.Float, 'g', -1, 32))
	case OperandF64:
		return fmt.Sprintf("%-10s %s", info.Name, strconv.FormatFloat(in.Float, 'g', -1, 64))
	case OperandSlot:
		if r != nil {
			if name := r.SlotName(in.Op, uint16(in.Int)); name != "" {
				return fmt.Sprintf("%-10s %d ; %s", info.Name, in.Int, name)
			}
		}
		return fmt.Sprintf("%-10s %d", info.Name, in.Int)
	case OperandToken:
		return fmt.Sprintf("%-10s %s", info.Name, tokenName(r, uint16(in.Int)))
	case OperandString:
		s := ""
		if int(in.Int) < len(b.Strings) {
			s = b.Strings[in.Int]
		}
		return fmt.Sprintf("%-10s %q", info.Name, s)
	case OperandBranch:
		return fmt.Sprintf("%-10s %04X", info.Name, in.Target)
	case OperandRank:
		return fmt.Sprintf("%-10s %s %d", info.Name, tokenName(r, uint16(in.Int)), in.Rank)
	case OperandDim:
		return fmt.Sprintf("%-10s %d", info.Name, in.Int)
	}
	return info.Name
}

func tokenName(r Resolver, token uint16) string {
	if r != nil {
		if name := r.TokenName(token); name != "" {
			return name
		}
	}
	return fmt.Sprintf("#%d", token)
}
