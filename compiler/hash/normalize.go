package hash

import (
	"fmt"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Normalization: image method → frozen fingerprint record
//
// Decodes the method body and rewrites every operand into a form that does
// not depend on image-internal numbering: member tokens become the member
// reference text, string indices become the string, branch targets become
// instruction indices.
// ---------------------------------------------------------------------------

// NormalizeMethod transforms a declared method into an HMethod.
func NormalizeMethod(img *image.Image, m *image.Method) (*HMethod, error) {
	h := &HMethod{
		Owner:      m.Owner.Name,
		OwnerKind:  uint8(m.Owner.Kind),
		Name:       m.Name,
		Static:     m.Static,
		Return:     typeText(m.Return),
		Directives: normalizeDirectives(m.Directives),
	}
	for _, p := range m.Params {
		h.Params = append(h.Params, HParam{Name: p.Name, Type: typeText(p.Type), Directives: normalizeDirectives(p.Directives)})
	}
	for _, l := range m.Locals {
		h.Locals = append(h.Locals, HLocal{Name: l.Name, Type: typeText(l.Type), Generated: l.Generated, Pinned: l.Pinned})
	}
	for _, f := range m.Owner.Fields {
		h.OwnerFields = append(h.OwnerFields, HField{
			Name: f.Name, Type: typeText(f.Type), Static: f.Static,
			FixedLen: f.FixedLen, Directives: normalizeDirectives(f.Directives),
		})
	}
	if m.Body == nil {
		return h, nil
	}

	ins, err := bytecode.Decode(m.Body.Code)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", m.FullID(), err)
	}
	index := make(map[int]int, len(ins)+1)
	for i, in := range ins {
		index[in.Offset] = i
	}
	index[len(m.Body.Code)] = len(ins)

	h.Code = make([]HInstr, len(ins))
	for i, in := range ins {
		hi := HInstr{Op: byte(in.Op)}
		switch in.Op.GetInfo().Operand {
		case bytecode.OperandNone:
			hi.Operand = OperandNone
		case bytecode.OperandI32, bytecode.OperandI64, bytecode.OperandSlot, bytecode.OperandDim:
			hi.Operand = OperandInt
			hi.Int = in.Int
		case bytecode.OperandF32, bytecode.OperandF64:
			hi.Operand = OperandReal
			hi.Real = in.Float
		case bytecode.OperandString:
			if int(in.Int) >= len(m.Body.Strings) {
				return nil, fmt.Errorf("normalize %s: string index %d out of range", m.FullID(), in.Int)
			}
			hi.Operand = OperandStr
			hi.Ref = m.Body.Strings[in.Int]
		case bytecode.OperandToken:
			hi.Operand = OperandRef
			hi.Ref, err = refText(img, uint16(in.Int))
		case bytecode.OperandRank:
			hi.Operand = OperandRank
			hi.Int = int64(in.Rank)
			hi.Ref, err = refText(img, uint16(in.Int))
		case bytecode.OperandBranch:
			hi.Operand = OperandJump
			hi.Int = int64(index[in.Target])
		}
		if err != nil {
			return nil, fmt.Errorf("normalize %s at %04X: %w", m.FullID(), in.Offset, err)
		}
		h.Code[i] = hi
	}
	return h, nil
}

func refText(img *image.Image, tok uint16) (string, error) {
	if int(tok) >= len(img.Members) {
		return "", fmt.Errorf("member token #%d out of range", tok)
	}
	ref := img.Members[tok]
	return fmt.Sprintf("%d:%s", ref.Kind, ref), nil
}

func typeText(t *image.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func normalizeDirectives(ds image.Directives) []HDirective {
	out := make([]HDirective, len(ds))
	for i, d := range ds {
		out[i] = HDirective{Kind: uint8(d.Kind), Value: d.Value}
	}
	return out
}
