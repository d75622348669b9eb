package bytecode

import "fmt"

// Builder assembles a Body with symbolic branch labels.
type Builder struct {
	body   *Body
	labels []*Label
}

// NewBuilder creates a builder over an empty body.
func NewBuilder() *Builder {
	return &Builder{body: NewBody()}
}

// Label represents a branch target that may be marked after its uses.
type Label struct {
	Name     string
	resolved bool
	position int   // target offset once resolved
	refs     []int // placeholder offsets that reference this label
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel(name string) *Label {
	l := &Label{Name: name}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position.
func (b *Builder) Mark(l *Label) error {
	if l.resolved {
		return fmt.Errorf("label %q already marked", l.Name)
	}
	l.resolved = true
	l.position = b.body.CurrentOffset()
	for _, ref := range l.refs {
		b.body.PatchJumpTo(ref, l.position)
	}
	l.refs = nil
	return nil
}

// Jump emits a branch to l.
func (b *Builder) Jump(op Opcode, l *Label) {
	ref := b.body.EmitJump(op)
	if l.resolved {
		b.body.PatchJumpTo(ref, l.position)
		return
	}
	l.refs = append(l.refs, ref)
}

// Op emits an operand-less instruction.
func (b *Builder) Op(op Opcode) { b.body.Emit(op) }

// I4 emits ldc.i4.
func (b *Builder) I4(v int32) { b.body.EmitI32(OpLdcI4, v) }

// I8 emits ldc.i8.
func (b *Builder) I8(v int64) { b.body.EmitI64(OpLdcI8, v) }

// R4 emits ldc.r4.
func (b *Builder) R4(v float32) { b.body.EmitF32(v) }

// R8 emits ldc.r8.
func (b *Builder) R8(v float64) { b.body.EmitF64(v) }

// Str emits ldstr, interning s in the body's string pool.
func (b *Builder) Str(s string) { b.body.EmitU16(OpLdStr, b.body.AddString(s)) }

// Slot emits an argument or local instruction.
func (b *Builder) Slot(op Opcode, slot uint16) { b.body.EmitU16(op, slot) }

// Token emits an instruction referencing a member or type table entry.
func (b *Builder) Token(op Opcode, token uint16) { b.body.EmitU16(op, token) }

// Rank emits a multi-dimensional array instruction.
func (b *Builder) Rank(op Opcode, token uint16, rank uint8) { b.body.EmitRank(op, token, rank) }

// Dim emits getlen.
func (b *Builder) Dim(dim uint8) { b.body.EmitDim(dim) }

// Offset returns the current code offset.
func (b *Builder) Offset() int { return b.body.CurrentOffset() }

// Finish returns the assembled body. Every label that was jumped to must
// have been marked.
func (b *Builder) Finish() (*Body, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("label %q used but never marked", l.Name)
		}
	}
	return b.body, nil
}
