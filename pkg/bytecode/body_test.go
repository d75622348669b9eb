package bytecode

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewBody(t *testing.T) {
	b := NewBody()

	if b.Version != BodyVersion {
		t.Errorf("Version = %d, want %d", b.Version, BodyVersion)
	}
	if b.Flags&BodyFlagInitLocals == 0 {
		t.Error("new bodies should zero-initialize locals")
	}
	if b.Code == nil {
		t.Error("Code is nil")
	}
}

func TestBodyAddString(t *testing.T) {
	b := NewBody()

	if idx := b.AddString("cache"); idx != 0 {
		t.Errorf("First string index = %d, want 0", idx)
	}
	if idx := b.AddString("other"); idx != 1 {
		t.Errorf("Second string index = %d, want 1", idx)
	}
	if idx := b.AddString("cache"); idx != 0 {
		t.Errorf("Duplicate string index = %d, want 0", idx)
	}
	if len(b.Strings) != 2 {
		t.Errorf("len(Strings) = %d, want 2", len(b.Strings))
	}
}

func TestBodyEmitOperands(t *testing.T) {
	b := NewBody()
	b.EmitI32(OpLdcI4, -7)
	b.EmitI64(OpLdcI8, 1<<40)
	b.EmitF32(1.5)
	b.EmitF64(-2.25)
	b.EmitU16(OpLdLoc, 3)
	b.EmitRank(OpLdElemMD, 9, 2)
	b.EmitDim(1)

	ins, err := Decode(b.Code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(ins) != 7 {
		t.Fatalf("decoded %d instructions, want 7", len(ins))
	}
	if ins[0].Int != -7 {
		t.Errorf("ldc.i4 operand = %d, want -7", ins[0].Int)
	}
	if ins[1].Int != 1<<40 {
		t.Errorf("ldc.i8 operand = %d, want %d", ins[1].Int, int64(1<<40))
	}
	if ins[2].Float != 1.5 {
		t.Errorf("ldc.r4 operand = %v, want 1.5", ins[2].Float)
	}
	if ins[3].Float != -2.25 {
		t.Errorf("ldc.r8 operand = %v, want -2.25", ins[3].Float)
	}
	if ins[4].Op != OpLdLoc || ins[4].Int != 3 {
		t.Errorf("ldloc decoded as %s %d", ins[4].Op, ins[4].Int)
	}
	if ins[5].Int != 9 || ins[5].Rank != 2 {
		t.Errorf("ldelem.md decoded as token %d rank %d", ins[5].Int, ins[5].Rank)
	}
	if ins[6].Op != OpGetLen || ins[6].Int != 1 {
		t.Errorf("getlen decoded as %s %d", ins[6].Op, ins[6].Int)
	}
}

func TestBodyJumps(t *testing.T) {
	b := NewBody()
	start := b.CurrentOffset()
	b.EmitU16(OpLdArg, 0)
	fwd := b.EmitJump(OpBrFalse)
	b.EmitI32(OpLdcI4, 1)
	b.Emit(OpPop)
	back := b.EmitJump(OpBr)
	b.PatchJumpTo(back, start)
	b.PatchJump(fwd)
	b.Emit(OpRet)

	ins, err := Decode(b.Code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins[1].Target != ins[5].Offset {
		t.Errorf("forward branch target = %04X, want %04X", ins[1].Target, ins[5].Offset)
	}
	if ins[4].Target != 0 {
		t.Errorf("backward branch target = %04X, want 0000", ins[4].Target)
	}
}

func TestDecodeRejectsMisalignedBranch(t *testing.T) {
	b := NewBody()
	ref := b.EmitJump(OpBr)
	b.EmitI32(OpLdcI4, 5)
	b.Emit(OpRet)
	// Land inside the ldc.i4 operand.
	b.PatchJumpTo(ref, 7)

	if _, err := Decode(b.Code); err == nil {
		t.Fatal("expected error for branch into an operand")
	}
}

func TestDecodeRejectsUnknownAndTruncated(t *testing.T) {
	if _, err := Decode([]byte{0xEE}); err == nil {
		t.Error("expected error for unknown opcode")
	}
	if _, err := Decode([]byte{byte(OpLdcI4), 0, 0}); err == nil {
		t.Error("expected error for truncated operand")
	}
}

func TestBodySerializeRoundTrip(t *testing.T) {
	b := NewBody()
	b.MaxStack = 4
	b.Flags |= BodyFlagHasHandlers
	b.EmitU16(OpLdStr, b.AddString("cache"))
	b.EmitI32(OpLdcI4, 256)
	b.Emit(OpRet)

	data, err := b.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.HasPrefix(data, BodyMagic) {
		t.Fatalf("serialized body does not start with magic")
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.Version != b.Version || got.Flags != b.Flags || got.MaxStack != b.MaxStack {
		t.Errorf("header = %d/%x/%d, want %d/%x/%d", got.Version, got.Flags, got.MaxStack, b.Version, b.Flags, b.MaxStack)
	}
	if !bytes.Equal(got.Code, b.Code) {
		t.Errorf("code mismatch")
	}
	if len(got.Strings) != 1 || got.Strings[0] != "cache" {
		t.Errorf("Strings = %v", got.Strings)
	}
}

func TestDeserializeErrors(t *testing.T) {
	b := NewBody()
	b.EmitI32(OpLdcI4, 1)
	data, _ := b.Serialize()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"short", []byte("KZB"), "too short"},
		{"magic", append([]byte("XXXX"), data[4:]...), "invalid bytecode magic"},
		{"truncated code", data[:16], "unexpected end"},
		{"missing strings", data[:len(data)-2], "unexpected end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.data)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}

	newer := append([]byte(nil), data...)
	newer[5] = byte(BodyVersion + 1)
	if _, err := Deserialize(newer); err == nil || !strings.Contains(err.Error(), "newer") {
		t.Errorf("err = %v, want version error", err)
	}
}

func TestBuilderLabels(t *testing.T) {
	bld := NewBuilder()
	loop := bld.NewLabel("loop")
	done := bld.NewLabel("done")

	if err := bld.Mark(loop); err != nil {
		t.Fatal(err)
	}
	bld.Slot(OpLdLoc, 0)
	bld.Jump(OpBrFalse, done)
	bld.Jump(OpBr, loop)
	if err := bld.Mark(done); err != nil {
		t.Fatal(err)
	}
	bld.Op(OpRet)

	body, err := bld.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	ins, err := Decode(body.Code)
	if err != nil {
		t.Fatal(err)
	}
	if ins[1].Target != ins[3].Offset {
		t.Errorf("brfalse target = %04X, want %04X", ins[1].Target, ins[3].Offset)
	}
	if ins[2].Target != 0 {
		t.Errorf("br target = %04X, want 0000", ins[2].Target)
	}
	if err := bld.Mark(done); err == nil {
		t.Error("marking a label twice should fail")
	}
}

func TestBuilderUnmarkedLabel(t *testing.T) {
	bld := NewBuilder()
	bld.Jump(OpBr, bld.NewLabel("nowhere"))
	if _, err := bld.Finish(); err == nil {
		t.Fatal("expected error for unmarked label")
	}
}
