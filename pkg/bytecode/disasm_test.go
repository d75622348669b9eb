package bytecode

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

type testResolver struct{}

func (testResolver) TokenName(token uint16) string {
	if token == 0 {
		return "Kernels::data"
	}
	return ""
}

func (testResolver) SlotName(op Opcode, slot uint16) string {
	switch op {
	case OpLdArg, OpStArg, OpLdArgA:
		return []string{"a", "b"}[slot]
	default:
		return []string{"sum"}[slot]
	}
}

func sampleBody(t *testing.T) *Body {
	t.Helper()
	bld := NewBuilder()
	end := bld.NewLabel("end")
	bld.Slot(OpLdArg, 0)
	bld.I4(1)
	bld.Op(OpAdd)
	bld.Slot(OpStLoc, 0)
	bld.Slot(OpLdLoc, 0)
	bld.Jump(OpBrFalse, end)
	bld.Token(OpLdSFld, 0)
	bld.Str("cache")
	bld.Op(OpPop)
	bld.Op(OpPop)
	if err := bld.Mark(end); err != nil {
		t.Fatal(err)
	}
	bld.Op(OpRet)
	body, err := bld.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestDisassembleGolden(t *testing.T) {
	out := sampleBody(t).DisassembleWithName("Kernels::sample", testResolver{})

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "disasm_sample", []byte(out))
}

func TestDisassembleWithoutResolver(t *testing.T) {
	out := sampleBody(t).Disassemble(nil)

	for _, want := range []string{"ldsfld     #0", "ldarg      0\n", "brfalse    001C"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "===") {
		t.Error("unnamed listing should have no name header")
	}
}

func TestDisassembleTruncatedCode(t *testing.T) {
	b := NewBody()
	b.Code = []byte{byte(OpLdcI4), 1}
	out := b.Disassemble(nil)
	if !strings.Contains(out, "truncated") {
		t.Errorf("expected truncation marker in listing:\n%s", out)
	}
}
