package hash

import (
	"testing"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/image/asm"
)

const addSrc = `
.image hashing
.class Kernels
  .method static add(a i32, b i32, c i32[]) void kernel
    ldarg c
    ldc.i4 0
    ldarg a
    ldarg b
    add
    stelem i32
    ret
  .end
  .method static loop(n i32, c i32[]) void kernel
    .local i i32
    ldc.i4 0
    stloc i
    br check
  body:
    ldarg c
    ldloc i
    ldloc i
    stelem i32
    ldloc i
    ldc.i4 1
    add
    stloc i
  check:
    ldloc i
    ldarg n
    blt body
    ret
  .end
.end
`

func mustAssemble(t *testing.T, src string) *image.Image {
	t.Helper()
	img, err := asm.Assemble(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return img
}

func mustMethod(t *testing.T, img *image.Image, owner, name string) *image.Method {
	t.Helper()
	m, err := img.FindMethod(owner, name, nil, false)
	if err != nil {
		t.Fatalf("find %s::%s: %v", owner, name, err)
	}
	return m
}

func TestNormalize_ResolvesOperands(t *testing.T) {
	img := mustAssemble(t, addSrc)
	hm, err := NormalizeMethod(img, mustMethod(t, img, "Kernels", "add"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if hm.Owner != "Kernels" || hm.Name != "add" || !hm.Static {
		t.Errorf("header: got %s::%s static=%v", hm.Owner, hm.Name, hm.Static)
	}
	if len(hm.Params) != 3 || hm.Params[2].Type != "i32[]" {
		t.Fatalf("params: %+v", hm.Params)
	}
	if len(hm.Code) != 7 {
		t.Fatalf("code: got %d instructions, want 7", len(hm.Code))
	}
	stelem := hm.Code[5]
	if stelem.Operand != OperandRef || stelem.Ref != "0:i32" {
		t.Errorf("stelem operand: got %v %q", stelem.Operand, stelem.Ref)
	}
}

func TestNormalize_BranchTargetsAreIndices(t *testing.T) {
	img := mustAssemble(t, addSrc)
	hm, err := NormalizeMethod(img, mustMethod(t, img, "Kernels", "loop"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	// br check → instruction 11 (ldloc i after the label)
	if hm.Code[2].Operand != OperandJump || hm.Code[2].Int != 11 {
		t.Errorf("br target: got %v %d, want jump 11", hm.Code[2].Operand, hm.Code[2].Int)
	}
	last := hm.Code[len(hm.Code)-2]
	if last.Operand != OperandJump || last.Int != 3 {
		t.Errorf("blt target: got %v %d, want jump 3", last.Operand, last.Int)
	}
}

func TestFingerprint_IndependentOfMemberOrder(t *testing.T) {
	a := mustAssemble(t, addSrc)
	// Same methods declared in the other order.
	b := mustAssemble(t, `
.image hashing
.class Kernels
  .method static loop(n i32, c i32[]) void kernel
    .local i i32
    ldc.i4 0
    stloc i
    br check
  body:
    ldarg c
    ldloc i
    ldloc i
    stelem i32
    ldloc i
    ldc.i4 1
    add
    stloc i
  check:
    ldloc i
    ldarg n
    blt body
    ret
  .end
  .method static add(a i32, b i32, c i32[]) void kernel
    ldarg c
    ldc.i4 0
    ldarg a
    ldarg b
    add
    stelem i32
    ret
  .end
.end
`)
	for _, name := range []string{"add", "loop"} {
		fa, err := Fingerprint(a, mustMethod(t, a, "Kernels", name))
		if err != nil {
			t.Fatal(err)
		}
		fb, err := Fingerprint(b, mustMethod(t, b, "Kernels", name))
		if err != nil {
			t.Fatal(err)
		}
		if fa != fb {
			t.Errorf("%s: fingerprints differ across equivalent images", name)
		}
	}
}

func TestFingerprint_ChangesWithBody(t *testing.T) {
	a := mustAssemble(t, addSrc)
	b := mustAssemble(t, `
.image hashing
.class Kernels
  .method static add(a i32, b i32, c i32[]) void kernel
    ldarg c
    ldc.i4 0
    ldarg a
    ldarg b
    sub
    stelem i32
    ret
  .end
.end
`)
	fa, _ := Fingerprint(a, mustMethod(t, a, "Kernels", "add"))
	fb, _ := Fingerprint(b, mustMethod(t, b, "Kernels", "add"))
	if fa == fb {
		t.Error("changing an opcode must change the fingerprint")
	}
}
