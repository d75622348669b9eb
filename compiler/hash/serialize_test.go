package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSerialize_Deterministic(t *testing.T) {
	m := &HMethod{
		Owner:  "Kernels",
		Name:   "add",
		Static: true,
		Params: []HParam{{Name: "a", Type: "i32"}},
		Code: []HInstr{
			{Op: 0x20, Operand: OperandInt, Int: 0},
			{Op: 0xF0, Operand: OperandNone},
		},
	}

	data1 := Serialize(m)
	data2 := Serialize(m)

	if string(data1) != string(data2) {
		t.Error("serialization is not deterministic")
	}
	if data1[0] != HashVersion {
		t.Errorf("version prefix: got 0x%02X, want 0x%02X", data1[0], HashVersion)
	}
}

func TestSerialize_ParamNamesMatter(t *testing.T) {
	a := &HMethod{Name: "f", Params: []HParam{{Name: "a", Type: "i32"}}}
	b := &HMethod{Name: "f", Params: []HParam{{Name: "b", Type: "i32"}}}
	if string(Serialize(a)) == string(Serialize(b)) {
		t.Error("parameter names appear in emitted source and must be hashed")
	}
}

func TestChecksum_OrderIndependent(t *testing.T) {
	a := NewChecksum().Target("cuda", "sm_35").Source("src").
		Entry("add", []string{"i32", "i32"}).Entry("sub", []string{"i32"}).
		Method("Kernels::add(i32,i32)", 1).Method("Kernels::sub(i32)", 2).Sum()
	b := NewChecksum().Target("cuda", "sm_35").Source("src").
		Method("Kernels::sub(i32)", 2).Method("Kernels::add(i32,i32)", 1).
		Entry("sub", []string{"i32"}).Entry("add", []string{"i32", "i32"}).Sum()
	if a != b {
		t.Error("checksum depends on record order")
	}

	c := NewChecksum().Target("cuda", "sm_35").Source("src").
		Entry("add", []string{"i32", "i32"}).Entry("sub", []string{"i32"}).
		Method("Kernels::add(i32,i32)", 1).Method("Kernels::sub(i32)", 3).Sum()
	if a == c {
		t.Error("a changed fingerprint must change the checksum")
	}

	d := NewChecksum().Target("opencl", "opencl").Source("src").Sum()
	e := NewChecksum().Target("cuda", "sm_35").Source("src").Sum()
	if d == e {
		t.Error("target must be part of the checksum")
	}
}

// TestGoldenFiles verifies that known methods produce expected hashes.
// If the golden files don't exist, they are created (first run).
// This prevents accidental format drift.
func TestGoldenFiles(t *testing.T) {
	img := mustAssemble(t, addSrc)

	goldenDir := filepath.Join("testdata")
	if err := os.MkdirAll(goldenDir, 0o755); err != nil {
		t.Fatalf("create testdata dir: %v", err)
	}

	for _, name := range []string{"add", "loop"} {
		t.Run(name, func(t *testing.T) {
			hm, err := NormalizeMethod(img, mustMethod(t, img, "Kernels", name))
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			data := Serialize(hm)
			h := sha256.Sum256(data)

			serializedHex := hex.EncodeToString(data)
			hashHex := hex.EncodeToString(h[:])

			goldenPath := filepath.Join(goldenDir, name+".golden")
			expected, err := os.ReadFile(goldenPath)
			if err != nil {
				content := serializedHex + "\n" + hashHex + "\n"
				if writeErr := os.WriteFile(goldenPath, []byte(content), 0o644); writeErr != nil {
					t.Fatalf("write golden file: %v", writeErr)
				}
				t.Logf("created golden file: %s", goldenPath)
				return
			}

			lines := strings.Split(strings.TrimSpace(string(expected)), "\n")
			if len(lines) != 2 {
				t.Fatalf("golden file %s: expected 2 lines, got %d", goldenPath, len(lines))
			}
			if serializedHex != lines[0] {
				t.Errorf("serialized bytes mismatch:\n  got:  %s\n  want: %s", serializedHex, lines[0])
			}
			if hashHex != lines[1] {
				t.Errorf("hash mismatch:\n  got:  %s\n  want: %s", hashHex, lines[1])
			}
		})
	}
}
