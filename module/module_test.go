package module

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/image/asm"
	"github.com/chazu/kernelize/internal/testkernels"
	"github.com/chazu/kernelize/pkg/codegen"
)

func emulated(d codegen.Dialect) Request {
	return Request{Dialect: d, Arch: ArchEmulator}
}

func mutatedBasic(t *testing.T) *image.Reader {
	t.Helper()
	src, err := testkernels.Source("basic")
	require.NoError(t, err)
	changed := strings.Replace(src, "    sub\n", "    mul\n", 1)
	require.NotEqual(t, src, changed)
	img, err := asm.Assemble(changed)
	require.NoError(t, err)
	return image.NewReader(img)
}

func TestTranslate_Emulator(t *testing.T) {
	var p Packager
	m, err := p.Translate(context.Background(), testkernels.Reader(t, "basic"), emulated(codegen.CUDA))
	require.NoError(t, err)

	assert.Equal(t, "basic", m.Name)
	assert.Equal(t, ArchEmulator, m.Toolchain)
	assert.Contains(t, m.Source, "__global__ void addVector(")
	_, ok := m.Entry("addVector")
	assert.True(t, ok)
	require.NoError(t, m.Verify())

	prog, err := highast.UnmarshalProgram(m.Binary)
	require.NoError(t, err)
	assert.NotNil(t, prog.Function("addVector"))
}

func TestTranslate_RecordsExclusions(t *testing.T) {
	var p Packager
	m, err := p.Translate(context.Background(), testkernels.Reader(t, "reject"), emulated(codegen.OpenCL))
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	assert.Len(t, m.Excluded, 4)
	assert.Contains(t, m.Summary(), "IRREDUCIBLE_CONTROL_FLOW")
}

func TestTranslate_NoEntries(t *testing.T) {
	var p Packager
	_, err := p.Translate(context.Background(), testkernels.Reader(t, "reject"),
		Request{Dialect: codegen.CUDA, Arch: ArchEmulator, Methods: []string{"Kernels::recursive"}})
	require.ErrorIs(t, err, ErrNoEntries)
}

func TestChecksum_Idempotent(t *testing.T) {
	var p Packager
	ctx := context.Background()
	a, err := p.Translate(ctx, testkernels.Reader(t, "basic"), emulated(codegen.CUDA))
	require.NoError(t, err)
	b, err := p.Translate(ctx, testkernels.Reader(t, "basic"), emulated(codegen.CUDA))
	require.NoError(t, err)
	assert.Equal(t, a.Checksum, b.Checksum)

	data, err := Serialize(a, true)
	require.NoError(t, err)
	back, err := Deserialize(data)
	require.NoError(t, err)
	require.NoError(t, VerifyChecksums(back, testkernels.Reader(t, "basic")))

	err = VerifyChecksums(back, mutatedBasic(t))
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.True(t, IsStale(err))

	c, err := p.Translate(ctx, testkernels.Reader(t, "basic"), emulated(codegen.OpenCL))
	require.NoError(t, err)
	assert.NotEqual(t, a.Checksum, c.Checksum, "target is part of the checksum")
}

func TestSerialize_RoundTrip(t *testing.T) {
	var p Packager
	m, err := p.Translate(context.Background(), testkernels.Reader(t, "constant"), emulated(codegen.OpenCL))
	require.NoError(t, err)
	for _, compress := range []bool{false, true} {
		data, err := Serialize(m, compress)
		require.NoError(t, err)
		back, err := Deserialize(data)
		require.NoError(t, err)
		assert.Equal(t, m.Checksum, back.Checksum)
		assert.Equal(t, m.Source, back.Source)
		assert.Equal(t, m.Binary, back.Binary)
		assert.Equal(t, m.Entries, back.Entries)
		assert.Equal(t, m.Constants, back.Constants)
		assert.Equal(t, m.Fingerprints, back.Fingerprints)
	}
}

func TestDeserialize_Rejects(t *testing.T) {
	var p Packager
	m, err := p.Translate(context.Background(), testkernels.Reader(t, "basic"), emulated(codegen.CUDA))
	require.NoError(t, err)

	tampered := *m
	tampered.Source = strings.Replace(m.Source, "a + b", "a - b", 1)
	require.NotEqual(t, m.Source, tampered.Source)
	data, err := Serialize(&tampered, false)
	require.NoError(t, err)
	_, err = Deserialize(data)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	corrupt := *m
	require.NotEmpty(t, m.Binary)
	corrupt.Binary = append([]byte(nil), m.Binary...)
	corrupt.Binary[len(corrupt.Binary)/2] ^= 0x01
	data, err = Serialize(&corrupt, false)
	require.NoError(t, err)
	_, err = Deserialize(data)
	require.ErrorIs(t, err, ErrChecksumMismatch, "the binary is covered by the checksum")

	good, err := Serialize(m, false)
	require.NoError(t, err)
	_, err = Deserialize(good[:10])
	require.ErrorIs(t, err, image.ErrUnsupportedFormat)

	bad := append([]byte(nil), good...)
	bad[0] = 'X'
	_, err = Deserialize(bad)
	require.ErrorIs(t, err, image.ErrUnsupportedFormat)

	future := append([]byte(nil), good...)
	future[4] = byte(FormatVersion + 1)
	_, err = Deserialize(future)
	require.ErrorIs(t, err, image.ErrUnsupportedFormat)
}

func TestFile_RoundTrip(t *testing.T) {
	var p Packager
	m, err := p.Translate(context.Background(), testkernels.Reader(t, "basic"), emulated(codegen.CUDA))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "basic.kzm")
	require.NoError(t, WriteFile(path, m, true))
	back, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, m.ChecksumHex(), back.ChecksumHex())
}

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestNVCC_CompileError(t *testing.T) {
	p := Packager{Toolchains: Toolchains{NVCC: NVCC{Path: script(t, `echo "kernel.cu(3): error: identifier undefined" >&2; exit 2`)}}}
	_, err := p.Translate(context.Background(), testkernels.Reader(t, "basic"), Request{Dialect: codegen.CUDA, Arch: "sm_70"})
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "nvcc", ce.Toolchain)
	assert.Contains(t, ce.Output, "error: identifier undefined")
}

func TestNVCC_Missing(t *testing.T) {
	p := Packager{Toolchains: Toolchains{NVCC: NVCC{Path: filepath.Join(t.TempDir(), "no-nvcc")}}}
	_, err := p.Translate(context.Background(), testkernels.Reader(t, "basic"), Request{Dialect: codegen.CUDA, Arch: "sm_70"})
	require.ErrorIs(t, err, ErrNoToolchain)
}

func TestNVCC_Compiles(t *testing.T) {
	// Stands in for nvcc: copies the source to the -o path.
	tool := script(t, `out=""; prev=""; for a in "$@"; do if [ "$prev" = "-o" ]; then out="$a"; fi; prev="$a"; src="$a"; done; cp "$src" "$out"`)
	p := Packager{Toolchains: Toolchains{NVCC: NVCC{Path: tool}}}
	m, err := p.Translate(context.Background(), testkernels.Reader(t, "basic"), Request{Dialect: codegen.CUDA, Arch: "sm_70"})
	require.NoError(t, err)
	assert.Equal(t, m.Source, string(m.Binary))
	assert.Equal(t, "nvcc", m.Toolchain)
}

func TestOpenCL_Checker(t *testing.T) {
	ok := Packager{Toolchains: Toolchains{OpenCL: OpenCL{Checker: []string{script(t, "exit 0")}}}}
	m, err := ok.Translate(context.Background(), testkernels.Reader(t, "basic"), Request{Dialect: codegen.OpenCL, Arch: "cl2.0"})
	require.NoError(t, err)
	assert.Equal(t, m.Source, string(m.Binary))

	bad := Packager{Toolchains: Toolchains{OpenCL: OpenCL{Checker: []string{script(t, `echo "1:2: error: expected ';'"; exit 1`)}}}}
	_, err = bad.Translate(context.Background(), testkernels.Reader(t, "basic"), Request{Dialect: codegen.OpenCL, Arch: "cl2.0"})
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "expected ';'")
}

func TestRequestKey(t *testing.T) {
	a := RequestKey("basic", codegen.CUDA, "sm_70", []string{"B", "A"})
	b := RequestKey("basic", codegen.CUDA, "sm_70", []string{"A", "B"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, RequestKey("basic", codegen.OpenCL, "sm_70", []string{"A", "B"}))
}
