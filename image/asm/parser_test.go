package asm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/bytecode"
)

const sample = `
.image sample
.delegate IntOp(x i32) i32

.struct ComplexF kernel
  .field x f32
  .field y f32
  .method .ctor(re f32, im f32) void
    ldarg this
    ldarg re
    stfld ComplexF::x
    ldarg this
    ldarg im
    stfld ComplexF::y
    ret
  .end
.end

.struct Packed size 16
  .field tag u8
  .field value f64
.end

.class Kernels beforefieldinit
  .field static constant_data i32[] fixed 1024 constant
  .method static dot(thread GThread, a f32[], cache f32[] shared) void kernel inline=no
    .local tid i32
    .local p f32* pinned
    .local t i32 generated
    ldarg thread
    ldstr "cache"
    ldc.i4 256
    callvirt GThread::AllocateShared<f32>
    starg cache
    ldarg thread
    callvirt GThread::get_threadIdx
    ldfld dim3::x
    stloc tid
  loop: ldloc tid
    ldc.i4 1024
    bge done
    ldarg a
    ldloc tid
    ldc.r4 -1.5
    call GMath::Abs(f32)
    stelem f32
    ldloc tid
    ldc.i4 0x10
    add
    stloc tid
    br loop
  done:
    ret
  .end
  .method static twoD(input i32[,]) i32
    ldarg input
    ldc.i4 0
    ldc.i4 1
    ldelem.md i32 2
    ldarg input
    getlen 1
    add
    ret
  .end
.end
`

func TestAssemble_Declarations(t *testing.T) {
	img, err := Assemble(sample)
	require.NoError(t, err)
	assert.Equal(t, "sample", img.Name)
	require.Len(t, img.Types, 4)

	op, ok := img.TypeDef("IntOp")
	require.True(t, ok)
	assert.Equal(t, image.TypeDelegate, op.Kind)
	invoke, err := img.FindMethod("IntOp", "Invoke", nil, false)
	require.NoError(t, err)
	assert.Equal(t, image.IntrinsicDelegateInvoke, invoke.Intrinsic)

	complex, ok := img.TypeDef("ComplexF")
	require.True(t, ok)
	assert.True(t, complex.Directives.Kernel())
	require.Len(t, complex.Fields, 2)
	ctor := complex.Constructors()
	require.Len(t, ctor, 1)
	assert.False(t, ctor[0].Static)
	assert.Equal(t, "ComplexF::.ctor(f32,f32)", ctor[0].FullID())

	packed, ok := img.TypeDef("Packed")
	require.True(t, ok)
	assert.Equal(t, 16, packed.Directives.LayoutSize())

	kernels, ok := img.TypeDef("Kernels")
	require.True(t, ok)
	assert.True(t, kernels.BeforeFieldInit)
	cd := kernels.Field("constant_data")
	require.NotNil(t, cd)
	assert.True(t, cd.Static)
	assert.Equal(t, 1024, cd.FixedLen)
	assert.Equal(t, image.SpaceConstant, cd.Directives.Space())
}

func TestAssemble_MethodAttributes(t *testing.T) {
	img, err := Assemble(sample)
	require.NoError(t, err)

	dot, err := img.FindMethod("Kernels", "dot", nil, false)
	require.NoError(t, err)
	assert.True(t, dot.Static)
	assert.True(t, dot.Directives.Kernel())
	assert.Equal(t, image.InlineNo, dot.Directives.Inline())
	require.Len(t, dot.Params, 3)
	assert.Equal(t, image.SpaceShared, dot.Params[2].Directives.Space())
	assert.Equal(t, "GThread", dot.Params[0].Type.String())

	require.Len(t, dot.Locals, 3)
	assert.True(t, dot.Locals[1].Pinned)
	assert.Equal(t, "f32*", dot.Locals[1].Type.String())
	assert.True(t, dot.Locals[2].Generated)
}

func TestAssemble_Body(t *testing.T) {
	img, err := Assemble(sample)
	require.NoError(t, err)
	dot, err := img.FindMethod("Kernels", "dot", nil, false)
	require.NoError(t, err)
	require.NotNil(t, dot.Body)

	ins, err := bytecode.Decode(dot.Body.Code)
	require.NoError(t, err)
	require.Equal(t, bytecode.OpLdArg, ins[0].Op)
	assert.Equal(t, []string{"cache"}, dot.Body.Strings)

	alloc, err := img.ResolveMethod(uint16(ins[3].Int))
	require.NoError(t, err)
	assert.Equal(t, image.IntrinsicAllocateShared, alloc.Intrinsic)
	assert.Equal(t, "f32[]", alloc.Return.String())

	// starg cache: argument slot 2
	assert.Equal(t, bytecode.OpStArg, ins[4].Op)
	assert.Equal(t, int64(2), ins[4].Int)

	// The loop label sits on the same line as its first instruction.
	var bge, br bytecode.Instruction
	for _, in := range ins {
		switch in.Op {
		case bytecode.OpBge:
			bge = in
		case bytecode.OpBr:
			br = in
		}
	}
	assert.Equal(t, ins[9].Offset, br.Target)
	assert.Equal(t, len(dot.Body.Code)-1, bge.Target)

	var abs bytecode.Instruction
	for _, in := range ins {
		if in.Op == bytecode.OpCall {
			abs = in
		}
	}
	m, err := img.ResolveMethod(uint16(abs.Int))
	require.NoError(t, err)
	assert.Equal(t, "GMath::Abs(f32)", m.FullID())

	var addImm bytecode.Instruction
	for _, in := range ins {
		if in.Op == bytecode.OpLdcI4 && in.Int == 16 {
			addImm = in
		}
	}
	assert.Equal(t, bytecode.OpLdcI4, addImm.Op, "hex literal 0x10")
}

func TestAssemble_MultiDimensional(t *testing.T) {
	img, err := Assemble(sample)
	require.NoError(t, err)
	m, err := img.FindMethod("Kernels", "twoD", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "i32[,]", m.Params[0].Type.String())

	ins, err := bytecode.Decode(m.Body.Code)
	require.NoError(t, err)
	assert.Equal(t, bytecode.OpLdElemMD, ins[3].Op)
	assert.Equal(t, 2, ins[3].Rank)
	elem, err := img.ResolveType(uint16(ins[3].Int))
	require.NoError(t, err)
	assert.Equal(t, "i32", elem.String())
	assert.Equal(t, bytecode.OpGetLen, ins[5].Op)
	assert.Equal(t, int64(1), ins[5].Int)
}

func TestAssemble_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown instruction", ".class K\n.method static f() void\nfrobnicate\nret\n.end\n.end\n", `unknown instruction "frobnicate"`},
		{"unknown local", ".class K\n.method static f() void\nldloc x\nret\n.end\n.end\n", `unknown local "x"`},
		{"unknown argument", ".class K\n.method static f() void\nldarg x\nret\n.end\n.end\n", `unknown argument "x"`},
		{"undefined label", ".class K\n.method static f() void\nbr nowhere\nret\n.end\n.end\n", "nowhere"},
		{"missing end", ".class K\n.method static f() void\nret\n", "missing .end"},
		{"bad member", ".class K\n.method static f() void\ncall add\nret\n.end\n.end\n", "Owner::name"},
		{"bad rank", ".class K\n.method static f(a i32[,]) i32\nldarg a\nldc.i4 0\nldelem.md i32 1\nret\n.end\n.end\n", "rank between 2 and 255"},
		{"field outside type", ".field x i32\n", ".field outside a type declaration"},
		{"bad type", ".class K\n.field x i32[[\n.end\n", "expected ]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assemble(tc.src)
			require.Error(t, err)
			var ae *Error
			if errors.As(err, &ae) {
				assert.True(t, strings.Contains(ae.Error(), tc.want), "got %v", ae.Errors)
				for _, e := range ae.Errors {
					assert.True(t, strings.HasPrefix(e, "line "), "diagnostic %q has no line", e)
				}
				return
			}
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestAssemble_LinkErrors(t *testing.T) {
	_, err := Assemble(".class K\n.end\n.class K\n.end\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate type K")

	_, err = Assemble(".class GThread\n.end\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shadows a builtin")
}
