package codegen

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/compiler"
	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/internal/testkernels"
)

func program(t *testing.T, lib string, names ...string) *highast.Program {
	t.Helper()
	res, err := compiler.Translate(context.Background(), testkernels.Reader(t, lib), names, compiler.Options{})
	require.NoError(t, err)
	require.NoError(t, res.Report.Err())
	return res.Program
}

func emit(t *testing.T, d Dialect, lib string, names ...string) *Result {
	t.Helper()
	res, err := Emit(program(t, lib, names...), d)
	require.NoError(t, err)
	return res
}

func TestEmit_Golden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	for _, d := range []Dialect{CUDA, OpenCL} {
		t.Run(string(d), func(t *testing.T) {
			res := emit(t, d, "basic", "Kernels::add")
			g.Assert(t, "add_"+string(d), []byte(res.Source))
		})
	}
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("CUDA")
	require.NoError(t, err)
	assert.Equal(t, CUDA, d)
	d, err = ParseDialect("cl")
	require.NoError(t, err)
	assert.Equal(t, OpenCL, d)
	_, err = ParseDialect("metal")
	assert.Error(t, err)

	_, err = Emit(&highast.Program{}, Dialect("metal"))
	assert.Error(t, err)
}

func TestEmit_Entries(t *testing.T) {
	res := emit(t, CUDA, "basic")
	e, ok := res.Entry("addVector")
	require.True(t, ok)
	require.Len(t, e.Params, 3, "thread parameter is not host visible")
	assert.Equal(t, Param{Name: "a", Type: "i32[]"}, e.Params[0])

	_, ok = res.Entry("addDevice")
	assert.False(t, ok)
	assert.Contains(t, res.Source, "__device__ int addDevice(int a, int b);")
	assert.Contains(t, res.Source, "addDevice(a[tid], b[tid])")
	assert.Contains(t, res.Source, "((int)blockIdx.x)")
	assert.Contains(t, res.Source, "if (tid < aLen0) {")
}

func TestEmit_ThreadGeometryOpenCL(t *testing.T) {
	res := emit(t, OpenCL, "basic", "Kernels::addVector")
	assert.Contains(t, res.Source, "__kernel void addVector(__global int* a, int aLen0, __global int* b, int bLen0, __global int* c, int cLen0) {")
	assert.Contains(t, res.Source, "((int)get_group_id(0))")
	assert.NotContains(t, res.Source, "blockIdx")
}

func TestEmit_SharedMemory(t *testing.T) {
	cuda := emit(t, CUDA, "shared")
	assert.Contains(t, cuda.Source, "__shared__ float cache[256];")
	assert.Contains(t, cuda.Source, "__syncthreads();")

	cl := emit(t, OpenCL, "shared")
	assert.Contains(t, cl.Source, "__local float cache[256];")
	assert.Contains(t, cl.Source, "barrier(CLK_LOCAL_MEM_FENCE | CLK_GLOBAL_MEM_FENCE);")
}

func TestEmit_ConstantRegion(t *testing.T) {
	cuda := emit(t, CUDA, "constant")
	assert.Contains(t, cuda.Source, "__constant__ int constant_data[1024];")
	require.Len(t, cuda.Constants, 1)
	assert.Equal(t, Constant{Name: "constant_data", Elem: "i32", Len: 1024}, cuda.Constants[0])
	e, ok := cuda.Entry("ReadConstantMemory")
	require.True(t, ok)
	assert.Empty(t, e.Constants)

	cl := emit(t, OpenCL, "constant")
	assert.NotContains(t, cl.Source, "__constant__")
	assert.Contains(t, cl.Source, "__constant int* constant_data)")
	e, ok = cl.Entry("ReadConstantMemory")
	require.True(t, ok)
	assert.Equal(t, []string{"constant_data"}, e.Constants)
}

func TestEmit_ProgramScopeGlobals(t *testing.T) {
	const guard = "#if __OPENCL_C_VERSION__ < 200\n"

	cuda := emit(t, CUDA, "ctors", "Counters::make")
	assert.Contains(t, cuda.Source, "__device__ int limit")
	assert.NotContains(t, cuda.Source, guard)
	assert.NotContains(t, cuda.Warnings, "global limit needs OpenCL C 2.0")

	cl := emit(t, OpenCL, "ctors", "Counters::make")
	assert.Contains(t, cl.Source, "\n__global int limit")
	assert.Contains(t, cl.Source, guard+"#error")
	assert.Contains(t, cl.Warnings, "global limit needs OpenCL C 2.0")

	// Constant regions travel as parameters and need no guard.
	assert.NotContains(t, emit(t, OpenCL, "constant").Source, guard)
}

func TestEmit_Structs(t *testing.T) {
	cuda := emit(t, CUDA, "complex")
	assert.Contains(t, cuda.Source, "struct ComplexF {\n\tfloat x;\n\tfloat y;\n};")
	assert.Contains(t, cuda.Source, "self = ComplexF{};")
	assert.Contains(t, cuda.Source, "return self;")

	cl := emit(t, OpenCL, "complex")
	assert.Contains(t, cl.Source, "typedef struct {\n\tfloat x;\n\tfloat y;\n} ComplexF;")
	assert.Contains(t, cl.Source, "self = ((ComplexF){0});")
}

func TestEmit_FixedBuffers(t *testing.T) {
	res := emit(t, CUDA, "structs")
	assert.Contains(t, res.Source, "\tsigned char _message[32];\n")
	assert.Contains(t, res.Source, "\tunsigned short _messageChars[16];\n")
	assert.Contains(t, res.Source, "PrimitiveStruct* x, int xLen0")
}

func TestEmit_TwoDimensional(t *testing.T) {
	res := emit(t, CUDA, "twod")
	assert.Contains(t, res.Source, "int* input, int inputLen0, int inputLen1, int inputPitch")
	assert.Contains(t, res.Source, "input[(dx) * inputPitch + (dy)]")
	assert.Contains(t, res.Source, "inputLen1")
}

func TestEmit_Decimal(t *testing.T) {
	res := emit(t, OpenCL, "decimal")
	assert.Contains(t, res.Source, "#pragma OPENCL EXTENSION cl_khr_fp64 : enable")
	assert.Contains(t, res.Source, "\tdouble d;\n")
	assert.Contains(t, res.Source, "d = 123.45;")
}

func TestEmit_Pinned(t *testing.T) {
	res := emit(t, CUDA, "fixed")
	assert.Contains(t, res.Source, "int* p;")
	assert.Contains(t, res.Source, "p = (&a[0]);")
}

func TestEmit_EveryLibrary(t *testing.T) {
	for _, lib := range testkernels.Names() {
		if lib == "reject" {
			continue
		}
		for _, d := range []Dialect{CUDA, OpenCL} {
			t.Run(lib+"/"+string(d), func(t *testing.T) {
				res := emit(t, d, lib)
				assert.NotContains(t, res.Source, "/*error*/")
				assert.NotEmpty(t, res.Entries)
			})
		}
	}
}

func TestEmit_UnsignedAndUnordered(t *testing.T) {
	i32 := image.Prim(image.KindI32)
	f32 := image.Prim(image.KindF32)
	x := &highast.Var{Name: "x", Type: i32}
	f := &highast.Var{Name: "f", Type: f32}

	e := &emitter{d: CUDA, prog: &highast.Program{}}
	xr := &highast.VarRef{Var: x}
	xr.T = i32
	fr := &highast.VarRef{Var: f}
	fr.T = f32
	four := &highast.IntLit{Value: 4}
	four.T = i32
	half := &highast.FloatLit{Value: 0.5}
	half.T = f32

	assert.Equal(t, "((unsigned int)x / (unsigned int)4)", e.expr(&highast.Binary{Op: highast.OpDiv, X: xr, Y: four, Unsigned: true}))
	assert.Equal(t, "((unsigned int)x >> 4)", e.expr(&highast.Binary{Op: highast.OpShr, X: xr, Y: four, Unsigned: true}))
	assert.Equal(t, "(!(f >= 0.5f))", e.expr(&highast.Binary{Op: highast.OpLt, X: fr, Y: half, Unsigned: true}))
	assert.Equal(t, "(f == 0.5f)", e.expr(&highast.Binary{Op: highast.OpEq, X: fr, Y: half, Unsigned: true}))

	b := &highast.Binary{Op: highast.OpAdd, X: xr, Y: four, Checked: true}
	e.fn = &highast.Function{Name: "k"}
	e.expr(b)
	e.expr(b)
	assert.Len(t, e.warnings, 1)
}

func TestEmit_Literals(t *testing.T) {
	e := &emitter{d: CUDA, prog: &highast.Program{}}
	lit := func(v int64, sig string) string {
		l := &highast.IntLit{Value: v}
		l.T = image.MustParseType(sig)
		return e.expr(l)
	}
	assert.Equal(t, "7u", lit(7, "u32"))
	assert.Equal(t, "(-3)", lit(-3, "i32"))
	assert.Equal(t, "(-2147483647 - 1)", lit(-2147483648, "i32"))
	assert.Equal(t, "18446744073709551615ull", lit(-1, "u64"))
	assert.Equal(t, "true", lit(1, "bool"))

	fl := func(v float64, sig string) string {
		l := &highast.FloatLit{Value: v}
		l.T = image.MustParseType(sig)
		return e.expr(l)
	}
	assert.Equal(t, "1.0f", fl(1, "f32"))
	assert.Equal(t, "0.25", fl(0.25, "f64"))
	assert.Equal(t, "((__half)1.5f)", fl(1.5, "f16"))
	assert.True(t, e.usesHalf)
}
