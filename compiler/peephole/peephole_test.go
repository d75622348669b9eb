package peephole

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/compiler/lowast"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/image/asm"
	"github.com/chazu/kernelize/internal/testkernels"
)

func normalized(t *testing.T, lib, method string) (*lowast.Body, Result) {
	t.Helper()
	r := testkernels.Reader(t, lib)
	mi, err := r.Method(method)
	require.NoError(t, err)
	body, err := lowast.Build(r.Image, mi)
	require.NoError(t, err)
	res := Normalize(body)
	return body, res
}

func fromSource(t *testing.T, src, method string) *lowast.Body {
	t.Helper()
	img, err := asm.Assemble(src)
	require.NoError(t, err)
	r := image.NewReader(img)
	mi, err := r.Method(method)
	require.NoError(t, err)
	body, err := lowast.Build(img, mi)
	require.NoError(t, err)
	return body
}

func TestNormalize_Compound(t *testing.T) {
	body, res := normalized(t, "basic", "Kernels::addConstCompound")
	require.False(t, res.Fallback, "%v", res.Reason)
	want := `i = field[dim3::x](call[GThread::get_blockIdx](thread))
compound.add(elem[i32](a, i), k)
ret
`
	assert.Equal(t, want, lowast.Format(body))

	body, _ = normalized(t, "basic", "Kernels::doubleVector")
	assert.Contains(t, lowast.Format(body), "compound.mul(elem[i32](a, tid), 2)")
}

func TestNormalize_ExpandedStaysExpanded(t *testing.T) {
	body, res := normalized(t, "basic", "Kernels::addConstExpanded")
	assert.Zero(t, res.Rewrites)
	assert.Contains(t, lowast.Format(body), "stelem[i32](a, i, add(elem[i32](a, i), k))")
	assert.NotContains(t, lowast.Format(body), "compound")
}

func TestNormalize_PostIncrement(t *testing.T) {
	body, res := normalized(t, "basic", "Kernels::postIncrement")
	require.False(t, res.Fallback, "%v", res.Reason)
	want := `x = start
stelem[i32](out, 0, incdec.postinc(x))
stelem[i32](out, 1, x)
ret
`
	assert.Equal(t, want, lowast.Format(body))
}

func TestNormalize_IncrementForms(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"Kernels::postDecrement", "stelem[i32](out, 0, incdec.postdec(x))"},
		{"Kernels::preIncrement", "stelem[i32](out, 0, incdec.preinc(x))"},
		{"Kernels::preDecrement", "stelem[i32](out, 0, incdec.predec(x))"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			body, res := normalized(t, "steps", tt.method)
			require.False(t, res.Fallback, "%v", res.Reason)
			want := "x = start\n" + tt.want + "\nstelem[i32](out, 1, x)\nret\n"
			assert.Equal(t, want, lowast.Format(body))
		})
	}
}

func TestNormalize_StepOfTwoIsNotAnIncrement(t *testing.T) {
	body, res := normalized(t, "steps", "Kernels::stepTwice")
	require.False(t, res.Fallback, "%v", res.Reason)
	out := lowast.Format(body)
	assert.NotContains(t, out, "incdec")
	assert.Contains(t, out, "assign(x, add(x, 2))")
}

func TestNormalize_FieldIncrementThroughAddress(t *testing.T) {
	body, res := normalized(t, "ctors", "Counters::make")
	require.False(t, res.Fallback, "%v", res.Reason)
	assert.Contains(t, lowast.Format(body), "compound.add(field[Counter::step](addrelem(out, i)), 1)")
}

func TestNormalize_ChainedAssignment(t *testing.T) {
	body := fromSource(t, `.image chain
.class Kernels
  .method static both(n i32, out i32[]) void kernel
    .local a i32
    .local b i32
    ldarg n
    ldc.i4 2
    mul
    dup
    stloc b
    stloc a
    ldarg out
    ldc.i4 0
    ldloc a
    ldloc b
    add
    stelem i32
    ret
  .end
.end
`, "Kernels::both")
	require.Equal(t, "t4 = mul(n, 2)\nb = t4\na = t4\nstelem[i32](out, 0, add(a, b))\nret\n", lowast.Format(body))

	res := Normalize(body)
	require.False(t, res.Fallback, "%v", res.Reason)
	assert.Equal(t, "a = assign(b, mul(n, 2))\nstelem[i32](out, 0, add(a, b))\nret\n", lowast.Format(body))
}

func TestNormalize_CachedDelegate(t *testing.T) {
	body, res := normalized(t, "delegate", "Kernels::applyOp")
	require.False(t, res.Fallback, "%v", res.Reason)
	out := lowast.Format(body)
	assert.NotContains(t, out, "cachedOp")
	assert.NotContains(t, out, "brtrue")
	assert.Contains(t, out, "op = newobj[IntOp::.ctor](null, ftn[Kernels::square])")
}

func TestNormalize_CachedDelegateLocal(t *testing.T) {
	body, res := normalized(t, "delegate", "Kernels::applyOpLocal")
	require.False(t, res.Fallback, "%v", res.Reason)
	out := lowast.Format(body)
	assert.NotContains(t, out, "cache")
	assert.NotContains(t, out, "brtrue")
	assert.Contains(t, out, "newobj[IntOp::.ctor](null, ftn[Kernels::square])")
}

func TestNormalize_CachedDelegateLocalReadTwice(t *testing.T) {
	body := fromSource(t, `.image twice
.delegate IntOp(x i32) i32
.class Kernels
  .method static square(x i32) i32
    ldarg x
    ldarg x
    mul
    ret
  .end
  .method static k(a i32[]) void kernel
    .local cache IntOp generated
    ldloc cache
    brtrue have
    ldnull
    ldftn Kernels::square
    newobj IntOp::.ctor
    stloc cache
  have:
    ldarg a
    ldc.i4 0
    ldloc cache
    ldc.i4 2
    callvirt IntOp::Invoke
    ldloc cache
    ldc.i4 3
    callvirt IntOp::Invoke
    add
    stelem i32
    ret
  .end
.end
`, "Kernels::k(i32[])")
	res := Normalize(body)
	require.False(t, res.Fallback, "%v", res.Reason)
	assert.Contains(t, lowast.Format(body), "brtrue", "a cache read more than once stays guarded")
}

func TestNormalize_DecimalLiteral(t *testing.T) {
	body, res := normalized(t, "decimal", "Kernels::fill")
	require.False(t, res.Fallback, "%v", res.Reason)
	want := `d = 123.45m
stelem[f64](out, 0, call[decimal::ToDouble](d))
ret
`
	assert.Equal(t, want, lowast.Format(body))
}

func TestNormalize_WidenedLiteral(t *testing.T) {
	body, _ := normalized(t, "decimal", "Kernels::widen")
	assert.Equal(t, "stelem[i64](out, 0, -7:i64)\nret\n", lowast.Format(body))
}

func TestNormalize_PinnedScope(t *testing.T) {
	body, res := normalized(t, "fixed", "Kernels::sumPinned")
	require.False(t, res.Fallback, "%v", res.Reason)
	out := lowast.Format(body)
	assert.Contains(t, out, "fixed p = addrelem(a, 0) {\n")
	assert.NotContains(t, out, "p = null")
	assert.Contains(t, out, "}\nstelem[i32](out, 0, total)\nret\n")

	require.Len(t, body.Stmts, 4)
	fixed := body.Node(body.Stmts[1])
	require.Equal(t, lowast.OpFixed, fixed.Op)
	assert.Equal(t, "p", body.Var(fixed.Var).Name)
	assert.Len(t, fixed.Block, 7)
}

func TestNormalize_AdjacentPinnedScopesMerge(t *testing.T) {
	body, res := normalized(t, "fixed", "Kernels::firstOfEach")
	require.False(t, res.Fallback, "%v", res.Reason)
	out := lowast.Format(body)
	assert.Equal(t, 1, strings.Count(out, "fixed p = "), out)
	assert.Contains(t, out, "fixed p = addrelem(a, 0) {\n")
	assert.NotContains(t, out, "p = null")

	var fixed *lowast.Node
	for _, id := range body.Stmts {
		if n := body.Node(id); n.Op == lowast.OpFixed {
			require.Nil(t, fixed, "one scope expected:\n%s", out)
			fixed = n
		}
	}
	require.NotNil(t, fixed)
	require.Len(t, fixed.Block, 3)
	repin := body.Node(fixed.Block[1])
	assert.Equal(t, lowast.OpStore, repin.Op)
	assert.Equal(t, fixed.Var, repin.Var)
}

func TestNormalize_FallbackRestoresBody(t *testing.T) {
	body := fromSource(t, `.image leak
.class Kernels
  .method static leak(a i32[], out i32[]) void kernel
    .local p i32* pinned
    ldarg a
    ldc.i4 0
    ldelema i32
    stloc p
    ldarg out
    ldc.i4 0
    ldloc p
    ldobj i32
    stelem i32
    ret
  .end
.end
`, "Kernels::leak")
	before := lowast.Format(body)

	res := Normalize(body)
	assert.True(t, res.Fallback)
	require.Error(t, res.Reason)
	assert.Contains(t, res.Reason.Error(), "never released")
	assert.Equal(t, before, lowast.Format(body))
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, m := range []string{"Kernels::addConstCompound", "Kernels::postIncrement", "Kernels::useForeach"} {
		t.Run(m, func(t *testing.T) {
			body, _ := normalized(t, "basic", m)
			first := lowast.Format(body)
			res := Normalize(body)
			assert.Zero(t, res.Rewrites)
			assert.Equal(t, first, lowast.Format(body))
		})
	}
}

func TestDecimalFromParts(t *testing.T) {
	tests := []struct {
		vals []int64
		want string
		ok   bool
	}{
		{[]int64{42}, "42", true},
		{[]int64{12345, 0, 0, 0, 2}, "123.45", true},
		{[]int64{5, 0, 0, 1, 1}, "-0.5", true},
		{[]int64{15, 0, 0, int64(0x80010000)}, "-1.5", true},
		{[]int64{1, 0, 0, 0, 29}, "", false},
		{[]int64{1, 2}, "", false},
	}
	for _, tt := range tests {
		d, ok := DecimalFromParts(tt.vals)
		assert.Equal(t, tt.ok, ok, "%v", tt.vals)
		if ok {
			assert.Equal(t, tt.want, d.String(), "%v", tt.vals)
		}
	}
}

func typeBodies(t *testing.T, r *image.Reader, td *image.TypeDef) map[*image.Method]*lowast.Body {
	t.Helper()
	bodies := make(map[*image.Method]*lowast.Body)
	for _, m := range td.Methods {
		mi, err := r.MethodOf(m)
		require.NoError(t, err)
		b, err := lowast.Build(r.Image, mi)
		require.NoError(t, err)
		Normalize(b)
		bodies[m] = b
	}
	return bodies
}

func TestNormalizeType_Constructors(t *testing.T) {
	r := testkernels.Reader(t, "ctors")
	td, ok := r.Image.TypeDef("Counter")
	require.True(t, ok)
	bodies := typeBodies(t, r, td)

	shape := NormalizeType(td, bodies)
	require.Len(t, shape.FieldInits, 1)
	init := shape.FieldInits[0]
	assert.Equal(t, "start", init.Field.Name)
	assert.Equal(t, "10", lowast.FormatNode(init.Body, init.Value))
	assert.Nil(t, shape.ElidedCtor)

	ctors := td.Constructors()
	assert.Equal(t, "stfield[Counter::step](this, step)\nret\n", lowast.Format(bodies[ctors[0]]))
	assert.Equal(t, "stfield[Counter::step](this, step)\nstfield[Counter::start](this, first)\nret\n", lowast.Format(bodies[ctors[1]]))
	assert.Equal(t, "thisinit[Counter::.ctor](this, 1, conv.i32(first))\nret\n", lowast.Format(bodies[ctors[2]]))
}

func TestNormalizeType_StaticInitializers(t *testing.T) {
	r := testkernels.Reader(t, "ctors")
	td, ok := r.Image.TypeDef("Limits")
	require.True(t, ok)

	shape := NormalizeType(td, typeBodies(t, r, td))
	require.Len(t, shape.StaticInits, 2)
	assert.Equal(t, "limit", shape.StaticInits[0].Field.Name)
	assert.Equal(t, "64", lowast.FormatNode(shape.StaticInits[0].Body, shape.StaticInits[0].Value))
	assert.Equal(t, "0.5f", lowast.FormatNode(shape.StaticInits[1].Body, shape.StaticInits[1].Value))
	assert.True(t, shape.RemovedCctor)
}

func TestNormalizeType_EmptyConstructor(t *testing.T) {
	r := testkernels.Reader(t, "ctors")
	td, ok := r.Image.TypeDef("Empty")
	require.True(t, ok)

	shape := NormalizeType(td, typeBodies(t, r, td))
	require.NotNil(t, shape.ElidedCtor)
	assert.Equal(t, ".ctor", shape.ElidedCtor.Name)
	assert.False(t, shape.RemovedCctor)
}
