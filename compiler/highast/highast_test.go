package highast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/compiler/lowast"
	"github.com/chazu/kernelize/compiler/peephole"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/image/asm"
	"github.com/chazu/kernelize/internal/testkernels"
)

// translate lowers the named methods and everything they call.
func translate(t *testing.T, r *image.Reader, ids ...string) (*Program, error) {
	t.Helper()
	d := NewDecls(r.Image, r.Image.Name)
	for _, id := range ids {
		mi, err := r.Method(id)
		require.NoError(t, err)
		if _, err := d.Function(mi.Method); err != nil {
			return nil, err
		}
	}
	for {
		m, ok := d.Next()
		if !ok {
			break
		}
		body, err := normalized(r, m)
		if err != nil {
			return nil, err
		}
		var inits []peephole.Init
		if m.IsCtor() {
			bodies := map[*image.Method]*lowast.Body{m: body}
			for _, c := range m.Owner.Constructors() {
				if c == m {
					continue
				}
				if b, err := normalized(r, c); err == nil {
					bodies[c] = b
				}
			}
			inits = peephole.NormalizeType(m.Owner, bodies).FieldInits
		}
		if err := Lower(d, d.funcs[m], body, inits); err != nil {
			return nil, err
		}
	}
	return d.Prog, d.Finish()
}

func normalized(r *image.Reader, m *image.Method) (*lowast.Body, error) {
	mi, err := r.MethodOf(m)
	if err != nil {
		return nil, err
	}
	body, err := lowast.Build(r.Image, mi)
	if err != nil {
		return nil, err
	}
	peephole.Normalize(body)
	return body, nil
}

func mustTranslate(t *testing.T, lib string, ids ...string) *Program {
	t.Helper()
	p, err := translate(t, testkernels.Reader(t, lib), ids...)
	require.NoError(t, err)
	return p
}

func body(t *testing.T, p *Program, name string) string {
	t.Helper()
	fn := p.Function(name)
	require.NotNil(t, fn, "function %s", name)
	return Format(fn.Body)
}

func TestLower_GuardedStore(t *testing.T) {
	p := mustTranslate(t, "basic", "Kernels::addVector")
	fn := p.Function("addVector")
	require.NotNil(t, fn)
	assert.True(t, fn.Entry)
	require.Len(t, fn.Params, 4)
	assert.True(t, fn.Params[0].Thread)

	require.Len(t, fn.Body, 2)
	assert.IsType(t, &ExprStmt{}, fn.Body[0])
	cond, ok := fn.Body[1].(*If)
	require.True(t, ok, "got %T", fn.Body[1])
	assert.Empty(t, cond.Else)

	out := Format(fn.Body)
	assert.Contains(t, out, "tid = blockIdx.x;")
	assert.Contains(t, out, "if (tid < ")
	assert.Contains(t, out, "c[tid] = (a[tid] + b[tid]);")
	assert.NotContains(t, out, "return")
}

func TestLower_DeviceCall(t *testing.T) {
	p := mustTranslate(t, "basic", "Kernels::addVectorDevice")
	require.Len(t, p.Functions, 2)

	dev := p.Function("addDevice")
	require.NotNil(t, dev)
	assert.False(t, dev.Entry)
	assert.Equal(t, "return (a + b);\n", Format(dev.Body))

	assert.True(t, p.Function("addVectorDevice").Entry)
	assert.Contains(t, body(t, p, "addVectorDevice"), "addDevice(thread, a[tid], b[tid])")
	assert.Equal(t, []*Function{dev}, Calls(p.Function("addVectorDevice")))
}

func TestLower_CalledKernelIsNotAnEntry(t *testing.T) {
	img, err := asm.Assemble(`.image nested
.class Kernels
  .method static inner(thread GThread, a i32[]) void kernel
    ldarg a
    ldc.i4 0
    ldc.i4 1
    stelem i32
    ret
  .end
  .method static outer(thread GThread, a i32[]) void kernel
    ldarg thread
    ldarg a
    call Kernels::inner
    ret
  .end
.end
`)
	require.NoError(t, err)
	p, err := translate(t, image.NewReader(img), "Kernels::outer", "Kernels::inner")
	require.NoError(t, err)

	require.Len(t, p.Entries(), 1)
	assert.Equal(t, "outer", p.Entries()[0].Name)
	assert.False(t, p.Function("inner").Entry)
}

func TestLower_CompoundAndIncrement(t *testing.T) {
	p := mustTranslate(t, "basic", "Kernels::addConstCompound", "Kernels::postIncrement")
	assert.Contains(t, body(t, p, "addConstCompound"), "a[i] += k;")
	assert.Contains(t, body(t, p, "postIncrement"), "out[0] = x++;")
}

func TestLower_ForLoops(t *testing.T) {
	p := mustTranslate(t, "basic", "Kernels::scale", "Kernels::useForeach")

	fn := p.Function("scale")
	require.Len(t, fn.Body, 1)
	loop, ok := fn.Body[0].(*For)
	require.True(t, ok, "got %T:\n%s", fn.Body[0], Format(fn.Body))
	assert.Equal(t, "i = 0", FormatExpr(loop.Init.(*ExprStmt).X))
	assert.Contains(t, FormatExpr(loop.Cond), "i < ")
	assert.Len(t, loop.Body, 1)

	out := body(t, p, "useForeach")
	assert.Contains(t, out, "for (idx = 0; ")
	assert.Contains(t, out, "c[0] = total;")
}

func TestLower_ShortCircuitLoop(t *testing.T) {
	p := mustTranslate(t, "mandelbrot", "Calculations::GetIteration")
	fn := p.Function("GetIteration")
	out := Format(fn.Body)

	var loopCond Expr
	WalkStmts(fn.Body, func(s Stmt) bool {
		switch s := s.(type) {
		case *While:
			loopCond = s.Cond
		case *For:
			loopCond = s.Cond
		}
		return true
	})
	require.NotNil(t, loopCond, out)
	cond, ok := loopCond.(*Binary)
	require.True(t, ok, "condition %s", FormatExpr(loopCond))
	assert.Equal(t, OpLogAnd, cond.Op)
	// The unordered exit test negates to an ordered loop condition.
	assert.Contains(t, FormatExpr(cond.X), "<= 4")
	assert.NotContains(t, FormatExpr(cond.X), "<=u")
	assert.Contains(t, FormatExpr(cond.Y), "iter < 1000")
	assert.Contains(t, out, "return iter;")
}

func TestLower_EarlyReturns(t *testing.T) {
	p := mustTranslate(t, "complex", "ComplexF::Abs")
	out := body(t, p, "Abs")
	assert.Contains(t, out, "return")
	assert.Contains(t, out, "sqrt(")
	WalkStmts(p.Function("Abs").Body, func(s Stmt) bool {
		_, isLoop := s.(*While)
		assert.False(t, isLoop)
		return true
	})
}

func TestLower_Structs(t *testing.T) {
	p := mustTranslate(t, "complex", "ComplexKernels::build", "ComplexKernels::multiplyAll")
	s := p.Struct("ComplexF")
	require.NotNil(t, s)
	assert.Equal(t, 8, s.Size)
	require.Len(t, s.Fields, 2)

	ctor := p.Function("ComplexF_ctor")
	require.NotNil(t, ctor)
	assert.True(t, ctor.Ctor)
	assert.Equal(t, "ComplexF", ctor.Return.String())
	out := Format(ctor.Body)
	assert.Contains(t, out, "self = default(ComplexF);")
	assert.Contains(t, out, "return self;")

	assert.Contains(t, body(t, p, "build"), "ComplexF_ctor(re[")
	assert.Contains(t, body(t, p, "multiplyAll"), "Multiply(a[")
}

func TestLower_ConstructorInitializers(t *testing.T) {
	p := mustTranslate(t, "ctors", "Counters::make", "Counters::makeFromFloat")

	out := body(t, p, "make")
	assert.Contains(t, out, "Counter_ctor(clamp(i))")
	assert.Contains(t, out, ".step += 1;")
	assert.NotNil(t, p.Global("limit"))

	var plain, chained *Function
	for _, fn := range p.Functions {
		if !fn.Ctor {
			continue
		}
		if len(fn.Params) == 1 && fn.Params[0].Type.Kind == image.KindF32 {
			chained = fn
		} else if len(fn.Params) == 1 {
			plain = fn
		}
	}
	require.NotNil(t, plain)
	require.NotNil(t, chained)
	assert.Contains(t, Format(plain.Body), "self.start = 10;")
	assert.NotContains(t, Format(chained.Body), "self.start = 10;")
	assert.Contains(t, Format(chained.Body), "self = Counter_ctor")
}

func TestLower_SharedMemoryAndBarrier(t *testing.T) {
	p := mustTranslate(t, "shared", "Kernels::dotProduct")
	fn := p.Function("dotProduct")
	var shared *Var
	for _, v := range fn.Locals {
		if v.Space == image.SpaceShared {
			shared = v
		}
	}
	require.NotNil(t, shared)
	assert.Positive(t, shared.SharedLen)
	assert.Contains(t, Format(fn.Body), "barrier;")

	inl := p.Function("GetNextCacheValue")
	require.NotNil(t, inl)
	assert.Equal(t, image.InlineForce, inl.Inline)
	assert.Equal(t, image.SpaceShared, inl.Params[0].Space)
}

func TestLower_DelegateBecomesDirectCall(t *testing.T) {
	p := mustTranslate(t, "delegate", "Kernels::applyOp")
	out := body(t, p, "applyOp")
	assert.Contains(t, out, "square(a[tid])")
	assert.NotContains(t, out, "cachedOp")
	assert.Nil(t, p.Global("cachedOp"))
}

func TestLower_LocalDelegateCacheBecomesDirectCall(t *testing.T) {
	p := mustTranslate(t, "delegate", "Kernels::applyOpLocal")
	out := body(t, p, "applyOpLocal")
	assert.Contains(t, out, "square(a[tid])")
	assert.NotContains(t, out, "cache")
}

func TestLower_Decimal(t *testing.T) {
	p := mustTranslate(t, "decimal", "Kernels::fill")
	out := body(t, p, "fill")
	assert.Contains(t, out, "(f64)d")
}

func TestLower_Pinned(t *testing.T) {
	p := mustTranslate(t, "fixed", "Kernels::sumPinned")
	var pin *Fixed
	WalkStmts(p.Function("sumPinned").Body, func(s Stmt) bool {
		if f, ok := s.(*Fixed); ok {
			pin = f
		}
		return true
	})
	require.NotNil(t, pin, body(t, p, "sumPinned"))
	assert.True(t, pin.Var.Type.IsAddress())
	assert.NotEmpty(t, pin.Body)
}

func TestLower_Rejections(t *testing.T) {
	r := testkernels.Reader(t, "reject")

	_, err := translate(t, r, "Kernels::irreducible")
	require.ErrorIs(t, err, diag.ErrIrreducibleControlFlow)
	de, ok := diag.As(err)
	require.True(t, ok)
	assert.Contains(t, de.Method, "irreducible")

	_, err = translate(t, r, "Kernels::recursive")
	require.ErrorIs(t, err, diag.ErrUnsupportedConstruct)
	assert.Contains(t, err.Error(), "recursion")

	_, err = translate(t, r, "Kernels::fine")
	require.NoError(t, err)
}

func TestTranslatable(t *testing.T) {
	img := testkernels.MustImage(t, "ctors")
	td, ok := img.TypeDef("Limits")
	require.True(t, ok)
	cc := td.StaticConstructor()
	require.NotNil(t, cc)
	assert.ErrorIs(t, Translatable(cc), diag.ErrUnsupportedConstruct)

	td, ok = img.TypeDef("Empty")
	require.True(t, ok)
	assert.ErrorIs(t, Translatable(td.Constructors()[0]), diag.ErrUnsupportedConstruct)
}

func TestCName(t *testing.T) {
	assert.Equal(t, "x", cName("x"))
	assert.Equal(t, "int_", cName("int"))
	assert.Equal(t, "_1a", cName("1a"))
	assert.Equal(t, "a_b", cName("a.b"))
	assert.Equal(t, "_", cName(""))
}

func TestSimplify_Negate(t *testing.T) {
	f64 := image.Prim(image.KindF64)
	x := &VarRef{exprBase{T: f64}, &Var{Name: "x", Type: f64}}
	y := &FloatLit{exprBase{T: f64}, 4}

	lt := &Binary{exprBase: exprBase{T: boolType}, Op: OpLt, X: x, Y: y}
	assert.Equal(t, "(x >=u 4)", FormatExpr(negate(lt)))

	eq := &Binary{exprBase: exprBase{T: boolType}, Op: OpEq, X: x, Y: y}
	assert.Equal(t, "(x != 4)", FormatExpr(negate(eq)))

	and := &Binary{exprBase: exprBase{T: boolType}, Op: OpLogAnd, X: lt, Y: eq}
	assert.Equal(t, "((x >=u 4) || (x != 4))", FormatExpr(negate(and)))
	assert.Equal(t, "(x < 4)", FormatExpr(negate(negate(lt))))
}

func TestWire_RoundTrip(t *testing.T) {
	for _, c := range []struct {
		lib string
		ids []string
	}{
		{"basic", []string{"Kernels::addVectorDevice", "Kernels::scale", "Kernels::postIncrement"}},
		{"mandelbrot", []string{"Calculations::GetValues"}},
		{"complex", []string{"ComplexKernels::divideAll", "ComplexKernels::magnitudes"}},
		{"shared", []string{"Kernels::dotProduct"}},
		{"ctors", []string{"Counters::make", "Counters::makeFromFloat"}},
		{"constant", []string{"Kernels::ReadConstantMemory"}},
		{"fixed", []string{"Kernels::sumPinned"}},
	} {
		t.Run(c.lib, func(t *testing.T) {
			p := mustTranslate(t, c.lib, c.ids...)
			data, err := MarshalProgram(p)
			require.NoError(t, err)
			q, err := UnmarshalProgram(data)
			require.NoError(t, err)

			require.Len(t, q.Functions, len(p.Functions))
			require.Len(t, q.Structs, len(p.Structs))
			require.Len(t, q.Globals, len(p.Globals))
			for i, fn := range p.Functions {
				got := q.Functions[i]
				assert.Equal(t, fn.Name, got.Name)
				assert.Equal(t, fn.Entry, got.Entry)
				assert.Len(t, got.Params, len(fn.Params))
				assert.Equal(t, Format(fn.Body), Format(got.Body), fn.Name)
			}
			for i, g := range p.Globals {
				assert.Equal(t, g.Name, q.Globals[i].Name)
				assert.Equal(t, g.Len, q.Globals[i].Len)
				assert.Equal(t, g.Space, q.Globals[i].Space)
			}

			again, err := MarshalProgram(q)
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}
