package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/internal/testkernels"
)

func translate(t *testing.T, lib string, opts Options, names ...string) (*Result, error) {
	t.Helper()
	return Translate(context.Background(), testkernels.Reader(t, lib), names, opts)
}

func TestTranslate_WholeLibrary(t *testing.T) {
	res, err := translate(t, "basic", Options{Workers: 2})
	require.NoError(t, err)
	require.NoError(t, res.Report.Err())

	p := res.Program
	assert.Equal(t, "basic", p.Name)
	assert.NotNil(t, p.Function("addVector"))
	assert.True(t, p.Function("addVector").Entry)
	assert.False(t, p.Function("addDevice").Entry, "returns a value")
	assert.Len(t, res.Fingerprints, len(p.Functions))
	assert.NotEqual(t, [16]byte{}, [16]byte(res.Session))
}

func TestTranslate_SelectByType(t *testing.T) {
	res, err := translate(t, "complex", Options{}, "ComplexKernels")
	require.NoError(t, err)
	require.NoError(t, res.Report.Err())

	var entries []string
	for _, fn := range res.Program.Entries() {
		entries = append(entries, fn.Name)
	}
	assert.ElementsMatch(t, []string{"multiplyAll", "divideAll", "combine", "magnitudes", "build"}, entries)
	assert.NotNil(t, res.Program.Function("Multiply"))
	assert.NotNil(t, res.Program.Function("ComplexF_ctor"))
	assert.NotNil(t, res.Program.Struct("ComplexF"))
}

func TestTranslate_ExcludesFailingMethods(t *testing.T) {
	res, err := translate(t, "reject", Options{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"irreducible", "allocates", "throws", "recursive"}, methodNames(res.Report.Excluded()))
	assert.True(t, res.Report.Has(diag.ErrIrreducibleControlFlow))
	assert.True(t, res.Report.Has(diag.ErrUnsupportedOpcode))
	assert.True(t, res.Report.Has(diag.ErrUnsupportedConstruct))
	require.Error(t, res.Report.Err())

	require.Len(t, res.Program.Functions, 1)
	assert.Equal(t, "fine", res.Program.Functions[0].Name)
	assert.True(t, res.Program.Functions[0].Entry)
}

func TestTranslate_FailFast(t *testing.T) {
	_, err := translate(t, "reject", Options{FailFast: true}, "Kernels::irreducible", "Kernels::fine")
	require.ErrorIs(t, err, diag.ErrIrreducibleControlFlow)
}

func TestTranslate_CallerOfExcludedMethodIsExcluded(t *testing.T) {
	img := testkernels.MustImage(t, "reject")
	src, err := testkernels.Source("reject")
	require.NoError(t, err)
	require.NotEmpty(t, src)

	res, err := Translate(context.Background(), image.NewReader(img), []string{"Kernels::recursive"}, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Program.Functions)
	assert.Equal(t, []string{"Kernels::recursive(i32)"}, res.Report.Excluded())
}

func TestTranslate_StaticInitializers(t *testing.T) {
	res, err := translate(t, "ctors", Options{}, "Counters")
	require.NoError(t, err)
	require.NoError(t, res.Report.Err())

	g := res.Program.Global("limit")
	require.NotNil(t, g)
	require.NotNil(t, g.Init)
	assert.Equal(t, "64", highast.FormatExpr(g.Init))
	assert.Nil(t, res.Program.Global("scale"), "never read")

	s := res.Program.Struct("Counter")
	require.NotNil(t, s)
	require.NotNil(t, s.Field("start").Init)
	assert.Equal(t, "10", highast.FormatExpr(s.Field("start").Init))
}

func TestTranslate_ConstantRegion(t *testing.T) {
	res, err := translate(t, "constant", Options{})
	require.NoError(t, err)
	require.NoError(t, res.Report.Err())

	g := res.Program.Global("constant_data")
	require.NotNil(t, g)
	assert.Equal(t, image.SpaceConstant, g.Space)
	assert.Equal(t, 1024, g.Len)
	assert.Equal(t, "i32", g.Type.String())
}

func TestSelect(t *testing.T) {
	img := testkernels.MustImage(t, "ctors")
	ms, err := Select(img, nil)
	require.NoError(t, err)
	for _, m := range ms {
		assert.False(t, m.IsCtor(), m.FullID())
		assert.True(t, m.Directives.Kernel(), m.FullID())
	}

	_, err = Select(img, []string{"Nope"})
	require.ErrorIs(t, err, image.ErrNotFound)
	_, err = Select(img, []string{"Counters::nope"})
	require.ErrorIs(t, err, image.ErrNotFound)
}

func methodNames(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		name := id
		for i := 0; i+1 < len(id); i++ {
			if id[i] == ':' && id[i+1] == ':' {
				name = id[i+2:]
			}
		}
		for i, c := range name {
			if c == '(' {
				name = name[:i]
				break
			}
		}
		out = append(out, name)
	}
	return out
}
