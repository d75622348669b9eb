package vm

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/image"
)

// Each test draws its inputs from a fixed seed so a failure reproduces.
const trials = 8

func randI32s(rng *rand.Rand, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(rng.Uint32())
	}
	return out
}

func randF32s(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func TestRandom_VectorAddMatchesHost(t *testing.T) {
	m := machine(t, "basic")
	rng := rand.New(rand.NewSource(1))
	for range trials {
		n := 1 + rng.Intn(200)
		a, b := randI32s(rng, n), randI32s(rng, n)
		c := i32s("c", make([]int32, n)...)
		run(t, m, "addVector", D1(n), D1(1), Array(i32s("a", a...), n), Array(i32s("b", b...), n), Array(c, n))
		for i, got := range readI32(c) {
			require.Equal(t, a[i]+b[i], got, "n=%d i=%d", n, i)
		}
	}
}

func TestRandom_ScaleLoopMatchesHost(t *testing.T) {
	m := machine(t, "basic")
	rng := rand.New(rand.NewSource(2))
	for range trials {
		n := 1 + rng.Intn(100)
		vals := randF32s(rng, n)
		factor := rng.Float64()*8 - 4
		a := f32s("a", vals...)
		run(t, m, "scale", D1(1), D1(1), Array(a, n), Float(factor))
		for i, got := range readF32(a) {
			require.Equal(t, float32(float64(vals[i])*factor), got, "i=%d", i)
		}
	}
}

func TestRandom_CompoundMatchesExpanded(t *testing.T) {
	m := machine(t, "basic")
	rng := rand.New(rand.NewSource(3))
	ks := []int32{0, 1, -1, math.MaxInt32, math.MinInt32}
	for range trials {
		ks = append(ks, int32(rng.Uint32()))
	}
	for _, k := range ks {
		n := 1 + rng.Intn(64)
		vals := randI32s(rng, n)
		expanded := i32s("e", vals...)
		compound := i32s("c", vals...)
		run(t, m, "addConstExpanded", D1(n), D1(1), Int(int64(k)), Array(expanded, n))
		run(t, m, "addConstCompound", D1(n), D1(1), Int(int64(k)), Array(compound, n))
		require.Equal(t, readI32(expanded), readI32(compound), "k=%d", k)
		for i, got := range readI32(compound) {
			require.Equal(t, vals[i]+k, got, "k=%d i=%d", k, i)
		}
	}
}

func TestRandom_ComplexMultiplyMatchesHost(t *testing.T) {
	m := machine(t, "complex")
	rng := rand.New(rand.NewSource(4))
	for range trials {
		n := 1 + rng.Intn(64)
		a, b := randF32s(rng, 2*n), randF32s(rng, 2*n)
		c := f32s("c", make([]float32, 2*n)...)
		run(t, m, "multiplyAll", D1(1), D1(n), Array(f32s("a", a...), n), Array(f32s("b", b...), n), Array(c, n))
		got := readF32(c)
		for i := range n {
			ar, ai, br, bi := a[2*i], a[2*i+1], b[2*i], b[2*i+1]
			assert.InDelta(t, float32(ar*br)-float32(ai*bi), got[2*i], 1e-6, "re %d", i)
			assert.InDelta(t, float32(ar*bi)+float32(ai*br), got[2*i+1], 1e-6, "im %d", i)
		}
	}
}

func TestRandom_FixedBuffersMatchHost(t *testing.T) {
	m := machine(t, "structs")
	rng := rand.New(rand.NewSource(5))
	const size = 80
	for range trials {
		n := 1 + rng.Intn(16)
		x := NewRegion("x", image.SpaceGlobal, n*size)
		y := NewRegion("y", image.SpaceGlobal, n*size)
		rng.Read(x.Data)
		run(t, m, "ProcessStructure", D1(1), D1(n), Array(x, n), Array(y, n))
		for i := range n {
			base := i * size
			v1 := binary.LittleEndian.Uint32(x.Data[base:])
			assert.Equal(t, v1+1, binary.LittleEndian.Uint32(y.Data[base:]), "Value1 %d", i)
			assert.Equal(t, x.Data[base+12:base+16], y.Data[base+4:base+8], "Value2 %d", i)
			assert.Equal(t, x.Data[base+48:base+80], y.Data[base+48:base+80], "chars %d", i)
		}
	}
}

func TestRandom_TwoDimensionalMatchesHost(t *testing.T) {
	m := machine(t, "twod")
	rng := rand.New(rand.NewSource(6))
	for range trials {
		rows, cols := 1+rng.Intn(12), 1+rng.Intn(12)
		pitch := cols + rng.Intn(4)

		in := make([]float32, rows*pitch)
		copy(in, randF32s(rng, len(in)))
		out := f32s("out", make([]float32, cols*rows)...)
		run(t, m, "transpose", D1(rows), D1(cols), Array2D(f32s("in", in...), rows, cols, pitch), Array2D(out, cols, rows, rows))
		got := readF32(out)
		for r := range rows {
			for c := range cols {
				require.Equal(t, in[r*pitch+c], got[c*rows+r], "%dx%d pitch %d at (%d,%d)", rows, cols, pitch, r, c)
			}
		}

		grid := randI32s(rng, rows*pitch)
		coeff := int32(rng.Intn(2001) - 1000)
		flat := i32s("flat", make([]int32, rows*cols)...)
		run(t, m, "twoDAddressing", D1(1), D1(1), Array2D(i32s("g", grid...), rows, cols, pitch), Int(int64(coeff)), Array(flat, rows*cols))
		gotFlat := readI32(flat)
		for r := range rows {
			for c := range cols {
				require.Equal(t, grid[r*pitch+c]*coeff, gotFlat[r*cols+c], "(%d,%d)", r, c)
			}
		}
	}
}

func TestRandom_ConstantReadsMatchHost(t *testing.T) {
	m := machine(t, "constant")
	region, ok := m.Global("constant_data")
	require.True(t, ok)
	rng := rand.New(rand.NewSource(7))
	for range trials {
		data := randI32s(rng, 1024)
		for i, v := range data {
			binary.LittleEndian.PutUint32(region.Data[4*i:], uint32(v))
		}
		n := 1 + rng.Intn(1024)
		res := i32s("res", make([]int32, n)...)
		run(t, m, "ReadConstantMemory", D1(1), D1(1), Array(res, n), Int(int64(n)))
		require.Equal(t, data[:n], readI32(res))
	}
}
