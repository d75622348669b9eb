package vm

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chazu/kernelize/image"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		kind image.Kind
		in   int64
		want int64
	}{
		{image.KindI8, 200, -56},
		{image.KindU8, -1, 255},
		{image.KindI16, 40000, -25536},
		{image.KindChar, -1, 65535},
		{image.KindI32, math.MaxInt32 + 1, math.MinInt32},
		{image.KindU32, -1, math.MaxUint32},
		{image.KindBool, 7, 1},
		{image.KindI64, math.MinInt64, math.MinInt64},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wrap(image.Prim(tt.kind), tt.in), "%v", image.Prim(tt.kind))
	}
}

func TestConvert(t *testing.T) {
	f32, i32, u8, f64 := image.Prim(image.KindF32), image.Prim(image.KindI32), image.Prim(image.KindU8), image.Prim(image.KindF64)
	assert.Equal(t, int64(-2), convert(f32, i32, Float(-2.9)).I, "truncates toward zero")
	assert.Equal(t, int64(255), convert(f32, u8, Float(255.9)).I)
	assert.Equal(t, int64(0), convert(f64, i32, Float(math.NaN())).I)
	assert.Equal(t, float64(float32(0.1)), convert(f64, f32, Float(0.1)).F)
	assert.Equal(t, 4294967295.0, convert(image.Prim(image.KindU32), f64, Int(math.MaxUint32)).F)
	assert.Equal(t, 1.8446744073709552e19, convert(image.Prim(image.KindU64), f64, Int(-1)).F)
}

func TestRoundHalf(t *testing.T) {
	f16 := image.Prim(image.KindF16)
	assert.Equal(t, 65504.0, round(f16, 65504))
	assert.True(t, math.IsInf(round(f16, 70000), 1))
	assert.Equal(t, 0.0999755859375, round(f16, 0.1))
}

func TestPointerEncoding(t *testing.T) {
	p := encodePointer(tagBlock, 5, 1<<33+12)
	tag, id, off := decodePointer(p)
	assert.Equal(t, tagBlock, tag)
	assert.Equal(t, uint64(5), id)
	assert.Equal(t, 1<<33+12, off)
	assert.NotZero(t, encodePointer(tagStatic, 1, 0), "static ids start at one")
}

func TestBarrier_LeavingThreadsRelease(t *testing.T) {
	const n = 8
	b := newBarrier(n)
	var phase atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.leave()
			if i == 0 {
				// Leaves without waiting: the others must still pass.
				return
			}
			for range 3 {
				b.wait()
				phase.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3*(n-1)), phase.Load())
}
