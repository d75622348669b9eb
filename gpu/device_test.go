package gpu_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kernelize/gpu"
	_ "github.com/chazu/kernelize/gpu/emulator"
	"github.com/chazu/kernelize/internal/testkernels"
	"github.com/chazu/kernelize/module"
	"github.com/chazu/kernelize/pkg/codegen"
	"github.com/chazu/kernelize/vm"
)

func translate(t *testing.T, lib string, d codegen.Dialect) *module.KernelModule {
	t.Helper()
	var p module.Packager
	m, err := p.Translate(context.Background(), testkernels.Reader(t, lib), module.Request{Dialect: d, Arch: module.ArchEmulator})
	require.NoError(t, err)
	return m
}

func open(t *testing.T, d codegen.Dialect, libs ...string) *gpu.Device {
	t.Helper()
	dev, err := gpu.GetDevice(d, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	for _, lib := range libs {
		require.NoError(t, dev.LoadModule(translate(t, lib, d)))
	}
	return dev
}

func dialects(t *testing.T, fn func(t *testing.T, d codegen.Dialect)) {
	for _, d := range []codegen.Dialect{codegen.CUDA, codegen.OpenCL} {
		t.Run(string(d), func(t *testing.T) { fn(t, d) })
	}
}

func TestDevice_RoundTrip(t *testing.T) {
	dev := open(t, codegen.CUDA)
	buf, err := dev.Allocate("f64", 5)
	require.NoError(t, err)
	in := []float64{1.5, -2, math.Pi, 0, 1e300}
	require.NoError(t, dev.Upload(buf, in))
	out := make([]float64, 5)
	require.NoError(t, dev.Download(out, buf))
	assert.Equal(t, in, out)

	// Partial copies at offsets.
	require.NoError(t, dev.CopyToDevice(buf, 3, []float64{7, 8, 9}, 1, 2))
	require.NoError(t, dev.CopyFromDevice(out, 0, buf, 0, 5))
	assert.Equal(t, []float64{1.5, -2, math.Pi, 8, 9}, out)
}

func TestDevice_VectorAdd(t *testing.T) {
	dialects(t, func(t *testing.T, d codegen.Dialect) {
		dev := open(t, d, "basic")
		const n = 100
		a, b := make([]int32, n), make([]int32, n)
		for i := range a {
			a[i], b[i] = int32(i), int32(3*i-7)
		}
		da, err := dev.Allocate("i32", n)
		require.NoError(t, err)
		db, err := dev.Allocate("i32", n)
		require.NoError(t, err)
		dc, err := dev.Allocate("i32", n)
		require.NoError(t, err)
		require.NoError(t, dev.Upload(da, a))
		require.NoError(t, dev.Upload(db, b))
		require.NoError(t, dev.Launch(gpu.D1(n+1), gpu.D1(1), "addVector", da, db, dc))

		c := make([]int32, n)
		require.NoError(t, dev.Download(c, dc))
		for i := range c {
			require.Equal(t, a[i]+b[i], c[i], "element %d", i)
		}
	})
}

func TestDevice_ConstantPartialUpdate(t *testing.T) {
	dialects(t, func(t *testing.T, d codegen.Dialect) {
		dev := open(t, d, "constant")
		squares := make([]int32, 1024)
		for i := range squares {
			squares[i] = int32(i * i)
		}
		require.NoError(t, dev.CopyToConstantMemory("constant_data", squares, 0, 0, len(squares)))
		require.NoError(t, dev.CopyToConstantMemory("constant_data", []int32{-1, -2, -3}, 1, 2, 2))

		res, err := dev.Allocate("i32", 8)
		require.NoError(t, err)
		require.NoError(t, dev.Launch(gpu.D1(1), gpu.D1(1), "ReadConstantMemory", res, 8))
		got := make([]int32, 8)
		require.NoError(t, dev.Download(got, res))
		assert.Equal(t, []int32{0, 1, -2, -3, 16, 25, 36, 49}, got)

		err = dev.CopyToConstantMemory("constant_data", squares, 0, 1000, 30)
		require.ErrorIs(t, err, gpu.ErrSizeMismatch)
		err = dev.CopyToConstantMemory("missing", squares, 0, 0, 1)
		require.ErrorIs(t, err, gpu.ErrUnknownConstant)
	})
}

func TestDevice_StreamOrdering(t *testing.T) {
	dev := open(t, codegen.CUDA, "basic")
	const n, rounds = 64, 5
	v := make([]int32, n)
	for i := range v {
		v[i] = int32(i - 10)
	}
	buf, err := dev.Allocate("i32", n)
	require.NoError(t, err)

	require.NoError(t, dev.CopyToDeviceAsync(buf, 0, v, 0, n, 1))
	for range rounds {
		require.NoError(t, dev.LaunchAsync(gpu.D1(n), gpu.D1(1), "doubleVector", 1, buf))
	}
	out := make([]int32, n)
	require.NoError(t, dev.CopyFromDeviceAsync(out, 0, buf, 0, n, 1))
	require.NoError(t, dev.SynchronizeStream(1))
	for i := range out {
		require.Equal(t, v[i]<<rounds, out[i])
	}
}

func TestDevice_AsyncErrorIsSticky(t *testing.T) {
	dev := open(t, codegen.CUDA, "basic")
	a, err := dev.Allocate("i32", 2)
	require.NoError(t, err)
	c, err := dev.Allocate("i32", 1)
	require.NoError(t, err)

	// c is shorter than a: the second block stores past its end.
	require.NoError(t, dev.LaunchAsync(gpu.D1(2), gpu.D1(1), "addVector", 3, a, a, c))
	err = dev.SynchronizeStream(3)
	require.ErrorIs(t, err, vm.ErrOutOfBounds)
	require.NoError(t, dev.SynchronizeStream(3), "synchronizing clears the error")
}

func TestDevice_SmartCopyMatchesDirect(t *testing.T) {
	scaled := func(smart bool) []float32 {
		dev := open(t, codegen.OpenCL, "basic")
		if smart {
			dev.EnableSmartCopy()
			require.True(t, dev.IsSmartCopyEnabled())
		}
		host := []float32{1, 2.5, -4, 8}
		buf, err := dev.Allocate("f32", len(host))
		require.NoError(t, err)
		require.NoError(t, dev.CopyToDevice(buf, 0, host, 0, len(host)))
		// The copy has snapshotted host; later changes are not observed.
		host[0] = 1000
		require.NoError(t, dev.Launch(gpu.D1(1), gpu.D1(1), "scale", buf, 0.5))
		out := make([]float32, len(host))
		require.NoError(t, dev.Download(out, buf))
		require.NoError(t, dev.DisableSmartCopy())
		return out
	}
	direct := scaled(false)
	assert.Equal(t, []float32{0.5, 1.25, -2, 4}, direct)
	assert.Equal(t, direct, scaled(true))
}

func TestDevice_TwoDimensionalPitch(t *testing.T) {
	dev := open(t, codegen.CUDA, "twod")
	in, err := dev.Allocate2D("f32", 2, 3)
	require.NoError(t, err)
	rows, cols, pitch := in.Shape()
	assert.Equal(t, []int{2, 3, 32}, []int{rows, cols, pitch}, "rows pad to 128 bytes")
	assert.Equal(t, 2, in.Rank())
	assert.Equal(t, 6, in.Len())

	out, err := dev.Allocate2D("f32", 3, 2)
	require.NoError(t, err)
	require.NoError(t, dev.Upload(in, []float32{1, 2, 3, 4, 5, 6}))
	require.NoError(t, dev.Launch(gpu.D1(2), gpu.D1(3), "transpose", in, out))

	got := make([]float32, 6)
	require.NoError(t, dev.Download(got, out))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got)

	// A copy spanning a row boundary lands in both rows.
	require.NoError(t, dev.CopyToDevice(in, 2, []float32{30, 40}, 0, 2))
	require.NoError(t, dev.Download(got, in))
	assert.Equal(t, []float32{1, 2, 30, 40, 5, 6}, got)
}

func TestDevice_StructBuffers(t *testing.T) {
	dev := open(t, codegen.CUDA, "complex")
	_, err := dev.Allocate("Missing", 1)
	require.ErrorIs(t, err, gpu.ErrUnknownType)

	pack := func(vals ...float32) []byte {
		b := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b
	}
	a, err := dev.Allocate("ComplexF", 2)
	require.NoError(t, err)
	b, err := dev.Allocate("ComplexF", 2)
	require.NoError(t, err)
	c, err := dev.Allocate("ComplexF", 2)
	require.NoError(t, err)
	require.NoError(t, dev.Upload(a, pack(1, 2, 3, -1)))
	require.NoError(t, dev.Upload(b, pack(0, 1, 2, 2)))
	require.NoError(t, dev.Launch(gpu.D1(1), gpu.D1(2), "multiplyAll", a, b, c))

	out := make([]byte, 16)
	require.NoError(t, dev.Download(out, c))
	assert.Equal(t, pack(-2, 1, 8, 4), out)

	err = dev.Upload(a, make([]byte, 12))
	require.ErrorIs(t, err, gpu.ErrSizeMismatch)
}

func TestDevice_SharedMemory(t *testing.T) {
	dev := open(t, codegen.OpenCL, "shared")
	const n, blocks = 1024, 4
	a := make([]float32, n)
	for i := range a {
		a[i] = float32(i % 5)
	}
	da, err := dev.Allocate("f32", n)
	require.NoError(t, err)
	db, err := dev.Allocate("f32", n)
	require.NoError(t, err)
	dc, err := dev.Allocate("f32", blocks)
	require.NoError(t, err)
	require.NoError(t, dev.Upload(da, a))
	require.NoError(t, dev.Upload(db, a))
	require.NoError(t, dev.Launch(gpu.D1(blocks), gpu.D1(256), "dotProduct", da, db, dc))

	partial := make([]float32, blocks)
	require.NoError(t, dev.Download(partial, dc))
	var got, want float64
	for _, v := range partial {
		got += float64(v)
	}
	for _, v := range a {
		want += float64(v * v)
	}
	assert.InDelta(t, want, got, 1e-3)
}

func TestDevice_Staging(t *testing.T) {
	dev := open(t, codegen.CUDA)
	in, err := dev.HostAllocate("i32", 4)
	require.NoError(t, err)
	out, err := dev.HostAllocate("i32", 4)
	require.NoError(t, err)
	require.NoError(t, dev.CopyOnHost(in, 0, []int32{5, 6, 7, 8}, 0, 4))

	buf, err := dev.Allocate("i32", 4)
	require.NoError(t, err)
	require.NoError(t, dev.CopyToDevice(buf, 0, in, 0, 4))
	require.NoError(t, dev.CopyFromDevice(out, 1, buf, 0, 3))

	got := make([]int32, 4)
	require.NoError(t, dev.CopyOnHost(got, 0, out, 0, 4))
	assert.Equal(t, []int32{0, 5, 6, 7}, got)

	err = dev.CopyOnHost(got, 0, []int32{1}, 0, 1)
	require.ErrorIs(t, err, gpu.ErrInvalidArgument)
	require.NoError(t, dev.HostFree(in))
	require.ErrorIs(t, dev.HostFree(in), gpu.ErrFreed)
	require.ErrorIs(t, dev.CopyToDevice(buf, 0, in, 0, 1), gpu.ErrFreed)
}

func TestDevice_Memory(t *testing.T) {
	dev := open(t, codegen.CUDA)
	total := dev.TotalMemory()
	require.Equal(t, total, dev.FreeMemory())

	buf, err := dev.Allocate("u8", 1<<20)
	require.NoError(t, err)
	assert.Equal(t, total-1<<20, dev.FreeMemory())
	require.NoError(t, dev.Free(buf))
	assert.Equal(t, total, dev.FreeMemory())
	require.ErrorIs(t, dev.Free(buf), gpu.ErrFreed)
	require.ErrorIs(t, dev.Upload(buf, []byte{1}), gpu.ErrFreed)

	_, err = dev.Allocate("u8", int(total)+1)
	require.ErrorIs(t, err, gpu.ErrOutOfMemory)

	_, err = dev.Allocate("i32", 2)
	require.NoError(t, err)
	_, err = dev.Allocate("f32", 2)
	require.NoError(t, err)
	dev.FreeAll()
	assert.Equal(t, total, dev.FreeMemory())
}

func TestDevice_Errors(t *testing.T) {
	dev := open(t, codegen.CUDA, "basic")
	buf, err := dev.Allocate("i32", 4)
	require.NoError(t, err)

	before := []int32{1, 2, 3, 4}
	require.NoError(t, dev.Upload(buf, before))
	err = dev.CopyToDevice(buf, 2, []int32{9, 9, 9}, 0, 3)
	require.ErrorIs(t, err, gpu.ErrSizeMismatch)
	got := make([]int32, 4)
	require.NoError(t, dev.Download(got, buf))
	assert.Equal(t, before, got, "a rejected copy writes nothing")

	require.ErrorIs(t, dev.Upload(buf, []float32{1}), gpu.ErrTypeMismatch)

	err = dev.Launch(gpu.D1(1), gpu.D1(1), "nope")
	require.ErrorIs(t, err, gpu.ErrUnknownEntryPoint)
	err = dev.Launch(gpu.D1(1), gpu.D1(1), "add", 1, 2)
	require.ErrorIs(t, err, gpu.ErrInvalidArgument)
	err = dev.Launch(gpu.D1(1), gpu.D1(1), "add", 1.5, 2, buf)
	require.ErrorIs(t, err, gpu.ErrInvalidArgument, "floats do not narrow to int parameters")
	err = dev.Launch(gpu.D1(1), gpu.D1(4096), "add", 1, 2, buf)
	require.ErrorIs(t, err, gpu.ErrInvalidLaunch)
	err = dev.Launch(gpu.Dim3{}, gpu.D1(1), "add", 1, 2, buf)
	require.ErrorIs(t, err, gpu.ErrInvalidLaunch)

	f, err := dev.Allocate("f32", 4)
	require.NoError(t, err)
	err = dev.Launch(gpu.D1(1), gpu.D1(1), "add", 1, 2, f)
	require.ErrorIs(t, err, gpu.ErrTypeMismatch)
}

func TestDevice_Modules(t *testing.T) {
	dev := open(t, codegen.CUDA)
	err := dev.Launch(gpu.D1(1), gpu.D1(1), "add")
	require.ErrorIs(t, err, gpu.ErrNoModule)

	m := translate(t, "basic", codegen.CUDA)
	require.NoError(t, dev.LoadModule(m))
	assert.True(t, dev.IsModuleLoaded(m))
	require.ErrorIs(t, dev.LoadModule(m), gpu.ErrAlreadyLoaded)

	cl := translate(t, "basic", codegen.OpenCL)
	require.ErrorIs(t, dev.LoadModule(cl), gpu.ErrIncompatibleDevice)

	require.NoError(t, dev.UnloadModule(m))
	assert.False(t, dev.IsModuleLoaded(m))
	require.ErrorIs(t, dev.UnloadModule(m), gpu.ErrNoModule)
}

func TestDevice_Close(t *testing.T) {
	dev, err := gpu.GetDevice(codegen.CUDA, 0)
	require.NoError(t, err)
	require.NoError(t, dev.LoadModule(translate(t, "basic", codegen.CUDA)))
	_, err = dev.Allocate("i32", 16)
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	require.ErrorIs(t, dev.Close(), gpu.ErrClosed)
	require.ErrorIs(t, dev.LoadModule(translate(t, "basic", codegen.CUDA)), gpu.ErrClosed)
}

func TestGetDevice(t *testing.T) {
	_, err := gpu.GetDevice(codegen.CUDA, 7)
	require.ErrorIs(t, err, gpu.ErrNoDevice)
	_, err = gpu.GetDeviceContext(context.Background(), "vulkan", codegen.CUDA, 0)
	require.ErrorIs(t, err, gpu.ErrNoDriver)

	dev := open(t, codegen.OpenCL)
	p := dev.Properties()
	assert.Equal(t, "emulator", p.Driver)
	assert.Equal(t, 32, p.WarpSize)
	assert.Equal(t, 1024, p.MaxThreadsPerBlock)
	assert.NotEqual(t, dev.ID(), open(t, codegen.OpenCL).ID())
}
