// Package gpu is the execution runtime for translated kernel modules.
//
// A Device wraps one device of a registered Driver. It loads modules,
// owns the buffers allocated on the device, and runs copies and launches
// either synchronously or on numbered streams. Operations on one stream
// run in issue order; streams progress independently of each other.
//
// Drivers register themselves with Register, usually from an init
// function of the driver package:
//
//	import _ "github.com/chazu/kernelize/gpu/emulator"
//
//	dev, err := gpu.GetDevice(codegen.CUDA, 0)
package gpu

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("kernelize.gpu")

var (
	ErrSizeMismatch       = errors.New("size mismatch")
	ErrTypeMismatch       = errors.New("element type mismatch")
	ErrUnknownEntryPoint  = errors.New("unknown entry point")
	ErrUnknownConstant    = errors.New("unknown constant region")
	ErrUnknownType        = errors.New("unknown element type")
	ErrAlreadyLoaded      = errors.New("module already loaded")
	ErrIncompatibleDevice = errors.New("module incompatible with device")
	ErrNoModule           = errors.New("no module loaded")
	ErrInvalidLaunch      = errors.New("invalid launch configuration")
	ErrInvalidArgument    = errors.New("invalid kernel argument")
	ErrNoDriver           = errors.New("no driver")
	ErrNoDevice           = errors.New("no such device")
	ErrFreed              = errors.New("buffer already freed")
	ErrOutOfMemory        = errors.New("out of device memory")
	ErrClosed             = errors.New("device closed")
)

// Dim3 is a grid or block extent.
type Dim3 struct {
	X, Y, Z int
}

// D1 returns a one-dimensional extent.
func D1(x int) Dim3 { return Dim3{x, 1, 1} }

// D2 returns a two-dimensional extent.
func D2(x, y int) Dim3 { return Dim3{x, y, 1} }

// Count returns the number of positions in d.
func (d Dim3) Count() int { return d.X * d.Y * d.Z }

func (d Dim3) String() string { return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z) }

func (d Dim3) valid() bool { return d.X > 0 && d.Y > 0 && d.Z > 0 }

// Properties describes a device.
type Properties struct {
	Name               string
	Driver             string
	ID                 int
	TotalMemory        int64
	WarpSize           int
	MaxThreadsPerBlock int
	MaxBlockDim        Dim3
	MaxGridDim         Dim3
	MultiProcessors    int
	// PitchAlignment is the row alignment in bytes of two-dimensional
	// allocations. Zero packs rows.
	PitchAlignment int
}
