package gpu

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/module"
	"github.com/chazu/kernelize/pkg/codegen"
)

// Driver opens the devices of one backend.
type Driver interface {
	Name() string
	// Dialects lists the kernel dialects the driver executes.
	Dialects() []codegen.Dialect
	// Count returns the number of devices.
	Count() int
	Open(ctx context.Context, id int) (Backend, error)
}

// Backend is an opened device.
type Backend interface {
	Properties() Properties
	// FreeMemory returns the unallocated device memory in bytes.
	FreeMemory() int64
	// Supports returns ErrIncompatibleDevice, wrapped, unless m can run on
	// the device.
	Supports(m *module.KernelModule) error
	Load(ctx context.Context, m *module.KernelModule) (Program, error)
	Alloc(size int) (Memory, error)
	Close() error
}

// Memory is one device allocation.
type Memory interface {
	Size() int
	Write(off int, src []byte) error
	Read(off int, dst []byte) error
	Free() error
}

// Program is a module loaded on a backend.
type Program interface {
	// Constant returns the memory backing a constant region.
	Constant(name string) (Memory, error)
	// SizeOf returns the size in bytes of a struct declared by the module.
	SizeOf(typeName string) (int, bool)
	Launch(ctx context.Context, entry string, grid, block Dim3, args []Arg) error
	Unload() error
}

// Arg is a marshaled kernel argument. Scalars and structs are encoded
// little-endian in Bytes; arrays and pointers reference device memory.
type Arg struct {
	Type  *image.Type
	Bytes []byte
	Mem   Memory
	Len   [2]int
	Pitch int
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name, replacing any driver
// registered under the same name.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Name()] = d
}

// Drivers returns the registered drivers ordered by name.
func Drivers() []Driver {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]Driver, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetDevice opens device id of the first registered driver that executes
// dialect.
func GetDevice(dialect codegen.Dialect, id int) (*Device, error) {
	return GetDeviceContext(context.Background(), "", dialect, id)
}

// GetDeviceContext opens device id of the named driver, or of the first
// driver that executes dialect when driver is empty.
func GetDeviceContext(ctx context.Context, driver string, dialect codegen.Dialect, id int) (*Device, error) {
	for _, d := range Drivers() {
		if driver != "" && d.Name() != driver {
			continue
		}
		if !slices.Contains(d.Dialects(), dialect) {
			continue
		}
		if id < 0 || id >= d.Count() {
			return nil, fmt.Errorf("%w: %s device %d of %d", ErrNoDevice, d.Name(), id, d.Count())
		}
		b, err := d.Open(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("open %s device %d: %w", d.Name(), id, err)
		}
		return newDevice(dialect, b), nil
	}
	if driver != "" {
		return nil, fmt.Errorf("%w: %q for %s", ErrNoDriver, driver, dialect)
	}
	return nil, fmt.Errorf("%w for %s", ErrNoDriver, dialect)
}
