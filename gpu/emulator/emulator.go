// Package emulator is a gpu driver that executes emulator modules on the
// CPU. Importing it registers a driver named "emulator" serving both
// kernel dialects:
//
//	import _ "github.com/chazu/kernelize/gpu/emulator"
//
// Each block runs on a worker goroutine. Threads of a block that waits at
// barriers run on goroutines of their own; other blocks run their threads
// in sequence.
package emulator

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"

	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/gpu"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/module"
	"github.com/chazu/kernelize/pkg/codegen"
	"github.com/chazu/kernelize/vm"
)

var log = commonlog.GetLogger("kernelize.gpu.emulator")

// Name is the driver name.
const Name = "emulator"

// Config sizes the emulated devices.
type Config struct {
	Memory             int64 // bytes per device
	WarpSize           int
	MaxThreadsPerBlock int
	Devices            int
	Workers            int // concurrent blocks per launch
	PitchAlignment     int // bytes
}

// DefaultConfig is registered on import.
var DefaultConfig = Config{
	Memory:             1 << 30,
	WarpSize:           32,
	MaxThreadsPerBlock: 1024,
	Devices:            1,
	PitchAlignment:     128,
}

func init() {
	gpu.Register(New(DefaultConfig))
}

// Driver opens emulated devices.
type Driver struct {
	cfg Config
}

// New returns a driver for devices sized by cfg. Zero fields take their
// DefaultConfig values. Register it to replace the default driver.
func New(cfg Config) *Driver {
	if cfg.Memory <= 0 {
		cfg.Memory = DefaultConfig.Memory
	}
	if cfg.WarpSize <= 0 {
		cfg.WarpSize = DefaultConfig.WarpSize
	}
	if cfg.MaxThreadsPerBlock <= 0 {
		cfg.MaxThreadsPerBlock = DefaultConfig.MaxThreadsPerBlock
	}
	if cfg.Devices <= 0 {
		cfg.Devices = DefaultConfig.Devices
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.PitchAlignment <= 0 {
		cfg.PitchAlignment = DefaultConfig.PitchAlignment
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Dialects() []codegen.Dialect {
	return []codegen.Dialect{codegen.CUDA, codegen.OpenCL}
}

func (d *Driver) Count() int { return d.cfg.Devices }

func (d *Driver) Open(ctx context.Context, id int) (gpu.Backend, error) {
	if id < 0 || id >= d.cfg.Devices {
		return nil, fmt.Errorf("%w: %d", gpu.ErrNoDevice, id)
	}
	b := &backend{cfg: d.cfg, id: id}
	log.Debugf("device %d: %s of memory, warp size %d", id, humanize.IBytes(uint64(d.cfg.Memory)), d.cfg.WarpSize)
	return b, nil
}

type backend struct {
	cfg  Config
	id   int
	used atomic.Int64

	mu     sync.Mutex
	closed bool
}

func (b *backend) Properties() gpu.Properties {
	return gpu.Properties{
		Name:               fmt.Sprintf("kernelize emulator %d", b.id),
		Driver:             Name,
		ID:                 b.id,
		TotalMemory:        b.cfg.Memory,
		WarpSize:           b.cfg.WarpSize,
		MaxThreadsPerBlock: b.cfg.MaxThreadsPerBlock,
		MaxBlockDim:        gpu.Dim3{X: b.cfg.MaxThreadsPerBlock, Y: b.cfg.MaxThreadsPerBlock, Z: 64},
		MaxGridDim:         gpu.Dim3{X: 1<<31 - 1, Y: 65535, Z: 65535},
		MultiProcessors:    b.cfg.Workers,
		PitchAlignment:     b.cfg.PitchAlignment,
	}
}

func (b *backend) FreeMemory() int64 { return b.cfg.Memory - b.used.Load() }

func (b *backend) Supports(m *module.KernelModule) error {
	if m.Arch != module.ArchEmulator {
		return fmt.Errorf("%w: %s module built for %q", gpu.ErrIncompatibleDevice, m.Name, m.Arch)
	}
	return nil
}

func (b *backend) Load(ctx context.Context, m *module.KernelModule) (gpu.Program, error) {
	prog, err := highast.UnmarshalProgram(m.Binary)
	if err != nil {
		return nil, err
	}
	mach, err := vm.New(prog, vm.Config{
		WarpSize:           b.cfg.WarpSize,
		MaxThreadsPerBlock: b.cfg.MaxThreadsPerBlock,
		Workers:            b.cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	return &program{b: b, m: mach}, nil
}

func (b *backend) Alloc(size int) (gpu.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, gpu.ErrClosed
	}
	if used := b.used.Load(); used+int64(size) > b.cfg.Memory {
		return nil, fmt.Errorf("%w: %s requested, %s free", gpu.ErrOutOfMemory,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(b.cfg.Memory-used)))
	}
	b.used.Add(int64(size))
	return &memory{b: b, r: vm.NewRegion("buffer", image.SpaceGlobal, size)}, nil
}

func (b *backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if n := b.used.Load(); n != 0 {
		log.Warningf("device %d closed with %s allocated", b.id, humanize.IBytes(uint64(n)))
	}
	return nil
}

// memory is a device allocation. Constant regions are not accounted.
type memory struct {
	b     *backend
	r     *vm.Region
	freed atomic.Bool
}

func (m *memory) Size() int { return len(m.r.Data) }

func (m *memory) Write(off int, src []byte) error {
	if off < 0 || off+len(src) > len(m.r.Data) {
		return fmt.Errorf("%w: write of %d bytes at %d", gpu.ErrSizeMismatch, len(src), off)
	}
	copy(m.r.Data[off:], src)
	return nil
}

func (m *memory) Read(off int, dst []byte) error {
	if off < 0 || off+len(dst) > len(m.r.Data) {
		return fmt.Errorf("%w: read of %d bytes at %d", gpu.ErrSizeMismatch, len(dst), off)
	}
	copy(dst, m.r.Data[off:])
	return nil
}

func (m *memory) Free() error {
	if !m.freed.CompareAndSwap(false, true) {
		return gpu.ErrFreed
	}
	if m.b != nil {
		m.b.used.Add(-int64(len(m.r.Data)))
	}
	return nil
}

type program struct {
	b *backend
	m *vm.Machine
}

func (p *program) Constant(name string) (gpu.Memory, error) {
	r, ok := p.m.Global(name)
	if !ok || r.Space != image.SpaceConstant {
		return nil, fmt.Errorf("%w: %s", gpu.ErrUnknownConstant, name)
	}
	return &memory{r: r}, nil
}

func (p *program) SizeOf(typeName string) (int, bool) {
	n := p.m.SizeOf(image.Named(typeName))
	return n, n > 0
}

func (p *program) Launch(ctx context.Context, entry string, grid, block gpu.Dim3, args []gpu.Arg) error {
	vals := make([]vm.Value, len(args))
	for i, a := range args {
		v, err := p.value(a)
		if err != nil {
			return fmt.Errorf("%s argument %d: %w", entry, i, err)
		}
		vals[i] = v
	}
	return p.m.Launch(ctx, entry, vm.Dim3(grid), vm.Dim3(block), vals)
}

func (p *program) value(a gpu.Arg) (vm.Value, error) {
	switch a.Type.Kind {
	case image.KindArray, image.KindPointer, image.KindByRef:
		if a.Mem == nil {
			return vm.Value{}, nil
		}
		mem, ok := a.Mem.(*memory)
		if !ok {
			return vm.Value{}, fmt.Errorf("%w: foreign memory %T", gpu.ErrInvalidArgument, a.Mem)
		}
		switch {
		case a.Type.Kind != image.KindArray:
			return vm.Pointer(mem.r, 0), nil
		case a.Len[1] > 0:
			return vm.Array2D(mem.r, a.Len[0], a.Len[1], a.Pitch), nil
		}
		return vm.Array(mem.r, a.Len[0]), nil
	}
	return p.m.Decode(a.Type, a.Bytes)
}

func (p *program) Unload() error { return nil }
