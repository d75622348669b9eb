package gpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/module"
	"github.com/chazu/kernelize/pkg/codegen"
)

type loaded struct {
	m    *module.KernelModule
	prog Program
}

// Device is an open device handle. Its methods may be called from one
// host goroutine at a time, like the stream operations they issue.
type Device struct {
	id      uuid.UUID
	dialect codegen.Dialect
	backend Backend
	props   Properties

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	modules []loaded
	buffers map[*Buffer]struct{}
	staging map[*StagingBuffer]struct{}
	streams map[int]*stream
	smart   *stream
}

func newDevice(dialect codegen.Dialect, b Backend) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		id:      uuid.New(),
		dialect: dialect,
		backend: b,
		props:   b.Properties(),
		ctx:     ctx,
		cancel:  cancel,
		buffers: make(map[*Buffer]struct{}),
		staging: make(map[*StagingBuffer]struct{}),
		streams: make(map[int]*stream),
	}
	log.Infof("opened %s device %d (%s) for %s, context %s", d.props.Driver, d.props.ID, d.props.Name, dialect, d.id)
	return d
}

// ID identifies the device context.
func (d *Device) ID() uuid.UUID { return d.id }

// Dialect returns the kernel dialect the device was opened for.
func (d *Device) Dialect() codegen.Dialect { return d.dialect }

// Properties describes the device.
func (d *Device) Properties() Properties { return d.props }

// TotalMemory returns the device memory in bytes.
func (d *Device) TotalMemory() int64 { return d.props.TotalMemory }

// FreeMemory returns the unallocated device memory in bytes.
func (d *Device) FreeMemory() int64 { return d.backend.FreeMemory() }

// LoadModule binds the entry points and constant regions of m for launch.
// A module whose entry names repeat those of an earlier module shadows
// them.
func (d *Device) LoadModule(m *module.KernelModule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if m.Dialect != d.dialect {
		return fmt.Errorf("%w: %s module on %s device", ErrIncompatibleDevice, m.Dialect, d.dialect)
	}
	if err := d.backend.Supports(m); err != nil {
		return err
	}
	for _, l := range d.modules {
		if l.m.Checksum == m.Checksum {
			return fmt.Errorf("%w: %s (%s)", ErrAlreadyLoaded, m.Name, m.ChecksumHex()[:12])
		}
	}
	prog, err := d.backend.Load(d.ctx, m)
	if err != nil {
		return fmt.Errorf("load %s: %w", m.Name, err)
	}
	d.modules = append(d.modules, loaded{m, prog})
	log.Infof("loaded module %s (%d entries) on %s", m.Name, len(m.Entries), d.id)
	return nil
}

// UnloadModule releases a loaded module.
func (d *Device) UnloadModule(m *module.KernelModule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, l := range d.modules {
		if l.m.Checksum == m.Checksum {
			d.modules = append(d.modules[:i], d.modules[i+1:]...)
			return l.prog.Unload()
		}
	}
	return fmt.Errorf("%w: %s", ErrNoModule, m.Name)
}

// IsModuleLoaded reports whether a module with m's checksum is loaded.
func (d *Device) IsModuleLoaded(m *module.KernelModule) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.modules {
		if l.m.Checksum == m.Checksum {
			return true
		}
	}
	return false
}

// entry finds the most recently loaded module defining name.
func (d *Device) entry(name string) (loaded, codegen.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.modules) == 0 {
		return loaded{}, codegen.Entry{}, ErrNoModule
	}
	for i := len(d.modules) - 1; i >= 0; i-- {
		if e, ok := d.modules[i].m.Entry(name); ok {
			return d.modules[i], e, nil
		}
	}
	return loaded{}, codegen.Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntryPoint, name)
}

// constant finds the most recently loaded module declaring region name.
func (d *Device) constant(name string) (loaded, codegen.Constant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.modules) == 0 {
		return loaded{}, codegen.Constant{}, ErrNoModule
	}
	for i := len(d.modules) - 1; i >= 0; i-- {
		if c, ok := d.modules[i].m.Constant(name); ok {
			return d.modules[i], c, nil
		}
	}
	return loaded{}, codegen.Constant{}, fmt.Errorf("%w: %s", ErrUnknownConstant, name)
}

// elemType resolves an element type signature and its size in bytes.
// Struct sizes come from the loaded modules.
func (d *Device) elemType(sig string) (*image.Type, int, error) {
	t, err := image.ParseType(sig)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnknownType, err)
	}
	switch t.Kind {
	case image.KindNamed:
		d.mu.Lock()
		defer d.mu.Unlock()
		for i := len(d.modules) - 1; i >= 0; i-- {
			if n, ok := d.modules[i].prog.SizeOf(t.Name); ok {
				return t, n, nil
			}
		}
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownType, sig)
	case image.KindArray, image.KindPointer, image.KindByRef, image.KindVoid,
		image.KindString, image.KindObject:
		return nil, 0, fmt.Errorf("%w: %s cannot be an element", ErrUnknownType, sig)
	}
	return t, t.ScalarSize(), nil
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

// stream returns the stream with the given id, starting it on first use.
func (d *Device) stream(id int) (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	s, ok := d.streams[id]
	if !ok {
		s = newStream(id)
		d.streams[id] = s
	}
	return s, nil
}

// pending returns a channel that receives once the smart copies issued
// so far have reached the device, or nil without smart copy. A failed
// smart copy is delivered to the first operation fenced behind it.
func (d *Device) pending() <-chan error {
	d.mu.Lock()
	s := d.smart
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.fence()
}

// issue queues op on stream id behind any pending smart copies.
func (d *Device) issue(id int, op func() error) error {
	s, err := d.stream(id)
	if err != nil {
		return err
	}
	wait := d.pending()
	s.submit(func() error {
		if wait != nil {
			if err := <-wait; err != nil {
				return err
			}
		}
		return op()
	})
	return nil
}

// run performs op in the order of the default stream and waits for it.
func (d *Device) run(op func() error) error {
	s, err := d.stream(0)
	if err != nil {
		return err
	}
	wait := d.pending()
	return s.do(func() error {
		if wait != nil {
			if err := <-wait; err != nil {
				return err
			}
		}
		return op()
	})
}

// SynchronizeStream blocks until the operations issued to stream id have
// completed. It returns the first error one of them reported, including
// a failed smart copy that an operation on the stream waited for.
func (d *Device) SynchronizeStream(id int) error {
	d.mu.Lock()
	s, ok := d.streams[id]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return s.synchronize()
}

// Synchronize waits for every stream.
func (d *Device) Synchronize() error {
	d.mu.Lock()
	all := make([]*stream, 0, len(d.streams)+1)
	for _, s := range d.streams {
		all = append(all, s)
	}
	if d.smart != nil {
		all = append(all, d.smart)
	}
	d.mu.Unlock()
	var first error
	for _, s := range all {
		if err := s.synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EnableSmartCopy routes host to device copies through staging memory
// and a dedicated stream, so that a copy returns once the host data is
// staged and overlaps with kernels already running. Later operations on
// any stream wait for the staged copies issued before them.
func (d *Device) EnableSmartCopy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.smart == nil && !d.closed {
		d.smart = newStream(-1)
		log.Debugf("smart copy enabled on %s", d.id)
	}
}

// DisableSmartCopy waits for the staged copies and reverts to direct
// copies. It returns the first error a staged copy reported.
func (d *Device) DisableSmartCopy() error {
	d.mu.Lock()
	s := d.smart
	d.smart = nil
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.synchronize()
	s.close()
	log.Debugf("smart copy disabled on %s", d.id)
	return err
}

// IsSmartCopyEnabled reports whether smart copy is on.
func (d *Device) IsSmartCopyEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.smart != nil
}

// Close waits for outstanding work, then releases every buffer, module
// and stream of the device.
func (d *Device) Close() error {
	syncErr := d.Synchronize()
	smartErr := d.DisableSmartCopy()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	d.FreeAll()
	d.HostFreeAll()
	d.mu.Lock()
	for _, l := range d.modules {
		if err := l.prog.Unload(); err != nil {
			log.Warningf("unload %s: %v", l.m.Name, err)
		}
	}
	d.modules = nil
	d.mu.Unlock()
	d.cancel()
	log.Infof("closed device context %s", d.id)
	if err := d.backend.Close(); err != nil {
		return err
	}
	if syncErr != nil {
		return syncErr
	}
	return smartErr
}
