// Package vm interprets translated kernel programs on the host.
//
// A Machine holds the static regions of one program. Launch runs an entry
// point over a grid of thread blocks: blocks execute in parallel and the
// threads of a block share its shared-memory regions. Kernels that
// synchronize get one goroutine per thread so that a barrier can hold
// every thread of the block; the others run their threads in sequence.
//
// Memory is byte addressed. Parameters and locals live in per-call frame
// regions so that every location, including those reached through
// pointers, is a (region, offset) pair.
package vm

import (
	"context"
	"fmt"
	"runtime"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
)

var log = commonlog.GetLogger("kernelize.vm")

// Dim3 is a grid or block extent.
type Dim3 struct {
	X, Y, Z int
}

// D1 returns a one-dimensional extent.
func D1(x int) Dim3 { return Dim3{x, 1, 1} }

// Count returns the number of positions in d.
func (d Dim3) Count() int { return d.X * d.Y * d.Z }

func (d Dim3) valid() bool { return d.X > 0 && d.Y > 0 && d.Z > 0 }

func (d Dim3) at(i int) [3]int {
	return [3]int{i % d.X, (i / d.X) % d.Y, i / (d.X * d.Y)}
}

func (d Dim3) String() string { return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z) }

// Config tunes a Machine.
type Config struct {
	// WarpSize is the value kernels read as warpSize. Default 32.
	WarpSize int
	// MaxThreadsPerBlock bounds the block extent. Default 1024.
	MaxThreadsPerBlock int
	// Workers bounds the blocks running at once. Default GOMAXPROCS.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.WarpSize <= 0 {
		c.WarpSize = 32
	}
	if c.MaxThreadsPerBlock <= 0 {
		c.MaxThreadsPerBlock = 1024
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return c
}

// layout places the parameters and locals of a function in its frame.
type layout struct {
	size int
	off  map[*highast.Var]int
}

// Machine runs the entry points of one program.
type Machine struct {
	prog    *highast.Program
	cfg     Config
	structs map[string]*highast.Struct
	layouts map[*highast.Function]*layout
	syncs   map[*highast.Function]bool
	shared  []*highast.Var

	globals map[*highast.Global]*Region
	static  []*Region
}

// New prepares prog for execution. Globals are allocated and their
// initializers evaluated.
func New(prog *highast.Program, cfg Config) (*Machine, error) {
	m := &Machine{
		prog:    prog,
		cfg:     cfg.withDefaults(),
		structs: make(map[string]*highast.Struct, len(prog.Structs)),
		layouts: make(map[*highast.Function]*layout, len(prog.Functions)),
		syncs:   make(map[*highast.Function]bool),
		globals: make(map[*highast.Global]*Region, len(prog.Globals)),
		static:  []*Region{nil},
	}
	for _, s := range prog.Structs {
		m.structs[s.Name] = s
	}
	for _, fn := range prog.Functions {
		m.layouts[fn] = m.frameLayout(fn)
		for _, v := range fn.Locals {
			if v.Space == image.SpaceShared {
				m.shared = append(m.shared, v)
			}
		}
	}
	for _, fn := range prog.Functions {
		m.syncs[fn] = synchronizes(fn, make(map[*highast.Function]bool))
	}

	host := &thread{m: m, l: &launch{ids: make(map[*Region]uint64)}}
	for _, g := range prog.Globals {
		n := 1
		if g.Len > 0 {
			n = g.Len
		}
		r := NewRegion(g.Name, g.Space, n*m.sizeOf(g.Type))
		m.globals[g] = r
		host.l.ids[r] = uint64(len(m.static))
		m.static = append(m.static, r)
	}
	host.l.table = m.static
	for _, g := range prog.Globals {
		if g.Init == nil {
			continue
		}
		if err := host.run(func() { host.store(Ref{R: m.globals[g]}, g.Type, host.eval(g.Init)) }); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", g.Name, err)
		}
	}
	log.Debugf("loaded %s: %d functions, %d globals", prog.Name, len(prog.Functions), len(prog.Globals))
	return m, nil
}

// Program returns the program m runs.
func (m *Machine) Program() *highast.Program { return m.prog }

// Global returns the region backing the global called name.
func (m *Machine) Global(name string) (*Region, bool) {
	g := m.prog.Global(name)
	if g == nil {
		return nil, false
	}
	return m.globals[g], true
}

// SizeOf returns the number of bytes a value of type t occupies in device
// memory, or 0 for a struct the program does not declare.
func (m *Machine) SizeOf(t *image.Type) int { return m.sizeOf(t) }

// Decode reads a scalar or struct argument of type t from its
// little-endian encoding.
func (m *Machine) Decode(t *image.Type, b []byte) (Value, error) {
	if t.IsAddress() || t.Kind == image.KindArray {
		return Value{}, fmt.Errorf("%w: %s is passed by reference", ErrUnsupported, t)
	}
	if n := m.sizeOf(t); n == 0 || len(b) < n {
		return Value{}, fmt.Errorf("%w: %d bytes for %s", ErrOutOfBounds, len(b), t)
	}
	var v Value
	host := &thread{m: m, l: &launch{ids: map[*Region]uint64{}}}
	err := host.run(func() { v = host.decode(b, t) })
	return v, err
}

// Synchronizes reports whether the entry point waits at block barriers.
func (m *Machine) Synchronizes(entry string) bool {
	fn := m.prog.Function(entry)
	return fn != nil && m.syncs[fn]
}

func (m *Machine) frameLayout(fn *highast.Function) *layout {
	l := &layout{off: make(map[*highast.Var]int, len(fn.Params)+len(fn.Locals))}
	place := func(v *highast.Var) {
		if v.Thread {
			return
		}
		size := m.sizeOf(v.Type)
		if v.Space == image.SpaceShared {
			size = arraySlot
		}
		a := min(max(size, 1), 8)
		l.size = (l.size + a - 1) / a * a
		l.off[v] = l.size
		l.size += size
	}
	for _, v := range fn.Params {
		place(v)
	}
	for _, v := range fn.Locals {
		place(v)
	}
	return l
}

// synchronizes reports whether fn or a function it calls has a barrier.
func synchronizes(fn *highast.Function, seen map[*highast.Function]bool) bool {
	if seen[fn] {
		return false
	}
	seen[fn] = true
	found := false
	highast.WalkStmts(fn.Body, func(s highast.Stmt) bool {
		if _, ok := s.(*highast.Barrier); ok {
			found = true
		}
		return !found
	})
	if found {
		return true
	}
	for _, c := range highast.Calls(fn) {
		if synchronizes(c, seen) {
			return true
		}
	}
	return false
}

// launch is one kernel execution.
type launch struct {
	m      *Machine
	fn     *highast.Function
	grid   Dim3
	block  Dim3
	args   []Value
	table  []*Region
	ids    map[*Region]uint64
	shared []*highast.Var
}

// block is the state the threads of one block share.
type block struct {
	idx    [3]int
	table  []*Region
	ids    map[*Region]uint64
	shared map[*highast.Var]*Region
	bar    *barrier
}

// Launch runs entry over grid blocks of block threads. Arguments are
// given for every parameter except the thread context, in order. Array
// arguments must come from Array or Array2D; buffers they reference are
// addressable by the kernel for the duration of the launch.
func (m *Machine) Launch(ctx context.Context, entry string, grid, blk Dim3, args []Value) error {
	fn := m.prog.Function(entry)
	if fn == nil || !fn.Entry {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entry)
	}
	if !grid.valid() || !blk.valid() {
		return fmt.Errorf("%w: grid %v block %v", ErrLaunchShape, grid, blk)
	}
	if n := blk.Count(); n > m.cfg.MaxThreadsPerBlock {
		return fmt.Errorf("%w: %d threads per block exceeds %d", ErrLaunchShape, n, m.cfg.MaxThreadsPerBlock)
	}
	want := 0
	for _, p := range fn.Params {
		if !p.Thread {
			want++
		}
	}
	if len(args) != want {
		return fmt.Errorf("%w: %s takes %d, got %d", ErrArgumentCount, entry, want, len(args))
	}

	l := &launch{
		m:      m,
		fn:     fn,
		grid:   grid,
		block:  blk,
		args:   args,
		table:  append([]*Region(nil), m.static...),
		ids:    make(map[*Region]uint64, len(m.static)+len(args)),
		shared: m.shared,
	}
	for i, r := range l.table[1:] {
		l.ids[r] = uint64(i + 1)
	}
	for _, a := range args {
		if r := a.Ref.R; r != nil {
			if _, ok := l.ids[r]; !ok {
				l.ids[r] = uint64(len(l.table))
				l.table = append(l.table, r)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for i := range grid.Count() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return l.runBlock(grid.at(i))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s: %w", entry, err)
	}
	return ctx.Err()
}

func (l *launch) runBlock(idx [3]int) error {
	b := &block{
		idx:    idx,
		table:  []*Region{nil},
		ids:    make(map[*Region]uint64, len(l.shared)),
		shared: make(map[*highast.Var]*Region, len(l.shared)),
	}
	for _, v := range l.shared {
		r := NewRegion(v.Name, image.SpaceShared, v.SharedLen*l.m.sizeOf(v.Type.Elem))
		b.shared[v] = r
		b.ids[r] = uint64(len(b.table))
		b.table = append(b.table, r)
	}

	n := l.block.Count()
	if !l.m.syncs[l.fn] {
		for i := range n {
			if err := l.newThread(b, i).runEntry(); err != nil {
				return err
			}
		}
		return nil
	}

	b.bar = newBarrier(n)
	errs := make(chan error, n)
	for i := range n {
		th := l.newThread(b, i)
		go func() {
			defer b.bar.leave()
			errs <- th.runEntry()
		}()
	}
	var first error
	for range n {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (l *launch) newThread(b *block, i int) *thread {
	return &thread{m: l.m, l: l, blk: b, tid: l.block.at(i)}
}
