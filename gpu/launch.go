package gpu

import (
	"fmt"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/codegen"
)

// Launch runs entry over grid blocks of block threads and waits for it.
// Arguments follow the entry's parameters: a *Buffer for each array or
// pointer parameter (nil for a null pointer), a []byte of the struct size
// for struct parameters, and a Go number for scalars.
func (d *Device) Launch(grid, block Dim3, entry string, args ...any) error {
	l, e, marshaled, err := d.prepare(grid, block, entry, args)
	if err != nil {
		return err
	}
	return d.run(func() error {
		return l.prog.Launch(d.ctx, e.Name, grid, block, marshaled)
	})
}

// LaunchAsync issues the launch on stream id. Argument buffers must stay
// allocated until the stream is synchronized.
func (d *Device) LaunchAsync(grid, block Dim3, entry string, id int, args ...any) error {
	l, e, marshaled, err := d.prepare(grid, block, entry, args)
	if err != nil {
		return err
	}
	return d.issue(id, func() error {
		return l.prog.Launch(d.ctx, e.Name, grid, block, marshaled)
	})
}

func (d *Device) prepare(grid, block Dim3, entry string, args []any) (loaded, codegen.Entry, []Arg, error) {
	if !grid.valid() || !block.valid() {
		return loaded{}, codegen.Entry{}, nil, fmt.Errorf("%w: grid %v block %v", ErrInvalidLaunch, grid, block)
	}
	if n, limit := block.Count(), d.props.MaxThreadsPerBlock; limit > 0 && n > limit {
		return loaded{}, codegen.Entry{}, nil, fmt.Errorf("%w: %d threads per block exceeds %d", ErrInvalidLaunch, n, limit)
	}
	l, e, err := d.entry(entry)
	if err != nil {
		return loaded{}, codegen.Entry{}, nil, err
	}
	if len(args) != len(e.Params) {
		return loaded{}, codegen.Entry{}, nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArgument, entry, len(e.Params), len(args))
	}
	out := make([]Arg, len(args))
	for i, p := range e.Params {
		a, err := d.marshal(l, p, args[i])
		if err != nil {
			return loaded{}, codegen.Entry{}, nil, fmt.Errorf("%s argument %d (%s): %w", entry, i, p.Name, err)
		}
		out[i] = a
	}
	log.Debugf("launch %s grid %v block %v", entry, grid, block)
	return l, e, out, nil
}

func (d *Device) marshal(l loaded, p codegen.Param, v any) (Arg, error) {
	t, err := image.ParseType(p.Type)
	if err != nil {
		return Arg{}, err
	}
	switch t.Kind {
	case image.KindArray:
		b, ok := v.(*Buffer)
		if !ok {
			return Arg{}, fmt.Errorf("%w: %T for %s", ErrInvalidArgument, v, t)
		}
		if err := b.live(); err != nil {
			return Arg{}, err
		}
		if !b.Elem.Equal(t.Elem) {
			return Arg{}, fmt.Errorf("%w: %s buffer for %s", ErrTypeMismatch, b.Elem, t)
		}
		if b.Rank() != max(t.Rank, 1) {
			return Arg{}, fmt.Errorf("%w: rank %d buffer for %s", ErrInvalidArgument, b.Rank(), t)
		}
		a := Arg{Type: t, Mem: b.mem, Len: [2]int{b.rows, b.cols}, Pitch: b.pitch}
		return a, nil
	case image.KindPointer, image.KindByRef:
		switch b := v.(type) {
		case nil:
			return Arg{Type: t}, nil
		case *Buffer:
			if b == nil {
				return Arg{Type: t}, nil
			}
			if err := b.live(); err != nil {
				return Arg{}, err
			}
			if !b.Elem.Equal(t.Elem) {
				return Arg{}, fmt.Errorf("%w: %s buffer for %s", ErrTypeMismatch, b.Elem, t)
			}
			return Arg{Type: t, Mem: b.mem, Len: [2]int{b.Len(), 0}}, nil
		}
		return Arg{}, fmt.Errorf("%w: %T for %s", ErrInvalidArgument, v, t)
	case image.KindNamed:
		raw, ok := v.([]byte)
		if !ok {
			return Arg{}, fmt.Errorf("%w: %T for %s", ErrInvalidArgument, v, t)
		}
		size, ok := l.prog.SizeOf(t.Name)
		if !ok {
			return Arg{}, fmt.Errorf("%w: %s", ErrUnknownType, t.Name)
		}
		if len(raw) != size {
			return Arg{}, fmt.Errorf("%w: %d bytes for %s of %d", ErrSizeMismatch, len(raw), t, size)
		}
		return Arg{Type: t, Bytes: append([]byte(nil), raw...)}, nil
	}
	b, err := scalarBytes(t, v)
	if err != nil {
		return Arg{}, err
	}
	return Arg{Type: t, Bytes: b}, nil
}
