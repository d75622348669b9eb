package gpu

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/kernelize/image"
)

// Buffer is an array in device memory. Two-dimensional buffers are stored
// row-major with rows Pitch elements apart.
type Buffer struct {
	Elem *image.Type

	mem   Memory
	size  int
	rows  int
	cols  int
	pitch int
	freed atomic.Bool
}

// Len returns the number of elements.
func (b *Buffer) Len() int {
	if b.cols == 0 {
		return b.rows
	}
	return b.rows * b.cols
}

// Rank returns 1 or 2.
func (b *Buffer) Rank() int {
	if b.cols == 0 {
		return 1
	}
	return 2
}

// Shape returns the extents and the row pitch in elements. cols and pitch
// are zero for one-dimensional buffers.
func (b *Buffer) Shape() (rows, cols, pitch int) { return b.rows, b.cols, b.pitch }

// Bytes returns the allocated size.
func (b *Buffer) Bytes() int { return b.mem.Size() }

func (b *Buffer) live() error {
	if b == nil || b.freed.Load() {
		return ErrFreed
	}
	return nil
}

// span calls fn for each contiguous device range holding the logical
// elements [off, off+count). pos is the index of the first element of the
// range relative to off.
func (b *Buffer) span(off, count int, fn func(devOff, pos, n int) error) error {
	if b.cols == 0 {
		return fn(off*b.size, 0, count)
	}
	for pos := 0; pos < count; {
		i := off + pos
		row, col := i/b.cols, i%b.cols
		n := min(count-pos, b.cols-col)
		if err := fn((row*b.pitch+col)*b.size, pos, n); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func (b *Buffer) write(off int, data []byte) error {
	return b.span(off, len(data)/b.size, func(devOff, pos, n int) error {
		return b.mem.Write(devOff, data[pos*b.size:(pos+n)*b.size])
	})
}

func (b *Buffer) read(off, count int) ([]byte, error) {
	data := make([]byte, count*b.size)
	err := b.span(off, count, func(devOff, pos, n int) error {
		return b.mem.Read(devOff, data[pos*b.size:(pos+n)*b.size])
	})
	return data, err
}

// Allocate reserves n elements of type elem, an image type signature such
// as "f32" or a struct declared by a loaded module.
func (d *Device) Allocate(elem string, n int) (*Buffer, error) {
	return d.allocate(elem, n, 0)
}

// Allocate2D reserves a rows by cols array. Rows are padded to the
// device's pitch alignment.
func (d *Device) Allocate2D(elem string, rows, cols int) (*Buffer, error) {
	if cols <= 0 {
		return nil, fmt.Errorf("%w: %d columns", ErrSizeMismatch, cols)
	}
	return d.allocate(elem, rows, cols)
}

func (d *Device) allocate(elem string, rows, cols int) (*Buffer, error) {
	if rows <= 0 {
		return nil, fmt.Errorf("%w: %d elements", ErrSizeMismatch, rows)
	}
	t, size, err := d.elemType(elem)
	if err != nil {
		return nil, err
	}
	b := &Buffer{Elem: t, size: size, rows: rows, cols: cols}
	total := rows * size
	if cols > 0 {
		b.pitch = pitch(cols, size, d.props.PitchAlignment)
		total = rows * b.pitch * size
	}
	mem, err := d.backend.Alloc(total)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", total, err)
	}
	b.mem = mem
	d.mu.Lock()
	d.buffers[b] = struct{}{}
	d.mu.Unlock()
	return b, nil
}

// pitch returns the row pitch in elements for rows of cols elements of
// size bytes aligned to align bytes.
func pitch(cols, size, align int) int {
	if align <= 0 || align%size != 0 {
		return cols
	}
	row := cols * size
	return (row + align - 1) / align * align / size
}

// Free releases b.
func (d *Device) Free(b *Buffer) error {
	if b == nil || !b.freed.CompareAndSwap(false, true) {
		return ErrFreed
	}
	d.mu.Lock()
	delete(d.buffers, b)
	d.mu.Unlock()
	return b.mem.Free()
}

// FreeAll releases every buffer allocated on the device, including those
// another part of the program still refers to.
func (d *Device) FreeAll() {
	d.mu.Lock()
	all := d.buffers
	d.buffers = make(map[*Buffer]struct{})
	d.mu.Unlock()
	for b := range all {
		if b.freed.CompareAndSwap(false, true) {
			if err := b.mem.Free(); err != nil {
				log.Warningf("free: %v", err)
			}
		}
	}
	if len(all) > 0 {
		log.Infof("freed %d buffers on %s", len(all), d.id)
	}
}

// ---------------------------------------------------------------------------
// Transfers
// ---------------------------------------------------------------------------

// checkRange validates a transfer of count elements between a host array
// of n elements at hostOff and a device array of m elements at devOff.
func checkRange(n, hostOff, m, devOff, count int) error {
	if count < 0 || hostOff < 0 || devOff < 0 || hostOff+count > n || devOff+count > m {
		return fmt.Errorf("%w: %d elements at host %d of %d, device %d of %d", ErrSizeMismatch, count, hostOff, n, devOff, m)
	}
	return nil
}

// CopyToDevice copies count elements of src starting at srcOff into dst
// starting at dstOff. src is a slice matching the element type of dst, or
// a staging buffer. With smart copy enabled the copy returns once the data
// is staged.
func (d *Device) CopyToDevice(dst *Buffer, dstOff int, src any, srcOff, count int) error {
	data, err := d.stage(dst, dstOff, src, srcOff, count)
	if err != nil {
		return err
	}
	d.mu.Lock()
	smart := d.smart
	d.mu.Unlock()
	if smart != nil {
		smart.submit(func() error {
			if err := dst.live(); err != nil {
				return err
			}
			return dst.write(dstOff, data)
		})
		return nil
	}
	return d.run(func() error { return dst.write(dstOff, data) })
}

// CopyToDeviceAsync issues the copy on stream id. A slice source is read
// when the copy runs; the caller must not change it before synchronizing.
func (d *Device) CopyToDeviceAsync(dst *Buffer, dstOff int, src any, srcOff, count, id int) error {
	if _, err := d.check(dst, dstOff, src, srcOff, count); err != nil {
		return err
	}
	return d.issue(id, func() error {
		if err := dst.live(); err != nil {
			return err
		}
		return dst.write(dstOff, encodeHost(src, srcOff, count, dst.Elem, dst.size))
	})
}

// CopyFromDevice copies count elements of src starting at srcOff into dst
// starting at dstOff.
func (d *Device) CopyFromDevice(dst any, dstOff int, src *Buffer, srcOff, count int) error {
	if _, err := d.check(src, srcOff, dst, dstOff, count); err != nil {
		return err
	}
	return d.run(func() error { return d.download(dst, dstOff, src, srcOff, count) })
}

// CopyFromDeviceAsync issues the copy on stream id. dst holds the data
// once the stream is synchronized.
func (d *Device) CopyFromDeviceAsync(dst any, dstOff int, src *Buffer, srcOff, count, id int) error {
	if _, err := d.check(src, srcOff, dst, dstOff, count); err != nil {
		return err
	}
	return d.issue(id, func() error { return d.download(dst, dstOff, src, srcOff, count) })
}

// Upload copies all of src into the start of dst.
func (d *Device) Upload(dst *Buffer, src any) error {
	if err := dst.live(); err != nil {
		return err
	}
	n, err := hostLen(src, dst.Elem, dst.size)
	if err != nil {
		return err
	}
	return d.CopyToDevice(dst, 0, src, 0, n)
}

// Download copies the start of src into all of dst.
func (d *Device) Download(dst any, src *Buffer) error {
	if err := src.live(); err != nil {
		return err
	}
	n, err := hostLen(dst, src.Elem, src.size)
	if err != nil {
		return err
	}
	return d.CopyFromDevice(dst, 0, src, 0, n)
}

func (d *Device) download(dst any, dstOff int, src *Buffer, srcOff, count int) error {
	if err := src.live(); err != nil {
		return err
	}
	data, err := src.read(srcOff, count)
	if err != nil {
		return err
	}
	return decodeHost(dst, dstOff, count, src.Elem, src.size, data)
}

// check validates a transfer between buffer b at bOff and host array h at
// hOff, returning the length of h.
func (d *Device) check(b *Buffer, bOff int, h any, hOff, count int) (int, error) {
	if err := b.live(); err != nil {
		return 0, err
	}
	n, err := hostLen(h, b.Elem, b.size)
	if err != nil {
		return 0, err
	}
	return n, checkRange(n, hOff, b.Len(), bOff, count)
}

// stage validates a host to device copy and snapshots the source.
func (d *Device) stage(dst *Buffer, dstOff int, src any, srcOff, count int) ([]byte, error) {
	if _, err := d.check(dst, dstOff, src, srcOff, count); err != nil {
		return nil, err
	}
	return encodeHost(src, srcOff, count, dst.Elem, dst.size), nil
}

// ---------------------------------------------------------------------------
// Constant regions
// ---------------------------------------------------------------------------

// CopyToConstantMemory writes count elements of src starting at srcOff
// into the constant region name starting at element dstOff. The rest of
// the region is left as it was.
func (d *Device) CopyToConstantMemory(name string, src any, srcOff, dstOff, count int) error {
	mem, size, data, err := d.constantWrite(name, src, srcOff, dstOff, count)
	if err != nil {
		return err
	}
	return d.run(func() error { return mem.Write(dstOff*size, data) })
}

// CopyToConstantMemoryAsync issues the constant write on stream id.
func (d *Device) CopyToConstantMemoryAsync(name string, src any, srcOff, dstOff, count, id int) error {
	mem, size, data, err := d.constantWrite(name, src, srcOff, dstOff, count)
	if err != nil {
		return err
	}
	return d.issue(id, func() error { return mem.Write(dstOff*size, data) })
}

func (d *Device) constantWrite(name string, src any, srcOff, dstOff, count int) (Memory, int, []byte, error) {
	l, c, err := d.constant(name)
	if err != nil {
		return nil, 0, nil, err
	}
	elem, size, err := d.elemType(c.Elem)
	if err != nil {
		return nil, 0, nil, err
	}
	n, err := hostLen(src, elem, size)
	if err != nil {
		return nil, 0, nil, err
	}
	if err := checkRange(n, srcOff, max(c.Len, 1), dstOff, count); err != nil {
		return nil, 0, nil, fmt.Errorf("%s: %w", name, err)
	}
	mem, err := l.prog.Constant(name)
	if err != nil {
		return nil, 0, nil, err
	}
	return mem, size, encodeHost(src, srcOff, count, elem, size), nil
}
