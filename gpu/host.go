package gpu

import (
	"fmt"

	"github.com/chazu/kernelize/image"
)

// StagingBuffer is a host array in the device's element layout. Copies
// between staging buffers and device buffers move bytes without
// conversion.
type StagingBuffer struct {
	Elem *image.Type

	data  []byte
	size  int
	n     int
	freed bool
}

// Len returns the number of elements.
func (s *StagingBuffer) Len() int { return s.n }

// Bytes exposes the raw element data.
func (s *StagingBuffer) Bytes() []byte { return s.data }

// HostAllocate reserves a staging buffer of n elements of type elem.
func (d *Device) HostAllocate(elem string, n int) (*StagingBuffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d elements", ErrSizeMismatch, n)
	}
	t, size, err := d.elemType(elem)
	if err != nil {
		return nil, err
	}
	s := &StagingBuffer{Elem: t, data: make([]byte, n*size), size: size, n: n}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	d.staging[s] = struct{}{}
	return s, nil
}

// HostFree releases a staging buffer.
func (d *Device) HostFree(s *StagingBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s == nil || s.freed {
		return ErrFreed
	}
	s.freed = true
	s.data = nil
	delete(d.staging, s)
	return nil
}

// HostFreeAll releases every staging buffer of the device.
func (d *Device) HostFreeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.staging {
		s.freed = true
		s.data = nil
	}
	if len(d.staging) > 0 {
		log.Debugf("freed %d staging buffers on %s", len(d.staging), d.id)
	}
	d.staging = make(map[*StagingBuffer]struct{})
}

// CopyOnHost copies count elements between host arrays, at least one of
// which is a staging buffer whose element type fixes the conversion.
func (d *Device) CopyOnHost(dst any, dstOff int, src any, srcOff, count int) error {
	var s *StagingBuffer
	switch {
	case isStaging(dst):
		s = dst.(*StagingBuffer)
	case isStaging(src):
		s = src.(*StagingBuffer)
	default:
		return fmt.Errorf("%w: host copy needs a staging buffer, got %T and %T", ErrInvalidArgument, dst, src)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.freed {
		return ErrFreed
	}
	dn, err := hostLen(dst, s.Elem, s.size)
	if err != nil {
		return err
	}
	sn, err := hostLen(src, s.Elem, s.size)
	if err != nil {
		return err
	}
	if err := checkRange(sn, srcOff, dn, dstOff, count); err != nil {
		return err
	}
	return decodeHost(dst, dstOff, count, s.Elem, s.size, encodeHost(src, srcOff, count, s.Elem, s.size))
}

func isStaging(v any) bool {
	s, ok := v.(*StagingBuffer)
	return ok && s != nil
}
