package vm

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/chazu/kernelize/image"
)

// Region is a contiguous block of device memory. Multi-byte values are
// stored little-endian.
type Region struct {
	Name  string
	Space image.AddressSpace
	Data  []byte
}

// NewRegion allocates a zeroed region of size bytes.
func NewRegion(name string, space image.AddressSpace, size int) *Region {
	return &Region{Name: name, Space: space, Data: make([]byte, size)}
}

// Ref addresses a byte offset within a region. The zero Ref is null.
type Ref struct {
	R   *Region
	Off int
}

// IsNull reports whether r is the null pointer.
func (r Ref) IsNull() bool { return r.R == nil }

// add moves r by n bytes.
func (r Ref) add(n int) Ref { return Ref{r.R, r.Off + n} }

// Array descriptors occupy arraySlot bytes in memory: the encoded data
// pointer followed by the two extents and the row pitch as int32.
const arraySlot = 24

// Encoded pointers: two tag bits, a 22-bit region id and a 40-bit offset.
const (
	tagStatic uint64 = 0
	tagBlock  uint64 = 1
	tagFrame  uint64 = 2

	offBits = 40
	idBits  = 22
	offMask = 1<<offBits - 1
	idMask  = 1<<idBits - 1
)

func encodePointer(tag, id uint64, off int) uint64 {
	return tag<<(offBits+idBits) | (id&idMask)<<offBits | uint64(off)&offMask
}

func decodePointer(p uint64) (tag, id uint64, off int) {
	return p >> (offBits + idBits), (p >> offBits) & idMask, int(p & offMask)
}

// sizeOf returns the number of bytes a value of type t occupies.
func (m *Machine) sizeOf(t *image.Type) int {
	switch t.Kind {
	case image.KindArray:
		return arraySlot
	case image.KindNamed:
		if s := m.structs[t.Name]; s != nil {
			return s.Size
		}
		return 0
	}
	return t.ScalarSize()
}

// check faults unless n bytes at r are inside its region.
func (th *thread) check(r Ref, n int) []byte {
	if r.R == nil {
		th.fault(ErrNullPointer, "dereference of null")
	}
	if r.Off < 0 || r.Off+n > len(r.R.Data) {
		th.fault(ErrOutOfBounds, "access of %d bytes at %s+%d (size %d)", n, r.R.Name, r.Off, len(r.R.Data))
	}
	return r.R.Data[r.Off : r.Off+n]
}

func (th *thread) load(r Ref, t *image.Type) Value {
	return th.decode(th.check(r, th.m.sizeOf(t)), t)
}

func (th *thread) store(r Ref, t *image.Type, v Value) {
	th.encode(th.check(r, th.m.sizeOf(t)), t, v)
}

// decode reads a value of type t from b.
func (th *thread) decode(b []byte, t *image.Type) Value {
	le := binary.LittleEndian
	switch t.Kind {
	case image.KindBool, image.KindU8:
		return Value{I: int64(b[0])}
	case image.KindI8:
		return Value{I: int64(int8(b[0]))}
	case image.KindChar, image.KindU16:
		return Value{I: int64(le.Uint16(b))}
	case image.KindI16:
		return Value{I: int64(int16(le.Uint16(b)))}
	case image.KindU32:
		return Value{I: int64(le.Uint32(b))}
	case image.KindI32:
		return Value{I: int64(int32(le.Uint32(b)))}
	case image.KindI64, image.KindU64, image.KindNativeInt, image.KindNativeUint:
		return Value{I: int64(le.Uint64(b))}
	case image.KindF16:
		return Value{F: float64(float16.Frombits(le.Uint16(b)).Float32())}
	case image.KindF32:
		return Value{F: float64(math.Float32frombits(le.Uint32(b)))}
	case image.KindF64, image.KindDecimal:
		return Value{F: math.Float64frombits(le.Uint64(b))}
	case image.KindPointer, image.KindByRef:
		return Value{Ref: th.resolve(le.Uint64(b))}
	case image.KindArray:
		return Value{
			Ref:   th.resolve(le.Uint64(b)),
			Len:   [2]int{int(int32(le.Uint32(b[8:]))), int(int32(le.Uint32(b[12:])))},
			Pitch: int(int32(le.Uint32(b[16:]))),
		}
	case image.KindNamed:
		return Value{Agg: append([]byte(nil), b...)}
	}
	th.fault(ErrUnsupported, "load of %s", t)
	return Value{}
}

// encode writes v as a value of type t into b.
func (th *thread) encode(b []byte, t *image.Type, v Value) {
	le := binary.LittleEndian
	switch t.Kind {
	case image.KindBool:
		b[0] = 0
		if v.I != 0 {
			b[0] = 1
		}
	case image.KindI8, image.KindU8:
		b[0] = byte(v.I)
	case image.KindChar, image.KindI16, image.KindU16:
		le.PutUint16(b, uint16(v.I))
	case image.KindI32, image.KindU32:
		le.PutUint32(b, uint32(v.I))
	case image.KindI64, image.KindU64, image.KindNativeInt, image.KindNativeUint:
		le.PutUint64(b, uint64(v.I))
	case image.KindF16:
		le.PutUint16(b, float16.Fromfloat32(float32(v.F)).Bits())
	case image.KindF32:
		le.PutUint32(b, math.Float32bits(float32(v.F)))
	case image.KindF64, image.KindDecimal:
		le.PutUint64(b, math.Float64bits(v.F))
	case image.KindPointer, image.KindByRef:
		le.PutUint64(b, th.pointer(v.Ref))
	case image.KindArray:
		le.PutUint64(b, th.pointer(v.Ref))
		le.PutUint32(b[8:], uint32(v.Len[0]))
		le.PutUint32(b[12:], uint32(v.Len[1]))
		le.PutUint32(b[16:], uint32(v.Pitch))
		le.PutUint32(b[20:], 0)
	case image.KindNamed:
		if len(v.Agg) == 0 {
			clear(b)
		} else {
			copy(b, v.Agg)
		}
	default:
		th.fault(ErrUnsupported, "store of %s", t)
	}
}

// pointer encodes r for storage in memory.
func (th *thread) pointer(r Ref) uint64 {
	if r.R == nil {
		return 0
	}
	if id, ok := th.l.ids[r.R]; ok {
		return encodePointer(tagStatic, id, r.Off)
	}
	if th.blk != nil {
		if id, ok := th.blk.ids[r.R]; ok {
			return encodePointer(tagBlock, id, r.Off)
		}
	}
	for i := len(th.stack) - 1; i >= 0; i-- {
		if th.stack[i].mem == r.R {
			return encodePointer(tagFrame, uint64(i), r.Off)
		}
	}
	if i, ok := th.temps[r.R]; ok {
		return encodePointer(tagFrame, uint64(idMask-i), r.Off)
	}
	th.fault(ErrUnsupported, "pointer into %s cannot be stored", r.R.Name)
	return 0
}

// resolve decodes a stored pointer.
func (th *thread) resolve(p uint64) Ref {
	if p == 0 {
		return Ref{}
	}
	tag, id, off := decodePointer(p)
	switch tag {
	case tagStatic:
		if int(id) < len(th.l.table) {
			return Ref{th.l.table[id], off}
		}
	case tagBlock:
		if th.blk != nil && int(id) < len(th.blk.table) {
			return Ref{th.blk.table[id], off}
		}
	case tagFrame:
		if int(id) < len(th.stack) {
			return Ref{th.stack[id].mem, off}
		}
		for r, i := range th.temps {
			if uint64(idMask-i) == id {
				return Ref{r, off}
			}
		}
	}
	th.fault(ErrNullPointer, "dangling pointer %#x", p)
	return Ref{}
}
