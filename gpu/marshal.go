package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/x448/float16"

	"github.com/chazu/kernelize/image"
)

// putInt stores v in the little-endian layout of integer kind k.
func putInt(b []byte, k image.Kind, v int64) {
	le := binary.LittleEndian
	switch image.Prim(k).ScalarSize() {
	case 1:
		if k == image.KindBool && v != 0 {
			v = 1
		}
		b[0] = byte(v)
	case 2:
		le.PutUint16(b, uint16(v))
	case 4:
		le.PutUint32(b, uint32(v))
	default:
		le.PutUint64(b, uint64(v))
	}
}

// putFloat stores v in the layout of floating point or decimal kind k.
func putFloat(b []byte, k image.Kind, v float64) {
	le := binary.LittleEndian
	switch k {
	case image.KindF16:
		le.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case image.KindF32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	default:
		le.PutUint64(b, math.Float64bits(v))
	}
}

func getInt(b []byte, k image.Kind) int64 {
	le := binary.LittleEndian
	switch k {
	case image.KindI8:
		return int64(int8(b[0]))
	case image.KindBool, image.KindU8:
		return int64(b[0])
	case image.KindI16:
		return int64(int16(le.Uint16(b)))
	case image.KindChar, image.KindU16:
		return int64(le.Uint16(b))
	case image.KindI32:
		return int64(int32(le.Uint32(b)))
	case image.KindU32:
		return int64(le.Uint32(b))
	}
	return int64(le.Uint64(b))
}

func getFloat(b []byte, k image.Kind) float64 {
	le := binary.LittleEndian
	switch k {
	case image.KindF16:
		return float64(float16.Frombits(le.Uint16(b)).Float32())
	case image.KindF32:
		return float64(math.Float32frombits(le.Uint32(b)))
	}
	return math.Float64frombits(le.Uint64(b))
}

func isFloating(k image.Kind) bool {
	return k == image.KindF16 || k == image.KindF32 || k == image.KindF64 || k == image.KindDecimal
}

// scalarBytes encodes a Go value as a kernel scalar of type t. Integers
// convert to floating point parameters; floating point values never
// convert to integer parameters.
func scalarBytes(t *image.Type, v any) ([]byte, error) {
	b := make([]byte, t.ScalarSize())
	var (
		i     int64
		f     float64
		isInt bool
	)
	switch x := v.(type) {
	case bool:
		if t.Kind != image.KindBool {
			return nil, fmt.Errorf("%w: bool for %s", ErrInvalidArgument, t)
		}
		if x {
			b[0] = 1
		}
		return b, nil
	case int:
		i, isInt = int64(x), true
	case int8:
		i, isInt = int64(x), true
	case int16:
		i, isInt = int64(x), true
	case int32:
		i, isInt = int64(x), true
	case int64:
		i, isInt = x, true
	case uint:
		i, isInt = int64(x), true
	case uint8:
		i, isInt = int64(x), true
	case uint16:
		i, isInt = int64(x), true
	case uint32:
		i, isInt = int64(x), true
	case uint64:
		i, isInt = int64(x), true
	case float16.Float16:
		f = float64(x.Float32())
	case float32:
		f = float64(x)
	case float64:
		f = x
	case decimal.Decimal:
		f = x.InexactFloat64()
	default:
		return nil, fmt.Errorf("%w: %T for %s", ErrInvalidArgument, v, t)
	}
	switch {
	case isFloating(t.Kind):
		if isInt {
			f = float64(i)
		}
		putFloat(b, t.Kind, f)
	case t.IsInteger() && t.Kind != image.KindBool:
		if !isInt {
			return nil, fmt.Errorf("%w: %T for %s", ErrInvalidArgument, v, t)
		}
		putInt(b, t.Kind, i)
	default:
		return nil, fmt.Errorf("%w: %T for %s", ErrInvalidArgument, v, t)
	}
	return b, nil
}

// ---------------------------------------------------------------------------
// Host arrays
// ---------------------------------------------------------------------------

// hostLen returns the number of elements of type elem held by v, a slice
// or a staging buffer. Struct elements are exchanged as raw bytes.
func hostLen(v any, elem *image.Type, size int) (int, error) {
	mismatch := func() (int, error) {
		return 0, fmt.Errorf("%w: %T for %s elements", ErrTypeMismatch, v, elem)
	}
	k := elem.Kind
	switch s := v.(type) {
	case *StagingBuffer:
		if s.freed {
			return 0, fmt.Errorf("staging buffer: %w", ErrFreed)
		}
		if !s.Elem.Equal(elem) {
			return mismatch()
		}
		return s.n, nil
	case []byte:
		if k == image.KindNamed {
			if len(s)%size != 0 {
				return 0, fmt.Errorf("%w: %d bytes is not a whole number of %s", ErrSizeMismatch, len(s), elem)
			}
			return len(s) / size, nil
		}
		if k == image.KindU8 {
			return len(s), nil
		}
	case []int8:
		if k == image.KindI8 {
			return len(s), nil
		}
	case []int16:
		if k == image.KindI16 {
			return len(s), nil
		}
	case []uint16:
		if k == image.KindU16 || k == image.KindChar {
			return len(s), nil
		}
	case []int32:
		if k == image.KindI32 {
			return len(s), nil
		}
	case []uint32:
		if k == image.KindU32 {
			return len(s), nil
		}
	case []int64:
		if k == image.KindI64 || k == image.KindNativeInt {
			return len(s), nil
		}
	case []uint64:
		if k == image.KindU64 || k == image.KindNativeUint {
			return len(s), nil
		}
	case []int:
		if elem.IsInteger() && k != image.KindBool {
			return len(s), nil
		}
	case []bool:
		if k == image.KindBool {
			return len(s), nil
		}
	case []float16.Float16:
		if k == image.KindF16 {
			return len(s), nil
		}
	case []float32:
		if k == image.KindF32 {
			return len(s), nil
		}
	case []float64:
		if k == image.KindF64 || k == image.KindDecimal {
			return len(s), nil
		}
	case []decimal.Decimal:
		if k == image.KindDecimal || k == image.KindF64 {
			return len(s), nil
		}
	}
	return mismatch()
}

// encodeHost returns elements [off, off+count) of v in device layout.
// The caller has checked v with hostLen.
func encodeHost(v any, off, count int, elem *image.Type, size int) []byte {
	switch s := v.(type) {
	case *StagingBuffer:
		return append([]byte(nil), s.data[off*size:(off+count)*size]...)
	case []byte:
		return append([]byte(nil), s[off*size:(off+count)*size]...)
	case []int:
		b := make([]byte, count*size)
		for i, x := range s[off : off+count] {
			putInt(b[i*size:], elem.Kind, int64(x))
		}
		return b
	case []decimal.Decimal:
		b := make([]byte, count*size)
		for i, x := range s[off : off+count] {
			putFloat(b[i*size:], elem.Kind, x.InexactFloat64())
		}
		return b
	case []int8:
		return appendFixed(s[off : off+count])
	case []int16:
		return appendFixed(s[off : off+count])
	case []uint16:
		return appendFixed(s[off : off+count])
	case []int32:
		return appendFixed(s[off : off+count])
	case []uint32:
		return appendFixed(s[off : off+count])
	case []int64:
		return appendFixed(s[off : off+count])
	case []uint64:
		return appendFixed(s[off : off+count])
	case []bool:
		return appendFixed(s[off : off+count])
	case []float16.Float16:
		return appendFixed(s[off : off+count])
	case []float32:
		return appendFixed(s[off : off+count])
	case []float64:
		return appendFixed(s[off : off+count])
	}
	panic(fmt.Sprintf("gpu: unchecked host array %T", v))
}

// decodeHost stores b, count elements in device layout, into v starting
// at element off.
func decodeHost(v any, off, count int, elem *image.Type, size int, b []byte) error {
	switch s := v.(type) {
	case *StagingBuffer:
		copy(s.data[off*size:], b)
		return nil
	case []byte:
		copy(s[off*size:], b)
		return nil
	case []int:
		for i := range count {
			s[off+i] = int(getInt(b[i*size:], elem.Kind))
		}
		return nil
	case []decimal.Decimal:
		for i := range count {
			s[off+i] = decimal.NewFromFloat(getFloat(b[i*size:], elem.Kind))
		}
		return nil
	case []int8:
		return decodeFixed(b, s[off:off+count])
	case []int16:
		return decodeFixed(b, s[off:off+count])
	case []uint16:
		return decodeFixed(b, s[off:off+count])
	case []int32:
		return decodeFixed(b, s[off:off+count])
	case []uint32:
		return decodeFixed(b, s[off:off+count])
	case []int64:
		return decodeFixed(b, s[off:off+count])
	case []uint64:
		return decodeFixed(b, s[off:off+count])
	case []bool:
		return decodeFixed(b, s[off:off+count])
	case []float16.Float16:
		return decodeFixed(b, s[off:off+count])
	case []float32:
		return decodeFixed(b, s[off:off+count])
	case []float64:
		return decodeFixed(b, s[off:off+count])
	}
	return fmt.Errorf("%w: %T", ErrTypeMismatch, v)
}

func appendFixed[T any](s []T) []byte {
	b, err := binary.Append(nil, binary.LittleEndian, s)
	if err != nil {
		panic(err)
	}
	return b
}

func decodeFixed[T any](b []byte, s []T) error {
	_, err := binary.Decode(b, binary.LittleEndian, s)
	return err
}
