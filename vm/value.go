package vm

import (
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/chazu/kernelize/image"
)

var (
	ErrOutOfBounds   = errors.New("index out of range")
	ErrNullPointer   = errors.New("null pointer dereference")
	ErrDivideByZero  = errors.New("integer divide by zero")
	ErrUnsupported   = errors.New("unsupported operation")
	ErrUnknownEntry  = errors.New("unknown entry point")
	ErrArgumentCount = errors.New("wrong number of arguments")
	ErrLaunchShape   = errors.New("invalid launch dimensions")
)

// Value is an evaluated operand. Integers and bools live in I, sign or
// zero extended according to their type; floating point and decimal
// values in F. Addresses use Ref; arrays add extents and a row pitch in
// elements. Struct values carry their bytes in Agg.
type Value struct {
	I     int64
	F     float64
	Ref   Ref
	Len   [2]int
	Pitch int
	Agg   []byte
}

// Int returns an integer argument.
func Int(v int64) Value { return Value{I: v} }

// Float returns a floating point argument.
func Float(v float64) Value { return Value{F: v} }

// Bool returns a boolean argument.
func Bool(v bool) Value { return boolValue(v) }

// Array returns a one-dimensional array argument over r holding n
// elements.
func Array(r *Region, n int) Value {
	return Value{Ref: Ref{R: r}, Len: [2]int{n, 0}}
}

// Array2D returns a row-major two-dimensional array argument. pitch is
// the distance between rows in elements.
func Array2D(r *Region, rows, cols, pitch int) Value {
	return Value{Ref: Ref{R: r}, Len: [2]int{rows, cols}, Pitch: pitch}
}

// Pointer returns an address argument.
func Pointer(r *Region, off int) Value { return Value{Ref: Ref{r, off}} }

// Struct returns a struct argument from its encoded bytes.
func Struct(b []byte) Value { return Value{Agg: b} }

func boolValue(b bool) Value {
	if b {
		return Value{I: 1}
	}
	return Value{}
}

// wrap truncates i to the width of integer type t.
func wrap(t *image.Type, i int64) int64 {
	switch t.Kind {
	case image.KindBool:
		if i != 0 {
			return 1
		}
		return 0
	case image.KindI8:
		return int64(int8(i))
	case image.KindU8:
		return int64(uint8(i))
	case image.KindI16:
		return int64(int16(i))
	case image.KindChar, image.KindU16:
		return int64(uint16(i))
	case image.KindI32:
		return int64(int32(i))
	case image.KindU32:
		return int64(uint32(i))
	}
	return i
}

// round rounds f to the precision of floating point type t.
func round(t *image.Type, f float64) float64 {
	switch t.Kind {
	case image.KindF32:
		return float64(float32(f))
	case image.KindF16:
		return float64(float16.Fromfloat32(float32(f)).Float32())
	}
	return f
}

// bits returns the width of integer type t.
func bits(t *image.Type) uint {
	switch t.Kind {
	case image.KindBool, image.KindI8, image.KindU8:
		return 8
	case image.KindChar, image.KindI16, image.KindU16:
		return 16
	case image.KindI32, image.KindU32:
		return 32
	}
	return 64
}

// unsigned reinterprets i as an unsigned value of the width of t.
func unsigned(t *image.Type, i int64) uint64 {
	if n := bits(t); n < 64 {
		return uint64(i) & (1<<n - 1)
	}
	return uint64(i)
}

// isFloating reports whether values of t are held in Value.F.
func isFloating(t *image.Type) bool {
	return t.IsFloat() || t.Kind == image.KindDecimal
}

// asFloat converts v of type t to float64.
func asFloat(t *image.Type, v Value) float64 {
	switch {
	case isFloating(t):
		return v.F
	case t.Kind == image.KindU64 || t.Kind == image.KindNativeUint:
		return float64(uint64(v.I))
	}
	return float64(v.I)
}

// asInt converts v of type t to an integer of type to, truncating
// floating point values toward zero.
func asInt(t, to *image.Type, v Value) int64 {
	if !isFloating(t) {
		if t.IsAddress() {
			return int64(v.Ref.Off)
		}
		return wrap(to, v.I)
	}
	f := math.Trunc(v.F)
	switch {
	case math.IsNaN(f):
		return 0
	case to.IsUnsigned() && f >= 0:
		if f >= math.MaxUint64 {
			return -1
		}
		return wrap(to, int64(uint64(f)))
	case f >= math.MaxInt64:
		return wrap(to, math.MaxInt64)
	case f <= math.MinInt64:
		return wrap(to, math.MinInt64)
	}
	return wrap(to, int64(f))
}

// fault aborts the running thread.
type fault struct{ err error }

func (th *thread) fault(err error, format string, args ...any) {
	panic(fault{fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))})
}
