package diag

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Unwrap(t *testing.T) {
	tests := []struct {
		err  *Error
		want error
	}{
		{Opcode("K::f()", 4, "newarr"), ErrUnsupportedOpcode},
		{Construct("K::f()", NoOffset, "recursion"), ErrUnsupportedConstruct},
		{Irreducible("K::f()", 0x10, "two entries"), ErrIrreducibleControlFlow},
	}
	for _, tc := range tests {
		wrapped := fmt.Errorf("translate: %w", tc.err)
		assert.True(t, errors.Is(wrapped, tc.want), "%v", tc.err)
		de, ok := As(wrapped)
		require.True(t, ok)
		assert.Equal(t, tc.err, de)
	}
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "UNSUPPORTED_OPCODE: newarr (at K::f()+0004)", Opcode("K::f()", 4, "newarr").Error())
	assert.Equal(t, "UNSUPPORTED_CONSTRUCT: recursion (in K::f())", Construct("K::f()", NoOffset, "recursion").Error())
}

func TestList(t *testing.T) {
	var l List
	assert.NoError(t, l.Err())

	l = append(l, Opcode("K::a()", 0, "box"), Irreducible("K::b()", 2, "loop"))
	err := l.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedOpcode))
	assert.True(t, errors.Is(err, ErrIrreducibleControlFlow))
	assert.False(t, errors.Is(err, ErrUnsupportedConstruct))
	assert.Contains(t, err.Error(), "and 1 more errors")
}
