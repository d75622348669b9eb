// Package diag defines the translation-time error taxonomy shared by every
// pipeline stage.
package diag

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every *Error unwraps to exactly one of these.
var (
	ErrUnsupportedOpcode      = errors.New("unsupported opcode")
	ErrUnsupportedConstruct   = errors.New("unsupported construct")
	ErrIrreducibleControlFlow = errors.New("irreducible control flow")
)

// Kind categorizes translation errors.
type Kind string

const (
	UnsupportedOpcode      Kind = "UNSUPPORTED_OPCODE"
	UnsupportedConstruct   Kind = "UNSUPPORTED_CONSTRUCT"
	IrreducibleControlFlow Kind = "IRREDUCIBLE_CONTROL_FLOW"
)

// NoOffset marks an error that is not tied to one instruction.
const NoOffset = -1

// Error is a translation failure of one method, located by method id and
// bytecode offset.
type Error struct {
	Kind   Kind
	Method string // Owner::name(sig)
	Offset int    // bytecode offset, or NoOffset
	Msg    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: %s (at %s+%04X)", e.Kind, e.Msg, e.Method, e.Offset)
	}
	if e.Method != "" {
		return fmt.Sprintf("%s: %s (in %s)", e.Kind, e.Msg, e.Method)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap maps the kind onto its sentinel so callers can use errors.Is.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case UnsupportedOpcode:
		return ErrUnsupportedOpcode
	case UnsupportedConstruct:
		return ErrUnsupportedConstruct
	case IrreducibleControlFlow:
		return ErrIrreducibleControlFlow
	}
	return nil
}

// Opcode reports an instruction outside the translatable subset.
func Opcode(method string, offset int, format string, args ...interface{}) *Error {
	return &Error{Kind: UnsupportedOpcode, Method: method, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Construct reports a language feature with no kernel equivalent.
func Construct(method string, offset int, format string, args ...interface{}) *Error {
	return &Error{Kind: UnsupportedConstruct, Method: method, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Irreducible reports control flow that cannot be structured.
func Irreducible(method string, offset int, format string, args ...interface{}) *Error {
	return &Error{Kind: IrreducibleControlFlow, Method: method, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// List collects the errors of a batch in the order they were reported.
type List []*Error

// Error implements the error interface.
func (l List) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0], len(l)-1)
}

// Err returns l as an error, or nil when empty.
func (l List) Err() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

// Unwrap exposes every error to errors.Is and errors.As.
func (l List) Unwrap() []error {
	out := make([]error, len(l))
	for i, e := range l {
		out[i] = e
	}
	return out
}
