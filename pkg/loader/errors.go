package loader

import (
	"errors"
	"fmt"
)

// Loader errors. Every error returned by LoadObject wraps one of these
// (or an error from the VM's program loader).
var (
	ErrInvalidELF        = errors.New("invalid ELF file")
	ErrTooManySections   = errors.New("too many sections")
	ErrInvalidSection    = errors.New("invalid section")
	ErrNoTextSection     = errors.New("text section not found")
	ErrNoDataSection     = errors.New("data section not found")
	ErrInvalidRelocation = errors.New("invalid relocation")
	ErrFunctionNotFound  = errors.New("function not found")
)

// Error is a load failure. Its message is self-contained; Unwrap exposes the
// sentinel for errors.Is.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func errorf(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
