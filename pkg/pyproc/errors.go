package pyproc

import "fmt"

// NullObjectError is returned by field accesses on a null object handle.
type NullObjectError struct {
	Addr uint64
}

func (e *NullObjectError) Error() string {
	return fmt.Sprintf("field access on null object at %#x", e.Addr)
}

// UnresolvedFieldError is returned when none of a field's candidate
// locations could be read from the target.
type UnresolvedFieldError struct {
	Struct string
	Field  string
	Cause  error
}

func (e *UnresolvedFieldError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("could not resolve field %s.%s: %v", e.Struct, e.Field, e.Cause)
	}
	return fmt.Sprintf("could not resolve field %s.%s", e.Struct, e.Field)
}

func (e *UnresolvedFieldError) Unwrap() error { return e.Cause }
