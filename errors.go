package abikit

import "fmt"

// BufferTooShortError reports a parse that needed more bytes than the buffer
// holds. Path locates the failing field within the root type.
type BufferTooShortError struct {
	Path      string
	Requested uint64
	Available uint64
}

func (e *BufferTooShortError) Error() string {
	return fmt.Sprintf("buffer too short at %s: need %d bytes, have %d", e.Path, e.Requested, e.Available)
}

// UnknownDiscriminantError reports a discriminant or buffer size that matches
// no schema variant.
type UnknownDiscriminantError struct {
	Path  string
	Value uint64
}

func (e *UnknownDiscriminantError) Error() string {
	return fmt.Sprintf("unknown discriminant at %s: %d", e.Path, e.Value)
}
