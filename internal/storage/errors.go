package storage

import "errors"

var (
	// ErrMismatch is returned when an operation is attempted against a key
	// holding an incompatible value kind (e.g. INCR on a stream).
	ErrMismatch = errors.New("ERR value is not an integer or out of range")
	// ErrWrongType is returned when a stream-only operation targets a
	// non-stream key.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
)
