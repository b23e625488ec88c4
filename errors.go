package xio

import "errors"

var (
	// ErrNilArgument is returned when a required argument is nil.
	ErrNilArgument = errors.New("xio: required argument is nil")
	// ErrInvalidState is returned when an operation is attempted from a
	// state that does not permit it.
	ErrInvalidState = errors.New("xio: invalid state for this operation")
	// ErrMessageSize is returned when send_async is called with size == 0
	// or size >= math.MaxInt32.
	ErrMessageSize = errors.New("xio: invalid message size")
	// ErrAllocation is returned when the engine cannot allocate the
	// resources it needs to complete a call.
	ErrAllocation = errors.New("xio: allocation failed")
	// ErrAsyncReadWrite is the error value corresponding to a transport
	// read/write failure. Transport's Read/Write do not return it: they
	// return the int AsyncReadWriteFailure instead.
	ErrAsyncReadWrite = errors.New("xio: transport read/write failed")
	// ErrInvalidConfig is returned by concrete endpoint configs (e.g. the
	// Basic-TLS binder) when construction parameters are out of range.
	ErrInvalidConfig = errors.New("xio: invalid endpoint configuration")
)

// AsyncReadWriteFailure is the sentinel negative return value a Transport's
// Read/Write method returns to signal an unrecoverable error, in place of
// returning ErrAsyncReadWrite, so no error is allocated on every call.
const AsyncReadWriteFailure = -1
