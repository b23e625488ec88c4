package xio

// Transport is the non-blocking byte-stream contract the engine drives.
// A concrete implementation wraps one real connection (a TLS socket, a
// store-and-forward relay, whatever). Every method is guaranteed to be
// called from the single goroutine driving the owning Engine's DoWork, and
// the engine guarantees buf is non-nil and in-range before calling Read or
// Write -- implementations do not need to re-check those.
type Transport interface {
	// Open attempts to progress the connect. It may be called repeatedly;
	// AsyncWaiting means "call again later". AsyncSuccess means the
	// transport is established. AsyncFailure is terminal for this attempt.
	// config is the EndpointConfig passed to New, handed back as an
	// opaque any; a concrete transport type-asserts it to the shape it
	// created itself.
	Open(config any) AsyncResult

	// Close is symmetric with Open. Terminal close is AsyncSuccess or
	// AsyncFailure; AsyncWaiting means "call again later".
	Close() AsyncResult

	// Read is non-blocking: it returns a positive count of bytes copied
	// into buf (<= len(buf)), 0 when no data is available, or
	// AsyncReadWriteFailure on unrecoverable error.
	Read(buf []byte) int

	// Write is non-blocking: it returns a positive count (<= len(buf))
	// actually written, 0 when the sink is temporarily full, or
	// AsyncReadWriteFailure on unrecoverable error. Transient "would
	// block" conditions must map to 0, never to failure.
	Write(buf []byte) int

	// Destroy releases all transport resources. Called exactly once, by
	// Engine.Close, after the engine no longer needs the transport.
	Destroy()
}

// EndpointConfig holds transport-family-specific options. The handle it
// wraps is opaque to the engine -- it is created by a concrete transport
// family (e.g. the Basic-TLS binder) and only ever touched by that same
// family's Transport implementation.
type EndpointConfig interface {
	// SetOption applies a single named option. Concrete implementations
	// report their own failures; the engine does not interpret name or
	// value.
	SetOption(name string, value any) error

	// RetrieveOptions returns an opaque option bag suitable for handing to
	// another instance of the same concrete config family, or an error if
	// the family does not support retrieval.
	RetrieveOptions() (any, error)

	// Destroy releases config resources. Called exactly once, by
	// Engine.Close.
	Destroy()
}
