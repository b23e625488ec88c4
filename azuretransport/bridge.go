package azuretransport

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/atsika/xio"
)

// BridgeConfig is the xio.EndpointConfig for a Bridge: the network/address
// pair Dial needs plus any functional Options layered on afterward via
// SetOption. It is intentionally separate from Bridge itself, mirroring how
// the Basic-TLS binder's TLSConfig is handed to Open rather than baked into
// the transport at construction.
type BridgeConfig struct {
	Network string
	Address string

	mu   sync.Mutex
	opts []Option
}

// NewBridgeConfig builds a BridgeConfig for Dial(network, address, opts...).
func NewBridgeConfig(network, address string, opts ...Option) *BridgeConfig {
	return &BridgeConfig{Network: network, Address: address, opts: opts}
}

// SetOption maps a handful of named options onto the underlying functional
// Options: "FastPoll", "DataPoll", and "IdleTimeout" each take a
// time.Duration.
func (c *BridgeConfig) SetOption(name string, value any) error {
	d, ok := value.(time.Duration)
	if !ok {
		return fmt.Errorf("%w: %s wants time.Duration", ErrInvalidConfig, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case "FastPoll":
		c.opts = append(c.opts, WithFastPoll(d))
	case "DataPoll":
		c.opts = append(c.opts, WithDataPoll(d))
	case "IdleTimeout":
		c.opts = append(c.opts, WithIdleTimeout(d))
	default:
		return fmt.Errorf("%w: unknown option %q", ErrInvalidConfig, name)
	}
	return nil
}

// RetrieveOptions returns a copy of the accumulated Options slice.
func (c *BridgeConfig) RetrieveOptions() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Option(nil), c.opts...), nil
}

// Destroy is a no-op: BridgeConfig owns no resources of its own.
func (c *BridgeConfig) Destroy() {}

// Bridge adapts a Conn (a blocking net.Conn relaying bytes over an Azure
// Storage backend) into xio.Transport's non-blocking contract. Unlike the
// Basic-TLS binder's deadline trick, Bridge cannot rely on
// SetReadDeadline(time.Now()) to interrupt a stuck call: Conn.Read may
// legitimately block for up to a full adaptive-poll interval waiting on the
// next Storage list/peek call, which is too long to stall the single
// goroutine driving Engine.DoWork. Instead a background goroutine owns the
// blocking Read loop and a buffered channel hands completed reads back to
// DoWork's non-blocking Read; writes follow the same one-in-flight pattern.
type Bridge struct {
	mu   sync.Mutex
	conn net.Conn

	dialStarted bool
	dialDone    chan struct{}
	dialErr     error

	stopOnce sync.Once
	stopCh   chan struct{}

	readCh   chan readResult
	leftover bytes.Buffer

	writing *writeState
}

type readResult struct {
	buf []byte
	err error
}

type writeState struct {
	done chan struct{}
	n    int
	err  error
}

// NewBridge returns an unopened Bridge. Dialing happens lazily, driven by
// repeated Open calls, so that construction never blocks.
func NewBridge() *Bridge {
	return &Bridge{
		dialDone: make(chan struct{}),
		stopCh:   make(chan struct{}),
		readCh:   make(chan readResult, 8),
	}
}

func (b *Bridge) Open(config any) xio.AsyncResult {
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return xio.AsyncSuccess
	}

	if !b.dialStarted {
		cfg, ok := config.(*BridgeConfig)
		if !ok || cfg == nil {
			b.mu.Unlock()
			return xio.AsyncFailure
		}
		b.dialStarted = true
		opts, _ := cfg.RetrieveOptions()
		optSlice, _ := opts.([]Option)
		go b.dial(cfg.Network, cfg.Address, optSlice)
	}
	b.mu.Unlock()

	select {
	case <-b.dialDone:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.dialErr != nil {
			return xio.AsyncFailure
		}
		go b.readLoop()
		return xio.AsyncSuccess
	default:
		return xio.AsyncWaiting
	}
}

func (b *Bridge) dial(network, address string, opts []Option) {
	conn, err := Dial(network, address, opts...)
	b.mu.Lock()
	b.conn = conn
	b.dialErr = err
	b.mu.Unlock()
	close(b.dialDone)
}

func (b *Bridge) Close() xio.AsyncResult {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return xio.AsyncSuccess
	}
	if err := conn.Close(); err != nil {
		return xio.AsyncFailure
	}
	return xio.AsyncSuccess
}

func (b *Bridge) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leftover.Len() > 0 {
		n, _ := b.leftover.Read(p)
		return n
	}

	select {
	case msg := <-b.readCh:
		if msg.err != nil {
			if msg.err == io.EOF {
				return 0
			}
			return xio.AsyncReadWriteFailure
		}
		n := copy(p, msg.buf)
		if n < len(msg.buf) {
			b.leftover.Write(msg.buf[n:])
		}
		return n
	default:
		return 0
	}
}

func (b *Bridge) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := b.conn.Read(buf)
		msg := readResult{err: err}
		if n > 0 {
			msg.buf = append([]byte(nil), buf[:n]...)
		}
		select {
		case b.readCh <- msg:
		case <-b.stopCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writing != nil {
		select {
		case <-b.writing.done:
			n, err := b.writing.n, b.writing.err
			b.writing = nil
			if err != nil {
				return xio.AsyncReadWriteFailure
			}
			return n
		default:
			return 0
		}
	}

	cp := append([]byte(nil), p...)
	ws := &writeState{done: make(chan struct{})}
	b.writing = ws
	conn := b.conn
	go func() {
		n, err := conn.Write(cp)
		ws.n, ws.err = n, err
		close(ws.done)
	}()
	return 0
}

func (b *Bridge) Destroy() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
