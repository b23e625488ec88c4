package xio

import (
	"fmt"
	"math"
)

// EnableWebSocketHeaderRewrite toggles a one-time rewrite of the first
// message sent after Open completes, inserting an "iothub-no-client-cert"
// query parameter into a websocket upgrade request. It mirrors a
// TLS-stack-specific workaround from the original C implementation (guarded
// there by a USE_NO_CERT_PARAM_HEADER build define reserved for Apple's
// SecureTransport) and is off by default because crypto/tls has no
// equivalent handshake quirk. A caller fronting a transport that does needs
// it can flip this at process start, before any Engine is constructed.
var EnableWebSocketHeaderRewrite = false

const (
	websocketHeaderStart        = "GET /$iothub/websocket"
	websocketHeaderNoCertParam  = "?iothub-no-client-cert=true"
)

// Engine drives a Transport and EndpointConfig pair through the
// closed/opening/open/closing/error lifecycle. It is not safe for
// concurrent use: every exported method is expected to be called from the
// single goroutine that also calls DoWork, matching the original adapter's
// single-threaded poll-loop contract.
type Engine struct {
	transport Transport
	config    EndpointConfig

	state State
	queue transmissionQueue

	onBytesReceived OnBytesReceived
	onIOError       OnIOError
	onOpenComplete  OnOpenComplete

	noMessagesYetSent bool

	cfg *engineConfig
}

// New allocates an Engine around transport and config. Both must be
// non-nil; New takes ownership of them and will call their Destroy methods
// from Close. It returns ErrNilArgument if either is nil.
func New(transport Transport, config EndpointConfig, opts ...Option) (*Engine, error) {
	if transport == nil || config == nil {
		return nil, ErrNilArgument
	}
	return &Engine{
		transport: transport,
		config:    config,
		state:     StateClosed,
		cfg:       applyOptions(opts),
	}, nil
}

// Close releases the Engine's resources. If the Engine is not already
// StateClosed, Close first runs the same internal shutdown DoWork would run
// from StateClosing, logging that Close was called out of turn -- the
// original xio_impl_destroy treats this as recoverable, not fatal.
func (e *Engine) Close() {
	if e.state != StateClosed {
		e.cfg.logger.Warn().Str("state", e.state.String()).Msg("xio: Close called while not closed")
		e.internalClose()
	}
	e.transport.Destroy()
	e.config.Destroy()
}

// OpenAsync begins the connect sequence. It returns immediately;
// onOpenComplete fires from a later DoWork call. Returns
// ErrNilArgument if any callback is nil, or ErrInvalidState if the Engine
// is not StateClosed.
func (e *Engine) OpenAsync(onOpenComplete OnOpenComplete, onBytesReceived OnBytesReceived, onIOError OnIOError) error {
	if onOpenComplete == nil || onBytesReceived == nil || onIOError == nil {
		return ErrNilArgument
	}
	if e.state != StateClosed {
		e.cfg.logger.Error().Str("state", e.state.String()).Msg("xio: OpenAsync requires StateClosed")
		return ErrInvalidState
	}

	e.noMessagesYetSent = true
	e.onBytesReceived = onBytesReceived
	e.onIOError = onIOError
	e.onOpenComplete = onOpenComplete

	e.state = StateOpening
	e.cfg.metrics.IncrementOpenAttempt()
	return nil
}

// CloseAsync runs internal_close once and then invokes onCloseComplete.
// If the transport's Close doesn't settle in that one call, internal_close
// leaves the Engine in StateClosing; a subsequent DoWork call resolves it
// (see the StateClosing case in DoWork), matching spec.md §4.4's dowork/
// CLOSING behavior. If the Engine is StateOpening, onOpenComplete fires
// first with OpenCancelled, before the connection is torn down.
func (e *Engine) CloseAsync(onCloseComplete OnCloseComplete) error {
	if onCloseComplete == nil {
		return ErrNilArgument
	}

	if e.state != StateOpen && e.state != StateError {
		e.cfg.logger.Info().Str("state", e.state.String()).Msg("xio: CloseAsync called outside open/error state")
	}

	if e.state == StateOpening {
		e.onOpenComplete(OpenCancelled)
	}

	e.internalClose()
	onCloseComplete()
	return nil
}

// SendAsync enqueues buf for transmission and runs the send pump once
// before returning; onSendComplete fires once the bytes have gone out (or
// failed to), either from that first attempt or from a later DoWork. Returns ErrNilArgument if buf or onSendComplete is nil,
// ErrMessageSize if len(buf) is 0 or >= math.MaxInt32, and ErrInvalidState
// if the Engine is not StateOpen.
func (e *Engine) SendAsync(buf []byte, onSendComplete OnSendComplete) error {
	if buf == nil || onSendComplete == nil {
		return ErrNilArgument
	}
	if len(buf) == 0 || len(buf) >= math.MaxInt32 {
		return ErrMessageSize
	}
	if e.state != StateOpen {
		e.cfg.logger.Error().Str("state", e.state.String()).Msg("xio: SendAsync without a prior successful open")
		return ErrInvalidState
	}

	if EnableWebSocketHeaderRewrite {
		buf = e.maybeRewriteWebSocketHeader(buf)
	} else {
		e.noMessagesYetSent = false
	}

	msg := &pendingMessage{
		bytes:          buf,
		size:           len(buf),
		unsentSize:     len(buf),
		onSendComplete: onSendComplete,
	}
	e.queue.pushBack(msg)

	e.doworkSend()
	return nil
}

// maybeRewriteWebSocketHeader implements the one-shot websocket-upgrade
// rewrite described by EnableWebSocketHeaderRewrite. It only fires on the
// very first message sent after Open, and only when that message holds the
// whole websocketHeaderStart prefix -- a shorter first message, or one with a
// different prefix, is left untouched. The rewrite builds a new buffer: the
// prefix, then websocketHeaderNoCertParam, then every remaining byte of the
// original, so the message grows by exactly len(websocketHeaderNoCertParam).
func (e *Engine) maybeRewriteWebSocketHeader(buf []byte) []byte {
	if !e.noMessagesYetSent {
		return buf
	}
	e.noMessagesYetSent = false

	start := len(websocketHeaderStart)
	if len(buf) < start {
		return buf
	}
	if string(buf[:start]) != websocketHeaderStart {
		return buf
	}

	rewritten := make([]byte, 0, len(buf)+len(websocketHeaderNoCertParam))
	rewritten = append(rewritten, buf[:start]...)
	rewritten = append(rewritten, websocketHeaderNoCertParam...)
	rewritten = append(rewritten, buf[start:]...)
	return rewritten
}

// DoWork advances the state machine by one step. The caller is expected to
// invoke it on a tight loop (its own poll loop, a ticker, whatever cadence
// fits); DoWork never blocks.
func (e *Engine) DoWork() {
	switch e.state {
	case StateClosed:
		// Waiting to be opened, nothing to do.
	case StateClosing:
		e.internalClose()
	case StateOpening:
		e.doworkPollOpen()
	case StateOpen:
		e.doworkRead()
		e.doworkSend()
	case StateError:
		// Nothing valid to do here but wait to be retried.
	default:
		e.cfg.logger.Error().Int("state", int(e.state)).Msg("xio: unexpected internal state")
	}
}

// SetOption delegates to the EndpointConfig supplied at construction.
func (e *Engine) SetOption(name string, value any) error {
	if name == "" || value == nil {
		return ErrNilArgument
	}
	if err := e.config.SetOption(name, value); err != nil {
		return fmt.Errorf("xio: SetOption %q: %w", name, err)
	}
	return nil
}

// RetrieveOptions delegates to the EndpointConfig supplied at construction.
func (e *Engine) RetrieveOptions() (any, error) {
	return e.config.RetrieveOptions()
}

// State reports the Engine's current lifecycle state, chiefly for tests and
// diagnostics.
func (e *Engine) State() State {
	return e.state
}

func (e *Engine) enterErrorState() {
	if e.state != StateError {
		e.state = StateError
		e.cfg.metrics.IncrementIOError()
		e.onIOError()
	}
}

func (e *Engine) enterOpenErrorState() {
	onOpenComplete := e.onOpenComplete
	e.enterErrorState()
	e.cfg.metrics.IncrementOpenError()
	onOpenComplete(OpenError)
}

// processAndDestroyHeadMessage pops the head of the queue, if any, and
// reports result on its completion callback. A SendError result also drives
// the Engine into StateError, matching the original adapter's coupling
// between a failed write and the overall connection health. It reports
// whether a message was present to remove.
func (e *Engine) processAndDestroyHeadMessage(result SendResult) bool {
	if result == SendError {
		e.enterErrorState()
	}

	head := e.queue.peekHead()
	if head == nil {
		return false
	}
	e.queue.popHead()
	head.onSendComplete(result)
	return true
}

func (e *Engine) internalClose() {
	closeResult := e.transport.Close()
	if closeResult == AsyncFailure {
		e.cfg.logger.Error().Msg("xio: transport close failed")
	}

	e.queue.drain(SendCancelled)

	e.onBytesReceived = nil
	e.onIOError = nil

	if closeResult == AsyncWaiting {
		e.state = StateClosing
	} else {
		e.state = StateClosed
		e.cfg.metrics.IncrementClose()
	}
	e.onOpenComplete = nil
}

func (e *Engine) doworkRead() {
	var buffer [recvBufferSize]byte

	for {
		n := e.transport.Read(buffer[:])
		if n > 0 {
			e.cfg.metrics.IncrementBytesReceived(int64(n))
			e.onBytesReceived(buffer[:n])
			continue
		}
		if n < 0 {
			e.cfg.logger.Info().Msg("xio: communications error while reading")
			e.enterErrorState()
		}
		break
	}
}

func (e *Engine) doworkSend() {
	head := e.queue.peekHead()
	if head == nil {
		return
	}

	n := e.transport.Write(head.unsent())
	switch {
	case n > 0:
		head.unsentSize -= n
		e.cfg.metrics.IncrementBytesSent(int64(n))
		if head.unsentSize == 0 {
			e.cfg.metrics.IncrementSend()
			e.processAndDestroyHeadMessage(SendOK)
		}
		// Partial write: leave the message at the head and retry on the
		// next DoWork pass.
	case n < 0:
		e.cfg.logger.Info().Msg("xio: unrecoverable error from transport write")
		e.cfg.metrics.IncrementSendError()
		e.processAndDestroyHeadMessage(SendError)
	}
}

func (e *Engine) doworkPollOpen() {
	switch e.transport.Open(e.config) {
	case AsyncSuccess:
		e.state = StateOpen
		e.cfg.metrics.IncrementOpenOK()
		e.onOpenComplete(OpenOK)
	case AsyncFailure:
		e.cfg.logger.Error().Msg("xio: transport open failed")
		e.enterOpenErrorState()
	case AsyncWaiting:
		// Remain in StateOpening.
	}
}
