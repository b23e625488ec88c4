package xio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scriptable xio.Transport test double, grounded on
// original_source/tests/xio_impl_ut/fake_endpoint.h's fake read/write
// counters: reads dole out a fixed byte sequence in buffer-sized chunks,
// writes accept up to a capped chunk size per call, and either can be told
// to fail on demand.
type fakeTransport struct {
	openResults []AsyncResult
	openCalls   int

	closeResult    AsyncResult
	closeResultSet bool

	readData  []byte
	readFail  bool
	readCalls int

	writeMax    int
	writeFail   bool
	writtenData []byte

	destroyed bool
}

func (f *fakeTransport) Open(any) AsyncResult {
	if f.openCalls < len(f.openResults) {
		r := f.openResults[f.openCalls]
		f.openCalls++
		return r
	}
	f.openCalls++
	return AsyncSuccess
}

func (f *fakeTransport) Close() AsyncResult {
	if f.closeResultSet {
		return f.closeResult
	}
	return AsyncSuccess
}

func (f *fakeTransport) Read(buf []byte) int {
	f.readCalls++
	if f.readFail {
		return AsyncReadWriteFailure
	}
	if len(f.readData) == 0 {
		return 0
	}
	n := copy(buf, f.readData)
	f.readData = f.readData[n:]
	return n
}

func (f *fakeTransport) Write(buf []byte) int {
	if f.writeFail {
		return AsyncReadWriteFailure
	}
	n := len(buf)
	if f.writeMax > 0 && n > f.writeMax {
		n = f.writeMax
	}
	f.writtenData = append(f.writtenData, buf[:n]...)
	return n
}

func (f *fakeTransport) Destroy() { f.destroyed = true }

// fakeEndpointConfig is a minimal xio.EndpointConfig test double.
type fakeEndpointConfig struct {
	opts      map[string]any
	destroyed bool
}

func newFakeEndpointConfig() *fakeEndpointConfig {
	return &fakeEndpointConfig{opts: make(map[string]any)}
}

func (c *fakeEndpointConfig) SetOption(name string, value any) error {
	c.opts[name] = value
	return nil
}

func (c *fakeEndpointConfig) RetrieveOptions() (any, error) {
	return c.opts, nil
}

func (c *fakeEndpointConfig) Destroy() { c.destroyed = true }

func newTestEngine(t *testing.T) (*Engine, *fakeTransport, *fakeEndpointConfig) {
	t.Helper()
	ft := &fakeTransport{}
	fc := newFakeEndpointConfig()
	e, err := New(ft, fc)
	require.NoError(t, err)
	return e, ft, fc
}

func openEngine(t *testing.T, e *Engine) (opened bool, result OpenResult) {
	t.Helper()
	err := e.OpenAsync(
		func(r OpenResult) { opened = true; result = r },
		func([]byte) {},
		func() {},
	)
	require.NoError(t, err)
	for !opened && e.State() == StateOpening {
		e.DoWork()
	}
	return opened, result
}

func TestNewRejectsNilArguments(t *testing.T) {
	_, err := New(nil, newFakeEndpointConfig())
	assert.ErrorIs(t, err, ErrNilArgument)

	_, err = New(&fakeTransport{}, nil)
	assert.ErrorIs(t, err, ErrNilArgument)
}

func TestOpenAsyncRequiresClosedState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	openEngine(t, e)
	assert.Equal(t, StateOpen, e.State())

	err := e.OpenAsync(func(OpenResult) {}, func([]byte) {}, func() {})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOpenAsyncRejectsNilCallbacks(t *testing.T) {
	e, _, _ := newTestEngine(t)
	err := e.OpenAsync(nil, func([]byte) {}, func() {})
	assert.ErrorIs(t, err, ErrNilArgument)
}

func TestDoWorkOpenWaitingThenSuccess(t *testing.T) {
	ft := &fakeTransport{openResults: []AsyncResult{AsyncWaiting, AsyncWaiting, AsyncSuccess}}
	fc := newFakeEndpointConfig()
	e, err := New(ft, fc)
	require.NoError(t, err)

	var opened bool
	var result OpenResult
	require.NoError(t, e.OpenAsync(
		func(r OpenResult) { opened = true; result = r },
		func([]byte) {},
		func() {},
	))

	e.DoWork()
	assert.False(t, opened)
	assert.Equal(t, StateOpening, e.State())

	e.DoWork()
	assert.False(t, opened)

	e.DoWork()
	assert.True(t, opened)
	assert.Equal(t, OpenOK, result)
	assert.Equal(t, StateOpen, e.State())
}

func TestDoWorkOpenFailureEntersErrorState(t *testing.T) {
	ft := &fakeTransport{openResults: []AsyncResult{AsyncFailure}}
	fc := newFakeEndpointConfig()
	e, err := New(ft, fc)
	require.NoError(t, err)

	var ioErrCalled bool
	var openResult OpenResult
	require.NoError(t, e.OpenAsync(
		func(r OpenResult) { openResult = r },
		func([]byte) {},
		func() { ioErrCalled = true },
	))

	e.DoWork()
	assert.Equal(t, OpenError, openResult)
	assert.True(t, ioErrCalled)
	assert.Equal(t, StateError, e.State())
}

func TestReceivePumpDeliversBytes(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	opened, _ := openEngine(t, e)
	require.True(t, opened)

	ft.readData = []byte("hello world")
	var received []byte
	e.onBytesReceived = func(buf []byte) { received = append(received, buf...) }

	e.DoWork()
	assert.Equal(t, "hello world", string(received))
}

func TestReceivePumpErrorEntersErrorState(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	opened, _ := openEngine(t, e)
	require.True(t, opened)

	ft.readFail = true
	var ioErr bool
	e.onIOError = func() { ioErr = true }

	e.DoWork()
	assert.True(t, ioErr)
	assert.Equal(t, StateError, e.State())
}

func TestSendAsyncRequiresOpenState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	err := e.SendAsync([]byte("x"), func(SendResult) {})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSendAsyncRejectsEmptyMessage(t *testing.T) {
	e, _, _ := newTestEngine(t)
	openEngine(t, e)

	err := e.SendAsync([]byte{}, func(SendResult) {})
	assert.ErrorIs(t, err, ErrMessageSize)
}

func TestSendAsyncDeliversCompleteOnFullWrite(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openEngine(t, e)

	var result SendResult
	var called bool
	err := e.SendAsync([]byte("payload"), func(r SendResult) { called = true; result = r })
	require.NoError(t, err)

	assert.True(t, called)
	assert.Equal(t, SendOK, result)
	assert.Equal(t, "payload", string(ft.writtenData))
}

func TestSendAsyncResumesPartialWrite(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openEngine(t, e)
	ft.writeMax = 3

	var called bool
	var result SendResult
	err := e.SendAsync([]byte("0123456789"), func(r SendResult) { called = true; result = r })
	require.NoError(t, err)
	assert.False(t, called)

	for i := 0; i < 3; i++ {
		e.DoWork()
	}
	assert.True(t, called)
	assert.Equal(t, SendOK, result)
	assert.Equal(t, "0123456789", string(ft.writtenData))
}

func TestSendAsyncWriteFailureEntersErrorState(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openEngine(t, e)
	ft.writeFail = true

	var result SendResult
	err := e.SendAsync([]byte("payload"), func(r SendResult) { result = r })
	require.NoError(t, err)

	assert.Equal(t, SendError, result)
	assert.Equal(t, StateError, e.State())
}

func TestCloseAsyncDrainsPendingMessages(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openEngine(t, e)
	ft.writeMax = 1 // force the message to remain pending

	var sendResult SendResult
	require.NoError(t, e.SendAsync([]byte("ab"), func(r SendResult) { sendResult = r }))

	var closed bool
	err := e.CloseAsync(func() { closed = true })
	require.NoError(t, err)

	assert.True(t, closed)
	assert.Equal(t, SendCancelled, sendResult)
	assert.Equal(t, StateClosed, e.State())
}

func TestCloseAsyncLeavesClosingStateForDoWork(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openEngine(t, e)
	ft.closeResultSet = true
	ft.closeResult = AsyncWaiting

	var closed bool
	require.NoError(t, e.CloseAsync(func() { closed = true }))
	assert.True(t, closed)
	assert.Equal(t, StateClosing, e.State())

	ft.closeResult = AsyncSuccess
	e.DoWork()
	assert.Equal(t, StateClosed, e.State())
}

func TestCloseAsyncCancelsPendingOpen(t *testing.T) {
	ft := &fakeTransport{openResults: []AsyncResult{AsyncWaiting}}
	fc := newFakeEndpointConfig()
	e, err := New(ft, fc)
	require.NoError(t, err)

	var openResult OpenResult
	require.NoError(t, e.OpenAsync(func(r OpenResult) { openResult = r }, func([]byte) {}, func() {}))
	e.DoWork()
	assert.Equal(t, StateOpening, e.State())

	var closed bool
	require.NoError(t, e.CloseAsync(func() { closed = true }))
	assert.True(t, closed)
	assert.Equal(t, OpenCancelled, openResult)
}

func TestCloseReleasesResources(t *testing.T) {
	e, ft, fc := newTestEngine(t)
	e.Close()
	assert.True(t, ft.destroyed)
	assert.True(t, fc.destroyed)
}

func TestSetOptionDelegatesToEndpointConfig(t *testing.T) {
	e, _, fc := newTestEngine(t)
	require.NoError(t, e.SetOption("foo", "bar"))
	assert.Equal(t, "bar", fc.opts["foo"])
}

func TestSetOptionRejectsNilValue(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.ErrorIs(t, e.SetOption("foo", nil), ErrNilArgument)
}

func TestWebSocketHeaderRewrite(t *testing.T) {
	EnableWebSocketHeaderRewrite = true
	defer func() { EnableWebSocketHeaderRewrite = false }()

	e, ft, _ := newTestEngine(t)
	openEngine(t, e)

	msg := websocketHeaderStart + " HTTP/1.1\r\n"
	require.NoError(t, e.SendAsync([]byte(msg), func(SendResult) {}))

	assert.Contains(t, string(ft.writtenData), websocketHeaderNoCertParam)

	ft.writtenData = nil
	require.NoError(t, e.SendAsync([]byte("second message"), func(SendResult) {}))
	assert.Equal(t, "second message", string(ft.writtenData))
}

func TestWebSocketHeaderRewriteSkipsShortBuffer(t *testing.T) {
	EnableWebSocketHeaderRewrite = true
	defer func() { EnableWebSocketHeaderRewrite = false }()

	e, ft, _ := newTestEngine(t)
	openEngine(t, e)

	require.NoError(t, e.SendAsync([]byte("GET"), func(SendResult) {}))
	assert.Equal(t, "GET", string(ft.writtenData))
}
