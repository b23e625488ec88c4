package azuretransport

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atsika/xio"
)

// fakeConn is a minimal net.Conn test double standing in for a
// azuretransport.Conn, so Bridge's non-blocking translation can be tested
// without dialing a real Azure Storage backend.
type fakeConn struct {
	readCh  chan []byte
	readErr error

	writes   chan []byte
	writeErr error

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh: make(chan []byte, 8),
		writes: make(chan []byte, 8),
	}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	buf, ok := <-c.readCh
	if !ok {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	n := copy(p, buf)
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	cp := append([]byte(nil), p...)
	c.writes <- cp
	return len(p), nil
}

func (c *fakeConn) Close() error                       { c.closeOnce.Do(func() { close(c.readCh) }); return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return nil }
func (c *fakeConn) RemoteAddr() net.Addr               { return nil }
func (c *fakeConn) SetDeadline(time.Time) error        { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error    { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error   { return nil }

func newOpenBridge() (*Bridge, *fakeConn) {
	b := NewBridge()
	fc := newFakeConn()
	b.conn = fc
	close(b.dialDone)
	go b.readLoop()
	return b, fc
}

func TestBridgeOpenWaitsForDial(t *testing.T) {
	b := NewBridge()
	cfg := NewBridgeConfig("azblob", "https://example.blob.core.windows.net/")

	// dialStarted flips true and a background dial begins; the azblob
	// scheme is registered, but the endpoint carries no credentials or SAS
	// and nothing answers the handshake, so the dial ends in failure. The
	// first call (before dialDone closes) must report AsyncWaiting, never
	// a premature success or failure.
	result := b.Open(cfg)
	assert.Equal(t, xio.AsyncWaiting, result)

	<-b.dialDone
	assert.Equal(t, xio.AsyncFailure, b.Open(cfg))
}

func TestBridgeOpenRejectsWrongConfigType(t *testing.T) {
	b := NewBridge()
	assert.Equal(t, xio.AsyncFailure, b.Open("not a *BridgeConfig"))
}

func TestBridgeReadDeliversBufferedData(t *testing.T) {
	b, fc := newOpenBridge()
	defer b.Destroy()

	fc.readCh <- []byte("hello")

	buf := make([]byte, 16)
	var n int
	require.Eventually(t, func() bool {
		n = b.Read(buf)
		return n > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestBridgeReadReturnsZeroWhenEmpty(t *testing.T) {
	b, _ := newOpenBridge()
	defer b.Destroy()

	assert.Equal(t, 0, b.Read(make([]byte, 16)))
}

func TestBridgeReadSplitsAcrossSmallBuffers(t *testing.T) {
	b, fc := newOpenBridge()
	defer b.Destroy()

	fc.readCh <- []byte("0123456789")

	first := make([]byte, 4)
	var n int
	require.Eventually(t, func() bool {
		n = b.Read(first)
		return n > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "0123", string(first[:n]))

	second := make([]byte, 16)
	n = b.Read(second)
	assert.Equal(t, "456789", string(second[:n]))
}

func TestBridgeWriteReportsZeroUntilComplete(t *testing.T) {
	b, fc := newOpenBridge()
	defer b.Destroy()

	n := b.Write([]byte("payload"))
	assert.Equal(t, 0, n)

	var got []byte
	require.Eventually(t, func() bool {
		select {
		case got = <-fc.writes:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.Equal(t, "payload", string(got))

	require.Eventually(t, func() bool {
		n = b.Write([]byte("payload"))
		return n == len("payload")
	}, time.Second, time.Millisecond)
}

func TestBridgeWriteFailurePropagates(t *testing.T) {
	b, fc := newOpenBridge()
	defer b.Destroy()
	fc.writeErr = errors.New("write failed")

	b.Write([]byte("x"))
	require.Eventually(t, func() bool {
		return b.Write([]byte("x")) == xio.AsyncReadWriteFailure
	}, time.Second, time.Millisecond)
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	b, _ := newOpenBridge()
	assert.Equal(t, xio.AsyncSuccess, b.Close())
	assert.NotPanics(t, func() { b.Destroy() })
}
