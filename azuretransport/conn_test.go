package azuretransport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRawChannel fails WriteRaw a fixed number of times before succeeding,
// modeling a transient Azure Storage error (throttling, a dropped service
// connection) that the relay's store-and-forward retry should absorb.
type flakyRawChannel struct {
	failures  int
	writeErr  error
	writeDone []string
}

func (f *flakyRawChannel) WriteRaw(_ context.Context, data io.ReadSeeker) error {
	if f.failures > 0 {
		f.failures--
		return f.writeErr
	}
	buf, _ := io.ReadAll(data)
	f.writeDone = append(f.writeDone, string(buf))
	return nil
}
func (f *flakyRawChannel) ReadRaw(context.Context) (io.ReadCloser, error) { return nil, io.EOF }
func (f *flakyRawChannel) Close() error                                  { return nil }
func (f *flakyRawChannel) LocalAddr() net.Addr                           { return ServiceAddr{} }
func (f *flakyRawChannel) RemoteAddr() net.Addr                          { return ServiceAddr{} }
func (f *flakyRawChannel) MaxRawSize() int                               { return 64 * 1024 }

func newRetryTestConn(t *testing.T, ch *flakyRawChannel, retries int) (*Conn, *DefaultMetrics) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	metrics := NewDefaultMetrics()
	return &Conn{
		transport: ch,
		ctx:       ctx,
		cancel:    cancel,
		cfg: &Config{
			metrics:             metrics,
			storeForwardRetries: retries,
			storeForwardBackoff: time.Millisecond,
		},
	}, metrics
}

func TestWriteRawWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	ch := &flakyRawChannel{failures: 2, writeErr: errors.New("throttled")}
	c, metrics := newRetryTestConn(t, ch, 3)

	err := c.writeRawWithRetry([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []string{"payload"}, ch.writeDone)
	assert.Equal(t, int64(2), metrics.GetStoreForwardRetryCount())
}

func TestWriteRawWithRetryGivesUpAfterLimit(t *testing.T) {
	wantErr := errors.New("throttled")
	ch := &flakyRawChannel{failures: 5, writeErr: wantErr}
	c, metrics := newRetryTestConn(t, ch, 2)

	err := c.writeRawWithRetry([]byte("payload"))
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, int64(2), metrics.GetStoreForwardRetryCount())
}

func TestWriteRawWithRetryDisabledFailsImmediately(t *testing.T) {
	wantErr := errors.New("throttled")
	ch := &flakyRawChannel{failures: 1, writeErr: wantErr}
	c, metrics := newRetryTestConn(t, ch, 0)

	err := c.writeRawWithRetry([]byte("payload"))
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, int64(0), metrics.GetStoreForwardRetryCount())
}
