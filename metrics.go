package xio

import "sync/atomic"

// Metrics tracks engine-level counters. A caller supplies an implementation
// via WithMetrics; an Engine built by New without WithMetrics uses
// noopMetrics so that instrumentation is always optional.
type Metrics interface {
	IncrementOpenAttempt()
	IncrementOpenOK()
	IncrementOpenError()
	IncrementClose()
	IncrementSend()
	IncrementSendError()
	IncrementIOError()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)

	GetOpenAttemptCount() int64
	GetOpenOKCount() int64
	GetOpenErrorCount() int64
	GetCloseCount() int64
	GetSendCount() int64
	GetSendErrorCount() int64
	GetIOErrorCount() int64
	GetBytesSent() int64
	GetBytesReceived() int64
}

// DefaultMetrics implements Metrics with atomic counters, safe to read from
// a goroutine other than the one driving DoWork.
type DefaultMetrics struct {
	openAttempts  int64
	openOK        int64
	openErrors    int64
	closes        int64
	sends         int64
	sendErrors    int64
	ioErrors      int64
	bytesSent     int64
	bytesReceived int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementOpenAttempt()        { atomic.AddInt64(&m.openAttempts, 1) }
func (m *DefaultMetrics) IncrementOpenOK()              { atomic.AddInt64(&m.openOK, 1) }
func (m *DefaultMetrics) IncrementOpenError()           { atomic.AddInt64(&m.openErrors, 1) }
func (m *DefaultMetrics) IncrementClose()               { atomic.AddInt64(&m.closes, 1) }
func (m *DefaultMetrics) IncrementSend()                { atomic.AddInt64(&m.sends, 1) }
func (m *DefaultMetrics) IncrementSendError()           { atomic.AddInt64(&m.sendErrors, 1) }
func (m *DefaultMetrics) IncrementIOError()             { atomic.AddInt64(&m.ioErrors, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)    { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) { atomic.AddInt64(&m.bytesReceived, n) }

func (m *DefaultMetrics) GetOpenAttemptCount() int64 { return atomic.LoadInt64(&m.openAttempts) }
func (m *DefaultMetrics) GetOpenOKCount() int64      { return atomic.LoadInt64(&m.openOK) }
func (m *DefaultMetrics) GetOpenErrorCount() int64   { return atomic.LoadInt64(&m.openErrors) }
func (m *DefaultMetrics) GetCloseCount() int64       { return atomic.LoadInt64(&m.closes) }
func (m *DefaultMetrics) GetSendCount() int64        { return atomic.LoadInt64(&m.sends) }
func (m *DefaultMetrics) GetSendErrorCount() int64   { return atomic.LoadInt64(&m.sendErrors) }
func (m *DefaultMetrics) GetIOErrorCount() int64     { return atomic.LoadInt64(&m.ioErrors) }
func (m *DefaultMetrics) GetBytesSent() int64        { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64    { return atomic.LoadInt64(&m.bytesReceived) }

// noopMetrics is the default Metrics used when no WithMetrics option is
// supplied. All methods are no-ops.
type noopMetrics struct{}

func (noopMetrics) IncrementOpenAttempt()         {}
func (noopMetrics) IncrementOpenOK()              {}
func (noopMetrics) IncrementOpenError()           {}
func (noopMetrics) IncrementClose()               {}
func (noopMetrics) IncrementSend()                {}
func (noopMetrics) IncrementSendError()           {}
func (noopMetrics) IncrementIOError()             {}
func (noopMetrics) IncrementBytesSent(int64)      {}
func (noopMetrics) IncrementBytesReceived(int64)  {}
func (noopMetrics) GetOpenAttemptCount() int64    { return 0 }
func (noopMetrics) GetOpenOKCount() int64         { return 0 }
func (noopMetrics) GetOpenErrorCount() int64      { return 0 }
func (noopMetrics) GetCloseCount() int64          { return 0 }
func (noopMetrics) GetSendCount() int64           { return 0 }
func (noopMetrics) GetSendErrorCount() int64      { return 0 }
func (noopMetrics) GetIOErrorCount() int64        { return 0 }
func (noopMetrics) GetBytesSent() int64           { return 0 }
func (noopMetrics) GetBytesReceived() int64       { return 0 }
