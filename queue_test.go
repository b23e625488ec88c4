package xio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransmissionQueueFIFOOrder(t *testing.T) {
	var q transmissionQueue
	assert.True(t, q.empty())

	var order []string
	q.pushBack(&pendingMessage{bytes: []byte("a"), size: 1, unsentSize: 1, onSendComplete: func(SendResult) { order = append(order, "a") }})
	q.pushBack(&pendingMessage{bytes: []byte("b"), size: 1, unsentSize: 1, onSendComplete: func(SendResult) { order = append(order, "b") }})

	assert.False(t, q.empty())
	assert.Equal(t, []byte("a"), q.peekHead().unsent())

	q.popHead()
	assert.Equal(t, []byte("b"), q.peekHead().unsent())

	q.popHead()
	assert.True(t, q.empty())
}

func TestPendingMessageUnsentTracksPartialSends(t *testing.T) {
	m := &pendingMessage{bytes: []byte("0123456789"), size: 10, unsentSize: 10}
	assert.Equal(t, []byte("0123456789"), m.unsent())

	m.unsentSize -= 4
	assert.Equal(t, []byte("456789"), m.unsent())

	m.unsentSize -= 6
	assert.Equal(t, []byte{}, m.unsent())
}

func TestTransmissionQueueDrainInvokesEveryCallback(t *testing.T) {
	var q transmissionQueue
	var results []SendResult
	for i := 0; i < 3; i++ {
		q.pushBack(&pendingMessage{
			bytes:          []byte("x"),
			size:           1,
			unsentSize:     1,
			onSendComplete: func(r SendResult) { results = append(results, r) },
		})
	}

	q.drain(SendCancelled)

	assert.True(t, q.empty())
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, SendCancelled, r)
	}
}

func TestTransmissionQueuePopHeadOnEmptyIsNoop(t *testing.T) {
	var q transmissionQueue
	assert.NotPanics(t, func() { q.popHead() })
	assert.Nil(t, q.peekHead())
}
