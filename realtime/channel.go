package realtime

import (
	"context"
	"sync"
)

// MessageChannel is a buffered, closable delivery queue for one connection.
type MessageChannel[T any] struct {
	channel chan T
	context context.Context
	closed  bool
	mu      sync.RWMutex
}

func NewMessageChannel[T any](ctx context.Context, bufferSize int) *MessageChannel[T] {
	return &MessageChannel[T]{
		channel: make(chan T, bufferSize),
		context: ctx,
	}
}

// TrySend buffers message without blocking. It reports false when the buffer
// is full or the channel is closed.
func (mc *MessageChannel[T]) TrySend(message T) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if mc.closed {
		return false
	}

	select {
	case mc.channel <- message:
		return true
	default:
		return false
	}
}

// Receive waits for the next message. It returns ErrConnectionClosed once the
// channel is closed and drained.
func (mc *MessageChannel[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case message, ok := <-mc.channel:
		if !ok {
			return zero, ErrConnectionClosed
		}
		return message, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-mc.context.Done():
		return zero, mc.context.Err()
	}
}

func (mc *MessageChannel[T]) Close() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.closed {
		mc.closed = true
		close(mc.channel)
	}
}
