package observability

import (
	"context"
	"sync/atomic"
)

// ChannelObserver forwards events onto a buffered channel without blocking
// the emitter. Events that do not fit in the buffer are dropped and counted.
type ChannelObserver struct {
	events  chan Event
	dropped atomic.Int64
}

// NewChannelObserver creates a ChannelObserver with the given buffer size.
func NewChannelObserver(bufferSize int) *ChannelObserver {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &ChannelObserver{events: make(chan Event, bufferSize)}
}

func (o *ChannelObserver) OnEvent(ctx context.Context, event Event) {
	select {
	case o.events <- event:
	default:
		o.dropped.Add(1)
	}
}

// Events exposes the receive side of the buffer.
func (o *ChannelObserver) Events() <-chan Event {
	return o.events
}

// Dropped reports how many events were discarded because the buffer was full.
func (o *ChannelObserver) Dropped() int64 {
	return o.dropped.Load()
}
