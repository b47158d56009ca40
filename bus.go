package chatsync

import (
	"context"
	"sync"
)

// Bus carries typed real-time events from a transport to an Engine. Any
// number of producers may publish; one consumer drains Events.
type Bus struct {
	ch   chan Event
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewBus creates a bus buffering up to size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBusSize
	}
	return &Bus{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Publish queues ev, blocking while the buffer is full. It fails with
// ErrClosed once the bus is closed, or with the context error.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Events returns the consumer side of the bus. It is closed by Close.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close stops the bus. Events already queued are still delivered.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
}
