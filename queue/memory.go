package queue

import (
	"context"
	"sync"
)

// Memory is a bounded in-process queue over a buffered channel. Orders held
// here do not survive a process crash; see queue/kafka for the durable
// variant.
type Memory struct {
	mu     sync.RWMutex
	ch     chan Order
	closed bool
}

var _ Queue = (*Memory)(nil)

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{ch: make(chan Order, capacity)}
}

func (m *Memory) Enqueue(_ context.Context, o Order) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- o:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (Order, error) {
	select {
	case o, ok := <-m.ch:
		if !ok {
			return Order{}, ErrClosed
		}
		return o, nil
	case <-ctx.Done():
		return Order{}, ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}

// Len reports the number of queued records (approximate under concurrency).
func (m *Memory) Len() int { return len(m.ch) }
