// Package queue carries accepted flash-sale orders from the admission path to
// the persistence worker. Memory is the default bounded in-process queue;
// queue/kafka is a durable drop-in for deployments that cannot afford to lose
// accepted orders on a crash.
package queue

import (
	"context"
	"errors"
	"time"
)

// Order is an accepted purchase awaiting durable persistence.
type Order struct {
	ID        int64     `json:"id"`
	VoucherID int64     `json:"voucher_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrFull signals backpressure: the queue is at capacity and the
	// submitter must fail fast instead of blocking.
	ErrFull = errors.New("queue: full")

	// ErrClosed is returned once the queue has been closed and drained.
	ErrClosed = errors.New("queue: closed")
)

type Queue interface {
	// Enqueue adds a pending order without blocking. Returns ErrFull when
	// the queue is at capacity and ErrClosed after Close.
	Enqueue(ctx context.Context, o Order) error

	// Dequeue blocks until an order is available, ctx is done, or the queue
	// is closed and fully drained.
	Dequeue(ctx context.Context) (Order, error)

	// Close stops intake. Records already queued remain dequeueable.
	Close() error
}
