// Package seckill runs a flash-sale purchase flow that never oversells and
// admits at most one order per user per voucher under heavy concurrent load.
//
// Admission is a single atomic Redis script over the cached stock counter and
// the per-voucher order set. Accepted purchases are answered optimistically
// with a freshly minted order id while a dedicated worker drains the pending
// queue and persists orders durably, re-checking both constraints against the
// authoritative store.
package seckill

import (
	"context"
	"strconv"
	"time"

	"github.com/hvarn/spike"
	"github.com/hvarn/spike/queue"
)

// Voucher is the sale definition the pipeline validates against.
type Voucher struct {
	ID        int64     `json:"id"`
	Stock     int       `json:"stock"`
	BeginTime time.Time `json:"begin_time"`
	EndTime   time.Time `json:"end_time"`
}

// PersistStatus is the outcome of a durable persistence attempt.
type PersistStatus int

const (
	// StatusUnknown is the zero value, only ever paired with a non-nil error.
	StatusUnknown PersistStatus = iota
	// Persisted: the order was written and durable stock decremented.
	Persisted
	// AlreadyExists: a durable order for (voucher, user) was already there;
	// the record is dropped.
	AlreadyExists
	// OutOfStock: durable stock was exhausted despite cache-level admission;
	// the record is dropped and the divergence logged.
	OutOfStock
)

func (s PersistStatus) String() string {
	switch s {
	case Persisted:
		return "persisted"
	case AlreadyExists:
		return "already_exists"
	case OutOfStock:
		return "out_of_stock"
	default:
		return "unknown"
	}
}

// OrderStore writes finalized orders to the authoritative store. Persist must
// be safe to call once per accepted record and idempotent across duplicates
// (a replayed record resolves to AlreadyExists, not a second order).
type OrderStore interface {
	Persist(ctx context.Context, o queue.Order) (PersistStatus, error)
}

// VoucherSource resolves voucher definitions, typically backed by the cache.
type VoucherSource interface {
	Voucher(ctx context.Context, id int64) (v Voucher, ok bool, err error)
}

// CachedVouchers adapts a spike.Cache to VoucherSource using the
// pass-through strategy, so repeated lookups of dead voucher ids never reach
// the underlying store.
type CachedVouchers struct {
	Cache spike.Cache[Voucher]
	Load  spike.LoaderFunc[Voucher]
	TTL   time.Duration
}

var _ VoucherSource = CachedVouchers{}

func (c CachedVouchers) Voucher(ctx context.Context, id int64) (Voucher, bool, error) {
	return c.Cache.GetWithPassThrough(ctx, strconv.FormatInt(id, 10), c.TTL, c.Load)
}
