package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hvarn/spike"
	"github.com/hvarn/spike/idgen"
	"github.com/hvarn/spike/lock"
	"github.com/hvarn/spike/queue"
)

// Client is the slice of redis.UniversalClient the pipeline needs.
type Client interface {
	redis.Scripter
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Options wire the pipeline's collaborators. Client, IDs, Locks, Queue and
// Store are required; Vouchers enables sale-window validation when set.
type Options struct {
	Client Client
	IDs    *idgen.Generator
	Locks  lock.Locker
	Queue  queue.Queue
	Store  OrderStore

	Vouchers VoucherSource // optional
	Logger   spike.Logger  // if nil, NopLogger is used
}

// Pipeline admits purchases atomically and persists accepted orders
// asynchronously. Construct with New, submit with Purchase, and run exactly
// one Run loop for the persistence stage.
type Pipeline struct {
	rdb      Client
	ids      *idgen.Generator
	locks    lock.Locker
	queue    queue.Queue
	store    OrderStore
	vouchers VoucherSource
	log      spike.Logger
	now      func() time.Time
}

func New(opts Options) (*Pipeline, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("seckill: client is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("seckill: id generator is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("seckill: locker is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("seckill: queue is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("seckill: order store is required")
	}

	p := &Pipeline{
		rdb:      opts.Client,
		ids:      opts.IDs,
		locks:    opts.Locks,
		queue:    opts.Queue,
		store:    opts.Store,
		vouchers: opts.Vouchers,
		now:      time.Now,
	}
	if opts.Logger != nil {
		p.log = opts.Logger
	} else {
		p.log = spike.NopLogger{}
	}
	return p, nil
}

// SeedStock writes the cached stock counter the admission script consults.
// Call when a voucher goes on sale, before any Purchase for it.
func (p *Pipeline) SeedStock(ctx context.Context, voucherID int64, stock int) error {
	return p.rdb.Set(ctx, StockKey(voucherID), stock, 0).Err()
}

// Purchase validates eligibility and stock in one atomic script execution
// and, when admitted, answers optimistically with a minted order id: stock
// and the duplicate check are final at return, durable persistence happens
// asynchronously in the Run loop.
func (p *Pipeline) Purchase(ctx context.Context, voucherID, userID int64) (int64, error) {
	if p.vouchers != nil {
		v, ok, err := p.vouchers.Voucher(ctx, voucherID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrVoucherNotFound
		}
		now := p.now()
		if now.Before(v.BeginTime) {
			return 0, ErrNotStarted
		}
		if now.After(v.EndTime) {
			return 0, ErrEnded
		}
	}

	res, err := purchaseScript.Run(ctx, p.rdb, []string{},
		strconv.FormatInt(voucherID, 10),
		strconv.FormatInt(userID, 10),
	).Int64()
	if err != nil {
		return 0, err
	}
	switch res {
	case scriptAccepted:
	case scriptInsufficient:
		return 0, ErrInsufficientStock
	case scriptDuplicateUser:
		return 0, ErrDuplicateOrder
	default:
		return 0, fmt.Errorf("seckill: unexpected script result %d", res)
	}

	orderID, err := p.ids.NextID(ctx, "order")
	if err != nil {
		// admission is already recorded in the store; without an id the
		// record cannot be queued
		p.log.Error("order id mint failed after admission", spike.Fields{
			"voucher": voucherID, "user": userID, "err": err,
		})
		return 0, err
	}

	o := queue.Order{
		ID:        orderID,
		VoucherID: voucherID,
		UserID:    userID,
		CreatedAt: p.now(),
	}
	if err := p.queue.Enqueue(ctx, o); err != nil {
		if errors.Is(err, queue.ErrFull) {
			p.log.Error("pending-order queue full; admitted purchase dropped", spike.Fields{
				"order": orderID, "voucher": voucherID, "user": userID,
			})
			return 0, ErrOverloaded
		}
		return 0, err
	}
	return orderID, nil
}
