package seckill

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/hvarn/spike"
	"github.com/hvarn/spike/queue"
)

const orderLockTTL = 10 * time.Second

// Run drains the pending-order queue and persists each record durably. It
// returns when ctx is cancelled or the queue is closed and empty.
//
// Run exactly one loop per queue: the single consumer totally orders durable
// writes, which makes the per-user lock taken below a defensive invariant
// rather than the sole correctness mechanism (a second replica draining a
// shared durable queue still cannot double-persist).
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		o, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient transport failure on a durable queue; pause and retry
			p.log.Error("pending-order dequeue failed", spike.Fields{"err": err})
			time.Sleep(time.Second)
			continue
		}
		// once dequeued the record must run to completion even if the loop's
		// ctx is being cancelled
		p.process(context.WithoutCancel(ctx), o)
	}
}

func (p *Pipeline) process(ctx context.Context, o queue.Order) {
	name := "order:" + strconv.FormatInt(o.UserID, 10)
	lease, ok, err := p.locks.TryLock(ctx, name, orderLockTTL)
	if err != nil {
		p.log.Error("order lock error; record dropped", spike.Fields{"order": o.ID, "err": err})
		return
	}
	if !ok {
		// another holder is persisting for this user right now; the marker
		// check in Persist would reject us anyway
		p.log.Warn("concurrent persistence for user; record dropped", spike.Fields{
			"order": o.ID, "user": o.UserID,
		})
		return
	}
	defer func() {
		if _, err := lease.Unlock(ctx); err != nil {
			p.log.Warn("order lock release failed", spike.Fields{"order": o.ID, "err": err})
		}
	}()

	status, err := p.store.Persist(ctx, o)
	if err != nil {
		p.log.Error("order persistence failed; record dropped", spike.Fields{
			"order": o.ID, "voucher": o.VoucherID, "user": o.UserID, "err": err,
		})
		return
	}
	switch status {
	case Persisted:
		p.log.Debug("order persisted", spike.Fields{"order": o.ID})
	case AlreadyExists:
		p.log.Warn("duplicate order dropped at persistence", spike.Fields{
			"order": o.ID, "voucher": o.VoucherID, "user": o.UserID,
		})
	case OutOfStock:
		// cached and durable stock diverged; the admission stands in the
		// cache but no durable order exists. Logged, not repaired.
		p.log.Error("durable stock exhausted after admission; record dropped", spike.Fields{
			"order": o.ID, "voucher": o.VoucherID, "user": o.UserID,
		})
	}
}
