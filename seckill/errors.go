package seckill

import "errors"

var (
	// Business rejections, surfaced verbatim to the caller.
	ErrNotStarted        = errors.New("seckill: sale has not started")
	ErrEnded             = errors.New("seckill: sale has ended")
	ErrInsufficientStock = errors.New("seckill: insufficient stock")
	ErrDuplicateOrder    = errors.New("seckill: duplicate purchase")
	ErrVoucherNotFound   = errors.New("seckill: voucher not found")

	// ErrOverloaded means the pending-order queue rejected the record;
	// the system is saturated and the caller should back off.
	ErrOverloaded = errors.New("seckill: system overloaded")
)
