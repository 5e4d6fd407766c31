// Package pgstore implements the pipeline's durable collaborators
// (seckill.OrderStore, seckill.VoucherSource) over Postgres via pgx.
package pgstore

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hvarn/spike"
	"github.com/hvarn/spike/queue"
	"github.com/hvarn/spike/seckill"
)

// Schema is the minimal DDL the store expects. The unique index on
// (user_id, voucher_id) is the authoritative one-order-per-user guarantee.
const Schema = `
CREATE TABLE IF NOT EXISTS seckill_vouchers (
    voucher_id BIGINT PRIMARY KEY,
    stock      INT NOT NULL CHECK (stock >= 0),
    begin_time TIMESTAMPTZ NOT NULL,
    end_time   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS voucher_orders (
    id         BIGINT PRIMARY KEY,
    user_id    BIGINT NOT NULL,
    voucher_id BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (user_id, voucher_id)
);
`

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ seckill.OrderStore    = (*Store)(nil)
	_ seckill.VoucherSource = (*Store)(nil)
)

func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool; the caller keeps ownership.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

// Persist re-checks the one-order-per-user constraint against the durable
// store, decrements stock guarded by stock > 0, and inserts the order, all in
// one transaction. The cache-level marker admitted this record earlier; this
// is the authoritative check that closes the window between the two stores.
func (s *Store) Persist(ctx context.Context, o queue.Order) (seckill.PersistStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return seckill.StatusUnknown, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var n int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM voucher_orders WHERE user_id = $1 AND voucher_id = $2`,
		o.UserID, o.VoucherID,
	).Scan(&n)
	if err != nil {
		return seckill.StatusUnknown, err
	}
	if n > 0 {
		return seckill.AlreadyExists, nil
	}

	ct, err := tx.Exec(ctx,
		`UPDATE seckill_vouchers SET stock = stock - 1 WHERE voucher_id = $1 AND stock > 0`,
		o.VoucherID,
	)
	if err != nil {
		return seckill.StatusUnknown, err
	}
	if ct.RowsAffected() == 0 {
		return seckill.OutOfStock, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO voucher_orders (id, user_id, voucher_id, created_at) VALUES ($1, $2, $3, $4)`,
		o.ID, o.UserID, o.VoucherID, o.CreatedAt,
	)
	if err != nil {
		// a competing writer beat us past the count check; the unique index
		// settles it
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return seckill.AlreadyExists, nil
		}
		return seckill.StatusUnknown, err
	}

	if err := tx.Commit(ctx); err != nil {
		return seckill.StatusUnknown, err
	}
	tx = nil
	return seckill.Persisted, nil
}

func (s *Store) Voucher(ctx context.Context, id int64) (seckill.Voucher, bool, error) {
	var v seckill.Voucher
	err := s.pool.QueryRow(ctx,
		`SELECT voucher_id, stock, begin_time, end_time FROM seckill_vouchers WHERE voucher_id = $1`,
		id,
	).Scan(&v.ID, &v.Stock, &v.BeginTime, &v.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return seckill.Voucher{}, false, nil
	}
	if err != nil {
		return seckill.Voucher{}, false, err
	}
	return v, true, nil
}

// VoucherLoader adapts the store to the cache's loader contract, for use with
// spike.Cache[seckill.Voucher] and seckill.CachedVouchers.
func (s *Store) VoucherLoader() spike.LoaderFunc[seckill.Voucher] {
	return func(ctx context.Context, id string) (seckill.Voucher, bool, error) {
		vid, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return seckill.Voucher{}, false, nil // malformed id cannot exist
		}
		return s.Voucher(ctx, vid)
	}
}
