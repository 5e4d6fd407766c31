// Package idgen mints globally unique, time-ordered 64-bit identifiers from a
// Redis counter. The high bits carry seconds since a fixed epoch, the low 32
// bits a per-bucket, per-day counter, so ids trend upward over calendar time
// and stay unique without coordination between processes.
package idgen

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// epoch is 2024-03-31T00:00:00Z. Leaves decades of headroom before the
	// seconds field crowds the counter bits.
	epoch = 1711843200

	counterBits = 32
)

// Client is the single redis operation the generator needs.
type Client interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

var ErrNilClient = errors.New("idgen: nil redis client")

type Generator struct {
	rdb Client
	now func() time.Time
}

func New(client Client) (*Generator, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &Generator{rdb: client, now: time.Now}, nil
}

// NextID returns the next identifier for bucket. The counter key embeds the
// calendar day, so counters restart daily without any reset logic and a
// midnight rollover can never reuse a value (the timestamp bits have already
// moved on).
func (g *Generator) NextID(ctx context.Context, bucket string) (int64, error) {
	now := g.now().UTC()
	seconds := now.Unix() - epoch

	day := now.Format("2006:01:02")
	count, err := g.rdb.Incr(ctx, "incr:"+bucket+":"+day).Result()
	if err != nil {
		return 0, err
	}
	return seconds<<counterBits | count, nil
}
