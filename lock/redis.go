package lock

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every lock key in the store.
const keyPrefix = "lock:"

// unlockScript compares the stored token with the caller's before deleting.
// Read-compare-delete must be one atomic script; split into GET then DEL it
// would race with expiry-and-reacquisition by another holder.
var unlockScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`)

// Client is the slice of redis.UniversalClient the lock needs. Narrowing it
// keeps the implementation fakeable in tests.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

var ErrNilClient = errors.New("lock: nil redis client")

// Redis hands out store-backed leases. Tokens are unique for the life of the
// process instance: a random instance id plus a per-acquisition sequence
// number.
type Redis struct {
	rdb        Client
	instanceID string
	seq        atomic.Uint64
}

var _ Locker = (*Redis)(nil)

func NewRedis(client Client) (*Redis, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: client, instanceID: uuid.NewString()}, nil
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	token := r.instanceID + "-" + strconv.FormatUint(r.seq.Add(1), 10)
	key := keyPrefix + name
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rdb: r.rdb, key: key, token: token}, true, nil
}

type redisLease struct {
	rdb   Client
	key   string
	token string
}

func (l *redisLease) Unlock(ctx context.Context) (bool, error) {
	n, err := unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
