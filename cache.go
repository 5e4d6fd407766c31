package spike

import (
	"context"
	"fmt"
	"time"

	c "github.com/hvarn/spike/codec"
	"github.com/hvarn/spike/internal/wire"
	"github.com/hvarn/spike/lock"
	pr "github.com/hvarn/spike/provider"
)

const (
	defaultTTL      = 30 * time.Minute
	defaultNullTTL  = 2 * time.Minute
	defaultMutexTTL = 10 * time.Second

	defaultRebuildWorkers = 10
	defaultRebuildQueue   = 256
)

type cache[V any] struct {
	ns       string
	provider pr.Provider
	codec    c.Codec[V]
	mutex    lock.Locker
	log      Logger
	enabled  bool

	defaultTTL time.Duration
	nullTTL    time.Duration
	mutexTTL   time.Duration

	computeSetCost SetCostFunc
	rebuilds       *pool
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("spike: namespace is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("spike: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("spike: codec is required")
	}

	cc := &cache[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		enabled:  !opts.Disabled,
	}

	// defaults
	cc.log = coalesce[Logger](opts.Logger, NopLogger{})
	cc.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	cc.nullTTL = coalesce[time.Duration](opts.NullTTL, defaultNullTTL)
	cc.mutexTTL = coalesce[time.Duration](opts.MutexTTL, defaultMutexTTL)

	if opts.Mutex != nil {
		cc.mutex = opts.Mutex
	} else {
		cc.mutex = lock.NewLocal()
	}

	if opts.ComputeSetCost != nil {
		cc.computeSetCost = opts.ComputeSetCost
	} else {
		cc.computeSetCost = func(_ string, _ []byte) int64 { return 1 }
	}

	if cc.enabled {
		workers := coalesce[int](opts.RebuildWorkers, defaultRebuildWorkers)
		backlog := coalesce[int](opts.RebuildQueue, defaultRebuildQueue)
		cc.rebuilds = newPool(workers, backlog)
	}
	return cc, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

func (c *cache[V]) Close(ctx context.Context) error {
	if c.rebuilds != nil {
		c.rebuilds.close()
	}
	if c.provider != nil {
		return c.provider.Close(ctx)
	}
	return nil
}

func (c *cache[V]) Set(ctx context.Context, id string, value V, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	k := c.key(id)
	ok, err := c.provider.Set(ctx, k, payload, c.computeSetCost(k, payload), ttl)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug("Set rejected by provider (pressure)", Fields{"key": k})
	}
	return nil
}

// SetWithLogicalExpire stores value wrapped in an expiry envelope and no
// physical TTL. Readers decide freshness from the embedded timestamp, so a hot
// key never vanishes from the store while it is being rebuilt.
func (c *cache[V]) SetWithLogicalExpire(ctx context.Context, id string, value V, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	env := wire.EncodeEnvelope(time.Now().Add(ttl).UnixNano(), payload)
	k := c.key(id)
	ok, err := c.provider.Set(ctx, k, env, c.computeSetCost(k, env), 0)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug("SetWithLogicalExpire rejected by provider (pressure)", Fields{"key": k})
	}
	return nil
}

func (c *cache[V]) GetWithPassThrough(ctx context.Context, id string, ttl time.Duration, load LoaderFunc[V]) (V, bool, error) {
	var zero V
	if load == nil {
		return zero, false, fmt.Errorf("spike: nil loader")
	}
	if !c.enabled {
		return load(ctx, id)
	}

	k := c.key(id)
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil {
		return zero, false, err
	}
	if ok {
		// Empty value is the cached "not found" marker: absorb the lookup
		// without touching the source of truth.
		if len(raw) == 0 {
			return zero, false, nil
		}
		v, err := c.codec.Decode(raw)
		if err == nil {
			return v, true, nil
		}
		_ = c.provider.Del(ctx, k) // self-heal corrupt, then fall through to loader
	}

	v, found, err := load(ctx, id)
	if err != nil {
		return zero, false, err
	}
	if !found {
		if _, err := c.provider.Set(ctx, k, []byte{}, c.computeSetCost(k, nil), c.nullTTL); err != nil {
			c.log.Warn("null-marker write failed", Fields{"key": k, "err": err})
		}
		return zero, false, nil
	}
	if err := c.Set(ctx, id, v, ttl); err != nil {
		// the loaded value is still authoritative; a failed repopulation only
		// costs the next reader another load
		c.log.Warn("cache repopulation failed", Fields{"key": k, "err": err})
	}
	return v, true, nil
}

func (c *cache[V]) GetWithLogicalExpire(ctx context.Context, id string, ttl time.Duration, load LoaderFunc[V]) (V, bool, error) {
	var zero V
	if load == nil {
		return zero, false, fmt.Errorf("spike: nil loader")
	}
	if !c.enabled {
		return zero, false, nil
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	k := c.key(id)
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil || !ok {
		// strategy assumes a pre-warmed cache; a miss means the entity is not
		// part of the warmed set
		return zero, false, err
	}
	expireAt, payload, err := wire.DecodeEnvelope(raw)
	if err != nil {
		_ = c.provider.Del(ctx, k) // self-heal corrupt
		return zero, false, nil
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		_ = c.provider.Del(ctx, k) // self-heal
		return zero, false, nil
	}
	if time.Now().UnixNano() < expireAt {
		return v, true, nil
	}

	// Expired: at most one rebuild per id may run; everyone else keeps
	// serving the stale value (stale-while-revalidate).
	lease, got, lockErr := c.mutex.TryLock(ctx, c.mutexName(id), c.mutexTTL)
	if lockErr != nil {
		c.log.Warn("rebuild mutex error", Fields{"key": k, "err": lockErr})
		return v, true, nil
	}
	if got {
		// detach from the request lifecycle; the rebuild must run to
		// completion and release the mutex regardless of the caller
		bg := context.WithoutCancel(ctx)
		if !c.rebuilds.trySubmit(func() { c.rebuild(bg, id, ttl, load, lease) }) {
			c.log.Warn("rebuild pool saturated", Fields{"key": k})
			c.unlockRebuild(bg, id, lease)
		}
	}
	return v, true, nil
}

func (c *cache[V]) Invalidate(ctx context.Context, id string) error {
	if !c.enabled {
		return nil
	}
	if err := c.provider.Del(ctx, c.key(id)); err != nil {
		return fmt.Errorf("spike: invalidate %q: %w", id, err)
	}
	return nil
}

func (c *cache[V]) rebuild(ctx context.Context, id string, ttl time.Duration, load LoaderFunc[V], lease lock.Lease) {
	defer c.unlockRebuild(ctx, id, lease)

	v, found, err := load(ctx, id)
	if err != nil {
		c.log.Error("cache rebuild failed", Fields{"key": c.key(id), "err": err})
		return
	}
	if !found {
		// entity disappeared from the source of truth; drop the stale entry
		_ = c.provider.Del(ctx, c.key(id))
		return
	}
	if err := c.SetWithLogicalExpire(ctx, id, v, ttl); err != nil {
		c.log.Error("cache rebuild write failed", Fields{"key": c.key(id), "err": err})
	}
}

func (c *cache[V]) unlockRebuild(ctx context.Context, id string, lease lock.Lease) {
	if _, err := lease.Unlock(ctx); err != nil {
		c.log.Warn("rebuild mutex release failed", Fields{"name": c.mutexName(id), "err": err})
	}
}

func (c *cache[V]) key(id string) string { return c.ns + id }

func (c *cache[V]) mutexName(id string) string { return "cache:" + c.ns + id }
