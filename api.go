package spike

import (
	"context"
	"time"

	c "github.com/hvarn/spike/codec"
	"github.com/hvarn/spike/lock"
	pr "github.com/hvarn/spike/provider"
)

// LoaderFunc fetches an entity from the source of truth. It returns
// found=false when the entity does not exist; that absence is itself a
// cacheable fact for the pass-through strategy.
type LoaderFunc[V any] func(ctx context.Context, id string) (V, bool, error)

// SetCostFunc computes the cost handed to cost-aware providers (Ristretto).
type SetCostFunc func(key string, raw []byte) int64

// Cache is the high-level, provider-agnostic cache-aside API.
// V is the caller's value type. Serialization is handled by a pluggable Codec[V].
//
// Two read strategies are offered, chosen per key pattern:
//
//   - GetWithPassThrough reads through to the loader on a miss and caches a
//     short-lived empty marker when the loader reports absence, so repeated
//     lookups of non-existent ids never reach the source of truth
//     (anti-penetration).
//
//   - GetWithLogicalExpire assumes a pre-warmed cache and never calls the
//     loader synchronously. Expired entries are served stale while a single
//     background rebuild, guarded by a per-id mutex, refreshes them
//     (anti-breakdown).
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	Set(ctx context.Context, id string, value V, ttl time.Duration) error
	SetWithLogicalExpire(ctx context.Context, id string, value V, ttl time.Duration) error

	GetWithPassThrough(ctx context.Context, id string, ttl time.Duration, load LoaderFunc[V]) (v V, ok bool, err error)
	GetWithLogicalExpire(ctx context.Context, id string, ttl time.Duration, load LoaderFunc[V]) (v V, ok bool, err error)

	Invalidate(ctx context.Context, id string) error
}

// Options tune the behavior of the generic cache.
// Only Namespace, Provider and Codec are required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // key prefix, e.g. "cache:shop:"; cache keys are Namespace+id
	Provider  pr.Provider
	Codec     c.Codec[V]

	// Mutex serializes rebuilds per expired id. nil => in-process lock.Local;
	// use lock.NewRedis for multi-replica deployments.
	Mutex lock.Locker

	Logger         Logger        // if nil, NopLogger is used
	DefaultTTL     time.Duration // physical/logical value TTL; 0 => 30m
	NullTTL        time.Duration // empty-marker TTL; 0 => 2m
	MutexTTL       time.Duration // rebuild lock TTL; 0 => 10s
	RebuildWorkers int           // async rebuild pool size; 0 => 10
	RebuildQueue   int           // async rebuild backlog; 0 => 256
	ComputeSetCost SetCostFunc   // default 1
	Disabled       bool          // bypass the provider entirely (pass-through calls the loader directly)
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
