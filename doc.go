// Package spike implements a Redis-backed cache-aside layer hardened for
// spike loads: cached "not found" markers absorb cache penetration, and
// logically-expiring entries with asynchronous rebuilds absorb cache
// breakdown on hot keys.
//
// Components:
//   - Provider: byte store with TTL (e.g. Redis, BigCache, Ristretto).
//   - Codec[V]: (de)serializes V <-> []byte.
//   - lock.Locker: mutual exclusion for cache rebuilds; the Redis
//     implementation is also usable as a general cross-process lock.
//   - idgen.Generator: monotonic 64-bit ids from a per-day counter.
//   - seckill.Pipeline: atomic flash-sale admission plus an asynchronous
//     order persistence worker.
//
// Keys:
//
//	<ns><id>           - cached entities (empty value = cached "not found")
//	lock:<name>        - lock tokens, TTL-bound
//	incr:<bucket>:<d>  - per-day id counters
//
// Read strategies:
//
//	v, ok, err := cache.GetWithPassThrough(ctx, id, 0, loadShop)   // null-caching
//	v, ok, err := cache.GetWithLogicalExpire(ctx, id, 0, loadShop) // stale-while-revalidate
package spike
