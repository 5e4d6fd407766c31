// Package lock provides non-reentrant mutual exclusion keyed by resource
// name. The Redis implementation works across process instances; Local is the
// in-process equivalent for single-replica deployments and tests.
//
// Acquisition hands back a Lease bound to a caller-unique token. Release goes
// through the lease, never by name alone, so a holder whose lock already
// expired and was re-acquired elsewhere can never delete the new holder's
// lock.
package lock

import (
	"context"
	"time"
)

// Lease is a successfully acquired lock. The holder must call Unlock on every
// exit path; a lease also dies naturally when its TTL lapses, so a crashed
// holder cannot wedge the resource forever.
type Lease interface {
	// Unlock releases the lock iff it is still held by this lease.
	// Returns false when the lease had already expired and the lock is gone
	// or owned by someone else (the release is then a no-op).
	Unlock(ctx context.Context) (bool, error)
}

// Locker hands out leases. Implementations must make TryLock a single atomic
// operation, never an existence check followed by a write.
type Locker interface {
	// TryLock attempts one non-blocking acquisition of name with the given
	// TTL. ok=false means the lock is currently held; that is contention,
	// not an error, and callers should treat it as "operation rejected"
	// rather than retrying unboundedly.
	TryLock(ctx context.Context, name string, ttl time.Duration) (l Lease, ok bool, err error)
}
