package lock

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type localEntry struct {
	token    string
	expireAt time.Time
}

// Local keeps locks in-process. Useful when the cache runs on a single
// replica and in tests; semantics match Redis (TTL-bound, token-checked
// release, non-reentrant).
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	seq  uint64
}

var _ Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry)}
}

func (l *Local) TryLock(_ context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[name]; ok && now.Before(e.expireAt) {
		return nil, false, nil
	}
	l.seq++
	token := strconv.FormatUint(l.seq, 10)
	l.held[name] = localEntry{token: token, expireAt: now.Add(ttl)}
	return &localLease{l: l, name: name, token: token}, true, nil
}

type localLease struct {
	l     *Local
	name  string
	token string
}

func (le *localLease) Unlock(context.Context) (bool, error) {
	le.l.mu.Lock()
	defer le.l.mu.Unlock()

	e, ok := le.l.held[le.name]
	if !ok || e.token != le.token {
		return false, nil
	}
	delete(le.l.held, le.name)
	return true, nil
}
