package spike

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/hvarn/spike/codec"
	pr "github.com/hvarn/spike/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = memEntry{v: value, exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) raw(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	return e.v, ok
}

type shop struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// countingLoader tracks invocations of the source of truth.
type countingLoader struct {
	calls atomic.Int32
	mu    sync.Mutex
	data  map[string]shop
}

func newCountingLoader(data map[string]shop) *countingLoader {
	return &countingLoader{data: data}
}

func (l *countingLoader) load(_ context.Context, id string) (shop, bool, error) {
	l.calls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.data[id]
	return v, ok, nil
}

func (l *countingLoader) put(id string, v shop) {
	l.mu.Lock()
	l.data[id] = v
	l.mu.Unlock()
}

func newTestCache(t *testing.T, mp pr.Provider, optsOpt func(*Options[shop])) Cache[shop] {
	t.Helper()
	opts := Options[shop]{
		Namespace: "cache:shop:",
		Provider:  mp,
		Codec:     c.JSON[shop]{},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New[shop](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// ==============================
// Constructor validation
// ==============================

func TestNewValidation(t *testing.T) {
	mp := newMemProvider()
	if _, err := New[shop](Options[shop]{Provider: mp, Codec: c.JSON[shop]{}}); err == nil {
		t.Fatalf("expected error for missing namespace")
	}
	if _, err := New[shop](Options[shop]{Namespace: "x:", Codec: c.JSON[shop]{}}); err == nil {
		t.Fatalf("expected error for missing provider")
	}
	if _, err := New[shop](Options[shop]{Namespace: "x:", Provider: mp}); err == nil {
		t.Fatalf("expected error for missing codec")
	}
}

// ==============================
// Pass-through (anti-penetration)
// ==============================

func TestPassThroughLoadsAndCaches(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	ld := newCountingLoader(map[string]shop{"1": {ID: "1", Name: "Ada's"}})

	v, ok, err := cc.GetWithPassThrough(ctx, "1", 0, ld.load)
	if err != nil || !ok || v.Name != "Ada's" {
		t.Fatalf("first read: v=%v ok=%v err=%v", v, ok, err)
	}
	if got := ld.calls.Load(); got != 1 {
		t.Fatalf("loader calls after miss: got %d want 1", got)
	}

	// second read is a cache hit
	v, ok, err = cc.GetWithPassThrough(ctx, "1", 0, ld.load)
	if err != nil || !ok || v.Name != "Ada's" {
		t.Fatalf("second read: v=%v ok=%v err=%v", v, ok, err)
	}
	if got := ld.calls.Load(); got != 1 {
		t.Fatalf("loader must not run on a hit: got %d calls", got)
	}
}

func TestPassThroughNullMarkerAbsorbsMisses(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	ld := newCountingLoader(map[string]shop{})

	for i := 0; i < 5; i++ {
		if _, ok, err := cc.GetWithPassThrough(ctx, "missing", 0, ld.load); ok || err != nil {
			t.Fatalf("read %d: ok=%v err=%v", i, ok, err)
		}
	}
	// only the first lookup may reach the source of truth
	if got := ld.calls.Load(); got != 1 {
		t.Fatalf("loader calls: got %d want 1", got)
	}

	raw, present := mp.raw("cache:shop:missing")
	if !present || len(raw) != 0 {
		t.Fatalf("expected empty null marker, present=%v raw=%q", present, raw)
	}
}

func TestPassThroughNullMarkerExpires(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, func(o *Options[shop]) { o.NullTTL = 15 * time.Millisecond })
	defer cc.Close(ctx)

	ld := newCountingLoader(map[string]shop{})

	if _, ok, _ := cc.GetWithPassThrough(ctx, "9", 0, ld.load); ok {
		t.Fatalf("expected absence")
	}
	time.Sleep(30 * time.Millisecond)

	// marker expired; entity appeared in the meantime
	ld.put("9", shop{ID: "9", Name: "Nine"})
	v, ok, err := cc.GetWithPassThrough(ctx, "9", 0, ld.load)
	if err != nil || !ok || v.Name != "Nine" {
		t.Fatalf("read after marker expiry: v=%v ok=%v err=%v", v, ok, err)
	}
	if got := ld.calls.Load(); got != 2 {
		t.Fatalf("loader calls: got %d want 2", got)
	}
}

func TestPassThroughLoaderErrorPropagates(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	boom := errors.New("db down")
	_, _, err := cc.GetWithPassThrough(ctx, "1", 0, func(context.Context, string) (shop, bool, error) {
		return shop{}, false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	// a failed load must not leave a null marker behind
	if _, present := mp.raw("cache:shop:1"); present {
		t.Fatalf("no marker expected after loader failure")
	}
}

func TestPassThroughSelfHealsCorrupt(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	_, _ = mp.Set(ctx, "cache:shop:1", []byte("{not json"), 1, 0)
	ld := newCountingLoader(map[string]shop{"1": {ID: "1", Name: "Fresh"}})

	v, ok, err := cc.GetWithPassThrough(ctx, "1", 0, ld.load)
	if err != nil || !ok || v.Name != "Fresh" {
		t.Fatalf("read over corrupt entry: v=%v ok=%v err=%v", v, ok, err)
	}
	if got := ld.calls.Load(); got != 1 {
		t.Fatalf("loader calls: got %d want 1", got)
	}
}

func TestDisabledPassThroughGoesStraightToLoader(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, func(o *Options[shop]) { o.Disabled = true })
	defer cc.Close(ctx)

	ld := newCountingLoader(map[string]shop{"1": {ID: "1"}})
	for i := 0; i < 3; i++ {
		if _, ok, err := cc.GetWithPassThrough(ctx, "1", 0, ld.load); !ok || err != nil {
			t.Fatalf("read %d: ok=%v err=%v", i, ok, err)
		}
	}
	if got := ld.calls.Load(); got != 3 {
		t.Fatalf("disabled cache must always load: got %d calls", got)
	}
	if _, present := mp.raw("cache:shop:1"); present {
		t.Fatalf("disabled cache must not touch the provider")
	}
}

// ==============================
// Logical expiration (anti-breakdown)
// ==============================

func TestLogicalExpireMissMeansAbsent(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	ld := newCountingLoader(map[string]shop{"1": {ID: "1"}})
	if _, ok, err := cc.GetWithLogicalExpire(ctx, "1", 0, ld.load); ok || err != nil {
		t.Fatalf("unwarmed key: ok=%v err=%v", ok, err)
	}
	// this strategy never loads synchronously, not even on a miss
	if got := ld.calls.Load(); got != 0 {
		t.Fatalf("loader must not run on miss: got %d calls", got)
	}
}

func TestLogicalExpireFreshHit(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	if err := cc.SetWithLogicalExpire(ctx, "1", shop{ID: "1", Name: "Warm"}, time.Minute); err != nil {
		t.Fatalf("SetWithLogicalExpire: %v", err)
	}

	ld := newCountingLoader(map[string]shop{"1": {ID: "1", Name: "Fresh"}})
	v, ok, err := cc.GetWithLogicalExpire(ctx, "1", 0, ld.load)
	if err != nil || !ok || v.Name != "Warm" {
		t.Fatalf("fresh hit: v=%v ok=%v err=%v", v, ok, err)
	}
	if got := ld.calls.Load(); got != 0 {
		t.Fatalf("loader must not run on a fresh hit: got %d calls", got)
	}
}

func TestLogicalExpireStaleServedThenRebuilt(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	// negative ttl => already expired
	if err := cc.SetWithLogicalExpire(ctx, "1", shop{ID: "1", Name: "Stale"}, -time.Second); err != nil {
		t.Fatalf("SetWithLogicalExpire: %v", err)
	}

	ld := newCountingLoader(map[string]shop{"1": {ID: "1", Name: "Fresh"}})

	// reader gets the stale value back immediately
	v, ok, err := cc.GetWithLogicalExpire(ctx, "1", time.Minute, ld.load)
	if err != nil || !ok || v.Name != "Stale" {
		t.Fatalf("stale read: v=%v ok=%v err=%v", v, ok, err)
	}

	// the background rebuild replaces the entry
	waitFor(t, time.Second, func() bool {
		v, ok, _ := cc.GetWithLogicalExpire(ctx, "1", time.Minute, ld.load)
		return ok && v.Name == "Fresh"
	})
}

func TestLogicalExpireSingleRebuildUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	if err := cc.SetWithLogicalExpire(ctx, "hot", shop{ID: "hot", Name: "Stale"}, -time.Second); err != nil {
		t.Fatalf("SetWithLogicalExpire: %v", err)
	}

	// the loader parks until every reader is done, so the rebuild mutex stays
	// held for the whole reader phase
	var loads atomic.Int32
	readersDone := make(chan struct{})
	slowLoad := func(context.Context, string) (shop, bool, error) {
		loads.Add(1)
		<-readersDone
		return shop{ID: "hot", Name: "Fresh"}, true, nil
	}

	const readers = 32
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			v, ok, err := cc.GetWithLogicalExpire(ctx, "hot", time.Minute, slowLoad)
			if err != nil || !ok {
				t.Errorf("reader: ok=%v err=%v", ok, err)
				return
			}
			// readers never block on the rebuild; they all see the stale value
			if v.Name != "Stale" {
				t.Errorf("unexpected value %q", v.Name)
			}
		}()
	}
	wg.Wait()
	close(readersDone)

	waitFor(t, time.Second, func() bool {
		v, ok, _ := cc.GetWithLogicalExpire(ctx, "hot", time.Minute, slowLoad)
		return ok && v.Name == "Fresh"
	})
	if got := loads.Load(); got != 1 {
		t.Fatalf("exactly one rebuild may run: got %d", got)
	}
}

func TestLogicalExpireRebuildDropsVanishedEntity(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	if err := cc.SetWithLogicalExpire(ctx, "1", shop{ID: "1", Name: "Gone"}, -time.Second); err != nil {
		t.Fatalf("SetWithLogicalExpire: %v", err)
	}

	ld := newCountingLoader(map[string]shop{}) // entity no longer exists

	if _, ok, _ := cc.GetWithLogicalExpire(ctx, "1", time.Minute, ld.load); !ok {
		t.Fatalf("stale value should still be served once")
	}
	waitFor(t, time.Second, func() bool {
		_, present := mp.raw("cache:shop:1")
		return !present
	})
}

func TestLogicalExpireSelfHealsCorrupt(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	_, _ = mp.Set(ctx, "cache:shop:1", []byte("junk"), 1, 0)

	ld := newCountingLoader(map[string]shop{"1": {ID: "1"}})
	if _, ok, err := cc.GetWithLogicalExpire(ctx, "1", 0, ld.load); ok || err != nil {
		t.Fatalf("corrupt entry: ok=%v err=%v", ok, err)
	}
	if _, present := mp.raw("cache:shop:1"); present {
		t.Fatalf("corrupt entry should have been deleted")
	}
}

// ==============================
// Writers / invalidation
// ==============================

func TestSetAndInvalidate(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "1", shop{ID: "1", Name: "A"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ld := newCountingLoader(map[string]shop{})
	if v, ok, _ := cc.GetWithPassThrough(ctx, "1", 0, ld.load); !ok || v.Name != "A" {
		t.Fatalf("read after Set: ok=%v v=%v", ok, v)
	}

	if err := cc.Invalidate(ctx, "1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, present := mp.raw("cache:shop:1"); present {
		t.Fatalf("entry should be gone after Invalidate")
	}
}

func TestCloseWaitsForPendingRebuilds(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)

	if err := cc.SetWithLogicalExpire(ctx, "1", shop{ID: "1", Name: "Old"}, -time.Second); err != nil {
		t.Fatalf("SetWithLogicalExpire: %v", err)
	}

	started := make(chan struct{})
	ld := func(context.Context, string) (shop, bool, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return shop{ID: "1", Name: "New"}, true, nil
	}
	if _, ok, _ := cc.GetWithLogicalExpire(ctx, "1", time.Minute, ld); !ok {
		t.Fatalf("stale read expected to succeed")
	}

	<-started
	if err := cc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// rebuild finished before Close returned
	raw, present := mp.raw("cache:shop:1")
	if !present || len(raw) == 0 {
		t.Fatalf("rebuilt entry expected after Close")
	}
}
