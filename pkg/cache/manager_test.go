package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layercache/layercache/pkg/cacheerr"
	"github.com/layercache/layercache/pkg/cacheevent"
	"github.com/layercache/layercache/pkg/compute"
	"github.com/layercache/layercache/pkg/memstore"
	"github.com/layercache/layercache/pkg/metadata"
	"github.com/layercache/layercache/pkg/provider"
)

type clockbox struct{ ms int64 }

func (c *clockbox) now() int64           { return c.ms }
func (c *clockbox) advance(d time.Duration) { c.ms += d.Milliseconds() }

func newTestManager(t *testing.T, memCfg memstore.Config, cacheCfg Config) (*Manager, *cacheevent.Bus, *clockbox) {
	t.Helper()
	// Start past zero: IsStale treats a zero RefreshedAt as never computed.
	clock := &clockbox{ms: 1_000}
	bus := cacheevent.NewBus(nil)

	store := memstore.NewStore(memCfg, bus, nil).WithClock(clock.now)
	mgr := provider.NewManager(bus, nil)
	mgr.Register(provider.Spec{Name: "memory", Instance: provider.NewMemoryProvider("memory", store), Priority: 0})

	idx := metadata.NewIndex().WithClock(clock.now)
	engine := compute.NewEngine(mgr, idx, bus, nil, compute.Config{}).WithClock(clock.now)

	facade := NewManager(mgr, idx, engine, bus, nil, cacheCfg).WithClock(clock.now)
	return facade, bus, clock
}

func TestReadThroughComputeScenario(t *testing.T) {
	facade, bus, _ := newTestManager(t, memstore.Config{}, Config{DefaultTTL: 60 * time.Second, RefreshThreshold: 0.5})

	var kinds []cacheevent.Kind
	bus.SubscribeAll(func(ev cacheevent.Event) { kinds = append(kinds, ev.Kind) })

	v, err := facade.GetOrCompute(context.Background(), "u:42", func(ctx context.Context) (any, error) {
		return "alice", nil
	}, Options{})
	if err != nil || v != "alice" {
		t.Fatalf("GetOrCompute = (%v, %v), want (alice, nil)", v, err)
	}

	want := []cacheevent.Kind{cacheevent.KindGetMiss, cacheevent.KindComputeStart, cacheevent.KindSet, cacheevent.KindComputeSuccess}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}

	kinds = nil
	v, found, err := facade.Get(context.Background(), "u:42")
	if err != nil || !found || v != "alice" {
		t.Fatalf("Get = (%v, %v, %v), want (alice, true, nil)", v, found, err)
	}
	if len(kinds) != 1 || kinds[0] != cacheevent.KindGetHit {
		t.Fatalf("events = %v, want [get_hit]", kinds)
	}
}

func TestDedupScenario(t *testing.T) {
	facade, _, _ := newTestManager(t, memstore.Config{}, Config{DefaultTTL: 60 * time.Second})

	var starts atomic.Int64
	var wg sync.WaitGroup
	results := make([]any, 50)

	fetcher := func(ctx context.Context) (any, error) {
		starts.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]int{"v": 1}, nil
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := facade.GetOrCompute(context.Background(), "k", fetcher, Options{})
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if starts.Load() != 1 {
		t.Fatalf("fetcher invoked %d times, want 1", starts.Load())
	}
	for i, r := range results {
		m, ok := r.(map[string]int)
		if !ok || m["v"] != 1 {
			t.Fatalf("caller %d = %v, want {v:1}", i, r)
		}
	}
}

func TestStaleWhileRevalidateScenario(t *testing.T) {
	facade, bus, clock := newTestManager(t, memstore.Config{}, Config{})

	fetchCount := 0
	fetcher := func(ctx context.Context) (any, error) {
		fetchCount++
		if fetchCount == 1 {
			return 1, nil
		}
		return 2, nil
	}

	yes := true
	opts := Options{TTL: 10 * time.Second, RefreshThreshold: 0.5, BackgroundRefresh: &yes}

	v, err := facade.GetOrCompute(context.Background(), "x", fetcher, opts)
	if err != nil || v != 1 {
		t.Fatalf("initial compute = (%v, %v), want (1, nil)", v, err)
	}

	clock.advance(6 * time.Second)

	var refreshStarts int
	bus.Subscribe(cacheevent.KindRefreshStart, func(cacheevent.Event) { refreshStarts++ })

	v, err = facade.GetOrCompute(context.Background(), "x", fetcher, opts)
	if err != nil || v != 1 {
		t.Fatalf("stale read = (%v, %v), want (1, nil)", v, err)
	}
	if refreshStarts != 1 {
		t.Fatalf("refresh_start events = %d, want exactly 1", refreshStarts)
	}
}

func TestLRUEvictionScenarioThroughFacade(t *testing.T) {
	facade, bus, _ := newTestManager(t, memstore.Config{MaxItems: 3}, Config{})

	var evictedKeys []string
	bus.Subscribe(cacheevent.KindExpire, func(ev cacheevent.Event) {
		if ev.Reason == "lru" {
			evictedKeys = append(evictedKeys, ev.Key)
		}
	})

	facade.Set(context.Background(), "a", 1, Options{})
	facade.Set(context.Background(), "b", 2, Options{})
	facade.Set(context.Background(), "c", 3, Options{})
	facade.Get(context.Background(), "a")
	facade.Set(context.Background(), "d", 4, Options{})

	if len(evictedKeys) != 1 || evictedKeys[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evictedKeys)
	}
}

func TestTagInvalidationScenario(t *testing.T) {
	facade, bus, _ := newTestManager(t, memstore.Config{}, Config{})

	var removed int
	bus.Subscribe(cacheevent.KindInvalidate, func(ev cacheevent.Event) { removed = ev.EntriesRemoved })

	facade.Set(context.Background(), "a", 1, Options{Tags: []string{"group"}})
	facade.Set(context.Background(), "b", 2, Options{Tags: []string{"group"}})
	facade.Set(context.Background(), "c", 3, Options{Tags: []string{"other"}})

	n, err := facade.InvalidateByTag(context.Background(), "group")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || removed != 2 {
		t.Fatalf("InvalidateByTag = %d, removed event = %d, want 2/2", n, removed)
	}

	if _, found, _ := facade.Get(context.Background(), "a"); found {
		t.Fatal("a should be invalidated")
	}
	if _, found, _ := facade.Get(context.Background(), "c"); !found {
		t.Fatal("c should remain")
	}
}

func TestProviderDemotionVisibleThroughFacade(t *testing.T) {
	bus := cacheevent.NewBus(nil)
	mgr := provider.NewManager(bus, nil)

	fast := newFailingProvider("fast")
	slow := newFailingProvider("slow")
	mgr.Register(provider.Spec{Name: "fast", Instance: fast, Priority: 0})
	mgr.Register(provider.Spec{Name: "slow", Instance: slow, Priority: 1})

	idx := metadata.NewIndex()
	engine := compute.NewEngine(mgr, idx, bus, nil, compute.Config{})
	facade := NewManager(mgr, idx, engine, bus, nil, Config{})

	fast.failNext = 6
	slow.data["k"] = "v"
	for i := 0; i < 6; i++ {
		facade.Get(context.Background(), "k")
	}

	if mgr.Names()[0] != "slow" {
		t.Fatalf("expected slow consulted first after demotion, got %v", mgr.Names())
	}
}

func TestBoundaryKeyLength(t *testing.T) {
	facade, _, _ := newTestManager(t, memstore.Config{}, Config{})

	key1024 := make([]byte, 1024)
	for i := range key1024 {
		key1024[i] = 'a'
	}
	if err := facade.Set(context.Background(), string(key1024), "v", Options{}); err != nil {
		t.Fatalf("1024-length key should be accepted: %v", err)
	}

	key1025 := append(key1024, 'a')
	err := facade.Set(context.Background(), string(key1025), "v", Options{})
	if cacheerr.KindOf(err) != cacheerr.KindKeyTooLong {
		t.Fatalf("Kind = %v, want key_too_long", cacheerr.KindOf(err))
	}
}

func TestDeleteIdempotentNoSecondEvent(t *testing.T) {
	facade, bus, _ := newTestManager(t, memstore.Config{}, Config{})

	var deletes int
	bus.Subscribe(cacheevent.KindDelete, func(cacheevent.Event) { deletes++ })

	facade.Set(context.Background(), "k", "v", Options{})
	deleted, err := facade.Delete(context.Background(), "k")
	if err != nil || !deleted {
		t.Fatalf("first Delete = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = facade.Delete(context.Background(), "k")
	if err != nil || deleted {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", deleted, err)
	}
	if deletes != 1 {
		t.Fatalf("delete events = %d, want 1", deletes)
	}
}

func TestClearThenStatsReportsZeroKeys(t *testing.T) {
	facade, _, _ := newTestManager(t, memstore.Config{}, Config{})
	facade.Set(context.Background(), "a", 1, Options{})
	facade.Set(context.Background(), "b", 2, Options{})

	if err := facade.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := facade.GetStats(context.Background())
	if stats.Metadata.EntryCount != 0 {
		t.Fatalf("EntryCount = %d, want 0", stats.Metadata.EntryCount)
	}
}

// failingProvider is a Provider double that can be made to fail its next
// N Get calls, used to exercise demotion through the facade.
type failingProvider struct {
	name string

	mu       sync.Mutex
	data     map[string]any
	failNext int
}

func newFailingProvider(name string) *failingProvider {
	return &failingProvider{name: name, data: make(map[string]any)}
}

func (f *failingProvider) Name() string { return f.name }

func (f *failingProvider) Get(ctx context.Context, key string) (any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, false, cacheerr.New(cacheerr.KindProviderError, "simulated failure")
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *failingProvider) Set(ctx context.Context, key string, value any, opts provider.WriteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *failingProvider) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := f.Get(ctx, key)
	return ok, err
}

func (f *failingProvider) Delete(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	delete(f.data, key)
	return ok, nil
}

func (f *failingProvider) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string]any)
	return nil
}

func (f *failingProvider) Keys(ctx context.Context, pattern string) ([]string, error) { return nil, nil }

func (f *failingProvider) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	return nil, nil
}

func (f *failingProvider) SetMany(ctx context.Context, entries map[string]any, opts provider.WriteOptions) error {
	return nil
}

func (f *failingProvider) Stats(ctx context.Context) (provider.Stats, error) {
	return provider.Stats{}, nil
}

func (f *failingProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{State: provider.HealthHealthy, Healthy: true}, nil
}
