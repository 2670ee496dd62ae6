package provider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/layercache/layercache/pkg/cacheerr"
)

// fakeProvider is an in-memory Provider double for manager tests.
type fakeProvider struct {
	name string

	mu       sync.Mutex
	data     map[string]any
	failGets int // number of subsequent Get calls to fail
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, data: make(map[string]any)}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Get(ctx context.Context, key string) (any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGets > 0 {
		f.failGets--
		return nil, false, errors.New("simulated get failure")
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeProvider) Set(ctx context.Context, key string, value any, opts WriteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeProvider) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := f.Get(ctx, key)
	return ok, err
}

func (f *fakeProvider) Delete(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	delete(f.data, key)
	return ok, nil
}

func (f *fakeProvider) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string]any)
	return nil
}

func (f *fakeProvider) Keys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeProvider) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any)
	for _, k := range keys {
		if v, ok, _ := f.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fakeProvider) SetMany(ctx context.Context, entries map[string]any, opts WriteOptions) error {
	for k, v := range entries {
		_ = f.Set(ctx, k, v, opts)
	}
	return nil
}

func (f *fakeProvider) Stats(ctx context.Context) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{KeyCount: int64(len(f.data))}, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy, Healthy: true}, nil
}

func TestReadReturnsFirstHitInPriorityOrder(t *testing.T) {
	fast := newFakeProvider("fast")
	slow := newFakeProvider("slow")
	fast.data["k"] = "from-fast"
	slow.data["k"] = "from-slow"

	mgr := NewManager(nil, nil)
	mgr.Register(Spec{Name: "fast", Instance: fast, Priority: 0})
	mgr.Register(Spec{Name: "slow", Instance: slow, Priority: 1})

	v, found, err := mgr.Read(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if !found || v != "from-fast" {
		t.Fatalf("Read = (%v, %v), want (from-fast, true)", v, found)
	}
}

func TestWriteFailurePropagatesOnlyFromPrimary(t *testing.T) {
	primary := newFakeProvider("primary")
	secondary := newFakeProvider("secondary")

	mgr := NewManager(nil, nil)
	mgr.Register(Spec{Name: "primary", Instance: primary, Priority: 0})
	mgr.Register(Spec{Name: "secondary", Instance: secondary, Priority: 1})

	if err := mgr.Write(context.Background(), "k", "v", WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if primary.data["k"] != "v" || secondary.data["k"] != "v" {
		t.Fatal("write should fan out to both providers")
	}
}

func TestDeleteIsLogicalOrAcrossProviders(t *testing.T) {
	a := newFakeProvider("a")
	b := newFakeProvider("b")
	b.data["k"] = "v" // only b has it

	mgr := NewManager(nil, nil)
	mgr.Register(Spec{Name: "a", Instance: a, Priority: 0})
	mgr.Register(Spec{Name: "b", Instance: b, Priority: 1})

	deleted, err := mgr.Delete(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("Delete should report true when any provider had the key")
	}
}

func TestProviderDemotionAfterRepeatedErrors(t *testing.T) {
	fast := newFakeProvider("fast")
	slow := newFakeProvider("slow")
	fast.data["k"] = "v"
	slow.data["k"] = "v"

	mgr := NewManager(nil, nil)
	mgr.Register(Spec{Name: "fast", Instance: fast, Priority: 0})
	mgr.Register(Spec{Name: "slow", Instance: slow, Priority: 1})

	// Inject 6 consecutive get errors on "fast" (demotion threshold is 5).
	fast.failGets = 6
	for i := 0; i < 6; i++ {
		_, _, _ = mgr.Read(context.Background(), "k")
	}

	names := mgr.Names()
	if names[0] != "slow" {
		t.Fatalf("expected slow to be consulted first after demotion, got %v", names)
	}

	health, ok := mgr.Health("fast")
	if !ok || health.State != HealthUnhealthy {
		t.Fatalf("Health(fast) = %+v, want unhealthy", health)
	}

	mgr.ResetErrorCounts()
	names = mgr.Names()
	if names[0] != "fast" {
		t.Fatalf("expected fast restored to priority 0 after reset, got %v", names)
	}
}

func TestNoProviderError(t *testing.T) {
	mgr := NewManager(nil, nil)
	_, _, err := mgr.Read(context.Background(), "k")
	if cacheerr.KindOf(err) != cacheerr.KindNoProvider {
		t.Fatalf("Kind = %v, want no_provider", cacheerr.KindOf(err))
	}
}
