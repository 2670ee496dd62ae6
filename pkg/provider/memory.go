package provider

import (
	"context"

	"github.com/layercache/layercache/pkg/memstore"
)

// MemoryProvider adapts the in-memory storage engine (C5) to the Provider
// contract so it can sit in the priority stack alongside remote backends.
type MemoryProvider struct {
	name  string
	store *memstore.Store
}

// NewMemoryProvider wraps store as a named Provider.
func NewMemoryProvider(name string, store *memstore.Store) *MemoryProvider {
	return &MemoryProvider{name: name, store: store}
}

func (p *MemoryProvider) Name() string { return p.name }

func (p *MemoryProvider) Get(ctx context.Context, key string) (any, bool, error) {
	v, ok := p.store.Get(key)
	return v, ok, nil
}

func (p *MemoryProvider) Set(ctx context.Context, key string, value any, opts WriteOptions) error {
	return p.store.Set(key, value, memstore.WriteOptions{
		TTL:                  opts.TTL,
		Tags:                 opts.Tags,
		Compression:          opts.Compression,
		CompressionThreshold: opts.CompressionThreshold,
	})
}

func (p *MemoryProvider) Has(ctx context.Context, key string) (bool, error) {
	return p.store.Has(key), nil
}

func (p *MemoryProvider) Delete(ctx context.Context, key string) (bool, error) {
	return p.store.Delete(key), nil
}

func (p *MemoryProvider) Clear(ctx context.Context) error {
	p.store.Clear()
	return nil
}

// Keys ignores pattern and returns every live key; memstore has no native
// pattern matching, so callers wanting filtered results go through the
// metadata index (C3) instead.
func (p *MemoryProvider) Keys(ctx context.Context, pattern string) ([]string, error) {
	return p.store.Keys(), nil
}

func (p *MemoryProvider) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := p.store.Get(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (p *MemoryProvider) SetMany(ctx context.Context, entries map[string]any, opts WriteOptions) error {
	for k, v := range entries {
		if err := p.Set(ctx, k, v, opts); err != nil {
			return err
		}
	}
	return nil
}

// SupportsNativeBatch reports false: memstore's GetMany/SetMany above are
// a per-key loop, not a true batch round-trip.
func (p *MemoryProvider) SupportsNativeBatch() bool { return false }

func (p *MemoryProvider) Stats(ctx context.Context) (Stats, error) {
	return Stats{
		Hits:        p.store.Hits(),
		Misses:      p.store.Misses(),
		KeyCount:    int64(p.store.Len()),
		MemoryUsage: p.store.TotalSize(),
	}, nil
}

func (p *MemoryProvider) HealthCheck(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy, Healthy: true}, nil
}
