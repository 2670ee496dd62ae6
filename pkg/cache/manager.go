// Package cache implements the cache manager facade (C9): the external
// surface composing the metadata index, provider stack, compute engine,
// and event bus into get/set/delete/invalidate/getOrCompute.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/layercache/layercache/pkg/cacheerr"
	"github.com/layercache/layercache/pkg/cacheevent"
	"github.com/layercache/layercache/pkg/compute"
	"github.com/layercache/layercache/pkg/metadata"
	"github.com/layercache/layercache/pkg/provider"
)

const defaultRefreshThreshold = 0.75

// Clock abstracts time.Now for deterministic tests, matching the seam
// exposed by metadata.Index, compute.Engine, memstore.Store, and
// cacheevent.Bus.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMilli() }

// Config holds facade-wide defaults recognized per spec.md §6.
type Config struct {
	DefaultTTL          time.Duration
	RefreshThreshold    float64
	BackgroundRefresh   bool
	DeduplicateRequests bool
	ThrowOnErrors       bool
}

// Manager is the cache facade (C9).
type Manager struct {
	providers *provider.Manager
	metaIdx   *metadata.Index
	engine    *compute.Engine
	bus       *cacheevent.Bus
	logger    *slog.Logger
	cfg       Config
	now       Clock
}

// NewManager composes a facade from its four subsystems.
func NewManager(providers *provider.Manager, metaIdx *metadata.Index, engine *compute.Engine, bus *cacheevent.Bus, logger *slog.Logger, cfg Config) *Manager {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{providers: providers, metaIdx: metaIdx, engine: engine, bus: bus, logger: logger, cfg: cfg, now: defaultClock}
	if bus != nil {
		// A storage tier expiring an entry on its own (TTL or LRU
		// eviction) bypasses Delete, so C3's metadata would otherwise
		// outlive the value it describes (I1).
		bus.Subscribe(cacheevent.KindExpire, func(ev cacheevent.Event) { m.metaIdx.Delete(ev.Key) })
	}
	return m
}

// WithClock overrides the facade's timestamp source.
func (m *Manager) WithClock(clock Clock) *Manager {
	m.now = clock
	return m
}

func (m *Manager) emit(ev cacheevent.Event) {
	if m.bus != nil {
		m.bus.Emit(ev)
	}
}

// fail normalizes err through the single funnel (§4.2), emits an error
// event, and returns the wrapped error; callers of read-shaped operations
// decide from throwOnErrors whether to return it or their zero value.
func (m *Manager) fail(err error, operation, key string) *cacheerr.Error {
	wrapped := cacheerr.Normalize(err, operation)
	if key != "" && wrapped.Key == "" {
		wrapped = wrapped.WithKey(key)
	}
	m.emit(cacheevent.Event{Kind: cacheevent.KindError, Key: key, Err: wrapped})
	return wrapped
}

func (m *Manager) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return m.cfg.DefaultTTL
}

func (m *Manager) backgroundRefreshFor(opts Options) bool {
	if opts.BackgroundRefresh != nil {
		return *opts.BackgroundRefresh
	}
	return m.cfg.BackgroundRefresh
}

func (m *Manager) refreshThresholdFor(opts Options) float64 {
	if opts.RefreshThreshold > 0 {
		return opts.RefreshThreshold
	}
	return m.cfg.RefreshThreshold
}

// isStale reports whether key's last refresh is old enough, under ttl and
// threshold, to count as stale (spec.md §4.7).
func (m *Manager) isStale(key string, ttl time.Duration, threshold float64) bool {
	meta, ok := m.metaIdx.Get(key)
	if !ok {
		return false
	}
	effectiveTTL := ttl
	if meta.TTLSeconds != nil {
		effectiveTTL = time.Duration(*meta.TTLSeconds) * time.Second
	}
	return compute.IsStale(m.now(), meta.RefreshedAt, effectiveTTL, threshold)
}

// Get returns the value for key and whether it was present. Misses are
// never an error (spec.md §6).
func (m *Manager) Get(ctx context.Context, key string) (any, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	value, found, err := m.providers.Read(ctx, key)
	if err != nil {
		wrapped := m.fail(err, "get", key)
		if !m.cfg.ThrowOnErrors {
			return nil, false, nil
		}
		return nil, false, wrapped
	}
	if !found {
		m.emit(cacheevent.Event{Kind: cacheevent.KindGetMiss, Key: key})
		return nil, false, nil
	}

	m.metaIdx.RecordAccess(key)
	if m.isStale(key, m.cfg.DefaultTTL, m.cfg.RefreshThreshold) {
		m.emit(cacheevent.Event{Kind: cacheevent.KindGetStale, Key: key})
	} else {
		m.emit(cacheevent.Event{Kind: cacheevent.KindGetHit, Key: key})
	}
	return value, true, nil
}

// Has reports whether key is present, without the hit/miss event noise of
// Get.
func (m *Manager) Has(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, found, err := m.providers.Read(ctx, key)
	if err != nil {
		wrapped := m.fail(err, "has", key)
		if !m.cfg.ThrowOnErrors {
			return false, nil
		}
		return false, wrapped
	}
	return found, nil
}

// Set writes value for key through every provider, respecting opts, and
// refreshes C3's metadata. Writes always propagate errors regardless of
// throwOnErrors (spec.md §7).
func (m *Manager) Set(ctx context.Context, key string, value any, opts Options) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateOptions(opts); err != nil {
		return err
	}

	ttl := m.effectiveTTL(opts.TTL)
	writeOpts := provider.WriteOptions{
		TTL:                  ttl,
		Tags:                 opts.Tags,
		Compression:          opts.Compression,
		CompressionThreshold: opts.CompressionThreshold,
	}
	if err := m.providers.Write(ctx, key, value, writeOpts); err != nil {
		return m.fail(err, "set", key)
	}

	partial := metadata.Partial{Tags: opts.Tags, TagsProvided: opts.Tags != nil}
	if ttl > 0 {
		secs := int64(ttl.Seconds())
		partial.TTLSeconds = &secs
	}
	if _, err := m.metaIdx.Set(key, partial); err != nil {
		m.logger.Warn("metadata update after set failed", "key", key, "error", err)
	}
	m.metaIdx.TouchRefreshed(key)

	m.emit(cacheevent.Event{Kind: cacheevent.KindSet, Key: key})
	return nil
}

// Delete removes key from every provider and from C3, cancelling any
// pending background refresh (spec.md §5: refreshes are cancelled
// implicitly when the key is deleted).
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	deleted, err := m.providers.Delete(ctx, key)
	if err != nil {
		m.fail(err, "delete", key)
		if !m.cfg.ThrowOnErrors {
			return false, nil
		}
		return false, err
	}

	m.metaIdx.Delete(key)
	if m.engine != nil {
		m.engine.Scheduler().Cancel(key)
	}

	if deleted {
		m.emit(cacheevent.Event{Kind: cacheevent.KindDelete, Key: key})
	}
	return deleted, nil
}

// Clear empties every provider and the metadata index.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.providers.Clear(ctx); err != nil {
		return m.fail(err, "clear", "")
	}
	m.metaIdx.Clear()
	m.emit(cacheevent.Event{Kind: cacheevent.KindClear})
	return nil
}

// GetMany reads keys, preferring the primary provider's native batch path
// when available (spec.md §4.8) and falling back to per-key Get.
func (m *Manager) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if bp, ok := m.providers.PrimaryBatch(); ok {
		out, err := bp.GetMany(ctx, keys)
		if err != nil {
			return nil, m.fail(err, "getMany", "")
		}
		return out, nil
	}

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, found, err := m.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if found {
			out[k] = v
		}
	}
	return out, nil
}

// SetMany writes entries, preferring the primary provider's native batch
// path and otherwise fanning out per key through Set.
func (m *Manager) SetMany(ctx context.Context, entries map[string]any, opts Options) error {
	if err := validateOptions(opts); err != nil {
		return err
	}

	if bp, ok := m.providers.PrimaryBatch(); ok {
		ttl := m.effectiveTTL(opts.TTL)
		err := bp.SetMany(ctx, entries, provider.WriteOptions{TTL: ttl, Tags: opts.Tags, Compression: opts.Compression, CompressionThreshold: opts.CompressionThreshold})
		if err != nil {
			return m.fail(err, "setMany", "")
		}
		for k := range entries {
			partial := metadata.Partial{Tags: opts.Tags, TagsProvided: opts.Tags != nil}
			m.metaIdx.Set(k, partial)
			m.metaIdx.TouchRefreshed(k)
		}
		return nil
	}

	for k, v := range entries {
		if err := m.Set(ctx, k, v, opts); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCompute delegates to the compute engine (C8), translating facade
// Options into compute.Options.
func (m *Manager) GetOrCompute(ctx context.Context, key string, fetcher compute.Fetcher, opts Options) (any, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	computeOpts := compute.Options{
		TTL:               m.effectiveTTL(opts.TTL),
		Tags:              opts.Tags,
		RefreshThreshold:  m.refreshThresholdFor(opts),
		BackgroundRefresh: m.backgroundRefreshFor(opts),
		StaleIfError:      opts.StaleIfError,
		Timeout:           opts.Timeout,
		MaxRetries:        opts.MaxRetries,
		BaseDelay:         opts.BaseDelay,
	}
	return m.engine.GetOrCompute(ctx, key, fetcher, computeOpts)
}

// Wrap returns a callable whose invocation is
// getOrCompute(keygen(args), () => fn(args), opts), per spec.md §4.8.
func (m *Manager) Wrap(fn func(args any) (any, error), keygen func(args any) string, opts Options) func(ctx context.Context, args any) (any, error) {
	return func(ctx context.Context, args any) (any, error) {
		return m.GetOrCompute(ctx, keygen(args), func(ctx context.Context) (any, error) {
			return fn(args)
		}, opts)
	}
}

// InvalidateByTag resolves tag's keys via C3, deletes them via C7, and
// returns the count removed.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	keys := m.metaIdx.FindByTag(tag)
	return m.invalidateKeys(ctx, tag, keys)
}

// InvalidateByPrefix resolves prefix's keys via C3, deletes them via C7,
// and returns the count removed.
func (m *Manager) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	keys := m.metaIdx.FindByPrefix(prefix)
	return m.invalidateKeys(ctx, prefix, keys)
}

func (m *Manager) invalidateKeys(ctx context.Context, reason string, keys []string) (int, error) {
	count := 0
	for _, k := range keys {
		deleted, err := m.providers.Delete(ctx, k)
		if err != nil {
			m.logger.Warn("invalidation delete failed", "key", k, "error", err)
			continue
		}
		m.metaIdx.Delete(k)
		if m.engine != nil {
			m.engine.Scheduler().Cancel(k)
		}
		if deleted {
			count++
		}
	}
	m.emit(cacheevent.Event{Kind: cacheevent.KindInvalidate, Reason: reason, EntriesRemoved: count})
	return count, nil
}

// Stats is the composite view across the provider stack and metadata
// index (spec.md §4.8 getStats).
type Stats struct {
	Providers provider.AggregateStats
	Metadata  metadata.Stats
}

// GetStats returns the composite stats snapshot.
func (m *Manager) GetStats(ctx context.Context) Stats {
	return Stats{
		Providers: m.providers.Stats(ctx),
		Metadata:  m.metaIdx.Stats(),
	}
}
