package provider

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/layercache/layercache/pkg/cacheerr"
	"github.com/layercache/layercache/pkg/cacheevent"
)

// demotionThreshold is the errorCount above which a provider is demoted to
// the lowest read priority (I6).
const demotionThreshold = 5

// registration is the Manager's internal bookkeeping for one provider.
type registration struct {
	name             string
	instance         Provider
	priority         int
	originalPriority int
	breaker          *gobreaker.CircuitBreaker[any]

	mu         sync.Mutex
	errorCount int
	lastError  error
}

// Spec describes a provider to register, mirroring spec.md's
// Configuration "providers" option ({name, instance, priority}).
type Spec struct {
	Name     string
	Instance Provider
	Priority int
}

// Manager is the priority-ordered provider stack (C7). Lower Priority
// values are consulted first on reads. The sorted snapshot is rebuilt
// under mu whenever registration, removal, or health-triggered demotion
// changes the ordering.
type Manager struct {
	mu       sync.RWMutex
	byName   map[string]*registration
	sorted   []*registration
	bus      *cacheevent.Bus
	logger   *slog.Logger
}

// NewManager creates an empty Manager. bus may be nil (events dropped).
func NewManager(bus *cacheevent.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byName: make(map[string]*registration),
		bus:    bus,
		logger: logger,
	}
}

// Register adds a provider at the given priority and wraps it with a
// circuit breaker (DOMAIN STACK: sony/gobreaker realizes circuit_open).
func (m *Manager) Register(spec Spec) {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        spec.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > demotionThreshold
		},
	})

	reg := &registration{
		name:             spec.Name,
		instance:         spec.Instance,
		priority:         spec.Priority,
		originalPriority: spec.Priority,
		breaker:          breaker,
	}

	m.mu.Lock()
	m.byName[spec.Name] = reg
	m.rebuildSortedLocked()
	m.mu.Unlock()

	m.emit(cacheevent.Event{Kind: cacheevent.KindProviderInitialized, Provider: spec.Name})
}

// Remove unregisters a provider by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	_, existed := m.byName[name]
	delete(m.byName, name)
	m.rebuildSortedLocked()
	m.mu.Unlock()

	if existed {
		m.emit(cacheevent.Event{Kind: cacheevent.KindProviderRemoved, Provider: name})
	}
}

// rebuildSortedLocked rebuilds the priority-sorted snapshot. Caller must
// hold m.mu for writing.
func (m *Manager) rebuildSortedLocked() {
	sorted := make([]*registration, 0, len(m.byName))
	for _, reg := range m.byName {
		sorted = append(sorted, reg)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority < sorted[j].priority
	})
	m.sorted = sorted
}

func (m *Manager) snapshot() []*registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*registration(nil), m.sorted...)
}

// ResetErrorCounts clears every provider's errorCount and restores
// registration-time priority ordering on the next rebuild.
func (m *Manager) ResetErrorCounts() {
	m.mu.Lock()
	for _, reg := range m.byName {
		reg.mu.Lock()
		reg.errorCount = 0
		reg.lastError = nil
		reg.mu.Unlock()
		reg.priority = reg.originalPriority
	}
	m.rebuildSortedLocked()
	m.mu.Unlock()
}

// maxPriorityLocked returns the highest configured priority across all
// providers. Caller must hold m.mu for reading or writing.
func (m *Manager) maxPriorityLocked() int {
	max := 0
	for _, reg := range m.byName {
		if reg.priority > max {
			max = reg.priority
		}
	}
	return max
}

// recordError increments errorCount, records lastError, and demotes the
// provider to the lowest read priority once errorCount exceeds the
// threshold (I6). Emits provider_error.
func (m *Manager) recordError(reg *registration, err error) {
	reg.mu.Lock()
	reg.errorCount++
	reg.lastError = err
	count := reg.errorCount
	reg.mu.Unlock()

	m.emit(cacheevent.Event{Kind: cacheevent.KindProviderError, Provider: reg.name, Err: err})

	if count > demotionThreshold {
		m.mu.Lock()
		maxPriority := m.maxPriorityLocked()
		if reg.priority <= maxPriority {
			reg.priority = maxPriority + 1
		}
		m.rebuildSortedLocked()
		m.mu.Unlock()
	}
}

// Health returns the current HealthStatus for a registered provider.
func (m *Manager) Health(name string) (HealthStatus, bool) {
	m.mu.RLock()
	reg, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return HealthStatus{}, false
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	state := HealthHealthy
	switch {
	case reg.errorCount == 0:
		state = HealthHealthy
	case reg.errorCount < demotionThreshold:
		state = HealthDegraded
	default:
		state = HealthUnhealthy
	}

	return HealthStatus{
		State:      state,
		Healthy:    reg.errorCount == 0,
		ErrorCount: reg.errorCount,
		LastError:  reg.lastError,
		Timestamp:  time.Now().UnixMilli(),
	}, true
}

func (m *Manager) emit(ev cacheevent.Event) {
	if m.bus != nil {
		m.bus.Emit(ev)
	}
}

// breakerExec executes fn through reg's circuit breaker, translating an
// open-circuit rejection into a cacheerr.KindCircuitOpen error.
func breakerExec[T any](reg *registration, fn func() (T, error)) (T, error) {
	result, err := reg.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, cacheerr.Wrap(cacheerr.KindCircuitOpen, err, "provider circuit open").WithProvider(reg.name)
		}
		return zero, err
	}
	return result.(T), nil
}

// Read iterates the sorted provider snapshot and returns the first
// non-absent value. A failing provider is recorded and skipped unless it
// is the last remaining candidate, in which case the error propagates
// (spec.md §4.6, §7).
func (m *Manager) Read(ctx context.Context, key string) (value any, found bool, err error) {
	regs := m.snapshot()
	if len(regs) == 0 {
		return nil, false, cacheerr.New(cacheerr.KindNoProvider, "no providers registered")
	}

	var lastErr error
	for i, reg := range regs {
		v, ok, err := breakerExec(reg, func() (readResult, error) {
			val, found, err := reg.instance.Get(ctx, key)
			return readResult{val, found}, err
		})
		if err != nil {
			m.recordError(reg, err)
			lastErr = err
			if i == len(regs)-1 {
				return nil, false, cacheerr.Wrap(cacheerr.KindProviderError, lastErr, "all providers failed").WithKey(key)
			}
			continue
		}
		if v.found {
			return v.value, true, nil
		}
	}
	return nil, false, nil
}

type readResult struct {
	value any
	found bool
}

// Write fans a set out to every provider concurrently (settle-all). A
// failure on the highest-priority (first) provider propagates; failures
// on secondaries are recorded but do not fail the operation.
func (m *Manager) Write(ctx context.Context, key string, value any, opts WriteOptions) error {
	regs := m.snapshot()
	if len(regs) == 0 {
		return cacheerr.New(cacheerr.KindNoProvider, "no providers registered")
	}

	errs := make([]error, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg *registration) {
			defer wg.Done()
			_, err := breakerExec(reg, func() (struct{}, error) {
				return struct{}{}, reg.instance.Set(ctx, key, value, opts)
			})
			if err != nil {
				m.recordError(reg, err)
				errs[i] = err
			}
		}(i, reg)
	}
	wg.Wait()

	if errs[0] != nil {
		return cacheerr.Wrap(cacheerr.KindProviderError, errs[0], "primary provider write failed").
			WithKey(key).WithProvider(regs[0].name)
	}
	return nil
}

// Delete fans out to every provider; the result is the logical OR of
// per-provider outcomes. Errors never fail the delete.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	regs := m.snapshot()

	var mu sync.Mutex
	deleted := false
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			d, err := breakerExec(reg, func() (bool, error) {
				return reg.instance.Delete(ctx, key)
			})
			if err != nil {
				m.recordError(reg, err)
				return
			}
			if d {
				mu.Lock()
				deleted = true
				mu.Unlock()
			}
		}(reg)
	}
	wg.Wait()
	return deleted, nil
}

// Clear fans out a clear to every provider. Errors are recorded but do not
// fail the operation.
func (m *Manager) Clear(ctx context.Context) error {
	regs := m.snapshot()
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			if err := reg.instance.Clear(ctx); err != nil {
				m.recordError(reg, err)
			}
		}(reg)
	}
	wg.Wait()
	return nil
}

// AggregateStats is the composite stats view across every registered
// provider (spec.md §4.6).
type AggregateStats struct {
	PerProvider map[string]Stats
	Aggregate   Stats
	HitRatio    float64
}

// Stats fans a stats request out to every provider and aggregates the
// result.
func (m *Manager) Stats(ctx context.Context) AggregateStats {
	regs := m.snapshot()
	out := AggregateStats{PerProvider: make(map[string]Stats, len(regs))}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			st, err := reg.instance.Stats(ctx)
			if err != nil {
				m.recordError(reg, err)
				return
			}
			mu.Lock()
			out.PerProvider[reg.name] = st
			out.Aggregate.Hits += st.Hits
			out.Aggregate.Misses += st.Misses
			out.Aggregate.KeyCount += st.KeyCount
			out.Aggregate.MemoryUsage += st.MemoryUsage
			mu.Unlock()
		}(reg)
	}
	wg.Wait()

	total := out.Aggregate.Hits + out.Aggregate.Misses
	if total > 0 {
		out.HitRatio = float64(out.Aggregate.Hits) / float64(total)
	}
	return out
}

// PrimaryBatch returns the highest-priority provider as a BatchProvider
// when it both implements that capability and reports native batch
// support, so the facade can skip the per-key GetMany/SetMany fallback.
func (m *Manager) PrimaryBatch() (BatchProvider, bool) {
	regs := m.snapshot()
	if len(regs) == 0 {
		return nil, false
	}
	bp, ok := regs[0].instance.(BatchProvider)
	if !ok || !bp.SupportsNativeBatch() {
		return nil, false
	}
	return bp, true
}

// Names returns registered provider names in priority order.
func (m *Manager) Names() []string {
	regs := m.snapshot()
	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.name
	}
	return names
}
