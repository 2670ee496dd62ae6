// Package compute implements the compute/refresh engine (C8): at-most-one
// in-flight compute per key, retry with exponential backoff, fractional-TTL
// staleness detection, and a background scheduler that revalidates stale
// entries without blocking readers.
package compute

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/layercache/layercache/pkg/cacheerr"
	"github.com/layercache/layercache/pkg/cacheevent"
	"github.com/layercache/layercache/pkg/metadata"
	"github.com/layercache/layercache/pkg/provider"
)

const (
	defaultRefreshThreshold = 0.75
	defaultMaxRetries       = 3
	defaultBaseDelay        = time.Second
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMilli() }

// Fetcher computes the value for a key on a miss or stale hit.
type Fetcher func(ctx context.Context) (any, error)

// Options configures a single getOrCompute call. Zero RefreshThreshold,
// MaxRetries and BaseDelay fall back to the Engine's configured defaults;
// the other fields are used as given (Config.BackgroundRefresh is not
// consulted).
type Options struct {
	TTL               time.Duration
	Tags              []string
	RefreshThreshold  float64
	BackgroundRefresh bool
	StaleIfError      bool
	Timeout           time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
}

// Config holds Engine-wide defaults applied when an Options field is unset.
type Config struct {
	RefreshThreshold  float64
	MaxRetries        int
	BaseDelay         time.Duration
	BackgroundRefresh bool
}

// Engine owns the in-flight dedup group and the background refresh
// scheduler. A single sync.Mutex inside singleflight.Group already
// guarantees I5; the Engine adds no additional locking around fetcher
// invocations.
type Engine struct {
	sf        singleflight.Group
	manager   *provider.Manager
	metaIdx   *metadata.Index
	bus       *cacheevent.Bus
	logger    *slog.Logger
	cfg       Config
	now       Clock
	scheduler *Scheduler
}

// NewEngine wires a compute engine against the provider manager and
// metadata index it reads through and writes through.
func NewEngine(manager *provider.Manager, metaIdx *metadata.Index, bus *cacheevent.Bus, logger *slog.Logger, cfg Config) *Engine {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		manager: manager,
		metaIdx: metaIdx,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		now:     defaultClock,
	}
	e.scheduler = NewScheduler(e, time.Second)
	return e
}

// WithClock overrides the Engine's (and its scheduler's) timestamp source.
func (e *Engine) WithClock(clock Clock) *Engine {
	e.now = clock
	e.scheduler.now = clock
	return e
}

// Scheduler exposes the background refresh scheduler so the application
// can drive it with Run and the cache manager facade can Cancel its tasks.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

func (e *Engine) effectiveOptions(opts Options) Options {
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = e.cfg.RefreshThreshold
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = e.cfg.MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = e.cfg.BaseDelay
	}
	return opts
}

func (e *Engine) emit(ev cacheevent.Event) {
	if e.bus != nil {
		e.bus.Emit(ev)
	}
}

// IsStale reports whether an entry refreshed at refreshedAt with the given
// ttl is stale under threshold, per spec.md §4.7: stale iff
// (now - refreshedAt) > ttl * threshold. A zero refreshedAt (never
// computed) or non-positive ttl is never stale by this formula.
func IsStale(now, refreshedAt int64, ttl time.Duration, threshold float64) bool {
	if refreshedAt == 0 || ttl <= 0 {
		return false
	}
	age := time.Duration(now-refreshedAt) * time.Millisecond
	return age > time.Duration(float64(ttl)*threshold)
}

// GetOrCompute implements §4.7's read-through-compute flow: a hit that
// isn't stale returns directly; a stale hit with BackgroundRefresh set
// returns the current value and triggers (or leaves running) exactly one
// background refresh, while without it the value is recomputed
// synchronously; a miss computes synchronously. Synchronous computes are
// deduplicated across concurrent callers of the same key.
func (e *Engine) GetOrCompute(ctx context.Context, key string, fetcher Fetcher, opts Options) (any, error) {
	opts = e.effectiveOptions(opts)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	value, found, err := e.manager.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	if found {
		meta, _ := e.metaIdx.Get(key)
		var refreshedAt int64
		ttl := opts.TTL
		if meta != nil {
			refreshedAt = meta.RefreshedAt
			if meta.TTLSeconds != nil {
				ttl = time.Duration(*meta.TTLSeconds) * time.Second
			}
		}

		if !IsStale(e.now(), refreshedAt, ttl, opts.RefreshThreshold) {
			e.emit(cacheevent.Event{Kind: cacheevent.KindGetHit, Key: key})
			return value, nil
		}

		e.emit(cacheevent.Event{Kind: cacheevent.KindGetStale, Key: key})
		if opts.BackgroundRefresh {
			e.scheduleRefresh(key, fetcher, opts)
			return value, nil
		}
		// No background refresh: recompute synchronously, falling back to
		// the stale value on failure when staleIfError is set.
		return e.computeAndStore(ctx, key, fetcher, opts, value, found)
	}

	e.emit(cacheevent.Event{Kind: cacheevent.KindGetMiss, Key: key})
	return e.computeAndStore(ctx, key, fetcher, opts, value, found)
}

// computeAndStore runs fetcher under singleflight dedup, retries it with
// exponential backoff, writes a success through the provider stack, and
// falls back to the previous (stale) value on exhausted retries when
// staleIfError is set.
func (e *Engine) computeAndStore(ctx context.Context, key string, fetcher Fetcher, opts Options, previous any, previousFound bool) (any, error) {
	traceID := uuid.NewString()

	result, err, _ := e.sf.Do(key, func() (any, error) {
		started := time.Now()
		e.logger.Debug("compute started", "key", key, "trace_id", traceID)
		e.emit(cacheevent.Event{Kind: cacheevent.KindComputeStart, Key: key})

		v, computeErr := retryWithBackoff(ctx, opts.MaxRetries, opts.BaseDelay, func() (any, error) {
			return fetcher(ctx)
		})
		if computeErr != nil {
			wrapped := cacheerr.Normalize(computeErr, "compute")
			e.emit(cacheevent.Event{Kind: cacheevent.KindComputeError, Key: key, Err: wrapped, Duration: time.Since(started)})

			if opts.StaleIfError && previousFound {
				return previous, nil
			}
			return nil, wrapped
		}

		if writeErr := e.manager.Write(ctx, key, v, provider.WriteOptions{TTL: opts.TTL, Tags: opts.Tags}); writeErr != nil {
			wrapped := cacheerr.Normalize(writeErr, "compute")
			e.emit(cacheevent.Event{Kind: cacheevent.KindComputeError, Key: key, Err: wrapped, Duration: time.Since(started)})
			return nil, wrapped
		}
		e.emit(cacheevent.Event{Kind: cacheevent.KindSet, Key: key})

		partial := metadata.Partial{Tags: opts.Tags, TagsProvided: opts.Tags != nil}
		if opts.TTL > 0 {
			secs := int64(opts.TTL.Seconds())
			partial.TTLSeconds = &secs
		}
		if _, err := e.metaIdx.Set(key, partial); err != nil {
			e.logger.Warn("metadata update after compute failed", "key", key, "error", err)
		}
		e.metaIdx.TouchRefreshed(key)

		e.emit(cacheevent.Event{Kind: cacheevent.KindComputeSuccess, Key: key, Duration: time.Since(started)})
		return v, nil
	})

	return result, err
}

// scheduleRefresh ensures exactly one RefreshTask exists for key (I5's
// background-refresh counterpart) and emits refresh_start only when it was
// newly created (P5).
func (e *Engine) scheduleRefresh(key string, fetcher Fetcher, opts Options) {
	created := e.scheduler.Ensure(&RefreshTask{
		Key:           key,
		Fetcher:       fetcher,
		Options:       opts,
		NextRefreshAt: e.now(),
	})
	if created {
		e.emit(cacheevent.Event{Kind: cacheevent.KindRefreshStart, Key: key})
	}
}

// retryWithBackoff runs fn up to maxRetries+1 times total, sleeping
// baseDelay*2^attempt between attempts. The context bounds the whole
// sequence, including backoff sleeps (Open Question resolution in
// spec.md's Design Notes: timeout bounds retries).
func retryWithBackoff(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, classifyContextErr(err)
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, classifyContextErr(ctx.Err())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return cacheerr.Wrap(cacheerr.KindTimeout, err, "compute timed out")
	}
	return cacheerr.Wrap(cacheerr.KindOperationAborted, err, "compute cancelled")
}
