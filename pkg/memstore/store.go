// Package memstore implements the in-memory storage engine (C5): an
// LRU-bounded, TTL-aware store with optional per-entry compression.
package memstore

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/layercache/layercache/pkg/cacheerr"
	"github.com/layercache/layercache/pkg/cacheevent"
	"github.com/layercache/layercache/pkg/metadata"
)

const (
	defaultMaxSize    = 100 << 20 // 100 MiB
	defaultMaxItems   = 10000
	defaultTTL        = 3600 * time.Second
	sizeFallbackBytes = 1024
)

// Config configures a Store. Zero values fall back to spec.md §4.5's
// defaults via NewStore.
type Config struct {
	MaxSize        int64
	MaxItems       int
	DefaultTTL     time.Duration
	UpdateAgeOnGet *bool // nil means true
	Compression    bool
	CompressionThreshold int
	Compressor     Compressor
}

type node struct {
	key        string
	payload    any    // decompressed value, nil if Compressed
	compressed []byte // compressed blob, nil if !Compressed
	algorithm  string
	meta       *metadata.EntryMetadata
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMilli() }

// Store is the bounded, TTL-aware, optionally compressed in-memory cache
// tier. A single sync.Mutex guards the LRU list, the key index, and
// total-size accounting together, per spec.md §5's shared-resource
// discipline.
type Store struct {
	mu         sync.Mutex
	index      map[string]*list.Element // key -> element holding *node
	lru        *list.List               // front = least recently used
	totalSize  int64
	cfg        Config
	now        Clock
	bus        *cacheevent.Bus
	logger     *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewStore creates a Store with defaults filled in for zero-valued Config
// fields.
func NewStore(cfg Config, bus *cacheevent.Bus, logger *slog.Logger) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.UpdateAgeOnGet == nil {
		updateAge := true
		cfg.UpdateAgeOnGet = &updateAge
	}
	if cfg.Compressor == nil {
		cfg.Compressor = GzipCompressor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		index:  make(map[string]*list.Element),
		lru:    list.New(),
		cfg:    cfg,
		now:    defaultClock,
		bus:    bus,
		logger: logger,
	}
}

// WithClock overrides the Store's timestamp source.
func (s *Store) WithClock(clock Clock) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = clock
	return s
}

// Get looks up key. On a TTL-expired hit it deletes the entry and reports
// a miss. On a compressed entry whose codec fails, it falls back to
// returning the raw compressed bytes and emits an error event carrying
// data_integrity_error (spec.md §4.5's documented best-effort fallback).
func (s *Store) Get(key string) (value any, found bool) {
	s.mu.Lock()

	el, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		s.misses.Add(1)
		return nil, false
	}
	n := el.Value.(*node)

	if n.meta.ExpiresAt != nil && *n.meta.ExpiresAt <= s.now() {
		s.removeLocked(el)
		s.mu.Unlock()
		s.misses.Add(1)
		s.emit(cacheevent.Event{Kind: cacheevent.KindExpire, Key: key, Reason: "ttl"})
		return nil, false
	}
	s.hits.Add(1)

	if *s.cfg.UpdateAgeOnGet {
		now := s.now()
		n.meta.LastAccessed = now
		n.meta.AccessCount++
		s.lru.MoveToBack(el)
	}

	var out any
	if n.meta.Compressed {
		raw, err := s.cfg.Compressor.Decompress(n.compressed, n.algorithm)
		if err != nil {
			s.mu.Unlock()
			s.emit(cacheevent.Event{
				Kind: cacheevent.KindError, Key: key,
				Err: cacheerr.Wrap(cacheerr.KindDataIntegrityError, err, "decompression failed").WithKey(key),
			})
			return n.compressed, true
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			s.mu.Unlock()
			s.emit(cacheevent.Event{
				Kind: cacheevent.KindError, Key: key,
				Err: cacheerr.Wrap(cacheerr.KindDataIntegrityError, err, "payload parse failed").WithKey(key),
			})
			return raw, true
		}
		out = decoded
	} else {
		out = n.payload
	}

	s.mu.Unlock()
	return out, true
}

// WriteOptions mirrors provider.WriteOptions without importing the
// provider package, keeping memstore a leaf dependency.
type WriteOptions struct {
	TTL                  time.Duration
	Tags                 []string
	Compression          bool
	CompressionThreshold int
}

// Set stores value for key, applying compression and eviction policy.
// Values whose post-processing size exceeds MaxSize are rejected.
func (s *Store) Set(key string, value any, opts WriteOptions) error {
	payload, compressedBlob, algorithm, compressed, size, err := s.prepare(value, opts)
	if err != nil {
		return err
	}
	if size > s.cfg.MaxSize {
		return cacheerr.New(cacheerr.KindInvalidValue, "value exceeds maxSize").WithKey(key)
	}

	s.mu.Lock()

	ttl := opts.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	now := s.now()

	var expiresAt *int64
	if ttl > 0 {
		exp := now + ttl.Milliseconds()
		expiresAt = &exp
	}
	var ttlSeconds *int64
	if ttl > 0 {
		secs := int64(ttl.Seconds())
		ttlSeconds = &secs
	}

	if existing, ok := s.index[key]; ok {
		s.removeLocked(existing)
	}

	n := &node{
		key:        key,
		payload:    payload,
		compressed: compressedBlob,
		algorithm:  algorithm,
		meta: &metadata.EntryMetadata{
			Tags:         tagSet(opts.Tags),
			CreatedAt:    now,
			UpdatedAt:    now,
			LastAccessed: now,
			TTLSeconds:   ttlSeconds,
			ExpiresAt:    expiresAt,
			Size:         size,
			Compressed:   compressed,
		},
	}

	el := s.lru.PushBack(n)
	s.index[key] = el
	s.totalSize += size

	evicted := s.evictLocked()

	s.mu.Unlock()

	for _, k := range evicted {
		s.emit(cacheevent.Event{Kind: cacheevent.KindExpire, Key: k, Reason: "lru"})
	}
	return nil
}

// evictLocked evicts in LRU order until both the item-count and
// total-size invariants (I4) hold, returning the evicted keys so the
// caller can emit events after releasing s.mu (events must never be
// emitted while holding the store lock, since a subscriber is free to
// call back into the Store). Caller must hold s.mu.
func (s *Store) evictLocked() []string {
	var evicted []string
	for (len(s.index) > s.cfg.MaxItems || s.totalSize > s.cfg.MaxSize) && s.lru.Len() > 0 {
		front := s.lru.Front()
		n := front.Value.(*node)
		s.removeLocked(front)
		evicted = append(evicted, n.key)
	}
	return evicted
}

// removeLocked detaches el from the LRU list and index, adjusting
// totalSize. Caller must hold s.mu.
func (s *Store) removeLocked(el *list.Element) {
	n := el.Value.(*node)
	s.lru.Remove(el)
	delete(s.index, n.key)
	s.totalSize -= n.meta.Size
}

func (s *Store) emit(ev cacheevent.Event) {
	if s.bus != nil {
		s.bus.Emit(ev)
	}
}

// Has reports whether key is present and not TTL-expired.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes key. Returns whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	el, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(el)
	s.mu.Unlock()
	return true
}

// Clear removes every entry. set/delete/clear events are emitted by the
// facade (spec.md §4.1), not here — memstore emits only expire events
// (§4.5) plus error events for entries it cannot decode on Get, so a
// write through the stack isn't counted twice on the event spine.
func (s *Store) Clear() {
	s.mu.Lock()
	s.index = make(map[string]*list.Element)
	s.lru = list.New()
	s.totalSize = 0
	s.mu.Unlock()
}

// Keys returns every live key.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index))
	for k := range s.index {
		out = append(out, k)
	}
	return out
}

// Metadata returns a defensive copy of key's mirrored metadata.
func (s *Store) Metadata(key string) (*metadata.EntryMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*node).meta.Clone(), true
}

// Len returns the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// TotalSize returns the current total byte-size estimate.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// Hits returns the cumulative count of Get calls that found a live entry.
func (s *Store) Hits() int64 { return s.hits.Load() }

// Misses returns the cumulative count of Get calls that found nothing or
// a TTL-expired entry.
func (s *Store) Misses() int64 { return s.misses.Load() }

// prepare applies compression policy and computes the size estimate used
// for capacity accounting (spec.md §4.5).
func (s *Store) prepare(value any, opts WriteOptions) (payload any, compressedBlob []byte, algorithm string, compressed bool, size int64, err error) {
	compression := opts.Compression || s.cfg.Compression
	threshold := opts.CompressionThreshold
	if threshold == 0 {
		threshold = s.cfg.CompressionThreshold
	}

	rawSize := estimateSize(value)

	if compression && threshold > 0 && rawSize > int64(threshold) {
		encoded, err := json.Marshal(value)
		if err != nil {
			return value, nil, "", false, rawSize, nil // degrade to uncompressed on serialization failure
		}
		blob, algo, cerr := s.cfg.Compressor.Compress(encoded)
		if cerr != nil {
			return value, nil, "", false, rawSize, nil // degrade to uncompressed on compression failure
		}
		return nil, blob, algo, true, int64(len(blob)), nil
	}

	return value, nil, "", false, rawSize, nil
}

// estimateSize implements spec.md §4.5's size-estimation fallbacks.
func estimateSize(value any) int64 {
	switch v := value.(type) {
	case string:
		return int64(len(v)) // a Go string is already UTF-8 bytes
	case []byte:
		return int64(len(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return 8
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return sizeFallbackBytes
		}
		return int64(len(b))
	}
}

func tagSet(tags []string) map[string]struct{} {
	if tags == nil {
		return nil
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}
