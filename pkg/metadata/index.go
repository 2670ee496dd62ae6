// Package metadata implements the cache's metadata index (C3): per-key
// metadata plus a tag→keys reverse index supporting the prefix/pattern
// queries bulk invalidation needs.
package metadata

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/layercache/layercache/pkg/cacheerr"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMilli() }

// Index holds metadata for every live key and the tag→keys reverse index.
// One RWMutex guards both maps; I2 (tag index consistency) holds because
// every mutation that touches Tags updates both sides under the same lock
// acquisition.
type Index struct {
	mu       sync.RWMutex
	entries  map[string]*EntryMetadata
	tagIndex map[string]map[string]struct{}
	now      Clock
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		entries:  make(map[string]*EntryMetadata),
		tagIndex: make(map[string]map[string]struct{}),
		now:      defaultClock,
	}
}

// WithClock overrides the Index's timestamp source.
func (idx *Index) WithClock(clock Clock) *Index {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.now = clock
	return idx
}

// Create initializes metadata for key. It rejects empty/whitespace keys.
func (idx *Index) Create(key string, opts CreateOptions) (*EntryMetadata, error) {
	if strings.TrimSpace(key) == "" {
		return nil, cacheerr.New(cacheerr.KindInvalidKey, "key must not be empty")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	m := &EntryMetadata{
		Tags:         tagSet(opts.Tags),
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
		TTLSeconds:   opts.TTLSeconds,
		Size:         opts.Size,
		Compressed:   opts.Compressed,
	}
	m.ExpiresAt = expiresAt(m.CreatedAt, m.TTLSeconds)

	idx.entries[key] = m
	idx.indexTagsLocked(key, nil, m.Tags)

	return m.Clone(), nil
}

// Set upserts metadata for key: if an entry exists it is updated in place,
// otherwise one is created. Tags are replaced only when opts.TagsProvided
// is true; the tag index is updated differentially.
func (idx *Index) Set(key string, partial Partial) (*EntryMetadata, error) {
	if strings.TrimSpace(key) == "" {
		return nil, cacheerr.New(cacheerr.KindInvalidKey, "key must not be empty")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	m, exists := idx.entries[key]
	if !exists {
		m = &EntryMetadata{CreatedAt: now}
		idx.entries[key] = m
	}
	oldTags := m.Tags

	applyPartialLocked(m, partial, now)
	m.ExpiresAt = expiresAt(m.CreatedAt, m.TTLSeconds)

	if partial.TagsProvided {
		idx.indexTagsLocked(key, oldTags, m.Tags)
	}

	return m.Clone(), nil
}

// Update mutates an existing entry. Fails with not_found if key is absent.
func (idx *Index) Update(key string, partial Partial) (*EntryMetadata, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok := idx.entries[key]
	if !ok {
		return nil, cacheerr.New(cacheerr.KindNotFound, "no metadata for key").WithKey(key)
	}

	oldTags := m.Tags
	applyPartialLocked(m, partial, idx.now())
	m.ExpiresAt = expiresAt(m.CreatedAt, m.TTLSeconds)

	if partial.TagsProvided {
		idx.indexTagsLocked(key, oldTags, m.Tags)
	}

	return m.Clone(), nil
}

func applyPartialLocked(m *EntryMetadata, partial Partial, now int64) {
	if partial.TagsProvided {
		m.Tags = tagSet(partial.Tags)
	}
	if partial.TTLSeconds != nil {
		m.TTLSeconds = partial.TTLSeconds
	}
	if partial.Size != nil {
		m.Size = *partial.Size
	}
	if partial.Compressed != nil {
		m.Compressed = *partial.Compressed
	}
	m.UpdatedAt = now
}

// Get returns a defensive copy of key's metadata, or (nil, false) if absent.
func (idx *Index) Get(key string) (*EntryMetadata, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	m, ok := idx.entries[key]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Delete removes key's metadata and its tag memberships. Returns whether
// the key existed.
func (idx *Index) Delete(key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok := idx.entries[key]
	if !ok {
		return false
	}
	idx.indexTagsLocked(key, m.Tags, nil)
	delete(idx.entries, key)
	return true
}

// Clear removes every entry and tag membership.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]*EntryMetadata)
	idx.tagIndex = make(map[string]map[string]struct{})
}

// TouchRefreshed stamps RefreshedAt to now, creating the entry if absent.
// Called by the compute engine (C8) whenever a fetcher successfully
// populates or refreshes a key, so staleness checks have a reference point
// independent of provider-tier writes.
func (idx *Index) TouchRefreshed(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	m, ok := idx.entries[key]
	if !ok {
		m = &EntryMetadata{CreatedAt: now, UpdatedAt: now, LastAccessed: now}
		idx.entries[key] = m
	}
	m.RefreshedAt = now
}

// RecordAccess increments AccessCount, stamps LastAccessed, and appends to
// the bounded AccessHistory ring. No-op if key is absent.
func (idx *Index) RecordAccess(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok := idx.entries[key]
	if !ok {
		return
	}
	now := idx.now()
	m.AccessCount++
	m.LastAccessed = now
	m.AccessHistory = appendHistory(m.AccessHistory, now)
}

// FindByTag returns every live key carrying tag. O(1) lookup via the
// reverse index.
func (idx *Index) FindByTag(tag string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	keys := idx.tagIndex[tag]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// FindByPrefix returns every live key with the given prefix. O(n*|prefix|).
func (idx *Index) FindByPrefix(prefix string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []string
	for k := range idx.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// FindByPattern returns every live key matching the compiled regex
// pattern. Compilation failures surface invalid_argument.
func (idx *Index) FindByPattern(pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindInvalidArgument, err, "invalid pattern")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []string
	for k := range idx.entries {
		if re.MatchString(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// IsExpired reports whether key's ExpiresAt has passed. Absent keys and
// keys with no TTL are never expired.
func (idx *Index) IsExpired(key string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	m, ok := idx.entries[key]
	if !ok || m.ExpiresAt == nil {
		return false
	}
	return *m.ExpiresAt < idx.now()
}

// Stats returns aggregate counters across every live entry.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	st := Stats{EntryCount: len(idx.entries), PerTagCounts: make(map[string]int, len(idx.tagIndex))}
	if len(idx.entries) == 0 {
		return st
	}

	now := idx.now()
	var totalAccesses uint64
	var totalTTL, ttlCount int64
	var totalAge int64

	for _, m := range idx.entries {
		totalAccesses += m.AccessCount
		totalAge += now - m.CreatedAt
		if m.TTLSeconds != nil {
			totalTTL += *m.TTLSeconds
			ttlCount++
		}
	}

	for tag, keys := range idx.tagIndex {
		st.PerTagCounts[tag] = len(keys)
	}

	n := float64(len(idx.entries))
	st.AvgAccesses = float64(totalAccesses) / n
	st.AvgAge = float64(totalAge) / n
	if ttlCount > 0 {
		st.AvgTTL = float64(totalTTL) / float64(ttlCount)
	}
	return st
}

// indexTagsLocked updates the reverse index: removes key from oldTags'
// memberships not present in newTags, adds it to newTags' memberships.
// Caller must hold idx.mu for writing.
func (idx *Index) indexTagsLocked(key string, oldTags, newTags map[string]struct{}) {
	for t := range oldTags {
		if _, stillTagged := newTags[t]; stillTagged {
			continue
		}
		if set, ok := idx.tagIndex[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(idx.tagIndex, t)
			}
		}
	}
	for t := range newTags {
		if _, alreadyTagged := oldTags[t]; alreadyTagged {
			continue
		}
		set, ok := idx.tagIndex[t]
		if !ok {
			set = make(map[string]struct{})
			idx.tagIndex[t] = set
		}
		set[key] = struct{}{}
	}
}

func expiresAt(createdAt int64, ttl *int64) *int64 {
	if ttl == nil || *ttl == 0 {
		return nil
	}
	exp := createdAt + *ttl*1000
	return &exp
}
