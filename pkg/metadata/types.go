package metadata

// historyCap bounds EntryMetadata.AccessHistory per spec.md §3.1.
const historyCap = 10

// EntryMetadata is the per-key record owned by Index and mirrored into the
// memory storage engine where convenient (spec.md §9, Design Notes).
// All timestamps are unix milliseconds.
type EntryMetadata struct {
	Tags          map[string]struct{}
	CreatedAt     int64
	UpdatedAt     int64
	LastAccessed  int64
	AccessCount   uint64
	TTLSeconds    *int64
	ExpiresAt     *int64
	Size          int64
	Compressed    bool
	AccessHistory []int64
	RefreshedAt   int64 // last time a compute/refresh populated this entry
}

// Clone returns a defensive deep copy, so callers can't mutate Index state
// through a returned pointer (spec.md §4.3, Get "returns a defensive
// copy").
func (m *EntryMetadata) Clone() *EntryMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Tags != nil {
		c.Tags = make(map[string]struct{}, len(m.Tags))
		for t := range m.Tags {
			c.Tags[t] = struct{}{}
		}
	}
	if m.TTLSeconds != nil {
		ttl := *m.TTLSeconds
		c.TTLSeconds = &ttl
	}
	if m.ExpiresAt != nil {
		exp := *m.ExpiresAt
		c.ExpiresAt = &exp
	}
	if m.AccessHistory != nil {
		c.AccessHistory = append([]int64(nil), m.AccessHistory...)
	}
	return &c
}

// TagSlice returns Tags as a sorted-by-insertion-irrelevant slice, useful
// for serialization and event payloads.
func (m *EntryMetadata) TagSlice() []string {
	if len(m.Tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.Tags))
	for t := range m.Tags {
		out = append(out, t)
	}
	return out
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

func appendHistory(history []int64, ts int64) []int64 {
	history = append(history, ts)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	return history
}

// CreateOptions configures a newly created entry.
type CreateOptions struct {
	Tags       []string
	TTLSeconds *int64
	Size       int64
	Compressed bool
}

// Partial describes a partial update to an existing entry. Nil fields are
// left untouched; Tags is distinguished from "not provided" via
// TagsProvided so an explicit empty slice can clear tags without an
// omitted field clobbering them (spec.md §4.3 edge case).
type Partial struct {
	Tags         []string
	TagsProvided bool
	TTLSeconds   *int64
	Size         *int64
	Compressed   *bool
}

// Stats is the aggregate view returned by Index.Stats.
type Stats struct {
	EntryCount   int
	AvgAccesses  float64
	AvgTTL       float64
	AvgAge       float64
	PerTagCounts map[string]int
}
