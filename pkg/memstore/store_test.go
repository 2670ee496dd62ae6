package memstore

import (
	"testing"
	"time"

	"github.com/layercache/layercache/pkg/cacheevent"
)

func newTestStore(cfg Config) *Store {
	return NewStore(cfg, cacheevent.NewBus(nil), nil)
}

func TestSetThenGetRoundTrip(t *testing.T) {
	s := newTestStore(Config{})
	if err := s.Set("k", "v", WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get("k")
	if !ok || got != "v" {
		t.Fatalf("Get = (%v, %v), want (v, true)", got, ok)
	}
}

func TestLRUEvictionScenario(t *testing.T) {
	// Literal scenario from spec.md §8 #4: maxItems=3, insert a,b,c; get(a);
	// insert d. Keys present afterwards are exactly {a,c,d}, with an
	// expire{reason:lru,key:b} event emitted.
	var evicted []cacheevent.Event
	bus := cacheevent.NewBus(nil)
	bus.Subscribe(cacheevent.KindExpire, func(ev cacheevent.Event) { evicted = append(evicted, ev) })

	s := NewStore(Config{MaxItems: 3}, bus, nil)
	s.Set("a", 1, WriteOptions{})
	s.Set("b", 2, WriteOptions{})
	s.Set("c", 3, WriteOptions{})
	s.Get("a") // a becomes most-recently-used; b is now the LRU candidate
	s.Set("d", 4, WriteOptions{})

	keys := map[string]bool{}
	for _, k := range s.Keys() {
		keys[k] = true
	}
	want := map[string]bool{"a": true, "c": true, "d": true}
	if len(keys) != 3 {
		t.Fatalf("Keys() = %v, want exactly {a,c,d}", keys)
	}
	for k := range want {
		if !keys[k] {
			t.Fatalf("expected %q present, got %v", k, keys)
		}
	}
	if keys["b"] {
		t.Fatal("expected b evicted")
	}

	found := false
	for _, ev := range evicted {
		if ev.Reason == "lru" && ev.Key == "b" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected expire{reason:lru,key:b} event, got %v", evicted)
	}
}

func TestCapacityInvariantHoldsAfterEverySet(t *testing.T) {
	s := newTestStore(Config{MaxItems: 5})
	for i := 0; i < 50; i++ {
		s.Set(string(rune('a'+i%26))+"-"+string(rune(i)), i, WriteOptions{})
		if s.Len() > 5 {
			t.Fatalf("Len() = %d, want <= 5 after every Set", s.Len())
		}
	}
}

func TestTTLZeroNeverExpiresByTime(t *testing.T) {
	tick := int64(0)
	s := newTestStore(Config{}).WithClock(func() int64 { return tick })
	s.Set("k", "v", WriteOptions{TTL: 0})

	tick = int64(time.Hour.Milliseconds() * 1000)
	if _, ok := s.Get("k"); !ok {
		t.Fatal("ttl=0 entry should never expire by time")
	}
}

func TestEntryExpiresAtNowIsExpiredOnNextRead(t *testing.T) {
	tick := int64(1000)
	s := newTestStore(Config{}).WithClock(func() int64 { return tick })
	s.Set("k", "v", WriteOptions{TTL: time.Second})

	meta, ok := s.Metadata("k")
	if !ok {
		t.Fatal("expected metadata for k")
	}

	tick = *meta.ExpiresAt // now == expiresAt
	if _, ok := s.Get("k"); ok {
		t.Fatal("entry whose expiresAt == now should be treated as expired")
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	s := newTestStore(Config{Compression: true, CompressionThreshold: 4})
	big := map[string]any{"payload": "this value is definitely over four bytes long"}

	if err := s.Set("k", big, WriteOptions{Compression: true, CompressionThreshold: 4}); err != nil {
		t.Fatal(err)
	}

	meta, _ := s.Metadata("k")
	if !meta.Compressed {
		t.Fatal("expected entry to be compressed")
	}

	got, ok := s.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	m, ok := got.(map[string]any)
	if !ok || m["payload"] != big["payload"] {
		t.Fatalf("round-tripped value = %v, want %v", got, big)
	}
}

func TestDeleteIdempotentReturnValue(t *testing.T) {
	// set/delete/clear events are emitted by the facade, not the store
	// (see pkg/cache.Manager), so this only checks Delete's return value.
	s := newTestStore(Config{})
	s.Set("k", "v", WriteOptions{})

	if !s.Delete("k") {
		t.Fatal("first delete should return true")
	}
	if s.Delete("k") {
		t.Fatal("second delete should return false")
	}
}

func TestClearResetsKeyCount(t *testing.T) {
	s := newTestStore(Config{})
	s.Set("a", 1, WriteOptions{})
	s.Set("b", 2, WriteOptions{})
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", s.Len())
	}
}

func TestValueExceedingMaxSizeRejected(t *testing.T) {
	s := newTestStore(Config{MaxSize: 4})
	err := s.Set("k", "this is definitely more than four bytes", WriteOptions{})
	if err == nil {
		t.Fatal("expected error for oversized value")
	}
}
