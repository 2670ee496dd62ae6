package cacheevent

import (
	"testing"
)

func TestSubscribeReceivesMatchingKindOnly(t *testing.T) {
	bus := NewBus(nil)

	var hits, misses int
	bus.Subscribe(KindGetHit, func(Event) { hits++ })
	bus.Subscribe(KindGetMiss, func(Event) { misses++ })

	bus.Emit(Event{Kind: KindGetHit, Key: "a"})
	bus.Emit(Event{Kind: KindGetHit, Key: "b"})
	bus.Emit(Event{Kind: KindGetMiss, Key: "c"})

	if hits != 2 {
		t.Fatalf("hits = %d, want 2", hits)
	}
	if misses != 1 {
		t.Fatalf("misses = %d, want 1", misses)
	}
}

func TestSubscribeAllReceivesEveryKind(t *testing.T) {
	bus := NewBus(nil)

	var seen []Kind
	bus.SubscribeAll(func(ev Event) { seen = append(seen, ev.Kind) })

	bus.Emit(Event{Kind: KindSet})
	bus.Emit(Event{Kind: KindDelete})

	if len(seen) != 2 || seen[0] != KindSet || seen[1] != KindDelete {
		t.Fatalf("seen = %v, want [set delete]", seen)
	}
}

func TestEmitRecoversPanickingHandler(t *testing.T) {
	bus := NewBus(nil)

	var ranAfterPanic bool
	bus.Subscribe(KindError, func(Event) { panic("boom") })
	bus.Subscribe(KindError, func(Event) { ranAfterPanic = true })

	// Must not panic out of Emit.
	bus.Emit(Event{Kind: KindError})

	if !ranAfterPanic {
		t.Fatal("handler registered after a panicking handler did not run")
	}
}

func TestEmitStampsTimestampWhenZero(t *testing.T) {
	bus := NewBus(nil).WithClock(func() int64 { return 42 })

	var got Event
	bus.SubscribeAll(func(ev Event) { got = ev })

	bus.Emit(Event{Kind: KindSet})
	if got.Timestamp != 42 {
		t.Fatalf("Timestamp = %d, want 42", got.Timestamp)
	}

	bus.Emit(Event{Kind: KindSet, Timestamp: 7})
	if got.Timestamp != 7 {
		t.Fatalf("Timestamp = %d, want 7 (explicit timestamp must not be overwritten)", got.Timestamp)
	}
}
