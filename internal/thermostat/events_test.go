package thermostat

import (
	"testing"
	"time"
)

func TestEventBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var got []string
	bus.OnAll(func(e Event) { got = append(got, "all1:"+e.Type) })
	bus.On(EventConnected, func(e Event) { got = append(got, "connected:"+e.Type) })
	bus.On(EventSnapshot, func(e Event) { got = append(got, "snapshot:"+e.Type) })
	bus.OnAll(func(e Event) { got = append(got, "all2:"+e.Type) })

	bus.Emit(Event{Type: EventConnected})

	want := []string{"all1:connected", "connected:connected", "all2:connected"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var a, b int
	unsubA := bus.On(EventSnapshot, func(Event) { a++ })
	bus.On(EventSnapshot, func(Event) { b++ })

	bus.Emit(Event{Type: EventSnapshot})
	unsubA()
	unsubA()
	bus.Emit(Event{Type: EventSnapshot})

	if a != 1 || b != 2 {
		t.Errorf("a = %d, b = %d, want 1 and 2", a, b)
	}
}

func TestEventBusStampsTime(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var got []time.Time
	bus.OnAll(func(e Event) { got = append(got, e.Time) })

	before := time.Now()
	bus.Emit(Event{Type: EventConnecting})
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Emit(Event{Type: EventConnected, Time: fixed})

	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Before(before) {
		t.Errorf("stamped time %v before emit at %v", got[0], before)
	}
	if !got[1].Equal(fixed) {
		t.Errorf("explicit time overwritten: %v", got[1])
	}
}

func TestEventBusRecoversPanics(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	called := false
	bus.OnAll(func(Event) { panic("boom") })
	bus.OnAll(func(Event) { called = true })

	bus.Emit(Event{Type: EventDisconnected})
	if !called {
		t.Error("handler after a panicking one was not called")
	}
}

func TestEventBusNilSafe(t *testing.T) {
	var bus *EventBus
	bus.Emit(Event{Type: EventConnected})
}
