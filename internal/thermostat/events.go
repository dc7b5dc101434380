package thermostat

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventConnecting       = "connecting"
	EventConnected        = "connected"
	EventConnectionFailed = "connection_failed"
	EventDisconnected     = "disconnected"
	EventSnapshot         = "snapshot"
	EventPropertySet      = "property_set"
)

// Event is a connection transition or a state change of the thermostat.
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"` // set by Emit when zero
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty: every type
	fn        EventHandler
}

// EventBus delivers events synchronously to subscribers in the order they
// subscribed.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event and returns its unsubscribe func.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, fn EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			for i, s := range eb.subs {
				if s.id == id {
					eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit stamps the event and runs every matching handler on the calling
// goroutine. A panicking handler is logged and does not stop delivery.
// Emit on a nil bus is a no-op.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	matched := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			matched = append(matched, s.fn)
		}
	}
	eb.mu.RUnlock()

	for _, fn := range matched {
		eb.call(fn, event)
	}
}

func (eb *EventBus) call(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	fn(event)
}
