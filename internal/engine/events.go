package engine

import (
	"log/slog"
	"sync"
)

// EventType identifies one kind of engine notification.
type EventType string

// Events emitted by the engine. Handlers always observe state that has
// already been committed: emission happens after the engine's mutex is
// released.
const (
	EventObservation   EventType = "observation"
	EventRapidWind     EventType = "rapid_wind"
	EventLightning     EventType = "lightning"
	EventRainStart     EventType = "rain_start"
	EventForecast      EventType = "forecast"
	EventStations      EventType = "stations"
	EventStationChange EventType = "station_change"
	EventConnection    EventType = "connection"
	EventUDPToggle     EventType = "udp_toggle"
	EventError         EventType = "error"
)

// Event is one engine notification.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// subscription holds one registered handler. An empty match receives
// every event type.
type subscription struct {
	id      uint64
	match   EventType
	handler EventHandler
}

// EventBus provides pub/sub for engine events, so UI layers re-render on
// notification instead of polling.
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

// On registers a handler for one event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType EventType, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(match EventType, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, match: match, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, sub := range eb.subs {
			if sub.id == id {
				eb.subs = append(eb.subs[:i], eb.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit sends an event to all matching handlers, in subscription order.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, sub := range eb.subs {
		if sub.match == "" || sub.match == event.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
