package inventory

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventSyncCompleted = "sync_completed"
	EventSyncFailed    = "sync_failed"
	EventStationUpdate = "station_update"
	EventDeviceUpdate  = "device_update"
	EventActionResult  = "action_result"
	EventAlarm         = "alarm"
	EventMQTTStatus    = "mqtt_status"
)

// Event is a gateway notification. Station and Device are set when the
// event concerns one of them.
type Event struct {
	Type    string         `json:"type"`
	Station string         `json:"station,omitempty"`
	Device  string         `json:"device,omitempty"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id      uint64
	typ     string // "" matches every type
	handler Handler
}

// EventBus fans events out to subscribers synchronously.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus returns an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes to one event type. The returned func unsubscribes.
func (b *EventBus) On(eventType string, h Handler) func() {
	return b.add(eventType, h)
}

// OnAll subscribes to every event.
func (b *EventBus) OnAll(h Handler) func() {
	return b.add("", h)
}

func (b *EventBus) add(typ string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: typ, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev to matching subscribers in subscription order. A
// panicking handler is logged and skipped.
func (b *EventBus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	var targets []Handler
	for _, s := range b.subs {
		if s.typ == "" || s.typ == ev.Type {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, ev)
	}
}

func (b *EventBus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
