package pool

import (
	"log/slog"
	"sync"

	"lvp-hub/internal/logsink"
)

// Event types emitted by the pool.
const (
	EventLinkReady         = "link_ready"
	EventMessage           = "message"
	EventBackgroundStarted = "background_started"
	EventBackgroundStopped = "background_stopped"
)

// Event is one pool-level occurrence, consumed by the web, MQTT and
// automation layers.
type Event struct {
	Type string `json:"type"`
	Link string `json:"link"`
	Data any    `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine; keep them fast and never call back into a link from one.
type Handler func(Event)

// EventBus is a small synchronous publish/subscribe hub.
type EventBus struct {
	logger *slog.Logger

	mu      sync.RWMutex
	nextID  int
	byType  map[string]map[int]Handler
	allSubs map[int]Handler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger:  logger.With("component", "events"),
		byType:  make(map[string]map[int]Handler),
		allSubs: make(map[int]Handler),
	}
}

// On subscribes to one event type. The returned function unsubscribes.
func (b *EventBus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[int]Handler)
	}
	b.byType[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byType[eventType], id)
	}
}

// OnAll subscribes to every event type.
func (b *EventBus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allSubs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allSubs, id)
	}
}

// Emit delivers the event to all matching subscribers. A panicking
// handler is logged and does not stop delivery.
func (b *EventBus) Emit(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byType[e.Type])+len(b.allSubs))
	for _, h := range b.byType[e.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allSubs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, e)
	}
}

func (b *EventBus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", e.Type, "err", r)
		}
	}()
	h(e)
}

// EventSink adapts the bus to logsink.Sink so every message a link logs
// becomes a message event. Handlers must not touch the emitting link;
// links log while holding their own lock.
type EventSink struct {
	Bus *EventBus
}

func (s EventSink) Log(e logsink.Entry) {
	s.Bus.Emit(Event{Type: EventMessage, Link: e.Link, Data: string(e.Data)})
}
