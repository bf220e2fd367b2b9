package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes a single event. Handlers run synchronously on the
// emitting goroutine; long work belongs in the handler's own goroutine.
type Handler func(event *Event)

// Bus is the in-process publish/subscribe hub. Subscription order is
// preserved per event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every currently known event type.
// Used by the SSE system stream.
func (b *Bus) SubscribeAll(handler Handler) {
	for _, t := range []EventType{
		TradeExecuted, TradeRejected, PolicyReloaded,
		SyncCompleted, SessionEnded, PriceUpdated, ErrorOccurred,
	} {
		b.Subscribe(t, handler)
	}
}

// Emit dispatches an event to all handlers for its type. A panicking
// handler is logged and does not affect the others.
func (b *Bus) Emit(eventType EventType, module string, data interface{}) {
	event := &Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[eventType]))
	copy(handlers, b.handlers[eventType])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h Handler, event *Event) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", p).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
