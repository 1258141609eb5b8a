package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives events. Handlers run synchronously on the emitting goroutine.
type Handler func(event *Event)

// SubscriptionID identifies a handler registration
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus is a synchronous publish/subscribe bus
type Bus struct {
	mu       sync.RWMutex
	nextID   SubscriptionID
	handlers map[EventType][]subscription
	log      zerolog.Logger
	now      func() time.Time
}

// NewBus creates an empty bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
		log:      log.With().Str("component", "event_bus").Logger(),
		now:      time.Now,
	}
}

// Subscribe registers handler for eventType
func (b *Bus) Subscribe(eventType EventType, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: b.nextID, handler: handler})
	return b.nextID
}

// Unsubscribe removes a registration. Unknown ids are ignored.
func (b *Bus) Unsubscribe(eventType EventType, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit publishes data to every handler of eventType. A panicking handler is
// logged and does not prevent the remaining handlers from running.
func (b *Bus) Emit(eventType EventType, module string, data EventData) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[eventType]))
	copy(subs, b.handlers[eventType])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	event := &Event{
		Type:      eventType,
		Timestamp: b.now(),
		Module:    module,
		Data:      data,
	}
	for _, s := range subs {
		b.dispatch(s, event)
	}
}

func (b *Bus) dispatch(s subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	s.handler(event)
}

// Manager is the emitting side handed to modules
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager wraps bus
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("component", "event_manager").Logger(),
	}
}

// EmitTyped publishes typed event data
func (m *Manager) EmitTyped(eventType EventType, module string, data EventData) {
	if m == nil || m.bus == nil {
		return
	}
	m.log.Debug().Str("event_type", string(eventType)).Str("module", module).Msg("Emitting event")
	m.bus.Emit(eventType, module, data)
}
