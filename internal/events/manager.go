package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives one event of the type it was registered for.
type Handler func(source string, data EventData)

// Manager is a simple synchronous fan-out bus: Emit calls every handler
// registered for the event's type, in registration order, on the caller's
// goroutine. Handlers must not block — this is an observation point for
// logging/archival, not a work queue.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewManager creates an empty event bus.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// On registers a handler for an event type.
func (m *Manager) On(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Emit invokes every handler registered for data's event type.
func (m *Manager) Emit(source string, data EventData) {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers[data.EventType()]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Str("source", source).Msg("event handler panicked")
				}
			}()
			h(source, data)
		}()
	}
}
