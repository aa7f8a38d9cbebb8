// Package eventbus provides the publish/subscribe hub that announces endpoint
// lifecycle transitions to external observers. The hub is a plain value owned
// by whoever constructs the registry; there is intentionally no package-level
// default so every running instance gets exactly one bus with an explicit
// lifecycle.
package eventbus

import (
	"sync"
	"time"
)

// EventType names one category of endpoint notification.
type EventType string

const (
	EndpointStarted  EventType = "endpoint_started"
	EndpointStopped  EventType = "endpoint_stopped"
	ToolsChanged     EventType = "tools_changed"
	ResourcesChanged EventType = "resources_changed"
)

// Event is delivered to every handler subscribed to its type. Data carries an
// event-specific payload (for example, the recorded error message when an
// endpoint stops after a failure) and may be nil.
type Event struct {
	EndpointID string
	Timestamp  time.Time
	Data       any
}

// Handler receives events synchronously in emission order. Handlers observing
// one endpoint's stream of a given type see events in the order they were
// emitted; no ordering is guaranteed across different event types. Handlers
// must tolerate duplicate delivery.
type Handler func(Event)

// Subscription identifies one registered handler and can cancel it.
type Subscription struct {
	bus   *Bus
	event EventType
	id    uint64
}

// Cancel removes the handler. Cancelling twice is a no-op.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	if handlers, ok := s.bus.subs[s.event]; ok {
		delete(handlers, s.id)
	}
	s.bus.mu.Unlock()
	s.bus = nil
}

// Bus fans events out to subscribed handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventType]map[uint64]Handler
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[EventType]map[uint64]Handler)}
}

// On registers a handler for the given event type.
func (b *Bus) On(event EventType, handler Handler) *Subscription {
	if handler == nil {
		return &Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	handlers, ok := b.subs[event]
	if !ok {
		handlers = make(map[uint64]Handler)
		b.subs[event] = handlers
	}
	handlers[id] = handler
	return &Subscription{bus: b, event: event, id: id}
}

// Emit delivers the event to every current subscriber of its type. Dispatch is
// synchronous in the caller's goroutine so that one endpoint's emissions keep
// their order. When Timestamp is zero it is stamped with the current time.
func (b *Bus) Emit(event EventType, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event]))
	for _, h := range b.subs[event] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		// Isolate panics so a misbehaving observer cannot take down the
		// emitting lifecycle operation or starve other listeners.
		func() {
			defer func() { _ = recover() }()
			h(ev)
		}()
	}
}
