package repo

import (
	"sync"
	"time"
)

// EventType represents the type of store event.
type EventType string

const (
	EventVersionCommitted EventType = "version_committed"
	EventSaveSkipped      EventType = "save_skipped"
	EventVersionPruned    EventType = "version_pruned"
	EventPruneFailed      EventType = "prune_failed"
	EventPruneComplete    EventType = "prune_complete"
)

// Event represents a store event with associated data.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Alias     string
	Path      string
	Data      map[string]interface{}
}

// EventHandler is a function that handles events.
type EventHandler func(Event)

// EventBus manages event publication and subscription.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, handler := range eb.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range eb.allHandlers {
		handler(event)
	}
}

// PublishWithData publishes an event about one artifact.
func (eb *EventBus) PublishWithData(eventType EventType, alias, path string, data map[string]interface{}) {
	eb.Publish(Event{
		Type:  eventType,
		Alias: alias,
		Path:  path,
		Data:  data,
	})
}
