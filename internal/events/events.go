package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSnapshotApplied     = "snapshot_applied"
	EventSnapshotStale       = "snapshot_stale"
	EventQueueAdvanced       = "queue_advanced"
	EventAppointmentFinished = "appointment_finished"
	EventSessionChanged      = "session_changed"
)

// SnapshotEventPayload describes a queue update for event consumers.
type SnapshotEventPayload struct {
	AppointmentID int64  `json:"appointment_id"`
	YourToken     int    `json:"your_token"`
	Position      int    `json:"position"`
	WaitMinutes   int    `json:"wait_minutes"`
	Source        string `json:"source"`
}

// SessionEventPayload describes a login/logout transition.
type SessionEventPayload struct {
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	LoggedIn bool   `json:"logged_in"`
}

// CockpitEventPayload describes a completed queue mutation.
type CockpitEventPayload struct {
	Action       string `json:"action"`
	ServingToken int    `json:"serving_token,omitempty"`
	WaitingCount int    `json:"waiting_count"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
