package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventItemPublished    = "item_published"
	EventItemFailed       = "item_failed"
	EventItemRequeued     = "item_requeued"
	EventChannelUnhealthy = "channel_unhealthy"
	EventChannelPaused    = "channel_paused"
	EventQuotaExhausted   = "quota_exhausted"
)

// ItemEventPayload describes the minimal queue item snapshot for consumers
// (dashboard notifications, cache invalidation). The scheduler's state
// transitions never depend on delivery.
type ItemEventPayload struct {
	ItemID       int64     `json:"item_id"`
	UserID       int64     `json:"user_id"`
	VideoID      int64     `json:"video_id"`
	ChannelID    int64     `json:"channel_id"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	ErrorPhase   string    `json:"error_phase,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ChannelEventPayload describes channel-level signals.
type ChannelEventPayload struct {
	ChannelID  int64     `json:"channel_id"`
	AuthStatus string    `json:"auth_status,omitempty"`
	Category   string    `json:"category,omitempty"`
	Paused     bool      `json:"paused,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events. Fire and forget.
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

// PublishJSON serializes the payload and publishes an event. A nil bus is a
// no-op so callers do not guard every emit site.
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
