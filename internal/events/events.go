package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventWriteEnqueued       = "write_enqueued"
	EventWriteCoalesced      = "write_coalesced"
	EventWriteCancelled      = "write_cancelled"
	EventWriteConfirmed      = "write_confirmed"
	EventWriteRetryScheduled = "write_retry_scheduled"
	EventWriteFailed         = "write_failed_permanent"
	EventWriteDiscarded      = "write_discarded"
	EventCheckpointOpened    = "checkpoint_opened"
	EventCheckpointClosed    = "checkpoint_closed"
	EventCheckpointRecovered = "checkpoint_recovered"
	EventIdentityMapped      = "identity_mapped"
	EventUploadRateLimited   = "upload_rate_limited"
)

// WritePayload is the queue-entry snapshot carried by write_* events.
type WritePayload struct {
	UserID       string `json:"user_id"`
	HouseholdID  string `json:"household_id,omitempty"`
	WriteID      string `json:"write_id"`
	OperationID  string `json:"operation_id"`
	EntityType   string `json:"entity_type"`
	Op           string `json:"op"`
	LocalID      string `json:"local_id"`
	ServerID     string `json:"server_id,omitempty"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	Error        string `json:"error,omitempty"`
}

// CheckpointPayload describes an opened, closed or recovered batch.
type CheckpointPayload struct {
	UserID       string   `json:"user_id"`
	HouseholdID  string   `json:"household_id,omitempty"`
	CheckpointID string   `json:"checkpoint_id"`
	RequestID    string   `json:"request_id"`
	OperationIDs []string `json:"operation_ids"`
	Resolution   string   `json:"resolution,omitempty"`
}

type IdentityPayload struct {
	UserID      string `json:"user_id"`
	HouseholdID string `json:"household_id,omitempty"`
	LocalID     string `json:"local_id"`
	ServerID    string `json:"server_id"`
	Rewritten   int    `json:"rewritten"`
}

type RateLimitPayload struct {
	SubjectID  string  `json:"subject_id"`
	RetryAfter float64 `json:"retry_after_seconds"`
}

// Event is one published notification.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

type EventHandler func(event *Event) error

// EventBus is an in-process pub/sub used by the sync worker to notify UI
// and diagnostics code. Handlers run synchronously on the publisher's goroutine.
type EventBus struct {
	subscribers map[string][]EventHandler
	wildcard    []EventHandler
	mu          sync.RWMutex
	onError     func(event *Event, err error)
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for eventType, or for every event when eventType is "*".
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "*" {
		b.wildcard = append(b.wildcard, handler)
		return
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// OnError installs a callback for handler failures.
func (b *EventBus) OnError(fn func(event *Event, err error)) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type])+len(b.wildcard))
	handlers = append(handlers, b.subscribers[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	onError := b.onError
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil && onError != nil {
			onError(event, err)
		}
	}
}

// PublishJSON serializes the payload and publishes an event. A nil bus is a no-op.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&event)
	return nil
}

func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
