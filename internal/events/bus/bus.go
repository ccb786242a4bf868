// Package bus carries control-plane events between services and out to
// connected front ends. Two implementations satisfy EventBus: a NATS-backed
// bus for multi-process deployments and an in-memory bus for single-binary
// and test runs.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published on the bus. Source names the service that
// produced it. Data is left untyped so producers can attach whatever the
// subject calls for; subscribers pick out the keys they know.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh event with a UUID and UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. A returned error is logged by the bus;
// delivery is not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by both implementations.
type EventBus interface {
	// Publish delivers an event to every subscriber matching subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern. NATS-style
	// wildcards (* and >) are honored by both implementations.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a queue group; each event
	// reaches exactly one member of the group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes an event and waits up to timeout for a reply.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close tears the bus down; existing subscriptions stop receiving.
	Close()

	// IsConnected reports whether the bus can still deliver.
	IsConnected() bool
}
