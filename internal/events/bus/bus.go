// Package bus provides the event fan-out abstraction used to push broker
// state changes to observers. The default backend is in-memory; a NATS
// backend is available for multi-process deployments.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Event is a message on the bus. Seq mirrors the persisted event sequence so
// subscribers can detect gaps and request a full resync.
type Event struct {
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(seq int64, kind, source string, payload json.RawMessage) *Event {
	return &Event{
		Seq:       seq,
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// SubjectForKind maps an event kind like "task:created" to a bus subject
// like "taskhive.task.created", compatible with NATS subject syntax.
func SubjectForKind(kind string) string {
	return "taskhive." + strings.ReplaceAll(kind, ":", ".")
}

// SubjectAll matches every broker event.
const SubjectAll = "taskhive.>"

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
