// Package bus provides the pluggable publish/subscribe abstraction behind
// the subscription contract: an in-memory implementation for a single
// omsd process and a NATS-backed implementation for fleets of them
// sharing one task store over a network. SPEC_FULL.md only calls for
// fan-out publish/subscribe on three fixed subjects (issues-changed,
// ready-changed, activity) plus the agent/conflict subjects in
// internal/events, so this interface carries no queue-group or
// request-reply surface the task store never needs.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single notification carried on a subject: an issue mutation,
// a ready-set recompute, an activity append, or an agent/conflict state
// change.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event, e.g. "taskstore"
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an Event with a fresh id and the current UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event. The subscription contract's
// FIFO guarantee depends on handlers being invoked synchronously and in
// publish order; see the Publish implementations.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport the task store, registry, and conflict
// coordinator publish their subjects on, and the one the websocket bridge
// subscribes to for outward fan-out.
type EventBus interface {
	// Publish delivers event to every live subscriber of subject, in the
	// order Publish is called.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers handler for subject, exact match only.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close releases the bus and invalidates every outstanding subscription.
	Close()

	// IsConnected reports whether the bus can currently deliver events.
	IsConnected() bool
}
