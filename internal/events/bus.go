// Package events provides the event bus used to announce environment and
// session lifecycle transitions to interested components.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the orchestrator. Subscribers may use NATS-style
// wildcards ("environment.*", ">").
const (
	SubjectEnvironmentCreated   = "environment.created"
	SubjectEnvironmentReady     = "environment.ready"
	SubjectEnvironmentFailed    = "environment.failed"
	SubjectEnvironmentDeleted   = "environment.deleted"
	SubjectSessionCreated       = "session.created"
	SubjectSessionReady         = "session.ready"
	SubjectSessionFailed        = "session.failed"
	SubjectSessionDead          = "session.dead"
	SubjectSandboxRestarted     = "sandbox.restarted"
	SubjectWorktreeMaterialized = "worktree.materialized"
)

// Event is a message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh ID and UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a delivered event. Returning an error only logs it;
// delivery is at-most-once and never retried.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus publishes and subscribes events. Implementations are safe for
// concurrent use.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
