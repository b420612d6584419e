// Package bus carries the orchestrator's internal events: workspace status
// transitions, committed log lines, and contribution updates. Subscribers
// address streams by NATS-style subjects so the in-process and NATS
// backends stay interchangeable.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types published on the bus.
const (
	EventWorkspaceStatus = "workspace.status_changed"
	EventWorkspaceLog    = "workspace.log_line"
	EventContribution    = "contribution.updated"
)

// WorkspaceStatusSubject returns the subject carrying status transitions for
// one workspace.
func WorkspaceStatusSubject(workspaceID int64) string {
	return fmt.Sprintf("workspace.%d.status", workspaceID)
}

// WorkspaceLogSubject returns the subject carrying committed log lines for
// one workspace.
func WorkspaceLogSubject(workspaceID int64) string {
	return fmt.Sprintf("workspace.%d.log", workspaceID)
}

// ContributionSubject returns the subject carrying contribution updates.
func ContributionSubject(contributionID int64) string {
	return fmt.Sprintf("contribution.%d.updated", contributionID)
}

// Event is one message on the bus. The JSON shape is the NATS wire format,
// so Data survives a round trip with numbers decoded as float64.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh event with a UUID and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. A returned error is logged by
// the bus; it does not stop the subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is one active handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish surface shared by the in-process and NATS
// implementations. Subjects may use NATS wildcards: * matches one token,
// > matches the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
