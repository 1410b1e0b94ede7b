package notify

import (
	"context"
	"time"

	"github.com/conveyor-hq/conveyor/internal/store"
)

// Kind discriminates approval notification events.
type Kind string

const (
	KindApprovalRequested Kind = "approval_requested"
	KindApprovalResolved  Kind = "approval_resolved"
)

// Event is an approval-lifecycle notification fanned out to subscribers.
// Delivery to a channel (chat, email, bot) is the platform's concern; the
// hub only carries the signal.
type Event struct {
	Kind         Kind      `json:"kind"`
	ExecutionID  string    `json:"execution_id"`
	UserID       string    `json:"user_id"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	At           time.Time `json:"at"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	UserID string `json:"user_id,omitempty"`
	Kinds  []Kind `json:"kinds,omitempty"`
}

// Hub provides pub/sub for approval notifications.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)

	// engine.Notifier surface
	ApprovalRequested(ctx context.Context, n *store.Notification)
	ApprovalResolved(ctx context.Context, executionID, userID string)
}
