package store

import (
	"context"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow documents
	CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetWorkflowBySlug(ctx context.Context, slug string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, enabledOnly bool) ([]*schema.WorkflowDefinition, error)
	SetWorkflowEnabled(ctx context.Context, id string, enabled bool) error
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	CountActive(ctx context.Context, userID string) (ActiveCounts, error)

	// Step records (upsert-only, keyed by execution_id+step_id+attempt)
	UpsertStepRecord(ctx context.Context, rec *StepRecord) error
	GetStepRecord(ctx context.Context, executionID, stepID string, attempt int) (*StepRecord, error)
	ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Notifications
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID string) ([]*Notification, error)
	ClearNotifications(ctx context.Context, executionID, userID string) error

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, t *ScheduledTrigger) error
	ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error
	DeleteScheduledTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
