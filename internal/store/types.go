package store

import (
	"encoding/json"
	"time"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// Execution is the persisted unit of work: one run of a workflow definition
// against a set of input variables. The Snapshot field freezes the definition
// the run started with so step-order reconstruction stays stable even if the
// live document changes later.
type Execution struct {
	ID              string                    `json:"id"`
	WorkflowID      string                    `json:"workflow_id"`
	UserID          string                    `json:"user_id"`
	SessionID       string                    `json:"session_id,omitempty"`
	TriggerID       string                    `json:"trigger_id,omitempty"`
	TriggerType     schema.TriggerType        `json:"trigger_type"`
	TriggerMetadata json.RawMessage           `json:"trigger_metadata,omitempty"`
	Input           map[string]any            `json:"input,omitempty"`
	Output          map[string]any            `json:"output,omitempty"`
	Snapshot        schema.WorkflowDefinition `json:"snapshot"`
	SnapshotHash    string                    `json:"snapshot_hash"`
	Status          schema.ExecutionStatus    `json:"status"`
	// ResumeToken is present only while the execution is waiting_approval.
	ResumeToken   string          `json:"resume_token,omitempty"`
	PendingPrompt string          `json:"pending_prompt,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StepRecord is one row per (execution, step, attempt). Writes are upserts,
// never destructive deletes. InsertionOrder records arrival order for steps
// whose structural position is ambiguous (dynamic loop iterations).
type StepRecord struct {
	ExecutionID    string            `json:"execution_id"`
	StepID         string            `json:"step_id"`
	Attempt        int               `json:"attempt"`
	Status         schema.StepStatus `json:"status"`
	Input          json.RawMessage   `json:"input,omitempty"`
	Output         json.RawMessage   `json:"output,omitempty"`
	Error          json.RawMessage   `json:"error,omitempty"`
	InsertionOrder int64             `json:"insertion_order"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Notification is an approval-needed row delivered to whatever channel the
// platform configures; cleared when the matching approval is resolved.
type Notification struct {
	ID           string     `json:"id"`
	ExecutionID  string     `json:"execution_id"`
	UserID       string     `json:"user_id"`
	WorkflowName string     `json:"workflow_name,omitempty"`
	Prompt       string     `json:"prompt,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ClearedAt    *time.Time `json:"cleared_at,omitempty"`
}

// ScheduledTrigger is a cron-driven execution request.
type ScheduledTrigger struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	UserID         string          `json:"user_id"`
	CronExpression string          `json:"cron_expression"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	UserID     string                  `json:"user_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. Nil fields are
// left untouched; ClearResumeToken removes the outstanding token.
type ExecutionUpdate struct {
	Status           *schema.ExecutionStatus `json:"status,omitempty"`
	Output           map[string]any          `json:"output,omitempty"`
	Error            json.RawMessage         `json:"error,omitempty"`
	ResumeToken      *string                 `json:"resume_token,omitempty"`
	PendingPrompt    *string                 `json:"pending_prompt,omitempty"`
	ClearResumeToken bool                    `json:"clear_resume_token,omitempty"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
}

// ActiveCounts reports how many executions are currently in a non-terminal
// status, scoped to one user and globally.
type ActiveCounts struct {
	User   int `json:"user"`
	Global int `json:"global"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
