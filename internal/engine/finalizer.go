package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// CompletionRequest carries the terminal outcome of an execution.
type CompletionRequest struct {
	Status      schema.ExecutionStatus `json:"status"`
	Outputs     map[string]any         `json:"outputs,omitempty"`
	Steps       []*store.StepRecord    `json:"steps,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// CompletionResult reports the persisted terminal state.
type CompletionResult struct {
	Status      schema.ExecutionStatus `json:"status"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Finalizer is the single authority that transitions an execution into a
// terminal state. The read-then-check terminal guard is the load-bearing
// concurrency control for the finalize-vs-cancel race: whichever write lands
// first wins, and the loser gets an AlreadyFinalized error instead of
// silently overwriting final state.
type Finalizer struct {
	store  store.Store
	fsm    *ExecutionFSM
	logger *slog.Logger
}

// NewFinalizer creates a Finalizer backed by the given store.
func NewFinalizer(st store.Store, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		store:  st,
		fsm:    NewExecutionFSM(st),
		logger: logger,
	}
}

// Complete finalizes an execution exactly once. If userID is non-empty it is
// checked against the execution's owner. Repeated calls fail with
// ALREADY_FINALIZED; supplied step records are upserted idempotently by
// (step_id, attempt) either way the first call resolves.
func (f *Finalizer) Complete(ctx context.Context, executionID, userID string, req CompletionRequest) (*CompletionResult, error) {
	if !req.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"completion status must be terminal, got %q", req.Status)
	}

	ex, err := f.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if userID != "" && ex.UserID != userID {
		return nil, schema.NewErrorf(schema.ErrCodeUnauthorized,
			"execution %s is not owned by caller", executionID)
	}

	if ex.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeAlreadyFinalized,
			"execution %s already finalized as %s", executionID, ex.Status).
			WithDetails(map[string]any{"status": string(ex.Status)})
	}

	completedAt := time.Now().UTC()
	if req.CompletedAt != nil {
		completedAt = *req.CompletedAt
	}

	// Validates the transition and appends the terminal event.
	if err := f.fsm.Transition(ctx, executionID, ex.Status, req.Status); err != nil {
		return nil, err
	}

	update := store.ExecutionUpdate{
		Status:           &req.Status,
		Output:           req.Outputs,
		Error:            req.Error,
		CompletedAt:      &completedAt,
		ClearResumeToken: true,
	}
	if err := f.store.UpdateExecution(ctx, executionID, update); err != nil {
		return nil, err
	}

	for _, rec := range req.Steps {
		rec.ExecutionID = executionID
		if err := f.store.UpsertStepRecord(ctx, rec); err != nil {
			return nil, err
		}
	}

	f.logger.InfoContext(ctx, "execution finalized",
		"execution_id", executionID,
		"status", string(req.Status),
	)

	return &CompletionResult{Status: req.Status, CompletedAt: completedAt}, nil
}

// IsAlreadyFinalized reports whether err is the terminal-guard rejection.
func IsAlreadyFinalized(err error) bool {
	var cvErr *schema.ConveyorError
	return errors.As(err, &cvErr) && cvErr.Code == schema.ErrCodeAlreadyFinalized
}
