package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-hq/conveyor/internal/admission"
	"github.com/conveyor-hq/conveyor/internal/dispatch"
	"github.com/conveyor-hq/conveyor/internal/engine"
	"github.com/conveyor-hq/conveyor/internal/logging"
	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/internal/validation"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// Service glues the trigger surface to the engine: it validates and stores
// workflow documents, admits and creates executions, dispatches them to their
// actors, and serves the read paths.
type Service struct {
	store      store.Store
	validator  validation.Validator
	admission  *admission.Controller
	dispatcher *dispatch.Dispatcher
	limits     admission.Limits
	logger     *slog.Logger
}

// New creates the service facade.
func New(st store.Store, validator validation.Validator, adm *admission.Controller, disp *dispatch.Dispatcher, limits admission.Limits, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		validator:  validator,
		admission:  adm,
		dispatcher: disp,
		limits:     limits,
		logger:     logger,
	}
}

// ExecutionRequest asks for one new run of a workflow. The caller has already
// done trigger-specific parsing (cron evaluation, webhook payload
// extraction); from here on the trigger is just metadata.
type ExecutionRequest struct {
	WorkflowID      string             `json:"workflow_id"`
	UserID          string             `json:"user_id"`
	SessionID       string             `json:"session_id,omitempty"`
	TriggerID       string             `json:"trigger_id,omitempty"`
	TriggerType     schema.TriggerType `json:"trigger_type"`
	TriggerMetadata json.RawMessage    `json:"trigger_metadata,omitempty"`
	Variables       map[string]any     `json:"variables,omitempty"`
}

// ExecutionReceipt reports the created execution and whether dispatch
// succeeded. A false Dispatched leaves the execution pending for manual
// retry; Detail carries the structured reason.
type ExecutionReceipt struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Dispatched  bool                   `json:"dispatched"`
	Detail      string                 `json:"detail,omitempty"`
}

// RequestExecution admits, persists, and dispatches one new execution.
// Admission denial and validation problems surface synchronously; transient
// dispatch failures are retried inside the dispatcher and only reported after
// exhaustion.
func (s *Service) RequestExecution(ctx context.Context, req ExecutionRequest) (*ExecutionReceipt, error) {
	if req.WorkflowID == "" || req.UserID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id and user_id are required")
	}
	if req.TriggerType == "" {
		req.TriggerType = schema.TriggerManual
	}

	wf, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s is disabled", wf.ID)
	}

	decision, err := s.admission.Check(ctx, req.UserID, s.limits)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, schema.NewErrorf(schema.ErrCodeAdmissionDenied, "execution not admitted: %s", decision.Reason).
			WithDetails(map[string]any{
				"reason":        decision.Reason,
				"active_user":   decision.ActiveUser,
				"active_global": decision.ActiveGlobal,
			})
	}

	now := time.Now().UTC()
	ex := &store.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		TriggerID:       req.TriggerID,
		TriggerType:     req.TriggerType,
		TriggerMetadata: req.TriggerMetadata,
		Input:           req.Variables,
		Snapshot:        *wf,
		SnapshotHash:    wf.DefinitionHash(),
		Status:          schema.ExecutionPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, ex.ID, "", req.UserID)
	s.logger.InfoContext(ctx, "execution created",
		"workflow_id", wf.ID,
		"trigger_type", string(req.TriggerType),
	)

	receipt := &ExecutionReceipt{ExecutionID: ex.ID, Status: ex.Status, Dispatched: true}

	ok := s.dispatcher.Enqueue(ctx, dispatch.Command{
		ExecutionID: ex.ID,
		WorkflowID:  wf.ID,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		TriggerType: req.TriggerType,
	})
	if !ok {
		// Left pending for manual retry; the dispatcher never mutates status.
		receipt.Dispatched = false
		receipt.Detail = schema.ErrCodeDispatchFailed
		s.logger.ErrorContext(ctx, "execution dispatch exhausted, left pending")
	}

	return receipt, nil
}

// RequestScheduled is the narrow entry point the cron scheduler uses.
func (s *Service) RequestScheduled(ctx context.Context, workflowID, userID, triggerID string, variables map[string]any) (string, error) {
	receipt, err := s.RequestExecution(ctx, ExecutionRequest{
		WorkflowID:  workflowID,
		UserID:      userID,
		TriggerID:   triggerID,
		TriggerType: schema.TriggerSchedule,
		Variables:   variables,
	})
	if err != nil {
		return "", err
	}
	return receipt.ExecutionID, nil
}

// ExecutionView is an execution with its steps in deterministic order.
type ExecutionView struct {
	*store.Execution
	Steps []engine.OrderedStep `json:"steps"`
}

// GetExecution fetches one execution with ordered steps. An empty userID
// skips the ownership check (internal callers).
func (s *Service) GetExecution(ctx context.Context, executionID, userID string) (*ExecutionView, error) {
	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if userID != "" && ex.UserID != userID {
		return nil, schema.NewErrorf(schema.ErrCodeUnauthorized,
			"execution %s is not owned by caller", executionID)
	}

	recs, err := s.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &ExecutionView{
		Execution: ex,
		Steps:     engine.ReconstructOrder(&ex.Snapshot, recs),
	}, nil
}

// ListExecutions lists executions matching the filter.
func (s *Service) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// Events returns the execution's event log entries after the given sequence.
func (s *Service) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return s.store.GetEvents(ctx, executionID, since)
}

// --- Workflow documents ---

// CreateWorkflow validates and stores a workflow definition.
func (s *Service) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if err := s.validator.ValidateDefinition(def); err != nil {
		return err
	}
	return s.store.CreateWorkflow(ctx, def)
}

// GetWorkflow fetches a workflow definition by id, falling back to slug.
func (s *Service) GetWorkflow(ctx context.Context, idOrSlug string) (*schema.WorkflowDefinition, error) {
	wf, err := s.store.GetWorkflow(ctx, idOrSlug)
	if err == nil {
		return wf, nil
	}
	return s.store.GetWorkflowBySlug(ctx, idOrSlug)
}

// ListWorkflows lists workflow definitions.
func (s *Service) ListWorkflows(ctx context.Context, enabledOnly bool) ([]*schema.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx, enabledOnly)
}

// SetWorkflowEnabled toggles a workflow's enabled flag.
func (s *Service) SetWorkflowEnabled(ctx context.Context, id string, enabled bool) error {
	return s.store.SetWorkflowEnabled(ctx, id, enabled)
}
