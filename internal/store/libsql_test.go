package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *schema.WorkflowDefinition {
	t.Helper()
	wf := &schema.WorkflowDefinition{
		ID:      uuid.NewString(),
		Slug:    "pipeline-" + uuid.NewString()[:8],
		Name:    "pipeline",
		Version: 1,
		Enabled: true,
		Steps: []schema.StepNode{
			{ID: "fetch", Type: schema.StepTypeTool, Tool: "get"},
			{ID: "store", Type: schema.StepTypeTool, Tool: "put"},
		},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedExecution(t *testing.T, s *LibSQLStore, wf *schema.WorkflowDefinition, userID string, status schema.ExecutionStatus) *Execution {
	t.Helper()
	ex := &Execution{
		ID:           uuid.NewString(),
		WorkflowID:   wf.ID,
		UserID:       userID,
		TriggerType:  schema.TriggerManual,
		Input:        map[string]any{"url": "https://example.com"},
		Snapshot:     *wf,
		SnapshotHash: wf.DefinitionHash(),
		Status:       status,
	}
	require.NoError(t, s.CreateExecution(context.Background(), ex))
	return ex
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var cvErr *schema.ConveyorError
	require.True(t, errors.As(err, &cvErr))
	assert.Equal(t, schema.ErrCodeNotFound, cvErr.Code)
}

// --- Workflow Document Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "pipeline", got.Name)
	assert.True(t, got.Enabled)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "fetch", got.Steps[0].ID)
	assert.Equal(t, wf.DefinitionHash(), got.DefinitionHash())
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	requireNotFound(t, err)
}

func TestGetWorkflowBySlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflowBySlug(ctx, wf.Slug)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)

	_, err = s.GetWorkflowBySlug(ctx, "no-such-slug")
	requireNotFound(t, err)
}

func TestListWorkflows_EnabledOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	on := seedWorkflow(t, s)
	off := seedWorkflow(t, s)
	require.NoError(t, s.SetWorkflowEnabled(ctx, off.ID, false))

	enabled, err := s.ListWorkflows(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, on.ID, enabled[0].ID)

	all, err := s.ListWorkflows(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err := s.GetWorkflow(ctx, wf.ID)
	requireNotFound(t, err)

	requireNotFound(t, s.DeleteWorkflow(ctx, wf.ID))
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf, "user-1", schema.ExecutionPending)

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ex.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, schema.ExecutionPending, got.Status)
	assert.Equal(t, schema.TriggerManual, got.TriggerType)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, got.Input)

	// The snapshot round-trips with a stable hash.
	assert.Equal(t, ex.SnapshotHash, got.SnapshotHash)
	assert.Equal(t, ex.SnapshotHash, got.Snapshot.DefinitionHash())
	require.Len(t, got.Snapshot.Steps, 2)
}

func TestGetExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "nonexistent")
	requireNotFound(t, err)
}

func TestUpdateExecution_StatusAndTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf, "user-1", schema.ExecutionPending)

	running := schema.ExecutionRunning
	started := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status:    &running,
		StartedAt: &started,
	}))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	completed := schema.ExecutionCompleted
	finished := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status:      &completed,
		Output:      map[string]any{"result": "ok"},
		CompletedAt: &finished,
	}))

	got, err = s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, "ok", got.Output["result"])
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateExecution_ResumeTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf, "user-1", schema.ExecutionRunning)

	token := uuid.NewString()
	prompt := "approve the deploy?"
	waiting := schema.ExecutionWaitingApproval
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status:        &waiting,
		ResumeToken:   &token,
		PendingPrompt: &prompt,
	}))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, token, got.ResumeToken)
	assert.Equal(t, prompt, got.PendingPrompt)

	// Clearing removes both the token and the prompt.
	running := schema.ExecutionRunning
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status:           &running,
		ClearResumeToken: true,
	}))

	got, err = s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ResumeToken)
	assert.Empty(t, got.PendingPrompt)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	running := schema.ExecutionRunning
	err := s.UpdateExecution(context.Background(), "nonexistent", ExecutionUpdate{Status: &running})
	requireNotFound(t, err)
}

func TestListExecutions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	other := seedWorkflow(t, s)

	seedExecution(t, s, wf, "alice", schema.ExecutionRunning)
	seedExecution(t, s, wf, "alice", schema.ExecutionCompleted)
	seedExecution(t, s, wf, "bob", schema.ExecutionRunning)
	seedExecution(t, s, other, "alice", schema.ExecutionRunning)

	list, err := s.ListExecutions(ctx, ExecutionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	running := schema.ExecutionRunning
	list, err = s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID, Status: &running})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListExecutions(ctx, ExecutionFilter{UserID: "alice", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCountActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	seedExecution(t, s, wf, "alice", schema.ExecutionPending)
	seedExecution(t, s, wf, "alice", schema.ExecutionWaitingApproval)
	seedExecution(t, s, wf, "alice", schema.ExecutionCompleted)
	seedExecution(t, s, wf, "bob", schema.ExecutionRunning)
	seedExecution(t, s, wf, "bob", schema.ExecutionCancelled)

	counts, err := s.CountActive(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.User)
	assert.Equal(t, 3, counts.Global)
}

// --- Step Record Tests ---

func TestUpsertAndGetStepRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf, "user-1", schema.ExecutionRunning)

	rec := &StepRecord{
		ExecutionID:    ex.ID,
		StepID:         "fetch",
		Attempt:        1,
		Status:         schema.StepRunning,
		Input:          json.RawMessage(`{"url":"https://example.com"}`),
		InsertionOrder: 1,
	}
	require.NoError(t, s.UpsertStepRecord(ctx, rec))

	// Upserting the same (execution, step, attempt) overwrites in place.
	now := time.Now().UTC()
	rec.Status = schema.StepCompleted
	rec.Output = json.RawMessage(`{"status":200}`)
	rec.CompletedAt = &now
	require.NoError(t, s.UpsertStepRecord(ctx, rec))

	got, err := s.GetStepRecord(ctx, ex.ID, "fetch", 1)
	require.NoError(t, err)
	assert.Equal(t, schema.StepCompleted, got.Status)
	assert.JSONEq(t, `{"status":200}`, string(got.Output))
	assert.NotNil(t, got.CompletedAt)
}

func TestGetStepRecord_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetStepRecord(context.Background(), "nonexistent", "fetch", 1)
	requireNotFound(t, err)
}

func TestListStepRecords_AttemptsAreSeparateRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf, "user-1", schema.ExecutionRunning)

	for attempt := 1; attempt <= 3; attempt++ {
		status := schema.StepRetrying
		if attempt == 3 {
			status = schema.StepCompleted
		}
		require.NoError(t, s.UpsertStepRecord(ctx, &StepRecord{
			ExecutionID:    ex.ID,
			StepID:         "fetch",
			Attempt:        attempt,
			Status:         status,
			InsertionOrder: int64(attempt),
		}))
	}

	records, err := s.ListStepRecords(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, schema.StepRetrying, records[0].Status)
	assert.Equal(t, 3, records[2].Attempt)
	assert.Equal(t, schema.StepCompleted, records[2].Status)
}

func TestListStepRecords_InsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf, "user-1", schema.ExecutionRunning)

	for i, stepID := range []string{"store", "fetch"} {
		require.NoError(t, s.UpsertStepRecord(ctx, &StepRecord{
			ExecutionID:    ex.ID,
			StepID:         stepID,
			Attempt:        1,
			Status:         schema.StepCompleted,
			InsertionOrder: int64(i + 1),
		}))
	}

	records, err := s.ListStepRecords(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "store", records[0].StepID)
	assert.Equal(t, "fetch", records[1].StepID)
}

// --- Event Log Tests ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf, "user-1", schema.ExecutionRunning)

	for i := 0; i < 3; i++ {
		e := &Event{
			ExecutionID: ex.ID,
			StepID:      "fetch",
			Type:        "step_started",
			Payload:     json.RawMessage(fmt.Sprintf(`{"attempt":%d}`, i+1)),
		}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)

	events, err = s.GetEvents(ctx, ex.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestAppendEvent_SequencesArePerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	a := seedExecution(t, s, wf, "user-1", schema.ExecutionRunning)
	b := seedExecution(t, s, wf, "user-1", schema.ExecutionRunning)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: a.ID, Type: "step_started"}))
	}
	e := &Event{ExecutionID: b.ID, Type: "step_started"}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}

// --- Notification Tests ---

func TestNotificationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	ex := seedExecution(t, s, wf, "user-1", schema.ExecutionWaitingApproval)

	require.NoError(t, s.CreateNotification(ctx, &Notification{
		ID:           uuid.NewString(),
		ExecutionID:  ex.ID,
		UserID:       "user-1",
		WorkflowName: "pipeline",
		Prompt:       "approve?",
	}))

	notifs, err := s.ListNotifications(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, "approve?", notifs[0].Prompt)

	// Other users see nothing.
	notifs, err = s.ListNotifications(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, notifs)

	// Cleared notifications drop out of the list.
	require.NoError(t, s.ClearNotifications(ctx, ex.ID, "user-1"))
	notifs, err = s.ListNotifications(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, notifs)
}

// --- Scheduled Trigger Tests ---

func TestScheduledTriggerLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	trigger := &ScheduledTrigger{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		UserID:         "user-1",
		CronExpression: "0 * * * *",
		Variables:      json.RawMessage(`{"source":"cron"}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledTrigger(ctx, trigger))

	triggers, err := s.ListScheduledTriggers(ctx, true)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "0 * * * *", triggers[0].CronExpression)
	assert.JSONEq(t, `{"source":"cron"}`, string(triggers[0].Variables))

	now := time.Now().UTC()
	next := now.Add(time.Hour)
	require.NoError(t, s.UpdateScheduledTrigger(ctx, trigger.ID, ScheduledTriggerUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	}))

	triggers, err = s.ListScheduledTriggers(ctx, true)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.NotNil(t, triggers[0].LastRunAt)
	assert.NotNil(t, triggers[0].NextRunAt)

	disabled := false
	require.NoError(t, s.UpdateScheduledTrigger(ctx, trigger.ID, ScheduledTriggerUpdate{Enabled: &disabled}))
	triggers, err = s.ListScheduledTriggers(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, triggers)

	require.NoError(t, s.DeleteScheduledTrigger(ctx, trigger.ID))
	requireNotFound(t, s.DeleteScheduledTrigger(ctx, trigger.ID))
}

// --- Maintenance Tests ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Migrate already ran in newTestStore; running again is a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
