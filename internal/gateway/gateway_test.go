package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-hq/conveyor/internal/engine"
	"github.com/conveyor-hq/conveyor/internal/expressions"
	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

type fixture struct {
	store    *store.MemoryStore
	registry *engine.Registry
	gateway  *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	exprs, err := expressions.NewRegistry()
	require.NoError(t, err)

	st := store.NewMemoryStore()
	pool := engine.NewWorkerPool(4)
	t.Cleanup(pool.Shutdown)

	registry := engine.NewRegistry(engine.Deps{
		Store: st,
		Executor: engine.StepExecutorFunc(func(_ context.Context, _ *schema.StepNode, _ map[string]any) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		}),
		Expressions: exprs,
		Finalizer:   engine.NewFinalizer(st, nil),
		Pool:        pool,
	})

	return &fixture{
		store:    st,
		registry: registry,
		gateway:  New(st, registry, nil),
	}
}

// suspendedExecution drives a gated workflow until it parks on its approval.
func (f *fixture) suspendedExecution(t *testing.T) *store.Execution {
	t.Helper()
	ctx := context.Background()

	wf := schema.WorkflowDefinition{
		ID:      "wf-gate",
		Name:    "gated",
		Enabled: true,
		Steps: []schema.StepNode{
			{ID: "prep", Type: schema.StepTypeTool, Tool: "t"},
			{ID: "gate", Type: schema.StepTypeApproval, Prompt: "continue?"},
			{ID: "ship", Type: schema.StepTypeTool, Tool: "t"},
		},
	}
	require.NoError(t, f.store.CreateWorkflow(ctx, &wf))

	ex := &store.Execution{
		ID:           "ex-gate",
		WorkflowID:   wf.ID,
		UserID:       "user-1",
		TriggerType:  schema.TriggerManual,
		Snapshot:     wf,
		SnapshotHash: wf.DefinitionHash(),
		Status:       schema.ExecutionPending,
	}
	require.NoError(t, f.store.CreateExecution(ctx, ex))

	_, _, err := f.registry.Deliver(ctx, ex.ID)
	require.NoError(t, err)
	f.registry.Wait()

	got, err := f.store.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionWaitingApproval, got.Status)
	return got
}

func TestGateway_ResumeApprove(t *testing.T) {
	f := newFixture(t)
	ex := f.suspendedExecution(t)

	status, err := f.gateway.Resume(context.Background(), ex.ID, "user-1", ex.ResumeToken, true, "go")
	require.NoError(t, err)
	// The reply lands before the re-walk; the caller observes running, or
	// completed if the re-walk already finished.
	assert.Contains(t, []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionCompleted}, status)

	f.registry.Wait()
	got, err := f.store.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)

	// Approval notifications were cleared.
	notifs, err := f.store.ListNotifications(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, notifs)
}

func TestGateway_ResumeDeny(t *testing.T) {
	f := newFixture(t)
	ex := f.suspendedExecution(t)

	status, err := f.gateway.Resume(context.Background(), ex.ID, "user-1", ex.ResumeToken, false, "not today")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, status)
}

func TestGateway_ResumeWrongOwner(t *testing.T) {
	f := newFixture(t)
	ex := f.suspendedExecution(t)

	_, err := f.gateway.Resume(context.Background(), ex.ID, "intruder", ex.ResumeToken, true, "")
	require.Error(t, err)

	var cvErr *schema.ConveyorError
	require.True(t, errors.As(err, &cvErr))
	assert.Equal(t, schema.ErrCodeUnauthorized, cvErr.Code)

	// Still suspended; the token was not consumed.
	got, gerr := f.store.GetExecution(context.Background(), ex.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schema.ExecutionWaitingApproval, got.Status)
	assert.Equal(t, ex.ResumeToken, got.ResumeToken)
}

func TestGateway_ResumeUnknownExecution(t *testing.T) {
	f := newFixture(t)

	_, err := f.gateway.Resume(context.Background(), "missing", "user-1", "tok", true, "")
	require.Error(t, err)

	var cvErr *schema.ConveyorError
	require.True(t, errors.As(err, &cvErr))
	assert.Equal(t, schema.ErrCodeNotFound, cvErr.Code)
}

func TestGateway_ResumeBadToken(t *testing.T) {
	f := newFixture(t)
	ex := f.suspendedExecution(t)

	_, err := f.gateway.Resume(context.Background(), ex.ID, "user-1", "stale-token", true, "")
	require.Error(t, err)

	var cvErr *schema.ConveyorError
	require.True(t, errors.As(err, &cvErr))
	assert.Equal(t, schema.ErrCodeTokenMismatch, cvErr.Code)
}

func TestGateway_Cancel(t *testing.T) {
	f := newFixture(t)
	ex := f.suspendedExecution(t)

	status, err := f.gateway.Cancel(context.Background(), ex.ID, "user-1", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, status)
}

func TestGateway_CancelTerminalReturnsStatusUnchanged(t *testing.T) {
	f := newFixture(t)
	ex := f.suspendedExecution(t)

	_, err := f.gateway.Resume(context.Background(), ex.ID, "user-1", ex.ResumeToken, true, "")
	require.NoError(t, err)
	f.registry.Wait()

	status, err := f.gateway.Cancel(context.Background(), ex.ID, "user-1", "too late")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, status)
}

func TestGateway_CancelWrongOwner(t *testing.T) {
	f := newFixture(t)
	ex := f.suspendedExecution(t)

	_, err := f.gateway.Cancel(context.Background(), ex.ID, "intruder", "")
	require.Error(t, err)

	var cvErr *schema.ConveyorError
	require.True(t, errors.As(err, &cvErr))
	assert.Equal(t, schema.ErrCodeUnauthorized, cvErr.Code)
}
