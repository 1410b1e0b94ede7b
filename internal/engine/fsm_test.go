package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

// --- ExecutionFSM Tests ---

func TestExecutionFSM_ValidLifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()
	exID := "ex-1"

	// pending -> running
	require.NoError(t, fsm.Transition(ctx, exID, schema.ExecutionPending, schema.ExecutionRunning))
	// running -> waiting_approval
	require.NoError(t, fsm.Transition(ctx, exID, schema.ExecutionRunning, schema.ExecutionWaitingApproval))
	// waiting_approval -> running (resume)
	require.NoError(t, fsm.Transition(ctx, exID, schema.ExecutionWaitingApproval, schema.ExecutionRunning))
	// running -> completed
	require.NoError(t, fsm.Transition(ctx, exID, schema.ExecutionRunning, schema.ExecutionCompleted))

	events := app.Events()
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionSuspended, events[1].Type)
	assert.Equal(t, schema.EventExecutionResumed, events[2].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[3].Type)
}

func TestExecutionFSM_PendingCanBeCancelled(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), "ex-1", schema.ExecutionPending, schema.ExecutionCancelled))

	events := app.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventExecutionCancelled, events[0].Type)
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	fsm := NewExecutionFSM(&mockAppender{})

	err := fsm.Transition(context.Background(), "ex-1", schema.ExecutionPending, schema.ExecutionCompleted)
	require.Error(t, err)

	var cvErr *schema.ConveyorError
	require.True(t, errors.As(err, &cvErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, cvErr.Code)
}

func TestExecutionFSM_TerminalStatesAreAbsorbing(t *testing.T) {
	fsm := NewExecutionFSM(&mockAppender{})
	ctx := context.Background()

	terminals := []schema.ExecutionStatus{
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
		schema.ExecutionCancelled,
	}
	targets := []schema.ExecutionStatus{
		schema.ExecutionPending,
		schema.ExecutionRunning,
		schema.ExecutionWaitingApproval,
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
		schema.ExecutionCancelled,
	}

	for _, from := range terminals {
		for _, to := range targets {
			err := fsm.Transition(ctx, "ex-1", from, to)
			assert.Error(t, err, "transition %s -> %s must be rejected", from, to)
		}
	}
}

func TestExecutionFSM_AppenderFailurePropagates(t *testing.T) {
	fsm := NewExecutionFSM(&failAppender{})

	err := fsm.Transition(context.Background(), "ex-1", schema.ExecutionPending, schema.ExecutionRunning)
	require.Error(t, err)

	var cvErr *schema.ConveyorError
	require.True(t, errors.As(err, &cvErr))
	assert.Equal(t, schema.ErrCodeStore, cvErr.Code)
}

func TestExecutionFSM_Hooks(t *testing.T) {
	fsm := NewExecutionFSM(&mockAppender{})

	var calls []string
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		calls = append(calls, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		calls = append(calls, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "ex-1", schema.ExecutionPending, schema.ExecutionRunning))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, calls)
}

func TestExecutionFSM_BeforeHookErrorAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(_, _ string) error {
		return errors.New("precondition failed")
	})

	err := fsm.Transition(context.Background(), "ex-1", schema.ExecutionPending, schema.ExecutionRunning)
	require.Error(t, err)
	assert.Empty(t, app.Events(), "no event should be emitted when a before hook rejects")
}

// --- StepFSM Tests ---

func TestStepFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "ex-1", "step-1", schema.StepPending, schema.StepRunning))
	require.NoError(t, fsm.Transition(ctx, "ex-1", "step-1", schema.StepRunning, schema.StepRetrying))
	require.NoError(t, fsm.Transition(ctx, "ex-1", "step-1", schema.StepRetrying, schema.StepRunning))
	require.NoError(t, fsm.Transition(ctx, "ex-1", "step-1", schema.StepRunning, schema.StepCompleted))

	events := app.Events()
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
	assert.Equal(t, schema.EventStepRetrying, events[1].Type)
	assert.Equal(t, schema.EventStepStarted, events[2].Type)
	assert.Equal(t, schema.EventStepCompleted, events[3].Type)
	assert.Equal(t, "step-1", events[0].StepID)
}

func TestStepFSM_ApprovalPath(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	ctx := context.Background()

	// Approval records start waiting directly and resolve either way.
	require.NoError(t, fsm.Transition(ctx, "ex-1", "gate", schema.StepPending, schema.StepWaiting))
	require.NoError(t, fsm.Transition(ctx, "ex-1", "gate", schema.StepWaiting, schema.StepCompleted))

	require.NoError(t, fsm.Transition(ctx, "ex-2", "gate", schema.StepPending, schema.StepWaiting))
	require.NoError(t, fsm.Transition(ctx, "ex-2", "gate", schema.StepWaiting, schema.StepFailed))

	// A cancelled execution skips its waiting approval.
	require.NoError(t, fsm.Transition(ctx, "ex-3", "gate", schema.StepPending, schema.StepWaiting))
	require.NoError(t, fsm.Transition(ctx, "ex-3", "gate", schema.StepWaiting, schema.StepSkipped))
}

func TestStepFSM_CancelledExecutionSkipsRetryingStep(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	// A step parked in backoff when its execution is cancelled goes straight
	// to skipped, with the skip visible in the event log.
	require.NoError(t, fsm.Transition(ctx, "ex-1", "flaky", schema.StepRunning, schema.StepRetrying))
	require.NoError(t, fsm.Transition(ctx, "ex-1", "flaky", schema.StepRetrying, schema.StepSkipped))

	events := app.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepRetrying, events[0].Type)
	assert.Equal(t, schema.EventStepSkipped, events[1].Type)
	assert.Equal(t, "flaky", events[1].StepID)
}

func TestStepFSM_InvalidTransitions(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	ctx := context.Background()

	cases := []struct {
		from, to schema.StepStatus
	}{
		{schema.StepPending, schema.StepCompleted},
		{schema.StepCompleted, schema.StepRunning},
		{schema.StepFailed, schema.StepRetrying},
		{schema.StepSkipped, schema.StepRunning},
		{schema.StepRetrying, schema.StepCompleted},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "ex-1", "step-1", tc.from, tc.to)
		require.Error(t, err, "transition %s -> %s must be rejected", tc.from, tc.to)

		var cvErr *schema.ConveyorError
		require.True(t, errors.As(err, &cvErr))
		assert.Equal(t, schema.ErrCodeInvalidTransition, cvErr.Code)
		assert.Equal(t, "step-1", cvErr.StepID)
	}
}
