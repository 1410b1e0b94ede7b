package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// scriptTransport pops one scripted response per delivery attempt.
type scriptTransport struct {
	mu       sync.Mutex
	script   []func() (Receipt, error)
	attempts int
}

func (s *scriptTransport) Deliver(_ context.Context, _ Command) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.script) == 0 {
		return Receipt{Dispatched: true}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next()
}

func (s *scriptTransport) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func respond(r Receipt, err error) func() (Receipt, error) {
	return func() (Receipt, error) { return r, err }
}

func testCommand() Command {
	return Command{
		ExecutionID: "ex-1",
		WorkflowID:  "wf-1",
		UserID:      "user-1",
		TriggerType: schema.TriggerManual,
	}
}

func TestDispatcher_FirstAttemptSucceeds(t *testing.T) {
	transport := &scriptTransport{}
	d := NewDispatcher(transport, nil, WithBaseDelay(time.Millisecond))

	ok := d.Enqueue(context.Background(), testCommand())
	assert.True(t, ok)
	assert.Equal(t, 1, transport.attemptCount())
}

func TestDispatcher_RetriesTransientFailuresThenSucceeds(t *testing.T) {
	transport := &scriptTransport{script: []func() (Receipt, error){
		respond(Receipt{}, schema.NewError(schema.ErrCodeStore, "db locked")),
		respond(Receipt{}, schema.NewError(schema.ErrCodeTimeout, "slow")),
		respond(Receipt{Dispatched: true}, nil),
	}}
	d := NewDispatcher(transport, nil, WithBaseDelay(time.Millisecond))

	ok := d.Enqueue(context.Background(), testCommand())
	assert.True(t, ok)
	assert.Equal(t, 3, transport.attemptCount())
}

func TestDispatcher_IgnoredIsTerminalSuccess(t *testing.T) {
	transport := &scriptTransport{script: []func() (Receipt, error){
		respond(Receipt{Ignored: true}, nil),
	}}
	d := NewDispatcher(transport, nil, WithBaseDelay(time.Millisecond))

	ok := d.Enqueue(context.Background(), testCommand())
	assert.True(t, ok)
	assert.Equal(t, 1, transport.attemptCount())
}

func TestDispatcher_NotYetDispatchedIsRetried(t *testing.T) {
	transport := &scriptTransport{script: []func() (Receipt, error){
		respond(Receipt{}, nil),
		respond(Receipt{}, nil),
		respond(Receipt{Dispatched: true}, nil),
	}}
	d := NewDispatcher(transport, nil, WithBaseDelay(time.Millisecond))

	ok := d.Enqueue(context.Background(), testCommand())
	assert.True(t, ok)
	assert.Equal(t, 3, transport.attemptCount())
}

func TestDispatcher_NonRetryableErrorStopsImmediately(t *testing.T) {
	transport := &scriptTransport{script: []func() (Receipt, error){
		respond(Receipt{}, schema.NewError(schema.ErrCodeNotFound, "no such execution")),
		respond(Receipt{Dispatched: true}, nil),
	}}
	d := NewDispatcher(transport, nil, WithBaseDelay(time.Millisecond))

	ok := d.Enqueue(context.Background(), testCommand())
	assert.False(t, ok)
	assert.Equal(t, 1, transport.attemptCount())
}

func TestDispatcher_ExhaustsAttempts(t *testing.T) {
	retryable := respond(Receipt{}, schema.NewError(schema.ErrCodeStore, "still down"))
	transport := &scriptTransport{script: []func() (Receipt, error){
		retryable, retryable, retryable,
	}}
	d := NewDispatcher(transport, nil, WithMaxAttempts(3), WithBaseDelay(time.Millisecond))

	ok := d.Enqueue(context.Background(), testCommand())
	assert.False(t, ok)
	assert.Equal(t, 3, transport.attemptCount())
}

func TestDispatcher_ContextCancelAbandonsRetry(t *testing.T) {
	transport := &scriptTransport{script: []func() (Receipt, error){
		respond(Receipt{}, schema.NewError(schema.ErrCodeStore, "down")),
	}}
	d := NewDispatcher(transport, nil, WithBaseDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- d.Enqueue(ctx, testCommand()) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue did not return after context cancellation")
	}
	require.Equal(t, 1, transport.attemptCount())
}
