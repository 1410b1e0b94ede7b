package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyor-hq/conveyor/internal/engine"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// Command asks the actor owning an execution to start (or continue) work.
type Command struct {
	ExecutionID string             `json:"execution_id"`
	WorkflowID  string             `json:"workflow_id"`
	UserID      string             `json:"user_id"`
	SessionID   string             `json:"session_id,omitempty"`
	TriggerType schema.TriggerType `json:"trigger_type"`
}

// Receipt is the transport's response to a delivery attempt.
// Dispatched=false without Ignored=true means "not yet dispatched" and is
// worth retrying; Ignored=true is a terminal no-op success (the target
// already finished or the command was a duplicate).
type Receipt struct {
	Dispatched bool `json:"dispatched"`
	Ignored    bool `json:"ignored"`
}

// Transport delivers a command to the per-execution actor. Delivery is
// at-least-once: the target must tolerate duplicates.
type Transport interface {
	Deliver(ctx context.Context, cmd Command) (Receipt, error)
}

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 150 * time.Millisecond
)

// Dispatcher hands execution commands to a transport with bounded retry and
// linear backoff. It never mutates execution status; after exhausting
// attempts it returns false and the caller decides what to do with the
// still-pending execution.
type Dispatcher struct {
	transport   Transport
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxAttempts overrides the default of 5 delivery attempts.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBaseDelay overrides the default 150ms linear backoff base.
func WithBaseDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.baseDelay = delay
		}
	}
}

// NewDispatcher creates a Dispatcher over the given transport.
func NewDispatcher(transport Transport, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		transport:   transport,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue delivers the command, retrying transient failures and
// "not yet dispatched" receipts up to the attempt cap. Returns true when the
// command was handed off (or terminally ignored), false after exhaustion.
func (d *Dispatcher) Enqueue(ctx context.Context, cmd Command) bool {
	logger := d.logger.With("execution_id", cmd.ExecutionID, "workflow_id", cmd.WorkflowID)

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		receipt, err := d.transport.Deliver(ctx, cmd)
		switch {
		case err != nil:
			lastErr = err
			if !engine.IsRetryableError(err) {
				logger.ErrorContext(ctx, "dispatch failed permanently",
					"attempt", attempt, "error", err)
				return false
			}
			logger.WarnContext(ctx, "dispatch attempt failed",
				"attempt", attempt, "error", err)
		case receipt.Ignored:
			// Target already finished or duplicate delivery; nothing to do.
			logger.DebugContext(ctx, "dispatch ignored by target", "attempt", attempt)
			return true
		case receipt.Dispatched:
			return true
		default:
			// Dispatched=false without Ignored: the actor has not picked the
			// command up yet. Retry.
			lastErr = schema.NewError(schema.ErrCodeDispatchFailed, "command not yet dispatched")
			logger.DebugContext(ctx, "dispatch not yet accepted", "attempt", attempt)
		}

		if attempt < d.maxAttempts {
			if err := sleep(ctx, d.baseDelay*time.Duration(attempt)); err != nil {
				logger.WarnContext(ctx, "dispatch abandoned", "error", err)
				return false
			}
		}
	}

	logger.ErrorContext(ctx, "dispatch exhausted all attempts",
		"attempts", d.maxAttempts, "error", lastErr)
	return false
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
