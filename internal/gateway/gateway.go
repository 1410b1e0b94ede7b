package gateway

import (
	"context"
	"log/slog"

	"github.com/conveyor-hq/conveyor/internal/engine"
	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// Gateway validates human decisions (approve, deny, cancel) and forwards
// them to the actor owning the execution. Existence and ownership are checked
// here; the resume token is checked inside the actor so a stale approval can
// never race a fresh one.
type Gateway struct {
	store  store.Store
	actors *engine.Registry
	logger *slog.Logger
}

// New creates a Gateway over the given store and actor registry.
func New(st store.Store, actors *engine.Registry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: st, actors: actors, logger: logger}
}

// Resume forwards an approval decision. On success it clears the execution's
// pending approval notifications and returns the post-decision status
// (running on approve, failed on deny).
func (g *Gateway) Resume(ctx context.Context, executionID, userID, token string, approve bool, reason string) (schema.ExecutionStatus, error) {
	ex, err := g.authorize(ctx, executionID, userID)
	if err != nil {
		return "", err
	}

	if err := g.actors.Resume(ctx, executionID, token, approve, reason); err != nil {
		return "", err
	}

	if err := g.store.ClearNotifications(ctx, executionID, ex.UserID); err != nil {
		g.logger.WarnContext(ctx, "clear approval notifications",
			"execution_id", executionID, "error", err)
	}

	g.logger.InfoContext(ctx, "approval resolved",
		"execution_id", executionID,
		"user_id", userID,
		"approved", approve,
	)

	return g.currentStatus(ctx, executionID)
}

// Cancel requests cancellation of a non-terminal execution. Cancelling an
// already-terminal execution returns its status unchanged; cancellation is
// inherently racy with natural completion and must never flip a finished
// execution back to cancelled.
func (g *Gateway) Cancel(ctx context.Context, executionID, userID, reason string) (schema.ExecutionStatus, error) {
	ex, err := g.authorize(ctx, executionID, userID)
	if err != nil {
		return "", err
	}

	if ex.Status.IsTerminal() {
		return ex.Status, nil
	}

	if err := g.actors.Cancel(ctx, executionID, reason); err != nil {
		return "", err
	}

	g.logger.InfoContext(ctx, "execution cancel requested",
		"execution_id", executionID,
		"user_id", userID,
		"reason", reason,
	)

	return g.currentStatus(ctx, executionID)
}

// authorize distinguishes "execution does not exist" from "caller does not
// own it"; the two surface as different error kinds.
func (g *Gateway) authorize(ctx context.Context, executionID, userID string) (*store.Execution, error) {
	ex, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.UserID != userID {
		return nil, schema.NewErrorf(schema.ErrCodeUnauthorized,
			"execution %s is not owned by caller", executionID)
	}
	return ex, nil
}

func (g *Gateway) currentStatus(ctx context.Context, executionID string) (schema.ExecutionStatus, error) {
	ex, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return ex.Status, nil
}
