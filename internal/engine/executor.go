package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/conveyor-hq/conveyor/internal/expressions"
	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// StepExecutor carries out the body of a leaf step (tool, agent,
// agent_message). The engine does not know how a step is actually evaluated;
// the platform plugs in an executor that calls tools, prompts an agent, or
// delivers a session message.
type StepExecutor interface {
	Execute(ctx context.Context, node *schema.StepNode, vars map[string]any) (json.RawMessage, error)
}

// StepExecutorFunc adapts a function to the StepExecutor interface.
type StepExecutorFunc func(ctx context.Context, node *schema.StepNode, vars map[string]any) (json.RawMessage, error)

func (f StepExecutorFunc) Execute(ctx context.Context, node *schema.StepNode, vars map[string]any) (json.RawMessage, error) {
	return f(ctx, node, vars)
}

// Notifier is the external notification collaborator. The engine emits an
// approval-needed signal when an execution suspends and an ack when the
// matching approval is resolved; delivery is the platform's concern.
type Notifier interface {
	ApprovalRequested(ctx context.Context, n *store.Notification)
	ApprovalResolved(ctx context.Context, executionID, userID string)
}

// Deps bundles the collaborators an actor needs to drive one execution.
type Deps struct {
	Store       store.Store
	Executor    StepExecutor
	Expressions *expressions.Registry
	Finalizer   *Finalizer
	Notifier    Notifier
	Pool        *WorkerPool
	Logger      *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
