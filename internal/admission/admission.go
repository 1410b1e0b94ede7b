package admission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conveyor-hq/conveyor/internal/store"
)

// Limits are the concurrency caps applied before dispatching a new execution.
type Limits struct {
	PerUser int `json:"per_user"`
	Global  int `json:"global"`
}

// DefaultLimits returns the standard caps: 5 per user, 50 global.
func DefaultLimits() Limits {
	return Limits{PerUser: 5, Global: 50}
}

// Decision is the outcome of an admission check. Reason is a structured
// string (per_user_limit_exceeded:<N> or global_limit_exceeded:<N>) so
// callers can surface actionable messages.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	ActiveUser   int    `json:"active_user"`
	ActiveGlobal int    `json:"active_global"`
}

// Controller gates new executions on per-user and global concurrency caps.
// The check is advisory, not transactional: it is evaluated immediately
// before dispatch and a concurrent burst can briefly overshoot a cap. That
// race window is an accepted trade-off; counts are read from the store so the
// gate stays correct across restarts.
type Controller struct {
	store  store.Store
	logger *slog.Logger
}

// NewController creates an admission controller backed by the given store.
func NewController(st store.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, logger: logger}
}

// Check counts the user's and the system's non-terminal executions (pending,
// running, waiting_approval) and decides whether a new one may start.
// Zero or negative limits fall back to the defaults.
func (c *Controller) Check(ctx context.Context, userID string, limits Limits) (Decision, error) {
	defaults := DefaultLimits()
	if limits.PerUser <= 0 {
		limits.PerUser = defaults.PerUser
	}
	if limits.Global <= 0 {
		limits.Global = defaults.Global
	}

	counts, err := c.store.CountActive(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Allowed:      true,
		ActiveUser:   counts.User,
		ActiveGlobal: counts.Global,
	}

	switch {
	case counts.User >= limits.PerUser:
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("per_user_limit_exceeded:%d", limits.PerUser)
	case counts.Global >= limits.Global:
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("global_limit_exceeded:%d", limits.Global)
	}

	if !decision.Allowed {
		c.logger.InfoContext(ctx, "execution admission denied",
			"user_id", userID,
			"reason", decision.Reason,
			"active_user", counts.User,
			"active_global", counts.Global,
		)
	}

	return decision, nil
}
