package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conveyor-hq/conveyor/internal/store"
)

// ExecutionRequester is the interface the scheduler uses to start executions.
// Satisfied by the service (avoids import cycle).
type ExecutionRequester interface {
	RequestScheduled(ctx context.Context, workflowID, userID, triggerID string, variables map[string]any) (string, error)
}

// Scheduler polls the store for due scheduled triggers and requests
// executions for them. Trigger parsing stops here; past this point a
// schedule-triggered execution looks like any other.
type Scheduler struct {
	store     store.Store
	requester ExecutionRequester
	parser    cron.Parser
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, requester ExecutionRequester, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     s,
		requester: requester,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled triggers and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	triggers, err := s.store.ListScheduledTriggers(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trigger := range triggers {
		if trigger.NextRunAt == nil || !trigger.NextRunAt.After(now) {
			if !s.tryAcquire(trigger.ID) {
				continue // already firing (dedup)
			}
			if err := s.fire(ctx, trigger, now); err != nil {
				s.logger.Error("failed to fire scheduled trigger",
					slog.String("trigger_id", trigger.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(trigger.ID)
		}
	}
}

// fire requests an execution for a due trigger and advances its timestamps.
func (s *Scheduler) fire(ctx context.Context, trigger *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("firing scheduled trigger",
		slog.String("trigger_id", trigger.ID),
		slog.String("workflow_id", trigger.WorkflowID),
	)

	var variables map[string]any
	if len(trigger.Variables) > 0 {
		if err := json.Unmarshal(trigger.Variables, &variables); err != nil {
			return s.advance(ctx, trigger, now)
		}
	}

	executionID, err := s.requester.RequestScheduled(ctx, trigger.WorkflowID, trigger.UserID, trigger.ID, variables)
	if err != nil {
		s.logger.Error("scheduled execution request failed",
			slog.String("trigger_id", trigger.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled execution requested",
			slog.String("trigger_id", trigger.ID),
			slog.String("execution_id", executionID),
		)
	}

	return s.advance(ctx, trigger, now)
}

func (s *Scheduler) advance(ctx context.Context, trigger *store.ScheduledTrigger, now time.Time) error {
	nextRun, err := s.CalculateNextRun(trigger.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trigger.ID, err)
	}

	return s.store.UpdateScheduledTrigger(ctx, trigger.ID, store.ScheduledTriggerUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(triggerID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[triggerID]; ok {
		return false
	}
	s.inflight[triggerID] = struct{}{}
	return true
}

// release removes the trigger from the in-flight set.
func (s *Scheduler) release(triggerID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, triggerID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
