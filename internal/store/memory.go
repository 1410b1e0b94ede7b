package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// MemoryStore is an in-memory Store implementation. It mirrors the LibSQL
// store's semantics (not-found errors, upsert keys, ordering) and is used by
// tests and ephemeral setups where no database file is wanted.
type MemoryStore struct {
	mu sync.RWMutex

	workflows     map[string]*schema.WorkflowDefinition
	executions    map[string]*Execution
	steps         map[string]*StepRecord // keyed by executionID|stepID|attempt
	events        map[string][]*Event
	eventSeq      map[string]int64
	notifications map[string]*Notification
	triggers      map[string]*ScheduledTrigger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:     make(map[string]*schema.WorkflowDefinition),
		executions:    make(map[string]*Execution),
		steps:         make(map[string]*StepRecord),
		events:        make(map[string][]*Event),
		eventSeq:      make(map[string]int64),
		notifications: make(map[string]*Notification),
		triggers:      make(map[string]*ScheduledTrigger),
	}
}

func stepKey(executionID, stepID string, attempt int) string {
	return fmt.Sprintf("%s|%s|%d", executionID, stepID, attempt)
}

// --- Workflow documents ---

func (m *MemoryStore) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q already exists", def.ID)
	}
	cp := *def
	m.workflows[def.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *def
	return &cp, nil
}

func (m *MemoryStore) GetWorkflowBySlug(ctx context.Context, slug string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, def := range m.workflows {
		if def.Slug == slug {
			cp := *def
			return &cp, nil
		}
	}
	return nil, storeNotFound("workflow", slug)
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, enabledOnly bool) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowDefinition
	for _, def := range m.workflows {
		if enabledOnly && !def.Enabled {
			continue
		}
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) SetWorkflowEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.workflows[id]
	if !ok {
		return storeNotFound("workflow", id)
	}
	def.Enabled = enabled
	return nil
}

func (m *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(ctx context.Context, ex *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[ex.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "execution %q already exists", ex.ID)
	}
	cp := *ex
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.executions[ex.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *ex
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.Output != nil {
		ex.Output = update.Output
	}
	if update.Error != nil {
		ex.Error = update.Error
	}
	if update.ClearResumeToken {
		ex.ResumeToken = ""
		ex.PendingPrompt = ""
	} else {
		if update.ResumeToken != nil {
			ex.ResumeToken = *update.ResumeToken
		}
		if update.PendingPrompt != nil {
			ex.PendingPrompt = *update.PendingPrompt
		}
	}
	if update.StartedAt != nil {
		ex.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		ex.CompletedAt = update.CompletedAt
	}
	ex.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, ex := range m.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.UserID != "" && ex.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && ex.Status != *filter.Status {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
		if len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
	}
	return out, nil
}

func (m *MemoryStore) CountActive(ctx context.Context, userID string) (ActiveCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var counts ActiveCounts
	for _, ex := range m.executions {
		if ex.Status.IsTerminal() {
			continue
		}
		counts.Global++
		if ex.UserID == userID {
			counts.User++
		}
	}
	return counts, nil
}

// --- Step records ---

func (m *MemoryStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.steps[stepKey(rec.ExecutionID, rec.StepID, rec.Attempt)] = &cp
	return nil
}

func (m *MemoryStore) GetStepRecord(ctx context.Context, executionID, stepID string, attempt int) (*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.steps[stepKey(executionID, stepID, attempt)]
	if !ok {
		return nil, storeNotFound("step record", stepID)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StepRecord
	for _, rec := range m.steps {
		if rec.ExecutionID != executionID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.InsertionOrder != b.InsertionOrder {
			return a.InsertionOrder < b.InsertionOrder
		}
		if a.StepID != b.StepID {
			return a.StepID < b.StepID
		}
		return a.Attempt < b.Attempt
	})
	return out, nil
}

// --- Event log ---

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq[event.ExecutionID]++
	cp := *event
	cp.Sequence = m.eventSeq[event.ExecutionID]
	cp.ID = cp.Sequence
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	event.Sequence = cp.Sequence
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, ev := range m.events[executionID] {
		if ev.Sequence > since {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Notifications ---

func (m *MemoryStore) CreateNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.notifications[n.ID] = &cp
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, userID string) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Notification
	for _, n := range m.notifications {
		if n.UserID != userID || n.ClearedAt != nil {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ClearNotifications(ctx context.Context, executionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, n := range m.notifications {
		if n.ExecutionID == executionID && n.UserID == userID && n.ClearedAt == nil {
			n.ClearedAt = &now
		}
	}
	return nil
}

// --- Scheduled triggers ---

func (m *MemoryStore) CreateScheduledTrigger(ctx context.Context, t *ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.triggers[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledTrigger
	for _, t := range m.triggers {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return storeNotFound("scheduled trigger", id)
	}
	if update.Enabled != nil {
		t.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		t.NextRunAt = update.NextRunAt
	}
	return nil
}

func (m *MemoryStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return storeNotFound("scheduled trigger", id)
	}
	delete(m.triggers, id)
	return nil
}

// --- Maintenance and lifecycle ---

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (m *MemoryStore) Vacuum(ctx context.Context) error  { return nil }
func (m *MemoryStore) Close() error                      { return nil }

var _ Store = (*MemoryStore)(nil)
