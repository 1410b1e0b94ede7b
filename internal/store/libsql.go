package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow documents ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, slug, name, version, steps, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		def.ID, nullStr(def.Slug), def.Name, def.Version, string(steps), boolToInt(def.Enabled),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.getWorkflowWhere(ctx, "id = ?", id)
}

func (s *LibSQLStore) GetWorkflowBySlug(ctx context.Context, slug string) (*schema.WorkflowDefinition, error) {
	return s.getWorkflowWhere(ctx, "slug = ?", slug)
}

func (s *LibSQLStore) getWorkflowWhere(ctx context.Context, where string, arg any) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var slug sql.NullString
	var stepsJSON string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, version, steps, enabled FROM workflows WHERE `+where, arg,
	).Scan(&def.ID, &slug, &def.Name, &def.Version, &stepsJSON, &enabled)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", fmt.Sprintf("%v", arg))
	}
	if err != nil {
		return nil, err
	}
	def.Slug = slug.String
	def.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, enabledOnly bool) ([]*schema.WorkflowDefinition, error) {
	query := `SELECT id, slug, name, version, steps, enabled FROM workflows`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def := &schema.WorkflowDefinition{}
		var slug sql.NullString
		var stepsJSON string
		var enabled int
		if err := rows.Scan(&def.ID, &slug, &def.Name, &def.Version, &stepsJSON, &enabled); err != nil {
			return nil, err
		}
		def.Slug = slug.String
		def.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps for %s: %w", def.ID, err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) SetWorkflowEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(enabled), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

const executionColumns = `id, workflow_id, user_id, session_id, trigger_id, trigger_type, trigger_metadata,
	input, output, snapshot, snapshot_hash, status, resume_token, pending_prompt, error,
	created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	snapshot, err := json.Marshal(ex.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	input, err := marshalMapOrDefault(ex.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalMapOrDefault(ex.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.UserID, nullStr(ex.SessionID), nullStr(ex.TriggerID),
		string(ex.TriggerType), nullRaw(ex.TriggerMetadata),
		string(input), string(output), string(snapshot), ex.SnapshotHash,
		string(ex.Status), nullStr(ex.ResumeToken), nullStr(ex.PendingPrompt), nullRaw(ex.Error),
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		out, err := json.Marshal(update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, string(out))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.ClearResumeToken {
		sets = append(sets, "resume_token = NULL", "pending_prompt = NULL")
	} else {
		if update.ResumeToken != nil {
			sets = append(sets, "resume_token = ?")
			args = append(args, *update.ResumeToken)
		}
		if update.PendingPrompt != nil {
			sets = append(sets, "pending_prompt = ?")
			args = append(args, *update.PendingPrompt)
		}
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

// CountActive counts executions in a non-terminal status for the user and
// globally, in one query. This backs the admission controller's advisory
// check; it is read-then-act by design, not a serialized reservation.
func (s *LibSQLStore) CountActive(ctx context.Context, userID string) (ActiveCounts, error) {
	var counts ActiveCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN user_id = ? THEN 1 END),
			COUNT(*)
		 FROM executions
		 WHERE status IN ('pending', 'running', 'waiting_approval')`, userID,
	).Scan(&counts.User, &counts.Global)
	return counts, err
}

func scanExecution(scan func(...any) error) (*Execution, error) {
	ex := &Execution{}
	var (
		sessionID, triggerID, resumeToken, pendingPrompt sql.NullString
		triggerMeta, outputJSON, errorJSON               sql.NullString
		inputJSON, snapshotJSON, triggerType, status     string
		startedAt, completedAt                           sql.NullTime
	)
	err := scan(&ex.ID, &ex.WorkflowID, &ex.UserID, &sessionID, &triggerID, &triggerType, &triggerMeta,
		&inputJSON, &outputJSON, &snapshotJSON, &ex.SnapshotHash, &status, &resumeToken, &pendingPrompt,
		&errorJSON, &ex.CreatedAt, &startedAt, &completedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.SessionID = sessionID.String
	ex.TriggerID = triggerID.String
	ex.TriggerType = schema.TriggerType(triggerType)
	ex.TriggerMetadata = rawOrNil(triggerMeta)
	ex.Status = schema.ExecutionStatus(status)
	ex.ResumeToken = resumeToken.String
	ex.PendingPrompt = pendingPrompt.String
	ex.Error = rawOrNil(errorJSON)
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &ex.Input)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		_ = json.Unmarshal([]byte(outputJSON.String), &ex.Output)
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &ex.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Step records ---

func (s *LibSQLStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	if rec.Attempt < 1 {
		rec.Attempt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_steps (execution_id, step_id, attempt, status, input, output, error, insertion_order, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id, attempt) DO UPDATE SET
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			insertion_order = excluded.insertion_order,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		rec.ExecutionID, rec.StepID, rec.Attempt, string(rec.Status),
		nullRaw(rec.Input), nullRaw(rec.Output), nullRaw(rec.Error),
		rec.InsertionOrder, nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetStepRecord(ctx context.Context, executionID, stepID string, attempt int) (*StepRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, step_id, attempt, status, input, output, error, insertion_order, started_at, completed_at
		 FROM execution_steps WHERE execution_id = ? AND step_id = ? AND attempt = ?`,
		executionID, stepID, attempt)
	rec, err := scanStepRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step record", fmt.Sprintf("%s/%s#%d", executionID, stepID, attempt))
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, attempt, status, input, output, error, insertion_order, started_at, completed_at
		 FROM execution_steps WHERE execution_id = ? ORDER BY insertion_order ASC, step_id ASC, attempt ASC`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		rec, err := scanStepRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanStepRecord(scan func(...any) error) (*StepRecord, error) {
	rec := &StepRecord{}
	var (
		status                      string
		inputJSON, outJSON, errJSON sql.NullString
		startedAt, completedAt      sql.NullTime
	)
	err := scan(&rec.ExecutionID, &rec.StepID, &rec.Attempt, &status,
		&inputJSON, &outJSON, &errJSON, &rec.InsertionOrder, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.StepStatus(status)
	rec.Input = rawOrNil(inputJSON)
	rec.Output = rawOrNil(outJSON)
	rec.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

// --- Events ---

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Notifications ---

func (s *LibSQLStore) CreateNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, execution_id, user_id, workflow_name, prompt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.ExecutionID, n.UserID, nullStr(n.WorkflowName), nullStr(n.Prompt), timeOrNow(n.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListNotifications(ctx context.Context, userID string) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, user_id, workflow_name, prompt, created_at, cleared_at
		 FROM notifications WHERE user_id = ? AND cleared_at IS NULL ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n := &Notification{}
		var wfName, prompt sql.NullString
		var clearedAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.ExecutionID, &n.UserID, &wfName, &prompt, &n.CreatedAt, &clearedAt); err != nil {
			return nil, err
		}
		n.WorkflowName = wfName.String
		n.Prompt = prompt.String
		if clearedAt.Valid {
			n.ClearedAt = &clearedAt.Time
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *LibSQLStore) ClearNotifications(ctx context.Context, executionID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET cleared_at = CURRENT_TIMESTAMP
		 WHERE execution_id = ? AND user_id = ? AND cleared_at IS NULL`,
		executionID, userID,
	)
	return err
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, t *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, workflow_id, user_id, cron_expression, variables, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.UserID, t.CronExpression, nullRaw(t.Variables),
		boolToInt(t.Enabled), nullTime(t.LastRunAt), nullTime(t.NextRunAt), timeOrNow(t.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error) {
	query := `SELECT id, workflow_id, user_id, cron_expression, variables, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_triggers`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*ScheduledTrigger
	for rows.Next() {
		t := &ScheduledTrigger{}
		var variables sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.UserID, &t.CronExpression, &variables, &enabled, &lastRun, &nextRun, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Variables = rawOrNil(variables)
		t.Enabled = enabled != 0
		if lastRun.Valid {
			t.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			t.NextRunAt = &nextRun.Time
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConveyorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
