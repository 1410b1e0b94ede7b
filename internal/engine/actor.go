package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

type msgKind int

const (
	msgExecute msgKind = iota
	msgResume
	msgCancel
)

type message struct {
	kind    msgKind
	token   string
	approve bool
	reason  string
	reply   chan error
}

// Actor owns one execution. All step-state mutation for that execution flows
// through its mailbox, processed by at most one drain goroutine at a time, so
// step transitions are strictly serialized except for explicit parallel
// fan-out inside a walk.
type Actor struct {
	executionID string
	deps        Deps
	execFSM     *ExecutionFSM
	stepFSM     *StepFSM

	mu           sync.Mutex
	queue        []message
	running      bool
	cancelled    bool
	cancelReason string
	nextOrder    int64
	orderLoaded  bool

	drained *sync.WaitGroup // registry-level, tracks live drain goroutines
	retire  func()          // drops the registry entry once terminal
}

func newActor(executionID string, deps Deps, drained *sync.WaitGroup) *Actor {
	return &Actor{
		executionID: executionID,
		deps:        deps,
		execFSM:     NewExecutionFSM(deps.Store),
		stepFSM:     NewStepFSM(deps.Store),
		drained:     drained,
	}
}

// retireActor releases the registry slot after the execution reached a
// terminal status, so a long-lived process does not accumulate one actor per
// finished execution. A later delivery for the same id builds a fresh actor,
// which short-circuits on the persisted terminal state.
func (a *Actor) retireActor() {
	if a.retire != nil {
		a.retire()
	}
}

// post appends a message and starts a drain goroutine if none is active.
// The run-loop-on-demand shape keeps the single-consumer guarantee without
// parking a goroutine per execution forever.
func (a *Actor) post(msg message) {
	a.mu.Lock()
	a.queue = append(a.queue, msg)
	if !a.running {
		a.running = true
		a.drained.Add(1)
		go a.drain()
	}
	a.mu.Unlock()
}

func (a *Actor) drain() {
	defer a.drained.Done()
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			a.mu.Unlock()
			return
		}
		msg := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		// Actor work outlives the caller's request context.
		ctx := context.Background()
		switch msg.kind {
		case msgExecute:
			a.handleExecute(ctx)
		case msgResume:
			msg.reply <- a.handleResume(ctx, msg.token, msg.approve, msg.reason)
		case msgCancel:
			msg.reply <- a.handleCancel(ctx, msg.reason)
		}
	}
}

// markCancelled raises the cooperative cancellation flag. An in-flight walk
// observes it at the next step boundary; step bodies are never interrupted.
func (a *Actor) markCancelled(reason string) {
	a.mu.Lock()
	if !a.cancelled {
		a.cancelled = true
		a.cancelReason = reason
	}
	a.mu.Unlock()
}

func (a *Actor) isCancelled() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled, a.cancelReason
}

// nextInsertionOrder hands out the per-execution monotonic arrival counter,
// seeding it from existing records on first use so it survives restarts.
func (a *Actor) nextInsertionOrder(ctx context.Context) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.orderLoaded {
		a.orderLoaded = true
		recs, err := a.deps.Store.ListStepRecords(ctx, a.executionID)
		if err == nil {
			for _, rec := range recs {
				if rec.InsertionOrder >= a.nextOrder {
					a.nextOrder = rec.InsertionOrder + 1
				}
			}
		}
	}
	order := a.nextOrder
	a.nextOrder++
	return order
}

// --- Message handlers ---

func (a *Actor) handleExecute(ctx context.Context) {
	logger := a.deps.logger().With("execution_id", a.executionID)

	ex, err := a.deps.Store.GetExecution(ctx, a.executionID)
	if err != nil {
		logger.ErrorContext(ctx, "load execution for dispatch", "error", err)
		return
	}

	if ex.Status.IsTerminal() {
		return
	}
	// Suspended on approval; duplicate delivery is a no-op until resume.
	if ex.Status == schema.ExecutionWaitingApproval {
		return
	}

	if cancelled, reason := a.isCancelled(); cancelled {
		a.finalizeCancelled(ctx, reason)
		return
	}

	if ex.Status == schema.ExecutionPending {
		if err := a.execFSM.Transition(ctx, a.executionID, ex.Status, schema.ExecutionRunning); err != nil {
			logger.ErrorContext(ctx, "start execution", "error", err)
			return
		}
		now := time.Now().UTC()
		running := schema.ExecutionRunning
		if err := a.deps.Store.UpdateExecution(ctx, a.executionID, store.ExecutionUpdate{
			Status:    &running,
			StartedAt: &now,
		}); err != nil {
			logger.ErrorContext(ctx, "persist running status", "error", err)
			return
		}
		ex.Status = running
	}

	a.walk(ctx, ex)
}

func (a *Actor) handleResume(ctx context.Context, token string, approve bool, reason string) error {
	ex, err := a.deps.Store.GetExecution(ctx, a.executionID)
	if err != nil {
		return err
	}

	if ex.Status != schema.ExecutionWaitingApproval {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s, not waiting for approval", a.executionID, ex.Status).
			WithDetails(map[string]any{"status": string(ex.Status)})
	}

	if ex.ResumeToken == "" || ex.ResumeToken != token {
		return schema.NewError(schema.ErrCodeTokenMismatch,
			"resume token does not match the outstanding approval request")
	}

	// A changed live definition means the snapshot no longer describes what
	// the user thinks is running; surface drift instead of continuing silently.
	if live, lerr := a.deps.Store.GetWorkflow(ctx, ex.WorkflowID); lerr == nil {
		if live.DefinitionHash() != ex.SnapshotHash {
			return schema.NewErrorf(schema.ErrCodeDefinitionDrift,
				"workflow %s changed since execution %s started", ex.WorkflowID, a.executionID)
		}
	}

	rec := a.outstandingApproval(ctx)
	now := time.Now().UTC()

	payload, _ := json.Marshal(map[string]any{"approved": approve, "reason": reason})
	a.emit(ctx, recordStepID(rec), schema.EventApprovalResolved, payload)

	if !approve {
		var steps []*store.StepRecord
		if rec != nil {
			denial, _ := json.Marshal(map[string]any{"approved": false, "reason": reason})
			rec.Status = schema.StepFailed
			rec.Error = denial
			rec.CompletedAt = &now
			steps = append(steps, rec)
			_ = a.stepFSM.Transition(ctx, a.executionID, rec.StepID, schema.StepWaiting, schema.StepFailed)
		}
		denialErr := schema.NewErrorf(schema.ErrCodeStepFailed, "approval denied: %s", reason)
		if rec != nil {
			denialErr = denialErr.WithStep(rec.StepID)
		}
		errJSON, _ := json.Marshal(denialErr)
		_, ferr := a.deps.Finalizer.Complete(ctx, a.executionID, "", CompletionRequest{
			Status: schema.ExecutionFailed,
			Steps:  steps,
			Error:  errJSON,
		})
		if ferr == nil || IsAlreadyFinalized(ferr) {
			a.retireActor()
		}
		return ferr
	}

	if rec != nil {
		approval, _ := json.Marshal(map[string]any{"approved": true, "reason": reason})
		rec.Status = schema.StepCompleted
		rec.Output = approval
		rec.CompletedAt = &now
		if err := a.deps.Store.UpsertStepRecord(ctx, rec); err != nil {
			return err
		}
		_ = a.stepFSM.Transition(ctx, a.executionID, rec.StepID, schema.StepWaiting, schema.StepCompleted)
	}

	if err := a.execFSM.Transition(ctx, a.executionID, ex.Status, schema.ExecutionRunning); err != nil {
		return err
	}
	running := schema.ExecutionRunning
	if err := a.deps.Store.UpdateExecution(ctx, a.executionID, store.ExecutionUpdate{
		Status:           &running,
		ClearResumeToken: true,
	}); err != nil {
		return err
	}

	if a.deps.Notifier != nil {
		a.deps.Notifier.ApprovalResolved(ctx, a.executionID, ex.UserID)
	}

	// Continue the walk after replying; the caller sees status running.
	a.post(message{kind: msgExecute})
	return nil
}

func (a *Actor) handleCancel(ctx context.Context, reason string) error {
	ex, err := a.deps.Store.GetExecution(ctx, a.executionID)
	if err != nil {
		return err
	}

	// Cancellation races with natural completion; a terminal execution stays
	// as it finished.
	if ex.Status.IsTerminal() {
		return nil
	}

	a.finalizeCancelled(ctx, reason)
	return nil
}

// outstandingApproval returns the latest waiting approval record, if any.
func (a *Actor) outstandingApproval(ctx context.Context) *store.StepRecord {
	recs, err := a.deps.Store.ListStepRecords(ctx, a.executionID)
	if err != nil {
		return nil
	}
	var found *store.StepRecord
	for _, rec := range recs {
		if rec.Status != schema.StepWaiting {
			continue
		}
		if found == nil || rec.InsertionOrder > found.InsertionOrder {
			found = rec
		}
	}
	return found
}

// --- Finalization helpers ---

func (a *Actor) finalizeCancelled(ctx context.Context, reason string) {
	now := time.Now().UTC()

	// Skip whatever is still in flight; completed work stays recorded.
	var steps []*store.StepRecord
	recs, err := a.deps.Store.ListStepRecords(ctx, a.executionID)
	if err == nil {
		for _, rec := range recs {
			if rec.Status == schema.StepRunning || rec.Status == schema.StepWaiting || rec.Status == schema.StepRetrying {
				from := rec.Status
				rec.Status = schema.StepSkipped
				rec.CompletedAt = &now
				steps = append(steps, rec)
				_ = a.stepFSM.Transition(ctx, a.executionID, rec.StepID, from, schema.StepSkipped)
			}
		}
	}

	var errJSON json.RawMessage
	if reason != "" {
		errJSON, _ = json.Marshal(schema.NewErrorf(schema.ErrCodeCancelled, "cancelled: %s", reason))
	}

	_, ferr := a.deps.Finalizer.Complete(ctx, a.executionID, "", CompletionRequest{
		Status: schema.ExecutionCancelled,
		Steps:  steps,
		Error:  errJSON,
	})
	if ferr != nil && !IsAlreadyFinalized(ferr) {
		a.deps.logger().ErrorContext(ctx, "finalize cancelled execution",
			"execution_id", a.executionID, "error", ferr)
		return
	}
	a.retireActor()
}

func (a *Actor) finalizeFailed(ctx context.Context, cause error) {
	errJSON := marshalError(cause)
	_, ferr := a.deps.Finalizer.Complete(ctx, a.executionID, "", CompletionRequest{
		Status: schema.ExecutionFailed,
		Error:  errJSON,
	})
	if ferr != nil && !IsAlreadyFinalized(ferr) {
		a.deps.logger().ErrorContext(ctx, "finalize failed execution",
			"execution_id", a.executionID, "error", ferr)
		return
	}
	a.retireActor()
}

// emit appends a log event, best-effort.
func (a *Actor) emit(ctx context.Context, stepID, eventType string, payload json.RawMessage) {
	_ = a.deps.Store.AppendEvent(ctx, &store.Event{
		ExecutionID: a.executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
	})
}

func marshalError(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	var cvErr *schema.ConveyorError
	if !errors.As(err, &cvErr) {
		cvErr = schema.NewError(schema.ErrCodeStepFailed, err.Error())
	}
	data, merr := json.Marshal(cvErr)
	if merr != nil {
		return nil
	}
	return data
}

// recordStepID is a nil-safe accessor used when emitting resolution events.
func recordStepID(rec *store.StepRecord) string {
	if rec == nil {
		return ""
	}
	return rec.StepID
}

// --- Registry ---

// Registry addresses actors by execution id. It guarantees at most one
// logical owner mutates a given execution's step state at a time.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	deps   Deps
	wg     sync.WaitGroup
}

// NewRegistry creates an actor registry with shared dependencies.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		actors: make(map[string]*Actor),
		deps:   deps,
	}
}

func (r *Registry) actor(executionID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[executionID]
	if !ok {
		a = newActor(executionID, r.deps, &r.wg)
		a.retire = func() { r.remove(executionID, a) }
		r.actors[executionID] = a
	}
	return a
}

// remove evicts one actor, identity-checked so a retiring actor can never
// displace a successor registered for the same execution id.
func (r *Registry) remove(executionID string, a *Actor) {
	r.mu.Lock()
	if r.actors[executionID] == a {
		delete(r.actors, executionID)
	}
	r.mu.Unlock()
}

// Deliver hands an execute command to the owning actor. It is idempotent:
// repeated delivery for the same execution id is safe, and delivery to a
// terminal execution reports ignored without touching the actor.
func (r *Registry) Deliver(ctx context.Context, executionID string) (dispatched, ignored bool, err error) {
	ex, err := r.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		return false, false, err
	}
	if ex.Status.IsTerminal() {
		return false, true, nil
	}

	r.actor(executionID).post(message{kind: msgExecute})
	return true, false, nil
}

// Resume forwards a human approval decision to the owning actor and waits
// for its verdict. Token validation happens inside the actor so a stale or
// duplicate approval can never race a fresh one.
func (r *Registry) Resume(ctx context.Context, executionID, token string, approve bool, reason string) error {
	reply := make(chan error, 1)
	r.actor(executionID).post(message{kind: msgResume, token: token, approve: approve, reason: reason, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel raises the cooperative cancel flag and asks the actor to finalize.
// Cancelling a terminal execution is a no-op success.
func (r *Registry) Cancel(ctx context.Context, executionID, reason string) error {
	a := r.actor(executionID)
	a.markCancelled(reason)

	reply := make(chan error, 1)
	a.post(message{kind: msgCancel, reason: reason, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every actor's mailbox has drained. Used on shutdown and
// by tests that need the asynchronous walk to settle.
func (r *Registry) Wait() {
	r.wg.Wait()
}
