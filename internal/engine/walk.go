package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// errSuspended unwinds the walk when an approval step suspends the execution.
var errSuspended = errors.New("execution suspended on approval")

// errWalkCancelled unwinds the walk when the cooperative cancel flag is raised.
var errWalkCancelled = errors.New("execution cancelled")

// walkScope carries the structural position of the current sub-walk:
// subworkflow namespaces prefix record ids and output variables, loop
// iterations suffix record ids, and iter holds the loop scope for conditions.
type walkScope struct {
	idPrefix  string
	idSuffix  string
	varPrefix string
	iter      map[string]any
}

func (sc walkScope) effectiveID(nodeID string) string {
	return sc.idPrefix + nodeID + sc.idSuffix
}

// run is the in-memory state of one walk over an execution's step graph.
// vars is rebuilt deterministically on resume by re-binding the outputs of
// already-completed step records, so the walk never depends on process memory
// surviving a suspension.
type run struct {
	ex *store.Execution

	mu      sync.Mutex
	vars    map[string]any
	outputs map[string]any
	latest  map[string]*store.StepRecord
}

func (a *Actor) newRun(ctx context.Context, ex *store.Execution) (*run, error) {
	r := &run{
		ex:      ex,
		vars:    make(map[string]any, len(ex.Input)),
		outputs: make(map[string]any),
		latest:  make(map[string]*store.StepRecord),
	}
	for k, v := range ex.Input {
		r.vars[k] = v
	}

	recs, err := a.deps.Store.ListStepRecords(ctx, ex.ID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		prev, ok := r.latest[rec.StepID]
		if !ok || rec.Attempt > prev.Attempt {
			r.latest[rec.StepID] = rec
		}
	}
	return r, nil
}

func (r *run) latestRecord(stepID string) *store.StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest[stepID]
}

func (r *run) remember(rec *store.StepRecord) {
	r.mu.Lock()
	r.latest[rec.StepID] = rec
	r.mu.Unlock()
}

func (r *run) bind(name string, value any) {
	r.mu.Lock()
	r.vars[name] = value
	r.outputs[name] = value
	r.mu.Unlock()
}

func (r *run) varsSnapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]any, len(r.vars))
	for k, v := range r.vars {
		snap[k] = v
	}
	return snap
}

func (r *run) outputsSnapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return out
}

// exprData builds the evaluation bindings for condition expressions.
func (r *run) exprData(iter map[string]any) map[string]any {
	if iter == nil {
		iter = map[string]any{}
	}
	return map[string]any{
		"vars":  r.varsSnapshot(),
		"input": r.ex.Input,
		"execution": map[string]any{
			"id":           r.ex.ID,
			"workflow_id":  r.ex.WorkflowID,
			"user_id":      r.ex.UserID,
			"trigger_type": string(r.ex.TriggerType),
		},
		"iter": iter,
	}
}

// --- Walk ---

// walk drives the step graph from the top. Re-walks after a resume skip
// already-completed steps via their records, so the graph position is
// recovered from durable state alone.
func (a *Actor) walk(ctx context.Context, ex *store.Execution) {
	r, err := a.newRun(ctx, ex)
	if err != nil {
		a.finalizeFailed(ctx, err)
		return
	}

	err = a.walkSteps(ctx, r, ex.Snapshot.Steps, walkScope{})
	switch {
	case err == nil:
		_, ferr := a.deps.Finalizer.Complete(ctx, a.executionID, "", CompletionRequest{
			Status:  schema.ExecutionCompleted,
			Outputs: r.outputsSnapshot(),
		})
		if ferr != nil && !IsAlreadyFinalized(ferr) {
			a.deps.logger().ErrorContext(ctx, "finalize completed execution",
				"execution_id", a.executionID, "error", ferr)
			return
		}
		a.retireActor()
	case errors.Is(err, errSuspended):
		// waiting_approval already persisted by the approval handler.
	case errors.Is(err, errWalkCancelled):
		// Only the cooperative cancel flag means the user cancelled. A bare
		// context.Canceled bubbling out of a step is a failure symptom, most
		// often a sibling unwound by parallel fail-fast, never a user intent.
		_, reason := a.isCancelled()
		a.finalizeCancelled(ctx, reason)
	default:
		a.finalizeFailed(ctx, err)
	}
}

func (a *Actor) walkSteps(ctx context.Context, r *run, steps []schema.StepNode, sc walkScope) error {
	for i := range steps {
		if err := a.walkOne(ctx, r, &steps[i], sc); err != nil {
			return err
		}
	}
	return nil
}

// walkOne dispatches a single node to its handler. Cancellation is observed
// here, at step boundaries, never mid-step.
func (a *Actor) walkOne(ctx context.Context, r *run, node *schema.StepNode, sc walkScope) error {
	if cancelled, _ := a.isCancelled(); cancelled {
		return errWalkCancelled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch node.Type {
	case schema.StepTypeTool, schema.StepTypeAgent, schema.StepTypeAgentMessage:
		return a.runLeafStep(ctx, r, node, sc)
	case schema.StepTypeConditional:
		return a.runConditionalStep(ctx, r, node, sc)
	case schema.StepTypeParallel:
		return a.runParallelStep(ctx, r, node, sc)
	case schema.StepTypeLoop:
		return a.runLoopStep(ctx, r, node, sc)
	case schema.StepTypeSubworkflow:
		return a.runSubworkflowStep(ctx, r, node, sc)
	case schema.StepTypeApproval:
		return a.runApprovalStep(ctx, r, node, sc)
	default:
		// Unknown node kinds fail fast rather than silently no-op.
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported step type %q", node.Type).WithStep(node.ID)
	}
}

// --- Leaf steps (tool / agent / agent_message) ---

func (a *Actor) runLeafStep(ctx context.Context, r *run, node *schema.StepNode, sc walkScope) error {
	effID := sc.effectiveID(node.ID)

	// Already completed in a previous walk; re-bind its output and move on.
	if rec := r.latestRecord(effID); rec != nil && rec.Status == schema.StepCompleted {
		return a.bindOutput(ctx, r, node, sc, rec.Output)
	}

	attempt := 1
	if rec := r.latestRecord(effID); rec != nil {
		attempt = rec.Attempt + 1
	}
	maxRetries := 0
	if node.Retry != nil {
		maxRetries = node.Retry.Max
	}

	for {
		if cancelled, _ := a.isCancelled(); cancelled {
			return errWalkCancelled
		}

		now := time.Now().UTC()
		input, _ := json.Marshal(r.varsSnapshot())
		rec := &store.StepRecord{
			ExecutionID:    a.executionID,
			StepID:         effID,
			Attempt:        attempt,
			Status:         schema.StepRunning,
			Input:          input,
			InsertionOrder: a.nextInsertionOrder(ctx),
			StartedAt:      &now,
		}
		if err := a.deps.Store.UpsertStepRecord(ctx, rec); err != nil {
			return err
		}
		r.remember(rec)
		_ = a.stepFSM.Transition(ctx, a.executionID, effID, schema.StepPending, schema.StepRunning)

		output, execErr := a.invokeExecutor(ctx, node, r)
		if execErr == nil {
			done := time.Now().UTC()
			rec.Status = schema.StepCompleted
			rec.Output = output
			rec.CompletedAt = &done
			if err := a.deps.Store.UpsertStepRecord(ctx, rec); err != nil {
				return err
			}
			_ = a.stepFSM.Transition(ctx, a.executionID, effID, schema.StepRunning, schema.StepCompleted)
			return a.bindOutput(ctx, r, node, sc, output)
		}

		errJSON := marshalError(execErr)

		if IsRetryableError(execErr) && attempt <= maxRetries {
			rec.Status = schema.StepRetrying
			rec.Error = errJSON
			if err := a.deps.Store.UpsertStepRecord(ctx, rec); err != nil {
				return err
			}
			_ = a.stepFSM.Transition(ctx, a.executionID, effID, schema.StepRunning, schema.StepRetrying)
			if err := WaitForBackoff(ctx, ComputeBackoff(node.Retry, attempt-1)); err != nil {
				return err
			}
			attempt++
			continue
		}

		done := time.Now().UTC()
		rec.Status = schema.StepFailed
		rec.Error = errJSON
		rec.CompletedAt = &done
		if err := a.deps.Store.UpsertStepRecord(ctx, rec); err != nil {
			return err
		}
		_ = a.stepFSM.Transition(ctx, a.executionID, effID, schema.StepRunning, schema.StepFailed)

		return schema.NewErrorf(schema.ErrCodeStepFailed,
			"step %s failed on attempt %d: %s", effID, attempt, execErr.Error()).
			WithStep(effID).WithCause(execErr)
	}
}

// invokeExecutor delegates the step body to the pluggable executor.
// agent_message is the one node kind with an intrinsic wait timeout; expiry
// is a step failure, not a hang.
func (a *Actor) invokeExecutor(ctx context.Context, node *schema.StepNode, r *run) (json.RawMessage, error) {
	if node.Type == schema.StepTypeAgentMessage && node.AwaitResponse && node.AwaitTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.AwaitTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	output, err := a.deps.Executor.Execute(ctx, node, r.varsSnapshot())
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"step %s timed out after %dms waiting for a response", node.ID, node.AwaitTimeoutMs).
			WithStep(node.ID).WithCause(err)
	}
	return output, err
}

// bindOutput threads a step's output into the variable bindings, through the
// node's jq outputPath when one is declared.
func (a *Actor) bindOutput(ctx context.Context, r *run, node *schema.StepNode, sc walkScope, output json.RawMessage) error {
	if node.OutputVariable == "" {
		return nil
	}

	var value any
	if node.OutputPath != "" {
		extracted, err := a.deps.Expressions.JQ().Extract(ctx, node.OutputPath, output)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStepFailed,
				"step %s: outputPath extraction failed: %s", node.ID, err.Error()).
				WithStep(node.ID).WithCause(err)
		}
		value = extracted
	} else if len(output) > 0 {
		if err := json.Unmarshal(output, &value); err != nil {
			value = string(output)
		}
	}

	r.bind(sc.varPrefix+node.OutputVariable, value)
	return nil
}

// --- Conditional ---

func (a *Actor) runConditionalStep(ctx context.Context, r *run, node *schema.StepNode, sc walkScope) error {
	effID := sc.effectiveID(node.ID)

	result, err := a.deps.Expressions.EvaluateBool(ctx, node.Language, node.Condition, r.exprData(sc.iter))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed,
			"step %s: condition evaluation failed: %s", effID, err.Error()).
			WithStep(effID).WithCause(err)
	}

	payload, _ := json.Marshal(map[string]any{"expression": node.Condition, "result": result})
	a.emit(ctx, effID, schema.EventConditionEvaluated, payload)

	branch := node.Then
	if !result {
		branch = node.Else
	}
	if err := a.walkSteps(ctx, r, branch, sc); err != nil {
		return err
	}

	condOut, _ := json.Marshal(map[string]any{"condition": result})
	return a.bindOutput(ctx, r, node, sc, condOut)
}

// --- Parallel ---

// runParallelStep fans out all children through the shared pool and joins on
// all of them. Default is fail-fast: the first child error cancels the
// remaining children's contexts and fails the node. With tolerateFailures the
// node completes and reports per-child errors in its output.
func (a *Actor) runParallelStep(ctx context.Context, r *run, node *schema.StepNode, sc walkScope) error {
	effID := sc.effectiveID(node.ID)

	payload, _ := json.Marshal(map[string]any{"children": len(node.Steps)})
	a.emit(ctx, effID, schema.EventParallelStarted, payload)

	childCtx, cancelChildren := context.WithCancel(ctx)
	defer cancelChildren()

	var wg sync.WaitGroup
	childErrs := make([]error, len(node.Steps))

	for i := range node.Steps {
		child := node.Steps[i]
		idx := i
		wg.Add(1)
		submitErr := a.deps.Pool.Submit(childCtx, func(cctx context.Context) error {
			defer wg.Done()
			err := a.walkOne(cctx, r, &child, sc)
			childErrs[idx] = err
			if err != nil && !node.TolerateFailures {
				cancelChildren()
			}
			return err
		})
		if submitErr != nil {
			childErrs[idx] = submitErr
			wg.Done()
		}
	}

	wg.Wait()

	failures := make(map[string]string)
	var firstErr, cancelErr error
	for i, err := range childErrs {
		if err == nil {
			continue
		}
		if errors.Is(err, errSuspended) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"approval steps are not supported inside parallel nodes").WithStep(effID)
		}
		// A sibling that unwound because fail-fast cancelled its context is a
		// casualty of the originating failure, not a failure of its own. Keep
		// it out of the picture so the real child error reaches the caller.
		if errors.Is(err, errWalkCancelled) || errors.Is(err, context.Canceled) {
			if cancelErr == nil {
				cancelErr = err
			}
			continue
		}
		failures[node.Steps[i].ID] = err.Error()
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil && !node.TolerateFailures {
		return firstErr
	}
	if cancelErr != nil {
		return cancelErr
	}

	a.emit(ctx, effID, schema.EventParallelCompleted, nil)

	out, _ := json.Marshal(map[string]any{
		"children": len(node.Steps),
		"failed":   failures,
	})
	return a.bindOutput(ctx, r, node, sc, out)
}

// --- Loop ---

// runLoopStep re-walks the child array until the condition turns false or the
// iteration cap is hit. Every iteration gets an "id#<n>" record suffix and a
// fresh insertion order so its records stay distinguishable.
func (a *Actor) runLoopStep(ctx context.Context, r *run, node *schema.StepNode, sc walkScope) error {
	effID := sc.effectiveID(node.ID)

	limit := node.MaxIterations
	if limit <= 0 {
		limit = schema.DefaultLoopCap
	}

	iterations := 0
	for i := 0; i < limit; i++ {
		if cancelled, _ := a.isCancelled(); cancelled {
			return errWalkCancelled
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		iter := map[string]any{"index": i}
		if node.Condition != "" {
			cont, err := a.deps.Expressions.EvaluateBool(ctx, node.Language, node.Condition, r.exprData(iter))
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeStepFailed,
					"step %s: loop condition evaluation failed: %s", effID, err.Error()).
					WithStep(effID).WithCause(err)
			}
			if !cont {
				break
			}
		}

		iterPayload, _ := json.Marshal(map[string]any{"iteration": i})
		a.emit(ctx, effID, schema.EventLoopIterStarted, iterPayload)

		iterScope := sc
		iterScope.idSuffix = sc.idSuffix + "#" + strconv.Itoa(i)
		iterScope.iter = iter
		if err := a.walkSteps(ctx, r, node.Steps, iterScope); err != nil {
			return err
		}

		a.emit(ctx, effID, schema.EventLoopIterCompleted, iterPayload)
		iterations++
	}

	out, _ := json.Marshal(map[string]any{"iterations": iterations})
	return a.bindOutput(ctx, r, node, sc, out)
}

// --- Subworkflow ---

// runSubworkflowStep walks a nested definition's steps as if inlined, with
// the node id namespacing record ids and output variables to avoid collision.
func (a *Actor) runSubworkflowStep(ctx context.Context, r *run, node *schema.StepNode, sc walkScope) error {
	subScope := sc
	subScope.idPrefix = sc.idPrefix + node.ID + "."
	subScope.varPrefix = sc.varPrefix + node.ID + "."

	if err := a.walkSteps(ctx, r, node.Steps, subScope); err != nil {
		return err
	}

	out, _ := json.Marshal(map[string]any{"steps": len(node.Steps)})
	return a.bindOutput(ctx, r, node, sc, out)
}

// --- Approval ---

// runApprovalStep parks the execution: it persists a waiting step record and
// a fresh resume token, flips the execution to waiting_approval, notifies,
// and unwinds the walk. No further step executes until a matching resume.
func (a *Actor) runApprovalStep(ctx context.Context, r *run, node *schema.StepNode, sc walkScope) error {
	effID := sc.effectiveID(node.ID)

	// Resolved in a previous walk.
	if rec := r.latestRecord(effID); rec != nil && rec.Status == schema.StepCompleted {
		return nil
	}

	token := uuid.NewString()
	now := time.Now().UTC()

	input, _ := json.Marshal(map[string]any{"prompt": node.Prompt})
	rec := &store.StepRecord{
		ExecutionID:    a.executionID,
		StepID:         effID,
		Attempt:        1,
		Status:         schema.StepWaiting,
		Input:          input,
		InsertionOrder: a.nextInsertionOrder(ctx),
		StartedAt:      &now,
	}
	if prev := r.latestRecord(effID); prev != nil {
		rec.Attempt = prev.Attempt + 1
	}
	if err := a.deps.Store.UpsertStepRecord(ctx, rec); err != nil {
		return err
	}
	r.remember(rec)
	_ = a.stepFSM.Transition(ctx, a.executionID, effID, schema.StepPending, schema.StepWaiting)

	payload, _ := json.Marshal(map[string]any{"prompt": node.Prompt})
	a.emit(ctx, effID, schema.EventApprovalRequested, payload)

	if err := a.execFSM.Transition(ctx, a.executionID, schema.ExecutionRunning, schema.ExecutionWaitingApproval); err != nil {
		return err
	}
	waiting := schema.ExecutionWaitingApproval
	if err := a.deps.Store.UpdateExecution(ctx, a.executionID, store.ExecutionUpdate{
		Status:        &waiting,
		ResumeToken:   &token,
		PendingPrompt: &node.Prompt,
	}); err != nil {
		return err
	}

	notification := &store.Notification{
		ID:           uuid.NewString(),
		ExecutionID:  a.executionID,
		UserID:       r.ex.UserID,
		WorkflowName: r.ex.Snapshot.Name,
		Prompt:       node.Prompt,
		CreatedAt:    now,
	}
	if err := a.deps.Store.CreateNotification(ctx, notification); err != nil {
		a.deps.logger().WarnContext(ctx, "persist approval notification",
			"execution_id", a.executionID, "error", err)
	}
	if a.deps.Notifier != nil {
		a.deps.Notifier.ApprovalRequested(ctx, notification)
	}

	return errSuspended
}
