package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/conductorhq/conductor/internal/worker"
	"github.com/conductorhq/conductor/pkg/models"
)

// execute drives a run from its first ready step to a terminal status.
// It is the only goroutine that settles steps and the only one that
// writes to plan steps after launch, so graph marking, checkpointing,
// and plan persistence never race with pipeline goroutines.
func (e *Engine) execute(rs *runState) {
	// Finished runs stay registered so Wait, Status, and SharedContext
	// keep working after completion; the map is bounded by process
	// lifetime, not run count pressure.
	defer close(rs.done)

	ctx, cancel := context.WithTimeout(rs.ctx, e.opts.RunTimeout)
	defer cancel()

	startedAt := e.now()
	rs.run.Status = models.RunStatusRunning
	rs.run.StartedAt = &startedAt
	e.persistUpdate(rs.run)
	e.publish(LogEvent(rs.run.ID, fmt.Sprintf("executing plan with %d steps", rs.g.Size())))

	completionCh := make(chan *stepOutcome, e.opts.MaxConcurrentSteps)
	failed := false

	for {
		if ctx.Err() != nil {
			e.finalizeCancelled(rs, ctx, startedAt)
			return
		}

		for _, step := range rs.sched.Schedule() {
			e.launchStep(ctx, rs, step, completionCh)
		}

		if rs.sched.Idle() {
			// Nothing running and nothing schedulable: the plan is done or
			// every remaining step is blocked behind a failure.
			e.skipUnreachable(rs)
			break
		}

		select {
		case outcome := <-completionCh:
			cont := e.settle(ctx, rs, outcome)
			if !cont {
				failed = true
			}
		case <-ctx.Done():
			// Drain is unnecessary; in-flight steps observe ctx and exit.
			e.finalizeCancelled(rs, ctx, startedAt)
			return
		}
		if failed {
			e.finalizeRun(rs, models.RunStatusFailed, startedAt)
			return
		}
	}

	e.finalizeRun(rs, models.RunStatusCompleted, startedAt)
}

// launchStep moves a step to running and starts its pipeline goroutine.
func (e *Engine) launchStep(ctx context.Context, rs *runState, step *models.Step, completionCh chan<- *stepOutcome) {
	now := e.now()
	step.Status = models.StepStatusRunning
	step.StartedAt = &now
	rs.sched.OnStepStart(step)

	e.publish(ProgressEvent(rs.run.ID, step.ID, string(step.Status), e.percentDone(rs)))
	debugLog("run %s: launching step %s (%s)", rs.run.ID, step.ID, step.Description)

	go func() {
		completionCh <- e.executeStep(ctx, rs, step.ID)
	}()
}

// settle applies one step outcome: the pipeline's step mutations, status
// transition, graph marking, recovery policy, checkpoint, events. It
// returns false when the run must stop as failed. All writes to live plan
// steps happen here, so the plan handed to the store for marshaling is
// never being mutated concurrently.
func (e *Engine) settle(ctx context.Context, rs *runState, outcome *stepOutcome) bool {
	rs.sched.OnStepSettled(outcome.stepID)
	step := rs.g.Step(outcome.stepID)
	if step == nil {
		return true
	}

	now := e.now()
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.Duration = now.Sub(*step.StartedAt)
	}
	step.RetryCount += outcome.retries
	if step.Ordinal > rs.run.CurrentStep {
		rs.run.CurrentStep = step.Ordinal
	}

	defer func() {
		e.checkpoint(rs)
		e.persistUpdate(rs.run)
	}()

	if outcome.err == nil {
		if outcome.workerID != "" {
			step.WorkerID = outcome.workerID
		}
		step.Output = outcome.output
		step.Status = models.StepStatusCompleted
		rs.completedOrder = append(rs.completedOrder, step.ID)
		rs.g.MarkComplete(step.ID)
		e.publish(PartialResultEvent(rs.run.ID, step.ID, step.Output))
		e.publish(ProgressEvent(rs.run.ID, step.ID, string(step.Status), e.percentDone(rs)))
		return true
	}

	cat := Classify(outcome.err)
	step.Error = outcome.err.Error()
	debugLog("run %s: step %s failed terminally (%s): %v", rs.run.ID, step.ID, cat, outcome.err)
	e.publish(ErrorEvent(rs.run.ID, step.ID, string(cat), outcome.err.Error()))

	if cat == CategoryAuth {
		step.Status = models.StepStatusFailed
		rs.g.MarkFailed(step.ID)
		e.recordFailure(rs, step, cat)
		e.skipDependents(rs, step.ID)
		return false
	}

	if cat == CategoryNotFound && len(rs.g.Dependents(step.ID)) == 0 {
		step.Status = models.StepStatusSkipped
		rs.g.MarkSkipped(step.ID)
		e.publish(LogEvent(rs.run.ID, fmt.Sprintf("step %d skipped: referenced resource missing", step.Ordinal)))
		return true
	}

	step.Status = models.StepStatusFailed
	rs.g.MarkFailed(step.ID)
	e.recordFailure(rs, step, cat)

	switch decision := DecidePartialFailure(rs.g, step.ID); decision {
	case DecisionContinue:
		e.publish(LogEvent(rs.run.ID, fmt.Sprintf("continuing without step %d", step.Ordinal)))
		e.skipDependents(rs, step.ID)
		return true
	case DecisionRollback:
		e.publish(LogEvent(rs.run.ID, fmt.Sprintf("rolling back after step %d failure", step.Ordinal)))
		e.skipDependents(rs, step.ID)
		e.rollback(ctx, rs)
		return false
	default: // DecisionAskHuman
		return e.awaitApproval(ctx, rs, step)
	}
}

// awaitApproval parks the run until a human decides. A proceed decision
// behaves like CONTINUE; a reject triggers rollback.
func (e *Engine) awaitApproval(ctx context.Context, rs *runState, step *models.Step) bool {
	rs.mu.Lock()
	rs.approvalCh = make(chan bool, 1)
	ch := rs.approvalCh
	rs.mu.Unlock()

	rs.run.Status = models.RunStatusNeedsReview
	e.persistUpdate(rs.run)
	e.publish(ApprovalEvent(rs.run.ID, step.ID, fmt.Sprintf("step %d failed; proceed without it?", step.Ordinal)))
	debugLog("run %s: awaiting human decision after step %s", rs.run.ID, step.ID)

	var proceed bool
	select {
	case proceed = <-ch:
	case <-ctx.Done():
		return false
	}

	rs.mu.Lock()
	rs.approvalCh = nil
	rs.mu.Unlock()

	if !proceed {
		e.publish(LogEvent(rs.run.ID, "operator rejected degraded continuation, rolling back"))
		e.rollback(ctx, rs)
		return false
	}

	rs.run.Status = models.RunStatusRunning
	e.persistUpdate(rs.run)
	e.publish(LogEvent(rs.run.ID, "operator approved degraded continuation"))
	e.skipDependents(rs, step.ID)
	return true
}

// skipDependents marks everything transitively downstream of a failed
// step as skipped.
func (e *Engine) skipDependents(rs *runState, failedStepID string) {
	for _, id := range rs.g.TransitiveDependents(failedStepID) {
		step := rs.g.Step(id)
		if step == nil || step.Status.Terminal() {
			continue
		}
		step.Status = models.StepStatusSkipped
		rs.g.MarkSkipped(id)
		debugLog("run %s: step %s skipped (depends on failed %s)", rs.run.ID, id, failedStepID)
	}
}

// skipUnreachable marks any still-pending steps skipped once nothing can
// unblock them. This covers dependents of failures under CONTINUE.
func (e *Engine) skipUnreachable(rs *runState) {
	for _, step := range rs.run.Plan.Steps {
		if step.Status == models.StepStatusPending {
			step.Status = models.StepStatusSkipped
			rs.g.MarkSkipped(step.ID)
		}
	}
}

// rollback compensates completed steps in reverse settlement order. Every
// compensation is attempted; individual failures are logged and do not
// stop the walk.
func (e *Engine) rollback(ctx context.Context, rs *runState) {
	for i := len(rs.completedOrder) - 1; i >= 0; i-- {
		step := rs.g.Step(rs.completedOrder[i])
		if step == nil {
			continue
		}
		w := e.workers.Get(step.WorkerID)
		comp, ok := w.(worker.Compensator)
		if !ok {
			debugLog("run %s: step %s has no compensation, skipping", rs.run.ID, step.ID)
			continue
		}
		if err := comp.Compensate(ctx, step); err != nil {
			debugLog("run %s: compensation for step %s failed: %v", rs.run.ID, step.ID, err)
			e.publish(LogEvent(rs.run.ID, fmt.Sprintf("compensation for step %d failed: %v", step.Ordinal, err)))
			continue
		}
		e.publish(LogEvent(rs.run.ID, fmt.Sprintf("compensated step %d", step.Ordinal)))
	}
}

// recordFailure stamps the terminal failure on the run record.
func (e *Engine) recordFailure(rs *runState, step *models.Step, cat Category) {
	rs.run.Error = fmt.Sprintf("%s: %s", cat, step.Error)
	rs.run.FailedStepID = step.ID
}

// checkpoint persists a numbered snapshot of run progress.
func (e *Engine) checkpoint(rs *runState) {
	if e.store == nil {
		return
	}
	cp := e.buildCheckpoint(rs)
	n, err := e.store.SaveCheckpoint(cp)
	if err != nil {
		debugLog("run %s: checkpoint save failed: %v", rs.run.ID, err)
		return
	}
	debugLog("run %s: checkpoint %d saved", rs.run.ID, n)
}

// finalizeRun aggregates the result and closes out the run.
func (e *Engine) finalizeRun(rs *runState, status models.RunStatus, startedAt time.Time) {
	now := e.now()
	rs.run.Status = status
	rs.run.CompletedAt = &now
	rs.run.Result = e.buildResult(rs, now.Sub(startedAt))
	e.persistUpdate(rs.run)

	summary := rs.run.Result.Summary
	if status == models.RunStatusFailed && rs.run.Error != "" {
		summary = rs.run.Error
	}
	e.publish(CompleteEvent(rs.run.ID, string(status), summary))
	debugLog("run %s: finished %s (%d completed, %d failed, %d skipped)",
		rs.run.ID, status, rs.run.Result.Completed, rs.run.Result.Failed, rs.run.Result.Skipped)
}

// finalizeCancelled handles run abort via timeout or explicit cancel.
func (e *Engine) finalizeCancelled(rs *runState, ctx context.Context, startedAt time.Time) {
	cause := context.Cause(ctx)
	msg := "run cancelled"
	if cause != nil {
		msg = cause.Error()
	}
	rs.run.Error = msg
	e.publish(ErrorEvent(rs.run.ID, "", string(CategoryTimeout), msg))
	e.finalizeRun(rs, models.RunStatusFailed, startedAt)
}

func (e *Engine) percentDone(rs *runState) float64 {
	total := rs.g.Size()
	if total == 0 {
		return 100
	}
	settled := len(rs.g.CompletedIDs()) + len(rs.g.FailedIDs()) + len(rs.g.SkippedIDs())
	return 100 * float64(settled) / float64(total)
}
