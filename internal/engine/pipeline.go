package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/conductorhq/conductor/pkg/models"
)

// lockPollInterval is how often a step re-attempts a contended resource
// lock within its LockWait budget.
const lockPollInterval = 100 * time.Millisecond

// stepOutcome is the settlement of one step's pipeline, delivered back to
// the run loop. It carries everything the pipeline learned about the step
// (output, retries, the worker that finally ran it) so the run loop can
// apply the mutations itself; the pipeline goroutine never writes to the
// shared Step while the run loop may be persisting the plan.
type stepOutcome struct {
	stepID    string
	workerID  string
	output    string
	retries   int
	err       error
	fromCache bool
}

// executeStep runs one step through the safety pipeline: cache lookup,
// rate-limit admission, resource lock, bounded retries with backoff,
// alternative-worker substitution, and cache write-back. The step record
// is read-only here; results ride back on the outcome and status
// transitions belong to the run loop.
func (e *Engine) executeStep(ctx context.Context, rs *runState, stepID string) *stepOutcome {
	step := rs.g.Step(stepID)
	if step == nil {
		return &stepOutcome{stepID: stepID, err: NewStepError(CategoryUnknown, "step %s not in graph", stepID)}
	}

	kind := step.WorkerID
	if d := e.catalog.Get(step.WorkerID); d != nil {
		kind = string(d.Kind)
	}

	key := CacheKey(kind, step.Description, step.Input)
	if cached, ok := e.cache.Get(key); ok {
		rs.metrics.CacheHit()
		debugLog("run %s: step %s settled from cache", rs.run.ID, step.ID)
		e.publish(LogEvent(rs.run.ID, fmt.Sprintf("step %d settled from cache", step.Ordinal)))
		return &stepOutcome{stepID: step.ID, output: cached, fromCache: true}
	}

	workerID := step.WorkerID
	triedAlternative := false
	retriesThisWorker := 0
	retries := 0

	for {
		out, err := e.attemptStep(ctx, rs, step, workerID)
		e.recordHistory(workerID, err == nil)
		if err == nil {
			e.cache.Set(key, out, e.opts.CacheTTL)
			return &stepOutcome{stepID: step.ID, workerID: workerID, output: out, retries: retries}
		}
		if ctx.Err() != nil {
			return &stepOutcome{stepID: step.ID, retries: retries, err: err}
		}

		cat := Classify(err)
		cp := e.policy.For(cat)

		if cp.Fatal || cp.Skip {
			return &stepOutcome{stepID: step.ID, retries: retries, err: err}
		}

		if retriesThisWorker < cp.MaxRetries {
			retriesThisWorker++
			retries++
			rs.metrics.Retry()
			delay := e.policy.BackoffFor(cat, retriesThisWorker)
			debugLog("run %s: step %s retry %d (%s) after %s", rs.run.ID, step.ID, retries, cat, delay)
			e.publish(LogEvent(rs.run.ID, fmt.Sprintf("step %d: %s, retry %d in %s", step.Ordinal, cat, retries, delay)))
			if serr := e.sleep(ctx, delay); serr != nil {
				return &stepOutcome{stepID: step.ID, retries: retries, err: err}
			}
			continue
		}

		if cp.SeekAlternative && !triedAlternative {
			if alt := e.catalog.FindAlternative(workerID); alt != nil && e.workers.Get(alt.ID) != nil {
				debugLog("run %s: step %s switching worker %s -> %s", rs.run.ID, step.ID, workerID, alt.ID)
				e.publish(LogEvent(rs.run.ID, fmt.Sprintf("step %d: switching to alternative worker %s", step.Ordinal, alt.ID)))
				workerID = alt.ID
				triedAlternative = true
				retriesThisWorker = 0
				continue
			}
		}

		return &stepOutcome{stepID: step.ID, retries: retries, err: err}
	}
}

// attemptStep is one execution attempt: admission, lock, invoke. The
// worker's output is returned, not written to the step.
func (e *Engine) attemptStep(ctx context.Context, rs *runState, step *models.Step, workerID string) (string, error) {
	rs.metrics.StepExecuted()

	if !e.limiter.Allow(workerID) {
		return "", NewStepError(CategoryRateLimit, "worker %s over rate limit", workerID)
	}

	holder := rs.run.ID + "/" + step.ID
	if step.Resource != "" {
		if err := e.acquireWithWait(ctx, step.Resource, holder); err != nil {
			return "", err
		}
		defer e.locks.Release(step.Resource, holder)
	}

	w := e.workers.Get(workerID)
	if w == nil {
		return "", NewStepError(CategoryNotFound, "worker %s not registered", workerID)
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	out, err := w.Execute(stepCtx, step)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			return "", WrapStepError(CategoryTimeout, err, "step %s exceeded %s", step.ID, e.opts.StepTimeout)
		}
		return "", err
	}
	return out, nil
}

// acquireWithWait polls for the resource lock within the LockWait budget.
// Contention past the budget is a retryable admission failure, not a
// terminal one.
func (e *Engine) acquireWithWait(ctx context.Context, resource, holder string) error {
	deadline := e.now().Add(e.opts.LockWait)
	for {
		if e.locks.Acquire(resource, holder, e.opts.LockTTL) {
			return nil
		}
		if !e.now().Before(deadline) {
			return NewStepError(CategoryRateLimit, "resource %s held elsewhere", resource)
		}
		if err := e.sleep(ctx, lockPollInterval); err != nil {
			return err
		}
	}
}

// recordHistory feeds the capability catalog's success tracking. Failures
// to record never affect the pipeline.
func (e *Engine) recordHistory(workerID string, success bool) {
	if err := e.catalog.RecordExecution(workerID, success); err != nil {
		debugLog("history record for %s failed: %v", workerID, err)
	}
}
