package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/graph"
	"github.com/conductorhq/conductor/internal/state"
	"github.com/conductorhq/conductor/internal/worker"
	"github.com/conductorhq/conductor/pkg/models"
)

// ErrRunNotFound is returned for operations on an unknown run.
var ErrRunNotFound = errors.New("run not found")

// ErrNotAwaitingApproval is returned by Approve when the run is not
// parked on a human decision.
var ErrNotAwaitingApproval = errors.New("run is not awaiting approval")

// PlanBuilder turns a request into an executable plan.
type PlanBuilder interface {
	BuildPlan(ctx context.Context, runID, request string) (*models.Plan, error)
}

// Deps are the collaborators an Engine needs. Store is optional; without
// it runs are not persisted and cannot be resumed.
type Deps struct {
	Catalog *catalog.Catalog
	Workers *worker.Registry
	Planner PlanBuilder
	Store   state.Store
}

// Options tune engine behavior. Zero values take defaults.
type Options struct {
	// MaxConcurrentSteps bounds parallel step execution.
	MaxConcurrentSteps int
	// StepTimeout bounds a single worker invocation.
	StepTimeout time.Duration
	// RunTimeout bounds a whole run.
	RunTimeout time.Duration
	// LockTTL is how long a resource lock lives without release.
	LockTTL time.Duration
	// LockWait bounds how long a step waits for a contended resource
	// before the attempt is counted as a retryable failure.
	LockWait time.Duration
	// CacheTTL is the result cache entry lifetime.
	CacheTTL time.Duration
	// SweepInterval is the cadence of expired lock and cache sweeps.
	SweepInterval time.Duration
	// RateLimit is the per-worker request cap within RateWindow.
	RateLimit int
	// RateWindow is the sliding rate-limit window.
	RateWindow time.Duration
	// StreamCloseDelay is how long a progress stream stays open after the
	// complete event.
	StreamCloseDelay time.Duration
	// DebugLogPath enables file-based debug logging when non-empty.
	DebugLogPath string
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrentSteps <= 0 {
		o.MaxConcurrentSteps = 4
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 2 * time.Minute
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 30 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Minute
	}
	if o.LockWait <= 0 {
		o.LockWait = 10 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 15 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 30
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Minute
	}
	if o.StreamCloseDelay <= 0 {
		o.StreamCloseDelay = 60 * time.Second
	}
}

// runState is the in-memory execution state of one run.
type runState struct {
	run     *models.Run
	g       *graph.DependencyGraph
	sched   *Scheduler
	shared  *SharedContext
	metrics *Metrics

	// completedOrder records step IDs in settlement order for rollback.
	completedOrder []string

	approvalCh chan bool
	ctx        context.Context
	cancel     context.CancelCauseFunc
	done       chan struct{}

	mu sync.Mutex
}

// Engine coordinates plan building, scheduling, and the step safety
// pipeline for all runs in the process.
type Engine struct {
	catalog *catalog.Catalog
	workers *worker.Registry
	planner PlanBuilder
	store   state.Store

	policy    *Policy
	locks     *LockManager
	limiter   *RateLimiter
	cache     *ResultCache
	broker    *Broker
	messenger *Messenger
	logger    *DebugLogger

	opts Options

	mu   sync.Mutex
	runs map[string]*runState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	sweepCtx  context.Context
	sweepStop context.CancelFunc
}

// New creates an engine. Catalog, Workers, and Planner are required.
func New(deps Deps, policy *Policy, opts Options) (*Engine, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("engine requires a worker catalog")
	}
	if deps.Workers == nil {
		return nil, fmt.Errorf("engine requires a worker registry")
	}
	if deps.Planner == nil {
		return nil, fmt.Errorf("engine requires a plan builder")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	opts.applyDefaults()

	logger, err := NewDebugLogger(opts.DebugLogPath)
	if err != nil {
		return nil, err
	}
	setPackageLogger(logger)

	sweepCtx, sweepStop := context.WithCancel(context.Background())

	e := &Engine{
		catalog:   deps.Catalog,
		workers:   deps.Workers,
		planner:   deps.Planner,
		store:     deps.Store,
		policy:    policy,
		locks:     NewLockManager(),
		limiter:   NewRateLimiter(opts.RateLimit, opts.RateWindow),
		cache:     NewResultCache(),
		broker:    NewBroker(opts.StreamCloseDelay),
		messenger: NewMessenger(),
		logger:    logger,
		opts:      opts,
		runs:      make(map[string]*runState),
		now:       time.Now,
		sleep:     sleepCtx,
		sweepCtx:  sweepCtx,
		sweepStop: sweepStop,
	}
	e.locks.StartSweeper(sweepCtx, opts.SweepInterval)
	e.cache.StartSweeper(sweepCtx, opts.SweepInterval)
	return e, nil
}

// sleepCtx pauses for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broker exposes the progress stream broker.
func (e *Engine) Broker() *Broker { return e.broker }

// Messenger exposes the inter-worker messenger.
func (e *Engine) Messenger() *Messenger { return e.messenger }

// Locks exposes the resource lock manager.
func (e *Engine) Locks() *LockManager { return e.locks }

// Cache exposes the result cache.
func (e *Engine) Cache() *ResultCache { return e.cache }

// SharedContext returns the shared context store for a run.
func (e *Engine) SharedContext(runID string) (*SharedContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rs.shared, nil
}

// Submit accepts a request: it creates the run, opens its progress
// stream, builds the plan, and starts execution in the background. Plan
// construction errors fail the run and are returned to the caller.
func (e *Engine) Submit(ctx context.Context, requester, request string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		Requester: requester,
		Request:   request,
		Status:    models.RunStatusPending,
		CreatedAt: e.now(),
	}
	e.broker.OpenChannel(run.ID)
	if err := e.persistCreate(run); err != nil {
		e.broker.Close(run.ID)
		return nil, err
	}

	plan, err := e.planner.BuildPlan(ctx, run.ID, request)
	if err != nil {
		e.finalizeFailed(run, nil, "", fmt.Sprintf("plan construction: %v", err))
		return run, fmt.Errorf("build plan: %w", err)
	}
	run.Plan = plan

	g := graph.New()
	if err := g.Build(plan.Steps); err != nil {
		e.finalizeFailed(run, nil, "", fmt.Sprintf("plan graph: %v", err))
		return run, fmt.Errorf("build graph: %w", err)
	}

	rs := e.registerRun(run, g)
	go e.execute(rs)
	return run, nil
}

// Resume reloads an interrupted run from its latest checkpoint and
// restarts execution. Steps recorded complete are not re-executed.
func (e *Engine) Resume(ctx context.Context, runID string) (*models.Run, error) {
	if e.store == nil {
		return nil, fmt.Errorf("resume requires a state store")
	}

	e.mu.Lock()
	if rs, active := e.runs[runID]; active && !rs.run.Status.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("run %s is already executing", runID)
	}
	e.mu.Unlock()

	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s already finished with status %s", runID, run.Status)
	}
	if run.Plan == nil {
		return nil, fmt.Errorf("run %s has no plan to resume", runID)
	}

	g := graph.New()
	if err := g.Build(run.Plan.Steps); err != nil {
		return nil, fmt.Errorf("rebuild graph: %w", err)
	}

	e.broker.OpenChannel(run.ID)
	rs := e.registerRun(run, g)

	cp, err := e.store.LatestCheckpoint(runID)
	if err == nil {
		for _, id := range cp.CompletedSteps {
			if step := g.Step(id); step != nil {
				step.Status = models.StepStatusCompleted
			}
			g.MarkComplete(id)
			rs.completedOrder = append(rs.completedOrder, id)
		}
		for _, id := range cp.FailedSteps {
			if step := g.Step(id); step != nil {
				step.Status = models.StepStatusFailed
			}
			g.MarkFailed(id)
		}
		for _, id := range cp.SkippedSteps {
			if step := g.Step(id); step != nil {
				step.Status = models.StepStatusSkipped
			}
			g.MarkSkipped(id)
		}
		if cp.CurrentStep > run.CurrentStep {
			run.CurrentStep = cp.CurrentStep
		}
		rs.shared.Restore(cp.ContextSnapshot, "checkpoint")
		debugLog("run %s resuming from checkpoint %d (%d completed)", runID, cp.Number, len(cp.CompletedSteps))
	} else if !errors.Is(err, state.ErrNoCheckpoint) {
		e.unregisterRun(runID)
		return nil, err
	}

	e.publish(LogEvent(run.ID, "resuming run from last checkpoint"))
	go e.execute(rs)
	return run, nil
}

// Cancel aborts an executing run. Steps already in flight are given their
// context cancellation; the run finalizes as failed.
func (e *Engine) Cancel(runID, reason string) error {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	rs.cancel(errors.New(reason))
	return nil
}

// Approve resolves a run parked on a human decision. proceed continues
// the run degraded; otherwise completed steps are rolled back and the run
// fails.
func (e *Engine) Approve(runID string, proceed bool) error {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rs.mu.Lock()
	ch := rs.approvalCh
	rs.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrNotAwaitingApproval, runID)
	}

	select {
	case ch <- proceed:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotAwaitingApproval, runID)
	}
}

// Wait blocks until the run finishes or ctx is cancelled, returning the
// final run record.
func (e *Engine) Wait(ctx context.Context, runID string) (*models.Run, error) {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		// Already finished and unregistered; fall back to the store.
		if e.store != nil {
			return e.store.GetRun(runID)
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	select {
	case <-rs.done:
		return rs.run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the current run record, preferring live state.
func (e *Engine) Status(runID string) (*models.Run, error) {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if ok {
		return rs.run, nil
	}
	if e.store != nil {
		return e.store.GetRun(runID)
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// Close stops the background sweepers and the debug logger. Executing
// runs are not interrupted.
func (e *Engine) Close() error {
	e.sweepStop()
	return e.logger.Close()
}

func (e *Engine) registerRun(run *models.Run, g *graph.DependencyGraph) *runState {
	ctx, cancel := context.WithCancelCause(context.Background())
	rs := &runState{
		run:     run,
		g:       g,
		sched:   NewScheduler(g, e.opts.MaxConcurrentSteps),
		shared:  NewSharedContext(run.ID),
		metrics: NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[run.ID] = rs
	e.mu.Unlock()
	return rs
}

func (e *Engine) unregisterRun(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

func (e *Engine) persistCreate(run *models.Run) error {
	if e.store == nil {
		return nil
	}
	return e.store.CreateRun(run)
}

func (e *Engine) persistUpdate(run *models.Run) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateRun(run); err != nil {
		debugLog("run %s: persist update failed: %v", run.ID, err)
	}
}

func (e *Engine) publish(ev Event) {
	e.broker.Publish(ev)
}

// finalizeFailed marks a run failed before or outside the run loop.
func (e *Engine) finalizeFailed(run *models.Run, rs *runState, failedStepID, msg string) {
	now := e.now()
	run.Status = models.RunStatusFailed
	run.Error = msg
	run.FailedStepID = failedStepID
	run.CompletedAt = &now
	e.persistUpdate(run)
	e.publish(ErrorEvent(run.ID, failedStepID, string(CategoryUnknown), msg))
	e.publish(CompleteEvent(run.ID, string(run.Status), msg))
	if rs != nil {
		e.unregisterRun(run.ID)
	}
}
