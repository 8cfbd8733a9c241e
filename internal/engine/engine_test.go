package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/state"
	"github.com/conductorhq/conductor/internal/worker"
	"github.com/conductorhq/conductor/pkg/models"
)

// fakePlanner returns a canned plan.
type fakePlanner struct {
	plan *models.Plan
	err  error
}

func (f *fakePlanner) BuildPlan(ctx context.Context, runID, request string) (*models.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.plan.RunID = runID
	return f.plan, nil
}

// memRecorder is an in-memory catalog history.
type memRecorder struct {
	mu        sync.Mutex
	successes map[string]int
	totals    map[string]int
}

func newMemRecorder() *memRecorder {
	return &memRecorder{successes: make(map[string]int), totals: make(map[string]int)}
}

func (r *memRecorder) Record(workerID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals[workerID]++
	if success {
		r.successes[workerID]++
	}
	return nil
}

func (r *memRecorder) Rate(workerID string) (float64, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.totals[workerID]
	if total == 0 {
		return 0, 0, nil
	}
	return float64(r.successes[workerID]) / float64(total), total, nil
}

// memStore is an in-memory state.Store.
type memStore struct {
	mu          sync.Mutex
	runs        map[string]*models.Run
	checkpoints map[string][]*state.Checkpoint
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*models.Run), checkpoints: make(map[string][]*state.Checkpoint)}
}

func (s *memStore) Close() error   { return nil }
func (s *memStore) Migrate() error { return nil }

func (s *memStore) CreateRun(r *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

func (s *memStore) UpdateRun(r *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return state.ErrRunNotFound
	}
	s.runs[r.ID] = r
	return nil
}

func (s *memStore) GetRun(id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, state.ErrRunNotFound
	}
	return r, nil
}

func (s *memStore) ListRuns(limit int) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Run
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) FindInterrupted() ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Run
	for _, r := range s.runs {
		if !r.Status.Terminal() && r.Status != models.RunStatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) SaveCheckpoint(cp *state.Checkpoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.Number = len(s.checkpoints[cp.RunID]) + 1
	s.checkpoints[cp.RunID] = append(s.checkpoints[cp.RunID], cp)
	return cp.Number, nil
}

func (s *memStore) LatestCheckpoint(runID string) (*state.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.checkpoints[runID]
	if len(cps) == 0 {
		return nil, state.ErrNoCheckpoint
	}
	return cps[len(cps)-1], nil
}

func (s *memStore) ListCheckpoints(runID string) ([]*state.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[runID], nil
}

var _ state.Store = (*memStore)(nil)

// marshalingStore mirrors the sqlite store's persist path: UpdateRun
// serializes the whole run, plan included, so every step field is read at
// persist time. Snapshots are kept for later inspection.
type marshalingStore struct {
	*memStore
	mu        sync.Mutex
	snapshots [][]byte
}

func newMarshalingStore() *marshalingStore {
	return &marshalingStore{memStore: newMemStore()}
}

func (s *marshalingStore) UpdateRun(r *models.Run) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, raw)
	s.mu.Unlock()
	return s.memStore.UpdateRun(r)
}

var _ state.Store = (*marshalingStore)(nil)

func testManifest() *catalog.Manifest {
	return &catalog.Manifest{
		DefaultWorker: "generalist",
		Workers: []*models.WorkerDescriptor{
			{ID: "generalist", Kind: models.WorkerKindAgent, Description: "general purpose", Capabilities: []string{"general"}},
			{ID: "flaky", Kind: models.WorkerKindIntegration, Description: "unreliable upstream", Capabilities: []string{"fetch"}},
			{ID: "backup", Kind: models.WorkerKindIntegration, Description: "reliable mirror", Capabilities: []string{"fetch"}},
		},
	}
}

func linearPlan(n int) *models.Plan {
	p := &models.Plan{ID: "plan-1", CreatedAt: time.Now()}
	for i := 1; i <= n; i++ {
		s := &models.Step{
			ID:          fmt.Sprintf("s%d", i),
			Ordinal:     i,
			WorkerID:    "generalist",
			Description: fmt.Sprintf("step %d", i),
			Status:      models.StepStatusPending,
		}
		if i > 1 {
			s.DependsOn = []string{fmt.Sprintf("s%d", i-1)}
		}
		p.Steps = append(p.Steps, s)
	}
	return p
}

// testEngine builds an engine with no real sleeping: backoff and poll
// delays are recorded instead of waited out.
func testEngine(t *testing.T, plan *models.Plan, store state.Store, workers ...worker.Worker) (*Engine, *[]time.Duration) {
	t.Helper()

	reg := worker.NewRegistry()
	for _, w := range workers {
		if err := reg.Register(w); err != nil {
			t.Fatalf("Register(%s) error = %v", w.ID(), err)
		}
	}

	e, err := New(
		Deps{
			Catalog: catalog.New(testManifest(), newMemRecorder()),
			Workers: reg,
			Planner: &fakePlanner{plan: plan},
			Store:   store,
		},
		nil,
		Options{
			MaxConcurrentSteps: 4,
			LockWait:           200 * time.Millisecond,
			StreamCloseDelay:   50 * time.Millisecond,
			RateLimit:          1000,
		},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })

	var mu sync.Mutex
	delays := []time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return e, &delays
}

func submitAndWait(t *testing.T, e *Engine) *models.Run {
	t.Helper()
	run, err := e.Submit(context.Background(), "tester", "do the thing")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := e.Wait(ctx, run.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return got
}

func TestLinearPlanExecutesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			mu.Lock()
			order = append(order, step.ID)
			mu.Unlock()
			return "done " + step.ID, nil
		},
	}
	store := newMemStore()
	e, _ := testEngine(t, linearPlan(3), store, w)

	run := submitAndWait(t, e)

	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", run.Status, run.Error)
	}
	if strings.Join(order, ",") != "s1,s2,s3" {
		t.Errorf("execution order = %v", order)
	}
	if run.Result == nil || run.Result.Completed != 3 || run.Result.Failed != 0 {
		t.Errorf("result = %+v", run.Result)
	}
	if run.Result.Degraded() {
		t.Error("fully successful run reported degraded")
	}

	// One checkpoint per settlement, strictly numbered.
	cps, _ := store.ListCheckpoints(run.ID)
	if len(cps) != 3 {
		t.Fatalf("checkpoints = %d, want 3", len(cps))
	}
	for i, cp := range cps {
		if cp.Number != i+1 {
			t.Errorf("checkpoint %d has number %d", i, cp.Number)
		}
		if cp.CurrentStep != i+1 {
			t.Errorf("checkpoint %d has current step %d, want %d", i, cp.CurrentStep, i+1)
		}
	}

	stored, err := store.GetRun(run.ID)
	if err != nil || stored.Status != models.RunStatusCompleted {
		t.Errorf("stored run = %+v, err = %v", stored, err)
	}
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	var calls int
	var mu sync.Mutex
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls <= 2 {
				return "", NewStepError(CategoryRateLimit, "throttled")
			}
			return "ok", nil
		},
	}
	e, delays := testEngine(t, linearPlan(1), nil, w)

	run := submitAndWait(t, e)

	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", run.Status, run.Error)
	}
	if calls != 3 {
		t.Errorf("worker called %d times, want 3", calls)
	}
	if run.Result.Usage.Retries != 2 {
		t.Errorf("usage retries = %d, want 2", run.Result.Usage.Retries)
	}
	if run.Plan.Steps[0].RetryCount != 2 {
		t.Errorf("step RetryCount = %d, want 2", run.Plan.Steps[0].RetryCount)
	}

	// Exponential schedule: 1s then 2s.
	var backoffs []time.Duration
	for _, d := range *delays {
		if d >= time.Second {
			backoffs = append(backoffs, d)
		}
	}
	if len(backoffs) != 2 || backoffs[0] != time.Second || backoffs[1] != 2*time.Second {
		t.Errorf("backoff delays = %v", backoffs)
	}
}

func TestTimeoutSwitchesToAlternativeWorker(t *testing.T) {
	plan := linearPlan(1)
	plan.Steps[0].WorkerID = "flaky"

	flaky := &worker.FuncWorker{
		WorkerID: "flaky",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			return "", NewStepError(CategoryTimeout, "upstream too slow")
		},
	}
	backup := &worker.FuncWorker{
		WorkerID: "backup",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			return "mirror answer", nil
		},
	}
	e, _ := testEngine(t, plan, nil, flaky, backup)

	run := submitAndWait(t, e)

	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", run.Status, run.Error)
	}
	step := run.Plan.Steps[0]
	if step.WorkerID != "backup" {
		t.Errorf("step worker = %s, want backup", step.WorkerID)
	}
	if step.Output != "mirror answer" {
		t.Errorf("step output = %q", step.Output)
	}
}

func TestAuthErrorIsFatal(t *testing.T) {
	var calls int
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			calls++
			return "", NewStepError(CategoryAuth, "credentials rejected")
		},
	}
	e, _ := testEngine(t, linearPlan(2), nil, w)

	run := submitAndWait(t, e)

	if run.Status != models.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if calls != 1 {
		t.Errorf("fatal failure retried: %d calls", calls)
	}
	if !strings.HasPrefix(run.Error, string(CategoryAuth)) {
		t.Errorf("run error = %q", run.Error)
	}
	if run.FailedStepID != "s1" {
		t.Errorf("failed step = %q, want s1", run.FailedStepID)
	}
}

func TestNotFoundSkipsNonCriticalStep(t *testing.T) {
	plan := &models.Plan{ID: "plan-1", Steps: []*models.Step{
		{ID: "s1", Ordinal: 1, WorkerID: "generalist", Description: "fetch missing doc", Status: models.StepStatusPending},
		{ID: "s2", Ordinal: 2, WorkerID: "generalist", Description: "independent work", Status: models.StepStatusPending},
	}}
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			if step.ID == "s1" {
				return "", NewStepError(CategoryNotFound, "document vanished")
			}
			return "fine", nil
		},
	}
	e, _ := testEngine(t, plan, nil, w)

	run := submitAndWait(t, e)

	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", run.Status, run.Error)
	}
	if run.Result.Completed != 1 || run.Result.Skipped != 1 || run.Result.Failed != 0 {
		t.Errorf("result = %+v", run.Result)
	}
	if !run.Result.Degraded() {
		t.Error("partially skipped run not reported degraded")
	}
}

func TestCriticalFailureRollsBackInReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var compensated []string
	plan := &models.Plan{ID: "plan-1", Steps: []*models.Step{
		{ID: "s1", Ordinal: 1, WorkerID: "generalist", Description: "provision", Status: models.StepStatusPending},
		{ID: "s2", Ordinal: 2, WorkerID: "generalist", Description: "configure", DependsOn: []string{"s1"}, Status: models.StepStatusPending},
		{ID: "s3", Ordinal: 3, WorkerID: "generalist", Description: "activate", DependsOn: []string{"s2"}, Status: models.StepStatusPending},
		{ID: "s4", Ordinal: 4, WorkerID: "generalist", Description: "announce", DependsOn: []string{"s3"}, Status: models.StepStatusPending},
	}}
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			if step.ID == "s3" {
				return "", NewStepError(CategoryUnknown, "irrecoverable")
			}
			return "ok", nil
		},
		CompensateFn: func(ctx context.Context, step *models.Step) error {
			mu.Lock()
			compensated = append(compensated, step.ID)
			mu.Unlock()
			return nil
		},
	}
	e, _ := testEngine(t, plan, nil, w)

	run := submitAndWait(t, e)

	if run.Status != models.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if strings.Join(compensated, ",") != "s2,s1" {
		t.Errorf("compensation order = %v, want [s2 s1]", compensated)
	}
	if run.Plan.Steps[3].Status != models.StepStatusSkipped {
		t.Errorf("dependent s4 status = %s, want skipped", run.Plan.Steps[3].Status)
	}
}

func TestAskHumanApprovalContinues(t *testing.T) {
	plan := &models.Plan{ID: "plan-1"}
	for i := 1; i <= 5; i++ {
		plan.Steps = append(plan.Steps, &models.Step{
			ID: fmt.Sprintf("s%d", i), Ordinal: i, WorkerID: "generalist",
			Description: fmt.Sprintf("step %d", i), Status: models.StepStatusPending,
		})
	}
	// s1 fails terminally; the other four succeed slowly enough that the
	// failure settles while most of the plan is still pending.
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			if step.ID == "s1" {
				return "", NewStepError(CategoryUnknown, "flaked")
			}
			time.Sleep(30 * time.Millisecond)
			return "ok", nil
		},
	}
	e, _ := testEngine(t, plan, nil, w)

	run, err := e.Submit(context.Background(), "tester", "risky work")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Wait for the run to park, then approve degraded continuation.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := e.Approve(run.ID, true); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never asked for approval")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := e.Wait(ctx, run.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", got.Status, got.Error)
	}
	if got.Result.Failed != 1 || got.Result.Completed != 4 {
		t.Errorf("result = %+v", got.Result)
	}
}

func TestRepeatedWorkSettlesFromCache(t *testing.T) {
	var calls int
	var mu sync.Mutex
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return "computed", nil
		},
	}
	e, _ := testEngine(t, linearPlan(1), nil, w)

	first := submitAndWait(t, e)
	if first.Status != models.RunStatusCompleted {
		t.Fatalf("first run failed: %s", first.Error)
	}

	// Same plan again: the planner fake returns an identical step, so the
	// result comes from the cache.
	second := submitAndWait(t, e)
	if second.Status != models.RunStatusCompleted {
		t.Fatalf("second run failed: %s", second.Error)
	}
	if calls != 1 {
		t.Errorf("worker called %d times, want 1", calls)
	}
	if second.Result.Usage.CacheHits != 1 {
		t.Errorf("second run cache hits = %d, want 1", second.Result.Usage.CacheHits)
	}
	if second.Plan.Steps[0].Output != "computed" {
		t.Errorf("cached output = %q", second.Plan.Steps[0].Output)
	}
}

func TestConcurrencyBound(t *testing.T) {
	plan := &models.Plan{ID: "plan-1"}
	for i := 1; i <= 6; i++ {
		plan.Steps = append(plan.Steps, &models.Step{
			ID: fmt.Sprintf("s%d", i), Ordinal: i, WorkerID: "generalist",
			Description: fmt.Sprintf("parallel step %d", i), Status: models.StepStatusPending,
		})
	}

	var mu sync.Mutex
	active, peak := 0, 0
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return "ok", nil
		},
	}

	reg := worker.NewRegistry()
	reg.Register(w)
	e, err := New(
		Deps{Catalog: catalog.New(testManifest(), nil), Workers: reg, Planner: &fakePlanner{plan: plan}},
		nil,
		Options{MaxConcurrentSteps: 2, StreamCloseDelay: 50 * time.Millisecond},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })

	run := submitAndWait(t, e)
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", run.Status, run.Error)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestSharedResourceSerializesSteps(t *testing.T) {
	plan := &models.Plan{ID: "plan-1", Steps: []*models.Step{
		{ID: "s1", Ordinal: 1, WorkerID: "generalist", Description: "write batch a", Resource: "db:ledger", Status: models.StepStatusPending},
		{ID: "s2", Ordinal: 2, WorkerID: "generalist", Description: "write batch b", Resource: "db:ledger", Status: models.StepStatusPending},
	}}

	var mu sync.Mutex
	active, peak := 0, 0
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(15 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return "ok", nil
		},
	}
	e, _ := testEngine(t, plan, nil, w)

	run := submitAndWait(t, e)
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", run.Status, run.Error)
	}
	if peak != 1 {
		t.Errorf("peak concurrency on shared resource = %d, want 1", peak)
	}
}

func TestCancelRun(t *testing.T) {
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	e, _ := testEngine(t, linearPlan(1), nil, w)

	run, err := e.Submit(context.Background(), "tester", "long haul")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Give the step a moment to start, then pull the plug.
	time.Sleep(20 * time.Millisecond)
	if err := e.Cancel(run.ID, "operator abort"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := e.Wait(ctx, run.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.Status != models.RunStatusFailed {
		t.Errorf("cancelled run status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "operator abort") {
		t.Errorf("run error = %q, want cancellation reason", got.Error)
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			mu.Lock()
			executed = append(executed, step.ID)
			mu.Unlock()
			// Keep the run alive long enough for the mid-run context
			// inspection below.
			time.Sleep(25 * time.Millisecond)
			return "ok", nil
		},
	}

	store := newMemStore()
	plan := linearPlan(3)
	plan.RunID = "run-resume"
	interrupted := &models.Run{
		ID: "run-resume", Requester: "tester", Request: "finish me",
		Plan: plan, Status: models.RunStatusRunning, CreatedAt: time.Now(),
	}
	store.CreateRun(interrupted)
	store.SaveCheckpoint(&state.Checkpoint{
		RunID:           "run-resume",
		CompletedSteps:  []string{"s1"},
		FailedSteps:     []string{},
		SkippedSteps:    []string{},
		ContextSnapshot: map[string]any{"carried": "over"},
	})

	e, _ := testEngine(t, linearPlan(3), store, w)

	run, err := e.Resume(context.Background(), "run-resume")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	sc, err := e.SharedContext(run.ID)
	if err != nil {
		t.Fatalf("SharedContext() error = %v", err)
	}
	if v, _ := sc.Get("carried"); v != "over" {
		t.Errorf("restored context value = %v", v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := e.Wait(ctx, run.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.Status != models.RunStatusCompleted {
		t.Fatalf("resumed run status = %s, error = %s", got.Status, got.Error)
	}
	if strings.Join(executed, ",") != "s2,s3" {
		t.Errorf("executed = %v, want only s2 and s3", executed)
	}
	if got.Result.Completed != 3 {
		t.Errorf("result completed = %d, want 3 (checkpointed s1 counted)", got.Result.Completed)
	}
}

func TestPersistWhileStepsInFlight(t *testing.T) {
	plan := &models.Plan{ID: "plan-1", Steps: []*models.Step{
		{ID: "s1", Ordinal: 1, WorkerID: "generalist", Description: "quick lookup", Status: models.StepStatusPending},
		{ID: "s2", Ordinal: 2, WorkerID: "generalist", Description: "long synthesis", Status: models.StepStatusPending},
	}}

	var mu sync.Mutex
	attempts := 0
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			if step.ID == "s1" {
				return "quick answer", nil
			}
			mu.Lock()
			attempts++
			first := attempts == 1
			mu.Unlock()
			// Stay in flight past s1's settlement so its checkpoint and
			// UpdateRun marshal the plan while this step still executes.
			time.Sleep(40 * time.Millisecond)
			if first {
				return "", NewStepError(CategoryNetwork, "connection reset")
			}
			return strings.Repeat("synthesis ", 4096), nil
		},
	}

	store := newMarshalingStore()
	e, _ := testEngine(t, plan, store, w)

	run := submitAndWait(t, e)
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", run.Status, run.Error)
	}
	if run.Plan.Steps[1].RetryCount != 1 {
		t.Errorf("slow step RetryCount = %d, want 1", run.Plan.Steps[1].RetryCount)
	}

	// Every snapshot the store took must decode back into a whole run.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.snapshots) == 0 {
		t.Fatal("store captured no run snapshots")
	}
	for i, raw := range store.snapshots {
		var decoded models.Run
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("snapshot %d does not decode: %v", i, err)
		}
	}
}

func TestDiamondPlanJoinsBeforeFinalStep(t *testing.T) {
	plan := &models.Plan{ID: "plan-1", Steps: []*models.Step{
		{ID: "s1", Ordinal: 1, WorkerID: "generalist", Description: "gather inputs", Status: models.StepStatusPending},
		{ID: "s2", Ordinal: 2, WorkerID: "generalist", Description: "analyze half a", DependsOn: []string{"s1"}, Status: models.StepStatusPending},
		{ID: "s3", Ordinal: 3, WorkerID: "generalist", Description: "analyze half b", DependsOn: []string{"s1"}, Status: models.StepStatusPending},
		{ID: "s4", Ordinal: 4, WorkerID: "generalist", Description: "combine", DependsOn: []string{"s2", "s3"}, Status: models.StepStatusPending},
	}}

	var mu sync.Mutex
	var trace []string
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			mu.Lock()
			trace = append(trace, "start:"+step.ID)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			trace = append(trace, "end:"+step.ID)
			mu.Unlock()
			return "out " + step.ID, nil
		},
	}
	e, _ := testEngine(t, plan, nil, w)

	run := submitAndWait(t, e)
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, error = %s", run.Status, run.Error)
	}
	if run.Result.Completed != 4 {
		t.Fatalf("result = %+v", run.Result)
	}

	idx := func(ev string) int {
		for i, got := range trace {
			if got == ev {
				return i
			}
		}
		t.Fatalf("event %s never recorded: %v", ev, trace)
		return -1
	}
	// The join step must not start until both branches have finished.
	if idx("start:s4") < idx("end:s2") || idx("start:s4") < idx("end:s3") {
		t.Errorf("s4 started before both branches ended: %v", trace)
	}
	if idx("start:s2") < idx("end:s1") || idx("start:s3") < idx("end:s1") {
		t.Errorf("branch started before s1 ended: %v", trace)
	}

	// The summary lists steps in ordinal order regardless of which branch
	// settled first.
	lines := strings.Split(run.Result.Summary, "\n")
	if len(lines) != 4 {
		t.Fatalf("summary lines = %d: %q", len(lines), run.Result.Summary)
	}
	for i, line := range lines {
		if !strings.HasPrefix(line, fmt.Sprintf("[%d]", i+1)) {
			t.Errorf("summary line %d = %q, want ordinal %d first", i, line, i+1)
		}
	}
}

func TestSubmitPlanFailure(t *testing.T) {
	reg := worker.NewRegistry()
	store := newMemStore()
	e, err := New(
		Deps{
			Catalog: catalog.New(testManifest(), nil),
			Workers: reg,
			Planner: &fakePlanner{err: errors.New("model unavailable")},
			Store:   store,
		},
		nil,
		Options{StreamCloseDelay: 50 * time.Millisecond},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })

	run, err := e.Submit(context.Background(), "tester", "anything")
	if err == nil {
		t.Fatal("Submit() succeeded with a failing planner")
	}
	if run.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	stored, serr := store.GetRun(run.ID)
	if serr != nil || stored.Status != models.RunStatusFailed {
		t.Errorf("stored run = %+v, err = %v", stored, serr)
	}
}

func TestProgressStreamOverRun(t *testing.T) {
	w := &worker.FuncWorker{
		WorkerID: "generalist",
		ExecuteFn: func(ctx context.Context, step *models.Step) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "out", nil
		},
	}
	e, _ := testEngine(t, linearPlan(2), nil, w)

	run, err := e.Submit(context.Background(), "tester", "stream me")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	sub, err := e.Broker().Subscribe(run.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var sawPartial, sawComplete bool
	timeout := time.After(5 * time.Second)
	for !sawComplete {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatal("stream closed before complete event")
			}
			switch ev.Type {
			case EventPartialResult:
				sawPartial = true
			case EventComplete:
				sawComplete = true
				if ev.Data["status"] != string(models.RunStatusCompleted) {
					t.Errorf("complete event status = %v", ev.Data["status"])
				}
			}
		case <-timeout:
			t.Fatal("no complete event")
		}
	}
	if !sawPartial {
		t.Error("no partial_result events observed")
	}
}
