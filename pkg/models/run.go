package models

import "time"

// RunStatus represents the current state of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run has been accepted but not started.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the run is executing its plan.
	RunStatusRunning RunStatus = "running"
	// RunStatusBlocked indicates the run is waiting on sub-run completion.
	RunStatusBlocked RunStatus = "blocked"
	// RunStatusNeedsReview indicates the recovery policy escalated a partial
	// failure to a human and the run is paused awaiting a decision.
	RunStatusNeedsReview RunStatus = "needs_human_review"
	// RunStatusCompleted indicates the run finished.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run failed terminally.
	RunStatusFailed RunStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusBlocked,
		RunStatusNeedsReview, RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ResourceUsage summarizes what a run consumed while executing.
type ResourceUsage struct {
	// StepsExecuted is the number of step executions attempted (retries included).
	StepsExecuted int `json:"stepsExecuted"`
	// CacheHits is the number of steps satisfied from the result cache.
	CacheHits int `json:"cacheHits"`
	// Retries is the total number of retry attempts across all steps.
	Retries int `json:"retries"`
	// InputTokens and OutputTokens track inference usage, when available.
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
}

// RunResult is the aggregated outcome of a run. Callers distinguish
// "fully succeeded", "degraded", and "failed" from the counts rather
// than a single boolean.
type RunResult struct {
	// Summary concatenates per-step summaries in dependency order.
	Summary string `json:"summary"`
	// Completed, Failed, and Skipped count steps by terminal state.
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Duration is the total wall time of the run.
	Duration time.Duration `json:"duration"`
	// Usage is the run's resource consumption.
	Usage ResourceUsage `json:"usage"`
}

// Degraded returns true if the run finished but some steps failed or
// were skipped.
func (r *RunResult) Degraded() bool {
	return r.Failed > 0 || r.Skipped > 0
}

// Run tracks one end-to-end processing of a request.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// Requester identifies who submitted the request.
	Requester string `json:"requester"`
	// Request is the original free-form request text.
	Request string `json:"request"`
	// Plan is the generated plan. Nil until the plan builder has run.
	Plan *Plan `json:"plan,omitempty"`
	// Status is the current state of the run.
	Status RunStatus `json:"status"`
	// CurrentStep is the ordinal of the most recently settled step.
	CurrentStep int `json:"currentStep"`
	// Result is the aggregated outcome, set when the run terminates.
	Result *RunResult `json:"result,omitempty"`
	// Error contains the terminal failure, if any, as "category: message".
	Error string `json:"error,omitempty"`
	// FailedStepID is the id of the step that triggered a terminal failure.
	FailedStepID string `json:"failedStepId,omitempty"`
	// CreatedAt is when the run was accepted.
	CreatedAt time.Time `json:"createdAt"`
	// StartedAt is when execution began, if it has.
	StartedAt *time.Time `json:"startedAt,omitempty"`
	// CompletedAt is when the run reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
