package models

import "time"

// StepStatus represents the current state of a plan step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"
	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed indicates the step failed terminally.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was skipped because a dependency
	// failed or its target resource was absent.
	StepStatusSkipped StepStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// CanTransitionTo reports whether moving to next is a legal transition.
// Transitions are monotonic: pending -> running -> {completed|failed},
// and pending -> skipped. A step never re-enters pending.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusRunning || next == StepStatusSkipped || next == StepStatusFailed
	case StepStatusRunning:
		return next == StepStatusCompleted || next == StepStatusFailed || next == StepStatusSkipped
	default:
		return false
	}
}

// Step represents one unit of work in a plan, bound to a worker.
type Step struct {
	// ID is the unique identifier for this step.
	ID string `json:"id"`
	// Ordinal is the 1-based position of the step within its plan.
	Ordinal int `json:"ordinal"`
	// WorkerID is the id of the worker that executes this step.
	WorkerID string `json:"workerId"`
	// Description is a human-readable summary of the work.
	Description string `json:"description"`
	// Input is the payload handed to the worker.
	Input map[string]any `json:"input,omitempty"`
	// DependsOn lists step IDs that must complete before this step runs.
	DependsOn []string `json:"dependsOn,omitempty"`
	// Resource names an externally shared resource this step mutates.
	// When non-empty the executor serializes access through the lock manager.
	Resource string `json:"resource,omitempty"`
	// Status is the current state of the step.
	Status StepStatus `json:"status"`
	// Output is the worker's output after a successful execution.
	Output string `json:"output,omitempty"`
	// Error contains the failure message if the step failed.
	Error string `json:"error,omitempty"`
	// RetryCount is the number of retries performed beyond the first attempt.
	RetryCount int `json:"retryCount,omitempty"`
	// CreatedAt is when the step was created.
	CreatedAt time.Time `json:"createdAt"`
	// StartedAt is when execution began, if it has.
	StartedAt *time.Time `json:"startedAt,omitempty"`
	// CompletedAt is when the step reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// Duration is the wall time spent executing the step.
	Duration time.Duration `json:"duration,omitempty"`
}

// Plan is the ordered set of steps produced for one request.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"planId"`
	// RunID is the id of the run that owns this plan.
	RunID string `json:"runId"`
	// Steps is the ordered list of steps. The dependency graph over these
	// steps is validated acyclic before any execution starts.
	Steps []*Step `json:"steps"`
	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"createdAt"`
	// EstimatedDuration is a rough estimate of total execution time.
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}
