// Package engine implements the execution orchestration core: the
// scheduler, the step safety pipeline, retry and recovery policy, and the
// process-local coordination primitives (locks, rate limiter, result cache,
// progress stream, shared context, messenger). All components are owned by
// an Engine constructed once per process; there are no package-level
// singletons.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category classifies a step failure for the retry and recovery policy.
type Category string

const (
	// CategoryRateLimit covers admission control and provider throttling.
	CategoryRateLimit Category = "RATE_LIMIT"
	// CategoryTimeout covers steps exceeding their allotted time.
	CategoryTimeout Category = "TIMEOUT"
	// CategoryNetwork covers transient connectivity failures.
	CategoryNetwork Category = "NETWORK_ERROR"
	// CategoryAuth covers credential or permission failures. Always fatal.
	CategoryAuth Category = "AUTH_ERROR"
	// CategoryNotFound covers absent referenced resources. The step is
	// skipped rather than failing the run, unless it is critical.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryUnknown is the fallback for unclassified failures.
	CategoryUnknown Category = "UNKNOWN"
)

// StepError is an error carrying an explicit failure category. Workers and
// pipeline stages wrap failures in StepError at the orchestration boundary
// so classification never depends on message text.
type StepError struct {
	Category Category
	Message  string
	Err      error
}

// Error implements error.
func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap supports errors.Is/As chains.
func (e *StepError) Unwrap() error { return e.Err }

// NewStepError creates a categorized error.
func NewStepError(cat Category, format string, args ...any) *StepError {
	return &StepError{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// WrapStepError wraps an underlying error with a category.
func WrapStepError(cat Category, err error, format string, args ...any) *StepError {
	return &StepError{Category: cat, Message: fmt.Sprintf(format, args...), Err: err}
}

// Classify maps an error to a failure category. Explicit StepError
// categories win; well-known error types are inspected next; message
// sniffing is the last-resort fallback only.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	return classifyByMessage(err.Error())
}

// classifyByMessage is the last-resort fallback for errors that cross the
// orchestration boundary without metadata.
func classifyByMessage(msg string) Category {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "unreachable"):
		return CategoryNetwork
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "credential"), strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return CategoryAuth
	case strings.Contains(msg, "not found"), strings.Contains(msg, "404"), strings.Contains(msg, "no such"):
		return CategoryNotFound
	default:
		return CategoryUnknown
	}
}
