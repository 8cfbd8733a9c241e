package engine

import "time"

// EventType identifies a kind of progress event.
type EventType string

const (
	EventProgress         EventType = "progress"
	EventLog              EventType = "log"
	EventPartialResult    EventType = "partial_result"
	EventError            EventType = "error"
	EventComplete         EventType = "complete"
	EventApprovalRequired EventType = "approval_required"
)

// Event is one entry on a run's progress stream.
type Event struct {
	RunID     string         `json:"runId"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func newEvent(runID string, typ EventType, data map[string]any) Event {
	return Event{RunID: runID, Type: typ, Timestamp: time.Now(), Data: data}
}

// ProgressEvent reports step state movement and overall completion.
func ProgressEvent(runID, stepID, status string, percent float64) Event {
	return newEvent(runID, EventProgress, map[string]any{
		"stepId":  stepID,
		"status":  status,
		"percent": percent,
	})
}

// LogEvent carries a human-readable progress line.
func LogEvent(runID, message string) Event {
	return newEvent(runID, EventLog, map[string]any{"message": message})
}

// PartialResultEvent carries a completed step's output.
func PartialResultEvent(runID, stepID, output string) Event {
	return newEvent(runID, EventPartialResult, map[string]any{
		"stepId": stepID,
		"output": output,
	})
}

// ErrorEvent reports a step or run failure.
func ErrorEvent(runID, stepID, category, message string) Event {
	return newEvent(runID, EventError, map[string]any{
		"stepId":   stepID,
		"category": category,
		"message":  message,
	})
}

// CompleteEvent is the final event on a stream.
func CompleteEvent(runID, status, summary string) Event {
	return newEvent(runID, EventComplete, map[string]any{
		"status":  status,
		"summary": summary,
	})
}

// ApprovalEvent asks a human to decide whether the run proceeds.
func ApprovalEvent(runID, stepID, reason string) Event {
	return newEvent(runID, EventApprovalRequired, map[string]any{
		"stepId": stepID,
		"reason": reason,
	})
}
