package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/conductorhq/conductor/internal/state"
	"github.com/conductorhq/conductor/pkg/models"
)

// summaryOutputLimit caps how much of a step's output lands in the
// aggregated summary.
const summaryOutputLimit = 160

// buildResult aggregates per-step summaries in plan order plus the
// completed/failed/skipped counts callers use to tell "succeeded" from
// "degraded" from "failed".
func (e *Engine) buildResult(rs *runState, duration time.Duration) *models.RunResult {
	result := &models.RunResult{
		Duration: duration,
		Usage:    rs.metrics.Usage(),
	}

	order, err := rs.g.TopologicalSort()
	if err != nil {
		// The graph was validated at build time; fall back to plan order.
		order = order[:0]
		for _, step := range rs.run.Plan.Steps {
			order = append(order, step.ID)
		}
	}

	var lines []string
	for _, id := range order {
		step := rs.g.Step(id)
		if step == nil {
			continue
		}
		switch step.Status {
		case models.StepStatusCompleted:
			result.Completed++
			lines = append(lines, fmt.Sprintf("[%d] %s: completed. %s", step.Ordinal, step.Description, truncate(step.Output, summaryOutputLimit)))
		case models.StepStatusFailed:
			result.Failed++
			lines = append(lines, fmt.Sprintf("[%d] %s: failed (%s)", step.Ordinal, step.Description, step.Error))
		case models.StepStatusSkipped:
			result.Skipped++
			lines = append(lines, fmt.Sprintf("[%d] %s: skipped", step.Ordinal, step.Description))
		default:
			lines = append(lines, fmt.Sprintf("[%d] %s: %s", step.Ordinal, step.Description, step.Status))
		}
	}
	result.Summary = strings.Join(lines, "\n")
	return result
}

// buildCheckpoint snapshots settled step sets and the shared context.
func (e *Engine) buildCheckpoint(rs *runState) *state.Checkpoint {
	return &state.Checkpoint{
		RunID:           rs.run.ID,
		CompletedSteps:  rs.g.CompletedIDs(),
		FailedSteps:     rs.g.FailedIDs(),
		SkippedSteps:    rs.g.SkippedIDs(),
		CurrentStep:     rs.run.CurrentStep,
		ContextSnapshot: rs.shared.Snapshot(),
		CreatedAt:       e.now(),
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
