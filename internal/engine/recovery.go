package engine

import (
	"github.com/conductorhq/conductor/internal/graph"
)

// Decision is the partial-failure policy outcome after a step exhausts
// its retry budget.
type Decision int

const (
	// DecisionContinue skips the failed step's dependents and finishes the
	// rest of the plan.
	DecisionContinue Decision = iota
	// DecisionRollback compensates completed steps in reverse order and
	// fails the run.
	DecisionRollback
	// DecisionAskHuman parks the run pending an approval.
	DecisionAskHuman
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "CONTINUE"
	case DecisionRollback:
		return "ROLLBACK"
	case DecisionAskHuman:
		return "ASK_HUMAN"
	default:
		return "UNKNOWN"
	}
}

// DecidePartialFailure picks how a run proceeds after a terminal step
// failure. A failed step with dependents is critical: later work cannot
// produce a trustworthy result on top of it, so the run rolls back. A
// non-critical failure late in the run continues degraded; early on, when
// most of the plan is still unexecuted, a human decides.
func DecidePartialFailure(g *graph.DependencyGraph, failedStepID string) Decision {
	if len(g.Dependents(failedStepID)) > 0 {
		return DecisionRollback
	}

	completed := len(g.CompletedIDs())
	settled := completed + len(g.FailedIDs()) + len(g.SkippedIDs())
	remaining := g.Size() - settled
	if remaining < completed {
		return DecisionContinue
	}
	return DecisionAskHuman
}
