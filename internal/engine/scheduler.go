package engine

import (
	"sync"

	"github.com/conductorhq/conductor/internal/graph"
	"github.com/conductorhq/conductor/pkg/models"
)

// Scheduler hands out ready steps up to the concurrency cap. It respects
// the dependency graph: a step becomes schedulable only once every
// dependency has completed.
type Scheduler struct {
	// graph is the dependency graph of steps.
	graph *graph.DependencyGraph
	// running maps step IDs to their in-flight steps.
	running map[string]*models.Step
	// maxSteps is the maximum number of concurrent steps allowed.
	maxSteps int
	// mu protects all mutable fields.
	mu sync.RWMutex
}

// NewScheduler creates a scheduler over the given graph with the given
// concurrency cap. A non-positive cap means unbounded.
func NewScheduler(g *graph.DependencyGraph, maxSteps int) *Scheduler {
	return &Scheduler{
		graph:    g,
		running:  make(map[string]*models.Step),
		maxSteps: maxSteps,
	}
}

// Schedule returns the steps to launch now: ready in the graph, not
// already running, capped by available slots. Steps come back in ordinal
// order.
func (s *Scheduler) Schedule() []*models.Step {
	s.mu.RLock()
	defer s.mu.RUnlock()

	availableSlots := s.maxSteps - len(s.running)
	if s.maxSteps <= 0 {
		availableSlots = s.graph.Size()
	}
	if availableSlots <= 0 {
		debugLog("[scheduler] no available slots: maxSteps=%d, running=%d", s.maxSteps, len(s.running))
		return nil
	}

	readyIDs := s.graph.Ready()
	if len(readyIDs) == 0 {
		return nil
	}

	var schedulable []*models.Step
	for _, id := range readyIDs {
		if _, inFlight := s.running[id]; inFlight {
			continue
		}
		if step := s.graph.Step(id); step != nil {
			schedulable = append(schedulable, step)
		}
	}

	if len(schedulable) > availableSlots {
		schedulable = schedulable[:availableSlots]
	}
	if len(schedulable) > 0 {
		debugLog("[scheduler] scheduling %d steps (slots=%d, running=%d)", len(schedulable), availableSlots, len(s.running))
	}
	return schedulable
}

// OnStepStart records that a step has entered execution.
func (s *Scheduler) OnStepStart(step *models.Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[step.ID] = step
}

// OnStepSettled removes a step from the running set once it has reached a
// terminal status. Graph marking is the run loop's job; the scheduler only
// tracks occupancy.
func (s *Scheduler) OnStepSettled(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, stepID)
}

// RunningCount returns the number of in-flight steps.
func (s *Scheduler) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running)
}

// Idle reports whether nothing is in flight.
func (s *Scheduler) Idle() bool {
	return s.RunningCount() == 0
}
