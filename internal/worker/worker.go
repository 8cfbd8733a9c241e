// Package worker defines the execution surface of capability-providing
// workers and the registry binding catalog ids to implementations.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/conductorhq/conductor/pkg/models"
)

// Worker executes plan steps. Implementations are external collaborators;
// the engine only depends on this surface.
type Worker interface {
	// ID returns the worker's stable identifier, matching its catalog entry.
	ID() string
	// Execute performs the step and returns its output. Errors should carry
	// a category via engine classification; a plain error is classified as
	// UNKNOWN.
	Execute(ctx context.Context, step *models.Step) (string, error)
}

// Compensator is implemented by workers that can undo a completed step
// during rollback.
type Compensator interface {
	Compensate(ctx context.Context, step *models.Step) error
}

// Registry maps worker ids to implementations. It is built explicitly at
// startup alongside the catalog; there is no runtime discovery.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds a worker. Registering a duplicate id is an error.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.ID()]; exists {
		return fmt.Errorf("worker %q already registered", w.ID())
	}
	r.workers[w.ID()] = w
	return nil
}

// Get returns the worker for an id, or nil if not registered.
func (r *Registry) Get(id string) Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// IDs returns the registered worker ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// FuncWorker adapts plain functions to the Worker interface. Used heavily
// in tests and for simple ACTION workers.
type FuncWorker struct {
	WorkerID     string
	ExecuteFn    func(ctx context.Context, step *models.Step) (string, error)
	CompensateFn func(ctx context.Context, step *models.Step) error
}

// ID implements Worker.
func (f *FuncWorker) ID() string { return f.WorkerID }

// Execute implements Worker.
func (f *FuncWorker) Execute(ctx context.Context, step *models.Step) (string, error) {
	if f.ExecuteFn == nil {
		return "", fmt.Errorf("worker %q has no execute function", f.WorkerID)
	}
	return f.ExecuteFn(ctx, step)
}

// Compensate implements Compensator when a compensation function is set.
func (f *FuncWorker) Compensate(ctx context.Context, step *models.Step) error {
	if f.CompensateFn == nil {
		return nil
	}
	return f.CompensateFn(ctx, step)
}
