package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/conductorhq/conductor/pkg/models"
)

// minTrustedExecutions is the execution count a worker needs before its
// historical success rate is trusted. Below it the worker scores neutral.
const minTrustedExecutions = 3

// coldStartScore is the neutral score given to workers without enough history.
const coldStartScore = 0.5

// Recorder receives execution outcomes. Satisfied by *History; tests
// substitute an in-memory fake.
type Recorder interface {
	Record(workerID string, success bool) error
	Rate(workerID string) (rate float64, total int, err error)
}

// Catalog is the registry of workers available to the plan builder and
// scheduler. It is constructed once per process and passed explicitly into
// every component that needs it.
type Catalog struct {
	mu        sync.RWMutex
	byID      map[string]*models.WorkerDescriptor
	order     []string
	defaultID string
	history   Recorder
}

// New builds a catalog from a validated manifest. The history recorder is
// optional; without it alternative ranking treats every worker as cold.
func New(m *Manifest, history Recorder) *Catalog {
	c := &Catalog{
		byID:      make(map[string]*models.WorkerDescriptor, len(m.Workers)),
		defaultID: m.DefaultWorker,
		history:   history,
	}
	for _, w := range m.Workers {
		c.byID[w.ID] = w
		c.order = append(c.order, w.ID)
	}
	return c
}

// Get returns the descriptor for a worker id, or nil if not registered.
func (c *Catalog) Get(id string) *models.WorkerDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// Has reports whether a worker id is registered.
func (c *Catalog) Has(id string) bool {
	return c.Get(id) != nil
}

// Default returns the descriptor of the general-purpose fallback worker.
func (c *Catalog) Default() *models.WorkerDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[c.defaultID]
}

// List returns all descriptors in manifest order.
func (c *Catalog) List() []*models.WorkerDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.WorkerDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Describe renders the catalog as capability text for the plan builder's
// prompt: one line per worker with id, kind, capabilities, and parameters.
func (c *Catalog) Describe() string {
	var b strings.Builder
	for _, w := range c.List() {
		fmt.Fprintf(&b, "- %s (%s): %s [capabilities: %s]",
			w.ID, w.Kind, w.Description, strings.Join(w.Capabilities, ", "))
		if len(w.ParameterSchema) > 0 {
			params := make([]string, 0, len(w.ParameterSchema))
			for name, typ := range w.ParameterSchema {
				params = append(params, name+":"+typ)
			}
			sort.Strings(params)
			fmt.Fprintf(&b, " {%s}", strings.Join(params, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RecordExecution stores an execution outcome for a worker. Errors are
// returned so callers can log them, but recording is advisory only.
func (c *Catalog) RecordExecution(workerID string, success bool) error {
	if c.history == nil {
		return nil
	}
	return c.history.Record(workerID, success)
}

// scored pairs a candidate with its ranking score.
type scored struct {
	desc  *models.WorkerDescriptor
	score float64
}

// FindAlternative searches for another worker sharing at least one declared
// capability with the failed one. Candidates are ranked by historical success
// rate; workers with fewer than minTrustedExecutions recorded executions get
// the neutral cold-start score. Returns nil when no candidate exists.
func (c *Catalog) FindAlternative(failedID string) *models.WorkerDescriptor {
	failed := c.Get(failedID)
	if failed == nil {
		return nil
	}

	var candidates []scored
	for _, w := range c.List() {
		if w.ID == failedID || !w.SharesCapability(failed) {
			continue
		}
		candidates = append(candidates, scored{desc: w, score: c.scoreOf(w.ID)})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return candidates[0].desc
}

// scoreOf returns the ranking score for a worker id.
func (c *Catalog) scoreOf(workerID string) float64 {
	if c.history == nil {
		return coldStartScore
	}
	rate, total, err := c.history.Rate(workerID)
	if err != nil || total < minTrustedExecutions {
		return coldStartScore
	}
	return rate
}
