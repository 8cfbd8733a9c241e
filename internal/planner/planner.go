// Package planner builds execution plans from free-form requests by
// delegating language understanding to an external inference service.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/graph"
	"github.com/conductorhq/conductor/pkg/models"
)

// ErrPlanInvalid indicates the generated plan cannot be executed, e.g. its
// dependency edges form a cycle.
var ErrPlanInvalid = errors.New("plan invalid")

// ErrNoResponse indicates the inference service produced no output at all.
var ErrNoResponse = errors.New("inference service returned no output")

// Inference is the narrow surface the planner needs from the inference
// service. Satisfied by *inference.Client.
type Inference interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// plannedStep is the JSON structure expected from the inference service for
// a single step.
type plannedStep struct {
	Description string         `json:"description"`
	Worker      string         `json:"worker"`
	Input       map[string]any `json:"input"`
	DependsOn   []int          `json:"depends_on"`
	Resource    string         `json:"resource"`
}

// Builder turns requests into plans using the capability catalog.
type Builder struct {
	inference Inference
	catalog   *catalog.Catalog
	// now is injectable for tests.
	now func() time.Time
}

// New creates a plan builder.
func New(inf Inference, cat *catalog.Catalog) *Builder {
	return &Builder{inference: inf, catalog: cat, now: time.Now}
}

// BuildPlan asks the inference service to decompose the request into steps
// bound to catalog workers. Malformed or partial structured output degrades
// to a single catch-all step on the default worker; only genuinely absent
// output is an error. A cyclic dependency structure is rejected with
// ErrPlanInvalid before any execution can start.
func (b *Builder) BuildPlan(ctx context.Context, runID, request string) (*models.Plan, error) {
	prompt := fmt.Sprintf(planPrompt, request, b.catalog.Describe())

	response, err := b.inference.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}
	if strings.TrimSpace(response) == "" {
		return nil, ErrNoResponse
	}

	planned, err := parseResponse(response)
	if err != nil {
		// Degrade to a single catch-all step rather than failing the run.
		log.Printf("[planner] falling back to single-step plan: %v", err)
		return b.fallbackPlan(runID, request), nil
	}

	steps := b.toSteps(planned)

	g := graph.New()
	if err := g.Build(steps); err != nil {
		if errors.Is(err, graph.ErrCycleDetected) {
			return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
		}
		// Unknown-dependency errors come from dropped references; treat the
		// structured output as malformed and degrade.
		log.Printf("[planner] falling back to single-step plan: %v", err)
		return b.fallbackPlan(runID, request), nil
	}

	return &models.Plan{
		ID:                uuid.New().String(),
		RunID:             runID,
		Steps:             steps,
		CreatedAt:         b.now(),
		EstimatedDuration: time.Duration(len(steps)) * 30 * time.Second,
	}, nil
}

// toSteps converts planned steps into model steps, translating 1-based
// step-number dependencies into step-id edges. Workers not present in the
// catalog are rebound to the default worker; dependency references outside
// the valid range are dropped.
func (b *Builder) toSteps(planned []plannedStep) []*models.Step {
	now := b.now()
	steps := make([]*models.Step, len(planned))
	for i := range planned {
		steps[i] = &models.Step{
			ID:          uuid.New().String(),
			Ordinal:     i + 1,
			Description: planned[i].Description,
			Input:       planned[i].Input,
			Resource:    planned[i].Resource,
			Status:      models.StepStatusPending,
			CreatedAt:   now,
		}

		workerID := planned[i].Worker
		if !b.catalog.Has(workerID) {
			if workerID != "" {
				log.Printf("[planner] unknown worker %q, using default", workerID)
			}
			workerID = b.catalog.Default().ID
		}
		steps[i].WorkerID = workerID
	}

	for i := range planned {
		for _, num := range planned[i].DependsOn {
			if num < 1 || num > len(steps) || num == i+1 {
				log.Printf("[planner] dropping dependency reference %d on step %d", num, i+1)
				continue
			}
			steps[i].DependsOn = append(steps[i].DependsOn, steps[num-1].ID)
		}
	}
	return steps
}

// fallbackPlan binds the whole request to the default general-purpose worker.
func (b *Builder) fallbackPlan(runID, request string) *models.Plan {
	now := b.now()
	step := &models.Step{
		ID:          uuid.New().String(),
		Ordinal:     1,
		WorkerID:    b.catalog.Default().ID,
		Description: request,
		Input:       map[string]any{"request": request},
		Status:      models.StepStatusPending,
		CreatedAt:   now,
	}
	return &models.Plan{
		ID:                uuid.New().String(),
		RunID:             runID,
		Steps:             []*models.Step{step},
		CreatedAt:         now,
		EstimatedDuration: 30 * time.Second,
	}
}

// parseResponse extracts the first JSON array from the response text. The
// inference service wraps output in prose often enough that scanning for
// brackets is the robust option.
func parseResponse(response string) ([]plannedStep, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, fmt.Errorf("no JSON array found in response (%d chars)", len(response))
	}

	var planned []plannedStep
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &planned); err != nil {
		return nil, fmt.Errorf("parse steps: %w", err)
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("response contains no steps")
	}
	for i, p := range planned {
		if strings.TrimSpace(p.Description) == "" {
			return nil, fmt.Errorf("step %d has no description", i+1)
		}
	}
	return planned, nil
}
