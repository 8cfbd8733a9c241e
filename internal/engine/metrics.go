package engine

import (
	"sync/atomic"

	"github.com/conductorhq/conductor/pkg/models"
)

// Metrics accumulates per-run execution counters. All counters are safe
// for concurrent step pipelines.
type Metrics struct {
	stepsExecuted atomic.Int64
	cacheHits     atomic.Int64
	retries       atomic.Int64
	inputTokens   atomic.Int64
	outputTokens  atomic.Int64
}

// NewMetrics creates a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

// StepExecuted records one worker invocation (cache hits excluded).
func (m *Metrics) StepExecuted() { m.stepsExecuted.Add(1) }

// CacheHit records a step settled from the result cache.
func (m *Metrics) CacheHit() { m.cacheHits.Add(1) }

// Retry records one retry attempt.
func (m *Metrics) Retry() { m.retries.Add(1) }

// AddTokens records inference token usage.
func (m *Metrics) AddTokens(input, output int64) {
	m.inputTokens.Add(input)
	m.outputTokens.Add(output)
}

// Usage snapshots the counters into the run result shape.
func (m *Metrics) Usage() models.ResourceUsage {
	return models.ResourceUsage{
		StepsExecuted: int(m.stepsExecuted.Load()),
		CacheHits:     int(m.cacheHits.Load()),
		Retries:       int(m.retries.Load()),
		InputTokens:   m.inputTokens.Load(),
		OutputTokens:  m.outputTokens.Load(),
	}
}
