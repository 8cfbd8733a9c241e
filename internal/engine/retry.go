package engine

import "time"

// CategoryPolicy defines the handling of one failure category.
type CategoryPolicy struct {
	// MaxRetries counts attempts beyond the first.
	MaxRetries int
	// Backoff gives the delay before each retry; the last entry is reused
	// when retries outnumber entries.
	Backoff []time.Duration
	// SeekAlternative switches the step to an alternative worker sharing a
	// capability once the retry budget is exhausted.
	SeekAlternative bool
	// Skip marks the step skipped instead of failed, unless later steps
	// depend on it.
	Skip bool
	// Fatal fails the run immediately without attempting a retry.
	Fatal bool
}

// Policy maps failure categories to their handling.
type Policy struct {
	categories map[Category]CategoryPolicy
}

// DefaultPolicy returns the built-in failure taxonomy.
func DefaultPolicy() *Policy {
	second := time.Second
	return &Policy{categories: map[Category]CategoryPolicy{
		CategoryRateLimit: {MaxRetries: 3, Backoff: []time.Duration{second, 2 * second, 4 * second}},
		CategoryTimeout:   {MaxRetries: 2, Backoff: []time.Duration{second, 2 * second}, SeekAlternative: true},
		CategoryNetwork:   {MaxRetries: 3, Backoff: []time.Duration{second, 2 * second, 4 * second}},
		CategoryAuth:      {Fatal: true},
		CategoryNotFound:  {Skip: true},
		CategoryUnknown:   {MaxRetries: 1, Backoff: []time.Duration{second}},
	}}
}

// RetryConfig is the external override shape for retry behavior. Listed
// categories have their retry budget and backoff schedule replaced.
type RetryConfig struct {
	MaxRetries          int      `json:"maxRetries" yaml:"max_retries"`
	BackoffMs           []int    `json:"backoffMs" yaml:"backoff_ms"`
	RetryableCategories []string `json:"retryableCategories" yaml:"retryable_categories"`
}

// Apply overrides the policy for the categories the config names. Unknown
// category names are ignored.
func (p *Policy) Apply(cfg RetryConfig) {
	if cfg.MaxRetries <= 0 && len(cfg.BackoffMs) == 0 {
		return
	}
	backoff := make([]time.Duration, 0, len(cfg.BackoffMs))
	for _, ms := range cfg.BackoffMs {
		backoff = append(backoff, time.Duration(ms)*time.Millisecond)
	}
	for _, name := range cfg.RetryableCategories {
		cat := Category(name)
		cp, ok := p.categories[cat]
		if !ok {
			continue
		}
		if cfg.MaxRetries > 0 {
			cp.MaxRetries = cfg.MaxRetries
		}
		if len(backoff) > 0 {
			cp.Backoff = backoff
		}
		p.categories[cat] = cp
	}
}

// For returns the handling of a category, falling back to the UNKNOWN
// policy for unmapped categories.
func (p *Policy) For(cat Category) CategoryPolicy {
	if cp, ok := p.categories[cat]; ok {
		return cp
	}
	return p.categories[CategoryUnknown]
}

// BackoffFor returns the delay before the given retry (1-based). Retries
// past the end of the schedule reuse the final delay.
func (p *Policy) BackoffFor(cat Category, retry int) time.Duration {
	cp := p.For(cat)
	if len(cp.Backoff) == 0 || retry < 1 {
		return 0
	}
	if retry > len(cp.Backoff) {
		return cp.Backoff[len(cp.Backoff)-1]
	}
	return cp.Backoff[retry-1]
}
