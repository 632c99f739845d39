package worker

import (
	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/model"
)

// UsageTracker accumulates token usage over one run and prices it.
// It is owned by a single worker goroutine.
type UsageTracker struct {
	pricing       config.PricingConfig
	inputTokens   int64
	outputTokens  int64
	searchQueries int64
	successful    int
	failed        int
}

// NewUsageTracker creates a tracker using the given prices
func NewUsageTracker(pricing config.PricingConfig) *UsageTracker {
	return &UsageTracker{pricing: pricing}
}

// Add records the usage of one enrichment call.
func (t *UsageTracker) Add(u model.EnrichmentUsage) {
	t.inputTokens += u.PromptTokens
	t.outputTokens += u.CompletionTokens
	t.searchQueries += u.SearchQueries
}

// Record counts a finished track by outcome.
func (t *UsageTracker) Record(success bool) {
	if success {
		t.successful++
	} else {
		t.failed++
	}
}

// Cost is the estimated spend in USD.
func (t *UsageTracker) Cost() float64 {
	return float64(t.inputTokens)/1_000_000*t.pricing.InputPerMillion +
		float64(t.outputTokens)/1_000_000*t.pricing.OutputPerMillion +
		float64(t.searchQueries)*t.pricing.PerSearchQuery
}

// Summarize copies the run totals into r.
func (t *UsageTracker) Summarize(r *Result) {
	r.Usage = t.Snapshot()
	r.Succeeded = t.successful
	r.Failed = t.failed
}

// Snapshot returns the cumulative usage so far.
func (t *UsageTracker) Snapshot() model.Usage {
	return model.Usage{
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		Cost:         t.Cost(),
	}
}
