package model

import "time"

// Usage is a token and cost snapshot. On a job it is cumulative for that
// job; as a delta it is the marginal usage between two ticks.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

// Sub returns u - prev.
func (u Usage) Sub(prev Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens - prev.InputTokens,
		OutputTokens: u.OutputTokens - prev.OutputTokens,
		Cost:         u.Cost - prev.Cost,
	}
}

// Add returns u + d.
func (u Usage) Add(d Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + d.InputTokens,
		OutputTokens: u.OutputTokens + d.OutputTokens,
		Cost:         u.Cost + d.Cost,
	}
}

// IsZero reports whether u carries no usage at all.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.Cost == 0
}

// HasNegative reports whether any counter of u is below zero.
func (u Usage) HasNegative() bool {
	return u.InputTokens < 0 || u.OutputTokens < 0 || u.Cost < 0
}

// Tokens is the total token count.
func (u Usage) Tokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// AIUsage is the cumulative per-owner usage record.
type AIUsage struct {
	Owner string `json:"owner"`
	Usage
	UpdatedAt time.Time `json:"updatedAt"`
}
