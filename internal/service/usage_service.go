package service

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/amura2406/songshake/internal/live"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/store"
)

// UsageService merges per-tick usage deltas into owner totals. The store
// is the authority; the live map holds the stored baseline seen when a job
// started on this process plus every delta added since.
type UsageService struct {
	store    store.UsageStore
	registry *live.Registry
	logger   *log.Logger
}

// NewUsageService creates a new usage accountant
func NewUsageService(usageStore store.UsageStore, registry *live.Registry, logger *log.Logger) *UsageService {
	return &UsageService{
		store:    usageStore,
		registry: registry,
		logger:   logger,
	}
}

// Prime seeds the owner's live usage from the store unless this process
// already tracks the owner. Store failures leave the live map untouched.
func (s *UsageService) Prime(ctx context.Context, owner string) {
	if _, ok := s.registry.OwnerUsage(owner); ok {
		return
	}
	usage, err := s.store.GetUsage(ctx, owner)
	if err != nil {
		s.logger.Warn("failed to read usage baseline", "owner", owner, "err", err)
		return
	}
	s.registry.SeedOwnerUsage(owner, usage.Usage)
}

// Record adds delta to the owner's live usage and atomically increments
// the stored counters. Zero deltas are dropped, and so are deltas with a
// negative counter since owner totals only grow.
func (s *UsageService) Record(ctx context.Context, owner string, delta model.Usage) {
	if delta.IsZero() {
		return
	}
	if delta.HasNegative() {
		s.logger.Warn("dropping negative usage delta", "owner", owner,
			"input_tokens", delta.InputTokens, "output_tokens", delta.OutputTokens, "cost", delta.Cost)
		return
	}

	s.registry.AddUsage(owner, delta)

	if _, err := s.store.IncrementUsage(ctx, owner, delta); err != nil {
		s.logger.Error("failed to increment usage", "owner", owner, "err", err)
	}
}

// Get returns the authoritative usage record. When the store is
// unreachable the best-known live value is served instead.
func (s *UsageService) Get(ctx context.Context, owner string) (*model.AIUsage, error) {
	usage, err := s.store.GetUsage(ctx, owner)
	if err == nil {
		return usage, nil
	}

	if liveUsage, ok := s.registry.OwnerUsage(owner); ok {
		s.logger.Warn("serving live usage, store read failed", "owner", owner, "err", err)
		return &model.AIUsage{Owner: owner, Usage: liveUsage}, nil
	}
	return nil, fmt.Errorf("failed to get usage: %w", err)
}
