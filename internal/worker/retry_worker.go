package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/store"
)

// Retry failure reasons
const (
	reasonUnplayable = "unplayable"
	reasonReplaced   = "replaced"
)

// RetryEngine re-runs enrichment for an owner's error-status tracks,
// searching for a playable alternative when the original media is gone.
type RetryEngine struct {
	catalog  Catalog
	enricher Enricher
	tracks   store.TrackStore
	pricing  config.PricingConfig
	logger   *log.Logger
}

// NewRetryEngine creates a new retry engine
func NewRetryEngine(catalog Catalog, enricher Enricher, tracks store.TrackStore, pricing config.PricingConfig, logger *log.Logger) *RetryEngine {
	return &RetryEngine{
		catalog:  catalog,
		enricher: enricher,
		tracks:   tracks,
		pricing:  pricing,
		logger:   logger,
	}
}

// RetryRequest identifies the tracks a retry run considers.
type RetryRequest struct {
	JobID string
	Owner string
	// VideoIDs restricts the run to these failed tracks when non-empty.
	VideoIDs []string
}

// Run retries every candidate in order. Tracks that are not in error
// status are never touched.
func (e *RetryEngine) Run(ctx context.Context, req RetryRequest, stop <-chan struct{}, progress ProgressFunc) (*Result, error) {
	logger := e.logger.With("job_id", req.JobID, "owner", req.Owner)
	tracker := NewUsageTracker(e.pricing)
	result := &Result{Tracks: []*model.Track{}}

	report := func(current, total int, message string, track *model.Track) {
		if progress != nil {
			progress(Tick{
				Current: current,
				Total:   total,
				Message: message,
				Usage:   tracker.Snapshot(),
				Track:   track,
			})
		}
	}

	if err := checkStop(ctx, stop); err != nil {
		return result, err
	}

	candidates, err := e.candidates(ctx, req)
	if err != nil {
		return result, err
	}

	total := len(candidates)
	report(0, total, fmt.Sprintf("Retrying %d failed tracks...", total), nil)

	for i, failed := range candidates {
		if err := checkStop(ctx, stop); err != nil {
			tracker.Summarize(result)
			return result, err
		}

		report(i, total, fmt.Sprintf("Retrying: %s - %s", failed.Title, failed.Artists), nil)

		track := e.retryTrack(ctx, failed, tracker)
		if err := e.tracks.SaveTrack(ctx, track, req.Owner); err != nil {
			logger.Error("failed to save track", "video_id", track.VideoID, "err", err)
			markFailed(track, fmt.Sprintf("failed to save track: %v", err))
		}

		tracker.Record(track.Success())
		if track.Success() {
			logger.Info("track recovered", "video_id", track.VideoID, "playable_video_id", track.PlayableVideoID)
		} else {
			logger.Warn("track still failing", "video_id", track.VideoID, "err", track.ErrorMessage)
		}

		result.Tracks = append(result.Tracks, track)
		report(i+1, total, fmt.Sprintf("Retried: %s", track.Title), track)
	}

	report(total, total, model.MessageRetryDone, nil)
	tracker.Summarize(result)
	return result, nil
}

func (e *RetryEngine) candidates(ctx context.Context, req RetryRequest) ([]*model.Track, error) {
	failed, err := e.tracks.ListTracks(ctx, req.Owner, model.TrackStatusError)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed tracks: %w", err)
	}
	if len(req.VideoIDs) == 0 {
		return failed, nil
	}

	wanted := make(map[string]bool, len(req.VideoIDs))
	for _, id := range req.VideoIDs {
		wanted[id] = true
	}

	filtered := make([]*model.Track, 0, len(failed))
	for _, t := range failed {
		if wanted[t.VideoID] {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// retryTrack classifies why a stored track failed and re-enriches it,
// against a playable alternative when needed. The original VideoID and
// Title are preserved.
func (e *RetryEngine) retryTrack(ctx context.Context, stored *model.Track, tracker *UsageTracker) (track *model.Track) {
	track = resetTrack(stored)

	defer func() {
		if rec := recover(); rec != nil {
			markFailed(track, fmt.Sprintf("panic: %v", rec))
		}
	}()

	meta, err := e.catalog.GetTrackMetadata(ctx, stored.VideoID)
	if err != nil {
		markFailed(track, fmt.Sprintf("failed to fetch metadata: %v", err))
		return track
	}

	reason := ""
	switch {
	case !meta.Playable:
		reason = reasonUnplayable
	case meta.Title != "" && !strings.EqualFold(meta.Title, stored.Title):
		reason = reasonReplaced
	}

	target := stored.VideoID
	if reason == "" {
		track.PlayableVideoID = ""
		track.URL = model.WatchURL(stored.VideoID)
	} else {
		alt, err := e.catalog.SearchAlternate(ctx, stored.Title, stored.Artists)
		if err != nil {
			e.logger.Warn("alternative search failed", "video_id", stored.VideoID, "err", err)
		}
		if alt == "" {
			markFailed(track, fmt.Sprintf("%s and no alternative found", reason))
			return track
		}

		target = alt
		track.PlayableVideoID = alt
		track.URL = model.WatchURL(alt)

		if altMeta, err := e.catalog.GetTrackMetadata(ctx, alt); err == nil {
			meta = altMeta
		} else {
			e.logger.Warn("alternative metadata unavailable", "video_id", alt, "err", err)
		}
	}

	applyMetadata(track, meta)
	if !meta.IsMusic {
		track.IsMusic = false
		track.Status = model.TrackStatusNonMusic
		track.ErrorMessage = ""
		return track
	}

	enrichment := e.enricher.Enrich(ctx, target, stored.Title, stored.Artists)
	tracker.Add(enrichment.Usage)
	applyEnrichment(track, enrichment)
	return track
}

// resetTrack copies the identity of a stored track for a fresh attempt.
func resetTrack(stored *model.Track) *model.Track {
	track := &model.Track{
		VideoID:         stored.VideoID,
		Title:           stored.Title,
		Artists:         stored.Artists,
		Album:           stored.Album,
		Year:            stored.Year,
		Thumbnails:      stored.Thumbnails,
		Genres:          []string{},
		Moods:           []string{},
		Instruments:     []string{},
		IsMusic:         true,
		Status:          model.TrackStatusError,
		PlayableVideoID: stored.PlayableVideoID,
		URL:             model.WatchURL(stored.PlaybackID()),
		CreatedAt:       stored.CreatedAt,
		UpdatedAt:       time.Now().UTC(),
	}
	return track
}
