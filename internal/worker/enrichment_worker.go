package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/store"
)

// Runner enriches the tracks of one playlist for one owner.
type Runner struct {
	catalog  Catalog
	enricher Enricher
	tracks   store.TrackStore
	pricing  config.PricingConfig
	logger   *log.Logger
}

// NewRunner creates a new enrichment pipeline runner
func NewRunner(catalog Catalog, enricher Enricher, tracks store.TrackStore, pricing config.PricingConfig, logger *log.Logger) *Runner {
	return &Runner{
		catalog:  catalog,
		enricher: enricher,
		tracks:   tracks,
		pricing:  pricing,
		logger:   logger,
	}
}

// RunRequest identifies what a Runner processes.
type RunRequest struct {
	JobID      string
	PlaylistID string
	Owner      string
	// FullRescan re-enriches tracks already in the catalog. Nothing is
	// deleted.
	FullRescan bool
}

// Run processes the playlist track by track, reporting progress through
// progress. Per-track failures are recorded on the track and never abort
// the run. It returns ErrCancelled when stop fires between tracks, or the
// error that prevented the run from starting.
func (r *Runner) Run(ctx context.Context, req RunRequest, stop <-chan struct{}, progress ProgressFunc) (*Result, error) {
	logger := r.logger.With("job_id", req.JobID, "playlist_id", req.PlaylistID)
	tracker := NewUsageTracker(r.pricing)
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

	items, err := r.catalog.GetTracks(ctx, req.PlaylistID)
	if err != nil {
		return result, fmt.Errorf("failed to fetch playlist tracks: %w", err)
	}

	total := len(items)
	report(0, total, "Fetching tracks...", nil)

	for i, item := range items {
		if err := checkStop(ctx, stop); err != nil {
			tracker.Summarize(result)
			return result, err
		}

		if item.VideoID == "" {
			report(i+1, total, fmt.Sprintf("Skipped: %s (no media id)", item.Title), nil)
			continue
		}

		artists := model.JoinArtists(item.Artists)
		report(i, total, fmt.Sprintf("Processing: %s - %s", item.Title, artists), nil)

		if !req.FullRescan {
			cached, err := r.relinkCached(ctx, item.VideoID, req.Owner)
			if err != nil {
				logger.Warn("dedup lookup failed, enriching instead", "video_id", item.VideoID, "err", err)
			}
			if cached {
				logger.Debug("skipping cached track", "video_id", item.VideoID)
				report(i+1, total, fmt.Sprintf("Skipping (cached): %s - %s", item.Title, artists), nil)
				continue
			}
		}

		track := r.processTrack(ctx, item, tracker)
		if err := r.tracks.SaveTrack(ctx, track, req.Owner); err != nil {
			logger.Error("failed to save track", "video_id", track.VideoID, "err", err)
			track.Status = model.TrackStatusError
			track.ErrorMessage = fmt.Sprintf("failed to save track: %v", err)
		}

		tracker.Record(track.Success())
		if track.Status == model.TrackStatusError {
			logger.Warn("track failed", "video_id", track.VideoID, "title", track.Title, "err", track.ErrorMessage)
		}

		result.Tracks = append(result.Tracks, track)
		message := fmt.Sprintf("Processed: %s", track.Title)
		if track.Status == model.TrackStatusError {
			message = fmt.Sprintf("Error: %s", track.Title)
		}
		report(i+1, total, message, track)
	}

	report(total, total, model.MessageEnrichmentDone, nil)
	tracker.Summarize(result)
	return result, nil
}

// relinkCached links an already-enriched track to owner. It reports false
// when the track is not in the catalog yet.
func (r *Runner) relinkCached(ctx context.Context, videoID, owner string) (bool, error) {
	if _, err := r.tracks.GetTrack(ctx, videoID); err != nil {
		if errors.Is(err, store.ErrTrackNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := r.tracks.LinkOwner(ctx, videoID, owner); err != nil {
		return false, err
	}
	return true, nil
}

// processTrack fetches metadata and enriches one playlist item. Any failure,
// including a panic in a port, becomes an error-status track.
func (r *Runner) processTrack(ctx context.Context, item model.PlaylistTrack, tracker *UsageTracker) (track *model.Track) {
	track = newTrack(item)

	defer func() {
		if rec := recover(); rec != nil {
			markFailed(track, fmt.Sprintf("panic: %v", rec))
		}
	}()

	meta, err := r.catalog.GetTrackMetadata(ctx, item.VideoID)
	if err != nil {
		markFailed(track, fmt.Sprintf("failed to fetch metadata: %v", err))
		return track
	}
	applyMetadata(track, meta)

	if !meta.IsMusic {
		track.IsMusic = false
		track.Status = model.TrackStatusNonMusic
		return track
	}

	enrichment := r.enricher.Enrich(ctx, item.VideoID, track.Title, track.Artists)
	tracker.Add(enrichment.Usage)
	applyEnrichment(track, enrichment)
	return track
}

// newTrack seeds a track record from a playlist item.
func newTrack(item model.PlaylistTrack) *model.Track {
	now := time.Now().UTC()
	track := &model.Track{
		VideoID:     item.VideoID,
		Title:       item.Title,
		Artists:     model.JoinArtists(item.Artists),
		Thumbnails:  item.Thumbnails,
		Genres:      []string{},
		Moods:       []string{},
		Instruments: []string{},
		IsMusic:     true,
		URL:         model.WatchURL(item.VideoID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if item.Album != nil {
		track.Album = item.Album.Name
	}
	if track.Title == "" {
		track.Title = "Unknown"
	}
	return track
}

// applyMetadata fills gaps in track from the authoritative catalog lookup.
func applyMetadata(track *model.Track, meta *model.TrackMetadata) {
	if track.Artists == "" && len(meta.Artists) > 0 {
		track.Artists = model.JoinArtists(meta.Artists)
	}
	if meta.Album != nil && meta.Album.Name != "" {
		track.Album = meta.Album.Name
	}
	if meta.Year != "" {
		track.Year = meta.Year
	}
	if len(meta.Thumbnails) > 0 {
		track.Thumbnails = meta.Thumbnails
	}
}

func applyEnrichment(track *model.Track, e model.Enrichment) {
	track.IsMusic = true
	if e.Error != "" {
		markFailed(track, e.Error)
		return
	}
	track.Genres = nonNil(e.Genres)
	track.Moods = nonNil(e.Moods)
	track.Instruments = nonNil(e.Instruments)
	track.BPM = e.BPM
	track.Status = model.TrackStatusSuccess
	track.ErrorMessage = ""
}

func markFailed(track *model.Track, msg string) {
	track.Status = model.TrackStatusError
	track.ErrorMessage = msg
	track.Genres = []string{}
	track.Moods = []string{}
	track.Instruments = []string{}
	track.BPM = nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
