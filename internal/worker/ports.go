// Package worker executes jobs: the enrichment pipeline over a playlist,
// the retry pass over failed tracks, and the asynq glue that runs either.
package worker

import (
	"context"
	"errors"

	"github.com/amura2406/songshake/internal/model"
)

// ErrCancelled is returned when a job stops at a track boundary because its
// cancellation signal fired. It is distinct from a job failure.
var ErrCancelled = errors.New("job cancelled")

// Catalog is the music-catalog port.
type Catalog interface {
	GetTracks(ctx context.Context, playlistID string) ([]model.PlaylistTrack, error)
	GetTrackMetadata(ctx context.Context, videoID string) (*model.TrackMetadata, error)
	// SearchAlternate returns "" when nothing matches.
	SearchAlternate(ctx context.Context, title, artist string) (string, error)
}

// Enricher is the AI classification port. Failures come back in
// Enrichment.Error.
type Enricher interface {
	Enrich(ctx context.Context, videoID, title, artist string) model.Enrichment
	IsConfigured() bool
}

// Tick is one progress report. Usage is cumulative for the job so far.
// Track is set when the tick reports a finished track.
type Tick struct {
	Current int
	Total   int
	Message string
	Usage   model.Usage
	Track   *model.Track
}

// ProgressFunc receives ticks in order on the worker goroutine.
type ProgressFunc func(Tick)

// Result summarizes a finished run.
type Result struct {
	// Tracks holds every track enriched or retried by this run. Cached
	// tracks that were only re-linked are not included.
	Tracks []*model.Track
	// Usage covers this run only, excluding usage of earlier attempts.
	Usage     model.Usage
	Succeeded int
	Failed    int
}

// checkStop is called at every track boundary. A fired signal yields
// ErrCancelled; a done context (process shutdown) yields its error.
func checkStop(ctx context.Context, stop <-chan struct{}) error {
	select {
	case <-stop:
		return ErrCancelled
	default:
	}
	return ctx.Err()
}
