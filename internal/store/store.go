// Package store is the persistence layer: the system of record for jobs,
// tracks, per-owner AI usage and the enrichment audit history.
//
// Two adapters are provided, [RedisStore] and [SQLiteStore]. Both enforce
// the one-active-job-per-(playlist, owner) rule and usage increments with
// a primitive of the backend itself, never with an in-process lock.
package store

import (
	"context"
	"errors"

	"github.com/amura2406/songshake/internal/model"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrTrackNotFound   = errors.New("track not found")
	ErrActiveJobExists = errors.New("an active job already exists for this playlist")
	// ErrJobFinished is returned when a write targets a terminal job.
	ErrJobFinished     = errors.New("job already finished")
)

// JobStore persists job records.
type JobStore interface {
	// CheckAndCreateJob atomically inserts job unless a pending or running
	// job exists for the same (PlaylistID, Owner). It returns
	// ErrActiveJobExists in that case and writes nothing.
	CheckAndCreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// UpdateJob overwrites status, counters, message, errors and usage of a
	// pending or running job. Terminal jobs are immutable: ErrJobFinished.
	UpdateJob(ctx context.Context, job *model.Job) error
	ListActiveJobs(ctx context.Context, owner string) ([]*model.Job, error)
	// ListJobHistory returns terminal jobs, most recently updated first.
	ListJobHistory(ctx context.Context, owner string, limit int) ([]*model.Job, error)
}

// UsageStore persists cumulative per-owner AI usage.
type UsageStore interface {
	// IncrementUsage atomically adds delta to the owner's counters and
	// returns the resulting record.
	IncrementUsage(ctx context.Context, owner string, delta model.Usage) (*model.AIUsage, error)
	// GetUsage returns a zero record for owners with no usage yet.
	GetUsage(ctx context.Context, owner string) (*model.AIUsage, error)
}

// TrackStore persists the shared track catalog and ownership links.
type TrackStore interface {
	GetTrack(ctx context.Context, videoID string) (*model.Track, error)
	// SaveTrack upserts the track by VideoID and links it to owner.
	SaveTrack(ctx context.Context, track *model.Track, owner string) error
	LinkOwner(ctx context.Context, videoID, owner string) error
	// ListTracks lists the owner's linked tracks, optionally by status.
	ListTracks(ctx context.Context, owner string, status model.TrackStatus) ([]*model.Track, error)
}

// HistoryStore is the append-only enrichment audit log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry *model.HistoryEntry) error
	ListHistory(ctx context.Context, owner string) ([]*model.HistoryEntry, error)
}

// Store is the full persistence port.
type Store interface {
	JobStore
	UsageStore
	TrackStore
	HistoryStore
	Ping(ctx context.Context) error
	Close() error
}
