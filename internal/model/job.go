package model

import "time"

// RetryPlaylistID is the admission key used by retry jobs, so an owner
// has at most one retry job in flight.
const RetryPlaylistID = "retry"

// Job messages
const (
	MessageInitializing    = "Initializing..."
	MessageEnrichmentDone  = "Enrichment complete"
	MessageRetryDone       = "Retry complete"
	MessageCancelledByUser = "Cancelled by user"
	MessageOrphaned        = "Cancelled (job was orphaned after server restart)"
	MessageCancelRequested = "Cancellation requested"
	MessageOrphanMarked    = "Orphaned job marked as failed"
)

// Job is the lifecycle record of one enrichment or retry run.
type Job struct {
	ID           string     `json:"id"`
	Type         JobType    `json:"type"`
	PlaylistID   string     `json:"playlistId"`
	PlaylistName string     `json:"playlistName"`
	Owner        string     `json:"owner"`
	Status       JobStatus  `json:"status"`
	Total        int        `json:"total"`
	Current      int        `json:"current"`
	Message      string     `json:"message"`
	Errors       []JobError `json:"errors"`
	AIUsage      Usage      `json:"aiUsage"`
	FullRescan   bool       `json:"fullRescan,omitempty"`
	VideoIDs     []string   `json:"videoIds,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// JobError is one per-track failure recorded on a job.
type JobError struct {
	TrackTitle string `json:"trackTitle"`
	TrackID    string `json:"trackId"`
	Message    string `json:"message"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Errors = append([]JobError(nil), j.Errors...)
	c.VideoIDs = append([]string(nil), j.VideoIDs...)
	if c.Errors == nil {
		c.Errors = []JobError{}
	}
	return &c
}

// HistoryEntry is the append-only audit record written when a job finishes.
type HistoryEntry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	PlaylistID string    `json:"playlistId"`
	Owner      string    `json:"owner"`
	Timestamp  time.Time `json:"timestamp"`
	ItemCount  int       `json:"itemCount"`
	Status     JobStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// JobList is the response of listing with the "all" scope.
type JobList struct {
	Active  []*Job `json:"active"`
	History []*Job `json:"history"`
}

// CreateJobRequest is the body of POST /api/jobs.
type CreateJobRequest struct {
	PlaylistID   string   `json:"playlistId" validate:"required_unless=Type retry,max=128"`
	PlaylistName string   `json:"playlistName" validate:"max=256"`
	Type         JobType  `json:"type" validate:"omitempty,oneof=enrichment retry"`
	FullRescan   bool     `json:"fullRescan"`
	VideoIDs     []string `json:"videoIds" validate:"omitempty,dive,required"`
}

// CancelJobResponse is returned by POST /api/jobs/:jobId/cancel.
type CancelJobResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}
