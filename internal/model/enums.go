package model

// Job status
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// Job types
type JobType string

const (
	JobTypeEnrichment JobType = "enrichment"
	JobTypeRetry      JobType = "retry"
)

// Track status
type TrackStatus string

const (
	TrackStatusSuccess  TrackStatus = "success"
	TrackStatusError    TrackStatus = "error"
	TrackStatusNonMusic TrackStatus = "non-music"
)

// Tag types
type TagType string

const (
	TagTypeStatus     TagType = "status"
	TagTypeGenre      TagType = "genre"
	TagTypeMood       TagType = "mood"
	TagTypeInstrument TagType = "instrument"
)

// Pseudo-tags matching every track by enrichment outcome.
const (
	TagSuccess = "Success"
	TagFailed  = "Failed"
)

// List scopes
type JobScope string

const (
	JobScopeActive  JobScope = "active"
	JobScopeHistory JobScope = "history"
	JobScopeAll     JobScope = "all"
)
