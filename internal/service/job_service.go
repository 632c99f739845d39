package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/amura2406/songshake/internal/live"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/store"
	"github.com/amura2406/songshake/internal/worker"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrJobConflict           = errors.New("an active job already exists for this playlist")
	ErrJobFinished           = errors.New("job already finished")
	ErrEnrichmentUnavailable = errors.New("enrichment is not configured")
)

// Dispatcher schedules a created job for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *model.Job) error
}

// Broadcaster pushes job snapshots to connected clients.
type Broadcaster interface {
	BroadcastJob(job *model.Job)
}

// JobRepository is the slice of the store the controller needs.
type JobRepository interface {
	store.JobStore
	store.HistoryStore
}

// JobServiceConfig tunes persistence cadence and listing.
type JobServiceConfig struct {
	// FlushEvery persists every Nth tick in addition to the first and last.
	FlushEvery   int
	HistoryLimit int
}

// JobService owns job admission, execution, cancellation and listing.
type JobService struct {
	repo        JobRepository
	registry    *live.Registry
	usage       *UsageService
	runner      *worker.Runner
	retry       *worker.RetryEngine
	enricher    worker.Enricher
	dispatcher  Dispatcher
	broadcaster Broadcaster
	cfg         JobServiceConfig
	logger      *log.Logger
}

// NewJobService creates a new job service. A dispatcher must be attached
// with SetDispatcher before jobs are created.
func NewJobService(
	repo JobRepository,
	registry *live.Registry,
	usage *UsageService,
	runner *worker.Runner,
	retry *worker.RetryEngine,
	enricher worker.Enricher,
	cfg JobServiceConfig,
	logger *log.Logger,
) *JobService {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5
	}
	return &JobService{
		repo:     repo,
		registry: registry,
		usage:    usage,
		runner:   runner,
		retry:    retry,
		enricher: enricher,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetDispatcher attaches the scheduler used by CreateJob
func (s *JobService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetBroadcaster attaches the push channel for progress snapshots
func (s *JobService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// EnrichmentConfigured reports whether jobs can be created at all.
func (s *JobService) EnrichmentConfigured() bool {
	return s.enricher != nil && s.enricher.IsConfigured()
}

// newJobID returns job_{playlistId}_{8 hex chars}.
func newJobID(playlistID string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("job_%s_%s", playlistID, suffix)
}

// CreateJob admits a new job for owner and schedules it. It fails with
// ErrJobConflict when a pending or running job exists for the same
// playlist, leaving no state behind.
func (s *JobService) CreateJob(ctx context.Context, owner string, req *model.CreateJobRequest) (*model.Job, error) {
	if !s.EnrichmentConfigured() {
		return nil, ErrEnrichmentUnavailable
	}

	jobType := req.Type
	if jobType == "" {
		jobType = model.JobTypeEnrichment
	}

	playlistID, name := req.PlaylistID, req.PlaylistName
	if jobType == model.JobTypeRetry {
		playlistID = model.RetryPlaylistID
		if name == "" {
			name = "Retry failed tracks"
		}
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:           newJobID(playlistID),
		Type:         jobType,
		PlaylistID:   playlistID,
		PlaylistName: name,
		Owner:        owner,
		Status:       model.JobStatusPending,
		Message:      model.MessageInitializing,
		Errors:       []model.JobError{},
		FullRescan:   req.FullRescan,
		VideoIDs:     req.VideoIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := s.repo.CheckAndCreateJob(ctx, job)
	if err != nil {
		if errors.Is(err, store.ErrActiveJobExists) {
			return nil, ErrJobConflict
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, created); err != nil {
		s.logger.Error("failed to dispatch job", "job_id", created.ID, "err", err)
		s.finalize(context.WithoutCancel(ctx), created, nil, fmt.Errorf("failed to schedule job: %w", err))
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}

	s.logger.Info("job created", "job_id", created.ID, "type", created.Type, "playlist_id", playlistID, "owner", owner)
	return created.Clone(), nil
}

// Execute runs a persisted job to a terminal status on the calling
// goroutine. The live snapshot and cancellation signal exist only while
// Execute runs, on the instance running it. Job-level outcomes, including
// failures of the run itself, are recorded on the job and reported as nil;
// only a job that cannot be loaded yields an error.
func (s *JobService) Execute(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	logger := s.logger.With("job_id", jobID)
	if job.Status.IsTerminal() {
		logger.Info("job already finished, skipping", "status", job.Status)
		return nil
	}

	stop := s.registry.Arm(jobID)
	if _, ok := s.registry.Get(jobID); !ok {
		s.registry.Put(job)
	}

	running, _, ok := s.registry.Update(jobID, func(j *model.Job) {
		j.Status = model.JobStatusRunning
		j.UpdatedAt = time.Now().UTC()
	})
	if !ok {
		running = job.Clone()
		running.Status = model.JobStatusRunning
	}
	if err := s.repo.UpdateJob(ctx, running); err != nil {
		if errors.Is(err, store.ErrJobFinished) {
			logger.Info("job finished before it started")
			s.registry.Disarm(jobID)
			s.registry.Remove(jobID)
			return nil
		}
		logger.Error("failed to mark job running", "err", err)
	}
	logger.Info("job started", "type", job.Type, "playlist_id", job.PlaylistID)

	s.usage.Prime(ctx, job.Owner)

	// A re-delivered job keeps the usage its earlier attempts recorded;
	// this run's usage is added on top.
	result, runErr := s.run(ctx, job, running.AIUsage, stop)
	s.finalize(context.WithoutCancel(ctx), job, result, runErr)
	return nil
}

// run dispatches to the runner for the job type. A panic escaping the
// runner is converted into the job's fatal error.
func (s *JobService) run(ctx context.Context, job *model.Job, baseline model.Usage, stop <-chan struct{}) (result *worker.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("unexpected failure: %v", rec)
		}
	}()

	progress := s.onTick(ctx, job.ID, job.Owner, baseline)

	switch job.Type {
	case model.JobTypeRetry:
		result, err = s.retry.Run(ctx, worker.RetryRequest{
			JobID:    job.ID,
			Owner:    job.Owner,
			VideoIDs: job.VideoIDs,
		}, stop, progress)
	default:
		result, err = s.runner.Run(ctx, worker.RunRequest{
			JobID:      job.ID,
			PlaylistID: job.PlaylistID,
			Owner:      job.Owner,
			FullRescan: job.FullRescan,
		}, stop, progress)
	}
	return result, err
}

// onTick returns the progress callback for one job. Every tick updates the
// live snapshot and feeds the usage accountant; the store is written on
// the first tick, the last tick and every FlushEvery-th tick. Tick usage
// is cumulative for the run and is added to baseline, the job's usage
// when the run started.
func (s *JobService) onTick(ctx context.Context, jobID, owner string, baseline model.Usage) worker.ProgressFunc {
	return func(tick worker.Tick) {
		snapshot, delta, ok := s.registry.Update(jobID, func(j *model.Job) {
			j.Status = model.JobStatusRunning
			j.Current = tick.Current
			j.Total = tick.Total
			j.Message = tick.Message
			j.AIUsage = baseline.Add(tick.Usage)
			j.UpdatedAt = time.Now().UTC()
			if tick.Track != nil && tick.Track.Status == model.TrackStatusError {
				j.Errors = append(j.Errors, model.JobError{
					TrackTitle: tick.Track.Title,
					TrackID:    tick.Track.VideoID,
					Message:    tick.Track.ErrorMessage,
				})
			}
		})
		if !ok {
			return
		}

		s.usage.Record(ctx, owner, delta)

		if s.shouldFlush(tick) {
			if err := s.repo.UpdateJob(ctx, snapshot); err != nil {
				if errors.Is(err, store.ErrJobFinished) {
					// Finished elsewhere, e.g. marked orphaned by another instance.
					s.registry.Cancel(jobID)
				} else {
					s.logger.Error("failed to flush job progress", "job_id", jobID, "err", err)
				}
			}
		}

		s.broadcast(snapshot)
	}
}

func (s *JobService) shouldFlush(tick worker.Tick) bool {
	return tick.Current == 0 || tick.Current == tick.Total || tick.Current%s.cfg.FlushEvery == 0
}

// finalize writes the terminal status, appends the audit entry and drops
// the live state. The signal is disarmed once the live snapshot is
// terminal and before the store write, so a concurrent cancel sees the job
// as finished. The live entry is removed only after the store write so
// stream readers falling back to the store see the terminal snapshot.
func (s *JobService) finalize(ctx context.Context, job *model.Job, result *worker.Result, runErr error) {
	if result == nil {
		result = &worker.Result{}
	}
	processed := len(result.Tracks)

	status := model.JobStatusCompleted
	message := model.MessageEnrichmentDone
	if job.Type == model.JobTypeRetry {
		message = model.MessageRetryDone
	}

	switch {
	case errors.Is(runErr, worker.ErrCancelled):
		status = model.JobStatusCancelled
		message = model.MessageCancelledByUser
	case runErr != nil:
		status = model.JobStatusError
		message = runErr.Error()
	}

	apply := func(j *model.Job) {
		j.Status = status
		j.Message = message
		j.UpdatedAt = time.Now().UTC()
		if status == model.JobStatusError {
			j.Errors = append(j.Errors, model.JobError{Message: message})
		}
	}

	final, _, ok := s.registry.Update(job.ID, apply)
	if !ok {
		final = job.Clone()
		apply(final)
	}
	s.registry.Disarm(job.ID)

	if err := s.repo.UpdateJob(ctx, final); err != nil {
		if errors.Is(err, store.ErrJobFinished) {
			s.logger.Warn("job was finished elsewhere, keeping stored status", "job_id", job.ID)
		} else {
			s.logger.Error("failed to persist final job state", "job_id", job.ID, "err", err)
		}
	}

	entry := &model.HistoryEntry{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		PlaylistID: job.PlaylistID,
		Owner:      job.Owner,
		Timestamp:  time.Now().UTC(),
		ItemCount:  processed,
		Status:     status,
	}
	if status == model.JobStatusError {
		entry.Error = message
	}
	if err := s.repo.AppendHistory(ctx, entry); err != nil {
		s.logger.Warn("failed to save enrichment history", "job_id", job.ID, "err", err)
	}

	s.registry.Remove(job.ID)
	s.broadcast(final)

	s.logger.Info("job finalized",
		"job_id", job.ID,
		"status", status,
		"processed", processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"errors", len(final.Errors),
		"run_tokens", result.Usage.Tokens(),
		"run_cost", result.Usage.Cost,
		"tokens", final.AIUsage.Tokens(),
		"cost", final.AIUsage.Cost,
	)
}

func (s *JobService) broadcast(job *model.Job) {
	if s.broadcaster != nil {
		s.broadcaster.BroadcastJob(job)
	}
}

// CancelJob requests cooperative cancellation of a job executing in this
// process. A job that is non-terminal in the store but has no worker in
// this process, whether orphaned or not yet started, is marked as failed
// on the spot; a worker picking it up later finds it finished.
func (s *JobService) CancelJob(ctx context.Context, owner, jobID string) (*model.CancelJobResponse, error) {
	job, err := s.lookup(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}

	if s.registry.Cancel(jobID) {
		s.logger.Info("cancellation requested", "job_id", jobID)
		return &model.CancelJobResponse{JobID: jobID, Message: model.MessageCancelRequested}, nil
	}
	if snapshot, ok := s.registry.Get(jobID); ok && snapshot.Status.IsTerminal() {
		// Finalizing on this instance.
		return nil, ErrJobFinished
	}

	// Authoritative read: no live worker owns this job.
	job, err = s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.IsTerminal() {
		return nil, ErrJobFinished
	}

	job.Status = model.JobStatusError
	job.Message = model.MessageOrphaned
	job.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrJobFinished) {
			return nil, ErrJobFinished
		}
		return nil, fmt.Errorf("failed to mark orphaned job: %w", err)
	}

	if err := s.repo.AppendHistory(ctx, &model.HistoryEntry{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		PlaylistID: job.PlaylistID,
		Owner:      job.Owner,
		Timestamp:  job.UpdatedAt,
		ItemCount:  job.Current,
		Status:     job.Status,
		Error:      job.Message,
	}); err != nil {
		s.logger.Warn("failed to save enrichment history", "job_id", job.ID, "err", err)
	}

	s.registry.Remove(jobID)
	s.logger.Warn("orphaned job marked as failed", "job_id", jobID)
	return &model.CancelJobResponse{JobID: jobID, Message: model.MessageOrphanMarked}, nil
}

// lookup finds a job owned by owner, live snapshot first.
func (s *JobService) lookup(ctx context.Context, owner, jobID string) (*model.Job, error) {
	job, ok := s.registry.Get(jobID)
	if !ok {
		var err error
		job, err = s.repo.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				return nil, ErrJobNotFound
			}
			return nil, fmt.Errorf("failed to load job: %w", err)
		}
	}
	if job.Owner != owner {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// GetJob returns the stored job with the live snapshot overlaid while the
// stored record is still non-terminal.
func (s *JobService) GetJob(ctx context.Context, owner, jobID string) (*model.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Owner != owner {
		return nil, ErrJobNotFound
	}
	return s.overlay(job), nil
}

// Snapshot is the fast read used by progress streams: the live snapshot
// when this process runs the job, otherwise the stored record.
func (s *JobService) Snapshot(ctx context.Context, owner, jobID string) (*model.Job, error) {
	return s.lookup(ctx, owner, jobID)
}

// overlay prefers the live snapshot unless the store already holds a
// terminal status.
func (s *JobService) overlay(stored *model.Job) *model.Job {
	if stored.Status.IsTerminal() {
		return stored
	}
	if snapshot, ok := s.registry.Get(stored.ID); ok {
		return snapshot
	}
	return stored
}

// ListJobs returns the owner's jobs for scope. Active jobs carry live
// progress; history is authoritative, newest first.
func (s *JobService) ListJobs(ctx context.Context, owner string, scope model.JobScope) (*model.JobList, error) {
	list := &model.JobList{Active: []*model.Job{}, History: []*model.Job{}}

	if scope == model.JobScopeActive || scope == model.JobScopeAll {
		active, err := s.repo.ListActiveJobs(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("failed to list active jobs: %w", err)
		}
		for _, job := range active {
			list.Active = append(list.Active, s.overlay(job))
		}
	}

	if scope == model.JobScopeHistory || scope == model.JobScopeAll {
		history, err := s.repo.ListJobHistory(ctx, owner, s.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list job history: %w", err)
		}
		list.History = append(list.History, history...)
	}

	return list, nil
}

// ListPlaylists returns the enrichment state of every playlist the owner
// has run jobs for: the latest audit entry and the job in flight, if any.
// Retry runs are not tied to a playlist and are left out. Playlists with a
// job in flight come first, the rest follow by most recent run.
func (s *JobService) ListPlaylists(ctx context.Context, owner string) ([]*model.PlaylistStatus, error) {
	entries, err := s.repo.ListHistory(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrichment history: %w", err)
	}
	active, err := s.repo.ListActiveJobs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	finished, err := s.repo.ListJobHistory(ctx, owner, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}

	names := make(map[string]string)
	for _, job := range finished {
		if _, ok := names[job.PlaylistID]; !ok && job.PlaylistName != "" {
			names[job.PlaylistID] = job.PlaylistName
		}
	}

	byID := make(map[string]*model.PlaylistStatus)
	var statuses []*model.PlaylistStatus
	get := func(playlistID string) *model.PlaylistStatus {
		if ps, ok := byID[playlistID]; ok {
			return ps
		}
		ps := &model.PlaylistStatus{PlaylistID: playlistID, PlaylistName: names[playlistID]}
		byID[playlistID] = ps
		statuses = append(statuses, ps)
		return ps
	}

	for _, job := range active {
		if job.PlaylistID == model.RetryPlaylistID {
			continue
		}
		ps := get(job.PlaylistID)
		ps.IsRunning = true
		ps.ActiveJobID = job.ID
		if job.PlaylistName != "" {
			ps.PlaylistName = job.PlaylistName
		}
	}

	// Entries are newest first, so the first one seen per playlist wins.
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.PlaylistID == model.RetryPlaylistID || seen[entry.PlaylistID] {
			continue
		}
		seen[entry.PlaylistID] = true

		ps := get(entry.PlaylistID)
		processed := entry.Timestamp
		ps.LastProcessed = &processed
		ps.LastStatus = entry.Status
		ps.LastError = entry.Error
		ps.ItemCount = entry.ItemCount
	}

	if statuses == nil {
		statuses = []*model.PlaylistStatus{}
	}
	return statuses, nil
}
