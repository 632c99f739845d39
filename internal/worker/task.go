package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"

	"github.com/amura2406/songshake/internal/model"
)

// Task types
const (
	TaskTypeJob = "songshake:job"

	QueueEnrichment = "enrichment"
)

// JobPayload is the asynq payload of a job task.
type JobPayload struct {
	JobID string `json:"jobId"`
}

// NewJobTask builds the task that runs jobID.
func NewJobTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeJob, data), nil
}

// Executor runs a persisted job to a terminal status.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// TaskHandler adapts an Executor to asynq.
type TaskHandler struct {
	executor Executor
	logger   *log.Logger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(executor Executor, logger *log.Logger) *TaskHandler {
	return &TaskHandler{
		executor: executor,
		logger:   logger,
	}
}

// ProcessTask handles job task processing
func (h *TaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}

	h.logger.Debug("job task received", "job_id", payload.JobID)
	return h.executor.Execute(ctx, payload.JobID)
}

// AsynqDispatcher schedules jobs on the enrichment queue.
type AsynqDispatcher struct {
	client *asynq.Client
}

// NewAsynqDispatcher creates a new dispatcher backed by client
func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

// Dispatch enqueues job. The task id is the job id so a job is never
// queued twice.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, job *model.Job) error {
	task, err := NewJobTask(job.ID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueEnrichment),
		asynq.TaskID(job.ID),
		asynq.MaxRetry(1),
		asynq.Timeout(6*time.Hour),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
