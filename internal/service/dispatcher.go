package service

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/worker"
)

// LocalDispatcher runs each job on its own goroutine in this process.
type LocalDispatcher struct {
	ctx      context.Context
	executor worker.Executor
	logger   *log.Logger
	wg       sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher whose jobs run under ctx rather
// than the request that created them.
func NewLocalDispatcher(ctx context.Context, executor worker.Executor, logger *log.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		ctx:      ctx,
		executor: executor,
		logger:   logger,
	}
}

// Dispatch starts the job and returns immediately.
func (d *LocalDispatcher) Dispatch(_ context.Context, job *model.Job) error {
	d.wg.Add(1)
	go func(jobID string) {
		defer d.wg.Done()
		if err := d.executor.Execute(d.ctx, jobID); err != nil {
			d.logger.Error("job execution failed", "job_id", jobID, "err", err)
		}
	}(job.ID)
	return nil
}

// Wait blocks until every dispatched job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
