package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amura2406/songshake/internal/logging"
)

type executorFunc func(ctx context.Context, jobID string) error

func (f executorFunc) Execute(ctx context.Context, jobID string) error { return f(ctx, jobID) }

func TestTaskHandler(t *testing.T) {
	t.Run("runs the job named by the payload", func(t *testing.T) {
		var got string
		h := NewTaskHandler(executorFunc(func(ctx context.Context, jobID string) error {
			got = jobID
			return nil
		}), logging.Discard())

		task, err := NewJobTask("job_PL1_abcd1234")
		require.NoError(t, err)
		assert.Equal(t, TaskTypeJob, task.Type())

		require.NoError(t, h.ProcessTask(context.Background(), task))
		assert.Equal(t, "job_PL1_abcd1234", got)
	})

	t.Run("bad payloads are not retried", func(t *testing.T) {
		h := NewTaskHandler(executorFunc(func(ctx context.Context, jobID string) error {
			t.Fatal("executor must not run")
			return nil
		}), logging.Discard())

		err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeJob, []byte("{")))
		assert.ErrorIs(t, err, asynq.SkipRetry)

		err = h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeJob, []byte(`{}`)))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("executor errors propagate", func(t *testing.T) {
		boom := errors.New("store unavailable")
		h := NewTaskHandler(executorFunc(func(ctx context.Context, jobID string) error {
			return boom
		}), logging.Discard())

		task, err := NewJobTask("j")
		require.NoError(t, err)
		assert.ErrorIs(t, h.ProcessTask(context.Background(), task), boom)
	})
}
