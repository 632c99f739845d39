package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amura2406/songshake/internal/logging"
	"github.com/amura2406/songshake/internal/model"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(logging.Discard())
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, client *Client) model.WSJobMessage {
	t.Helper()
	select {
	case data := <-client.Send:
		var msg model.WSJobMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return model.WSJobMessage{}
}

func TestHub_BroadcastJob(t *testing.T) {
	hub := startHub(t)

	watcher := &Client{JobID: "job_a", Send: make(chan []byte, 8)}
	other := &Client{JobID: "job_b", Send: make(chan []byte, 8)}
	hub.Register(watcher)
	hub.Register(other)
	require.Eventually(t, func() bool { return hub.Subscribers("job_a") == 1 }, time.Second, time.Millisecond)

	tests := []struct {
		status model.JobStatus
		want   string
	}{
		{model.JobStatusRunning, model.WSMessageTypeProgress},
		{model.JobStatusCompleted, model.WSMessageTypeComplete},
		{model.JobStatusCancelled, model.WSMessageTypeComplete},
		{model.JobStatusError, model.WSMessageTypeError},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			hub.BroadcastJob(&model.Job{ID: "job_a", Status: tt.status, Current: 3, Total: 10})

			msg := receive(t, watcher)
			assert.Equal(t, tt.want, msg.Type)
			assert.Equal(t, "job_a", msg.JobID)
			require.NotNil(t, msg.Job)
			assert.Equal(t, 3, msg.Job.Current)
		})
	}

	assert.Empty(t, other.Send, "subscribers of other jobs get nothing")
}

func TestHub_Unregister(t *testing.T) {
	hub := startHub(t)

	client := &Client{JobID: "job_a", Send: make(chan []byte, 1)}
	hub.Register(client)
	hub.Unregister(client)

	_, open := <-client.Send
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers("job_a"))

	// Nil snapshots and unknown jobs are ignored.
	hub.BroadcastJob(nil)
	hub.BroadcastJob(&model.Job{ID: "job_a", Status: model.JobStatusRunning})
}

func TestHub_Stopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logging.Discard())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	client := &Client{JobID: "job_a", Send: make(chan []byte, 1)}
	require.True(t, hub.Register(client))

	cancel()
	<-stopped

	_, open := <-client.Send
	assert.False(t, open, "open clients are closed when the hub stops")

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Unregister(client)
		assert.False(t, hub.Register(&Client{JobID: "job_b", Send: make(chan []byte, 1)}))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("register or unregister blocked after the hub stopped")
	}
}
