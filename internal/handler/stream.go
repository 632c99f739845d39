package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/amura2406/songshake/internal/middleware"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/service"
	"github.com/amura2406/songshake/pkg/response"
)

// StreamHandler serves server-sent event streams. The request context is
// recycled by fasthttp once the handler returns, so stream writers use
// their own background context.
type StreamHandler struct {
	jobs      *service.JobService
	usage     *service.UsageService
	jobPoll   time.Duration
	usagePoll time.Duration
	keepAlive time.Duration
	logger    *log.Logger
}

func NewStreamHandler(jobs *service.JobService, usage *service.UsageService, jobPoll, usagePoll time.Duration, logger *log.Logger) *StreamHandler {
	if jobPoll <= 0 {
		jobPoll = 500 * time.Millisecond
	}
	if usagePoll <= 0 {
		usagePoll = time.Second
	}
	return &StreamHandler{
		jobs:      jobs,
		usage:     usage,
		jobPoll:   jobPoll,
		usagePoll: usagePoll,
		keepAlive: 15 * time.Second,
		logger:    logger,
	}
}

// Job handles GET /api/jobs/:jobId/stream. Snapshots are pushed every poll
// interval until one with a terminal status has been sent.
func (h *StreamHandler) Job(c *fiber.Ctx) error {
	owner, jobID := middleware.GetOwner(c), c.Params("jobId")

	first, err := h.jobs.Snapshot(c.Context(), owner, jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		h.logger.Error("failed to load job for stream", "job_id", jobID, "err", err)
		return response.ServiceError(c, "Failed to load job")
	}

	setStreamHeaders(c)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		h.streamJob(context.Background(), w, owner, first)
	}))
	return nil
}

func (h *StreamHandler) streamJob(ctx context.Context, w *bufio.Writer, owner string, job *model.Job) {
	ticker := time.NewTicker(h.jobPoll)
	defer ticker.Stop()

	for {
		if err := writeEvent(w, job); err != nil {
			h.logger.Debug("job stream closed by client", "job_id", job.ID)
			return
		}
		if job.Status.IsTerminal() {
			return
		}

		<-ticker.C
		next, err := h.jobs.Snapshot(ctx, owner, job.ID)
		if err != nil {
			h.logger.Warn("job stream lost its job", "job_id", job.ID, "err", err)
			return
		}
		job = next
	}
}

// Usage handles GET /api/jobs/ai-usage/stream. The authoritative usage is
// polled and pushed only when it changed.
func (h *StreamHandler) Usage(c *fiber.Ctx) error {
	owner := middleware.GetOwner(c)

	setStreamHeaders(c)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		h.streamUsage(context.Background(), w, owner)
	}))
	return nil
}

func (h *StreamHandler) streamUsage(ctx context.Context, w *bufio.Writer, owner string) {
	ticker := time.NewTicker(h.usagePoll)
	defer ticker.Stop()

	var last []byte
	lastWrite := time.Now()
	for {
		usage, err := h.usage.Get(ctx, owner)
		if err != nil {
			h.logger.Warn("usage stream read failed", "owner", owner, "err", err)
		} else {
			// UpdatedAt moves on every increment; compare counters only.
			data, err := json.Marshal(usage.Usage)
			if err == nil && !bytes.Equal(data, last) {
				if err := writeEvent(w, usage); err != nil {
					return
				}
				last = data
				lastWrite = time.Now()
			}
		}

		// An idle stream only notices a departed client when it writes.
		if time.Since(lastWrite) >= h.keepAlive {
			if err := writeComment(w, "keep-alive"); err != nil {
				return
			}
			lastWrite = time.Now()
		}
		<-ticker.C
	}
}

func setStreamHeaders(c *fiber.Ctx) {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set(fiber.HeaderTransferEncoding, "chunked")
}

// writeEvent writes one SSE data frame and flushes it. A flush error means
// the client went away.
func writeEvent(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

func writeComment(w *bufio.Writer, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return err
	}
	return w.Flush()
}
