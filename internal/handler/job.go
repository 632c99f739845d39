package handler

import (
	"errors"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/amura2406/songshake/internal/middleware"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/service"
	"github.com/amura2406/songshake/pkg/response"
)

type JobHandler struct {
	jobs      *service.JobService
	usage     *service.UsageService
	validator *validator.Validate
	logger    *log.Logger
}

func NewJobHandler(jobs *service.JobService, usage *service.UsageService, v *validator.Validate, logger *log.Logger) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		usage:     usage,
		validator: v,
		logger:    logger,
	}
}

// Create handles POST /api/jobs
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.jobs.CreateJob(c.Context(), middleware.GetOwner(c), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEnrichmentUnavailable):
			return response.ValidationError(c, "Enrichment is not configured: missing AI API key", nil)
		case errors.Is(err, service.ErrJobConflict):
			return response.Conflict(c, "An active job already exists for this playlist")
		}
		h.logger.Error("failed to create job", "err", err)
		return response.ServiceError(c, "Failed to create job")
	}

	return response.Created(c, job)
}

// List handles GET /api/jobs?status=active|history|all
func (h *JobHandler) List(c *fiber.Ctx) error {
	scope := model.JobScope(c.Query("status", string(model.JobScopeAll)))
	switch scope {
	case model.JobScopeActive, model.JobScopeHistory, model.JobScopeAll:
	default:
		return response.ValidationError(c, "Invalid status filter", fiber.Map{"status": "oneof=active history all"})
	}

	list, err := h.jobs.ListJobs(c.Context(), middleware.GetOwner(c), scope)
	if err != nil {
		h.logger.Error("failed to list jobs", "err", err)
		return response.ServiceError(c, "Failed to list jobs")
	}

	switch scope {
	case model.JobScopeActive:
		return response.OK(c, list.Active)
	case model.JobScopeHistory:
		return response.OK(c, list.History)
	}
	return response.OK(c, list)
}

// Get handles GET /api/jobs/:jobId
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.jobs.GetJob(c.Context(), middleware.GetOwner(c), c.Params("jobId"))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, job)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.jobs.CancelJob(c.Context(), middleware.GetOwner(c), c.Params("jobId"))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// Usage handles GET /api/jobs/ai-usage
func (h *JobHandler) Usage(c *fiber.Ctx) error {
	usage, err := h.usage.Get(c.Context(), middleware.GetOwner(c))
	if err != nil {
		h.logger.Error("failed to get usage", "err", err)
		return response.ServiceError(c, "Failed to get AI usage")
	}
	return response.OK(c, usage)
}

// Playlists handles GET /api/playlists
func (h *JobHandler) Playlists(c *fiber.Ctx) error {
	playlists, err := h.jobs.ListPlaylists(c.Context(), middleware.GetOwner(c))
	if err != nil {
		h.logger.Error("failed to list playlists", "err", err)
		return response.ServiceError(c, "Failed to list playlists")
	}
	return response.OK(c, playlists)
}

func (h *JobHandler) jobError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrJobFinished):
		return response.Conflict(c, "Job already finished")
	}
	h.logger.Error("job request failed", "job_id", c.Params("jobId"), "err", err)
	return response.ServiceError(c, "Job request failed")
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
