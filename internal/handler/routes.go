package handler

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/amura2406/songshake/internal/middleware"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/service"
	ws "github.com/amura2406/songshake/internal/websocket"
	"github.com/amura2406/songshake/pkg/response"
)

// Routes bundles everything RegisterRoutes mounts.
type Routes struct {
	Health      *HealthHandler
	Jobs        *JobHandler
	Streams     *StreamHandler
	Tracks      *TrackHandler
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	JobsPerHour int

	// Hub and JobService enable /ws/jobs/:jobId when both are set.
	Hub        *ws.Hub
	JobService *service.JobService
}

const localsInitialJob = "initialJob"

// RegisterRoutes mounts the HTTP and WebSocket surface on app.
func RegisterRoutes(app *fiber.App, r Routes) {
	app.Get("/health", r.Health.Health)

	api := app.Group("/api", r.Auth.Authenticate())

	// Fixed paths before /:jobId so "ai-usage" is never taken for a job id.
	jobs := api.Group("/jobs")
	jobs.Post("/", r.RateLimiter.JobsLimit(r.JobsPerHour), r.Jobs.Create)
	jobs.Get("/", r.Jobs.List)
	jobs.Get("/ai-usage", r.Jobs.Usage)
	jobs.Get("/ai-usage/stream", r.Streams.Usage)
	jobs.Get("/:jobId", r.Jobs.Get)
	jobs.Post("/:jobId/cancel", r.Jobs.Cancel)
	jobs.Get("/:jobId/stream", r.Streams.Job)

	api.Get("/tracks", r.Tracks.List)
	api.Get("/tags", r.Tracks.Tags)
	api.Get("/playlists", r.Jobs.Playlists)

	if r.Hub == nil || r.JobService == nil {
		return
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", r.Auth.Authenticate(), func(c *fiber.Ctx) error {
		job, err := r.JobService.Snapshot(c.Context(), middleware.GetOwner(c), c.Params("jobId"))
		if err != nil {
			if errors.Is(err, service.ErrJobNotFound) {
				return response.NotFound(c, "Job not found")
			}
			return response.ServiceError(c, "Failed to load job")
		}
		c.Locals(localsInitialJob, job)
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		initial, _ := c.Locals(localsInitialJob).(*model.Job)
		r.Hub.HandleConnection(c, c.Params("jobId"), initial)
	}))
}
