package handler

import (
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/amura2406/songshake/internal/middleware"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/service"
	"github.com/amura2406/songshake/pkg/response"
)

const defaultTrackLimit = 50

type TrackHandler struct {
	tracks    *service.TrackService
	validator *validator.Validate
	logger    *log.Logger
}

func NewTrackHandler(tracks *service.TrackService, v *validator.Validate, logger *log.Logger) *TrackHandler {
	return &TrackHandler{tracks: tracks, validator: v, logger: logger}
}

// List handles GET /api/tracks?status=&tags=&min_bpm=&max_bpm=&skip=&limit=
func (h *TrackHandler) List(c *fiber.Ctx) error {
	var q model.ListTracksQuery
	if err := c.QueryParser(&q); err != nil {
		return response.ValidationError(c, "Invalid query parameters", nil)
	}
	if err := h.validator.Struct(&q); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	if q.MinBPM > 0 && q.MaxBPM > 0 && q.MinBPM > q.MaxBPM {
		return response.ValidationError(c, "Validation failed", fiber.Map{"min_bpm": "ltefield=max_bpm"})
	}

	filter := model.TrackFilter{
		Status: model.TrackStatus(q.Status),
		Tags:   splitTags(q.Tags),
		MinBPM: q.MinBPM,
		MaxBPM: q.MaxBPM,
		Skip:   q.Skip,
		Limit:  q.Limit,
	}
	if filter.Limit == 0 {
		filter.Limit = defaultTrackLimit
	}

	tracks, err := h.tracks.ListTracks(c.Context(), middleware.GetOwner(c), filter)
	if err != nil {
		h.logger.Error("failed to list tracks", "err", err)
		return response.ServiceError(c, "Failed to list tracks")
	}
	return response.OK(c, tracks)
}

// Tags handles GET /api/tags
func (h *TrackHandler) Tags(c *fiber.Ctx) error {
	tags, err := h.tracks.ListTags(c.Context(), middleware.GetOwner(c))
	if err != nil {
		h.logger.Error("failed to list tags", "err", err)
		return response.ServiceError(c, "Failed to list tags")
	}
	return response.OK(c, tags)
}

func splitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
