package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger reports whether the persistence backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store      Pinger
	enrichment func() bool
}

func NewHealthHandler(store Pinger, enrichment func() bool) *HealthHandler {
	return &HealthHandler{store: store, enrichment: enrichment}
}

// Health handles GET /health. It always answers 200; the body says which
// dependencies are usable.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	storeOK := h.store.Ping(ctx) == nil
	status := "ok"
	if !storeOK {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status":     status,
		"store":      storeOK,
		"enrichment": h.enrichment(),
	})
}
