package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Pinger is an interface for health check ping operations.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	store Pinger
	coord Pinger
}

// NewHealthHandler creates a new HealthHandler over the event store pool
// and the coordinator client.
func NewHealthHandler(store, coord Pinger) *HealthHandler {
	return &HealthHandler{store: store, coord: coord}
}

// Check pings both external collaborators.
// Returns 200 OK with {"status": "healthy"} when both are reachable.
// Returns 503 Service Unavailable naming the failing dependency otherwise.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	if err := h.store.Ping(c.Context()); err != nil {
		log.Error().Err(err).Msg("health check failed: database unreachable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  "database connection failed",
		})
	}
	if err := h.coord.Ping(c.Context()); err != nil {
		log.Error().Err(err).Msg("health check failed: coordinator unreachable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  "coordinator connection failed",
		})
	}
	return c.JSON(fiber.Map{
		"status": "healthy",
	})
}
