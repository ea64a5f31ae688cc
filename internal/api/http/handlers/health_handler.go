package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/inspect-session/internal/persistence"
)

// Pinger reports whether the API origin answers.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// HealthHandler responds to liveness and readiness probes.
type HealthHandler struct {
	serviceName string
	version     string
	area        persistence.Area
	api         Pinger
}

// NewHealthHandler returns a new handler instance.
func NewHealthHandler(serviceName, version string, area persistence.Area, api Pinger) *HealthHandler {
	return &HealthHandler{serviceName: serviceName, version: version, area: area, api: api}
}

// Live reports process liveness.
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "alive",
		"service": h.serviceName,
		"version": h.version,
	})
}

// Ready reports readiness by checking the shared storage and the API origin.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	depStatus := fiber.Map{}
	ready := true

	if _, _, err := h.area.Get(ctx, "health"); err != nil {
		depStatus["storage"] = err.Error()
		ready = false
	} else {
		depStatus["storage"] = "ok"
	}

	if err := h.api.Ping(ctx, 2*time.Second); err != nil {
		depStatus["api"] = err.Error()
		ready = false
	} else {
		depStatus["api"] = "ok"
	}

	if ready {
		return c.JSON(fiber.Map{
			"status":       "ready",
			"dependencies": depStatus,
		})
	}

	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "DEPENDENCY_UNAVAILABLE",
			"message": "one or more dependencies unavailable",
			"details": depStatus,
		},
	})
}
