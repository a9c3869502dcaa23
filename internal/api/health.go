package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/allanbatista/mu-core-server/internal/directory"
	"github.com/allanbatista/mu-core-server/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	Runtime   Runtime
	Directory *directory.Directory
	Postgres  Pinger
	Valkey    Pinger
}

// Health pings the backing stores and reports runtime liveness counters.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	overall := "ok"
	status := fiber.StatusOK

	pgStatus := "ok"
	if h.Postgres != nil {
		if err := h.Postgres.Ping(ctx); err != nil {
			pgStatus = "unavailable"
		}
	}
	vkStatus := "ok"
	if h.Valkey != nil {
		if err := h.Valkey.Ping(ctx); err != nil {
			vkStatus = "unavailable"
		}
	}
	if pgStatus != "ok" || vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":          overall,
		"postgres":        pgStatus,
		"valkey":          vkStatus,
		"active_sessions": h.Runtime.RuntimeStats().SessionCount,
		"online_worlds":   h.Directory.OnlineWorldCount(),
	})
}
