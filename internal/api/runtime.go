package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/allanbatista/mu-core-server/internal/httputil"
)

// RuntimeHandler serves the supervisor's read-only telemetry snapshots.
type RuntimeHandler struct {
	Runtime Runtime
}

// Worlds handles GET /runtime/worlds.
func (h *RuntimeHandler) Worlds(c fiber.Ctx) error {
	return httputil.Success(c, h.Runtime.DirectorySnapshot())
}

// Maps handles GET /runtime/maps.
func (h *RuntimeHandler) Maps(c fiber.Ctx) error {
	stats := h.Runtime.MapStats()
	views := make([]fiber.Map, 0, len(stats))
	for _, s := range stats {
		views = append(views, fiber.Map{
			"world_id":      s.Route.WorldID,
			"entry_id":      s.Route.EntryID,
			"map_id":        s.Route.MapID,
			"instance_id":   s.Route.InstanceID,
			"player_count":  s.PlayerCount,
			"monster_count": s.MonsterCount,
			"tick":          s.Tick,
			"closed":        s.Closed,
		})
	}
	return httputil.Success(c, views)
}

// Persistence handles GET /runtime/persistence.
func (h *RuntimeHandler) Persistence(c fiber.Ctx) error {
	m := h.Runtime.PersistenceMetrics()
	return httputil.Success(c, fiber.Map{
		"queued":               m.Queued,
		"in_flight":            m.InFlight,
		"coalesced":            m.Coalesced,
		"retried":              m.Retried,
		"failed_permanent":     m.FailedPermanent,
		"degraded":             m.Degraded,
		"p50_flush_latency_ms": m.P50FlushLatency.Milliseconds(),
		"p95_flush_latency_ms": m.P95FlushLatency.Milliseconds(),
	})
}

// Stats handles GET /runtime/stats.
func (h *RuntimeHandler) Stats(c fiber.Ctx) error {
	return httputil.Success(c, h.Runtime.RuntimeStats())
}
