package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/directory"
	"github.com/allanbatista/mu-core-server/internal/httputil"
)

// heartbeatInterval is the cadence, in seconds, external map hosts are told to report on.
const heartbeatInterval = 15

// DirectoryHandler serves the directory views and ingests liveness heartbeats.
type DirectoryHandler struct {
	Directory *directory.Directory
}

// serverView summarizes one world for GET /servers.
type serverView struct {
	WorldID        uint16 `json:"world_id"`
	Name           string `json:"name"`
	Online         bool   `json:"online"`
	CurrentPlayers uint32 `json:"current_players"`
}

// worldView summarizes one entry point for GET /worlds, the shard-level listing a client picks from.
type worldView struct {
	WorldID        uint16 `json:"world_id"`
	EntryID        uint16 `json:"entry_id"`
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           uint16 `json:"port"`
	MaxPlayers     uint32 `json:"max_players"`
	Online         bool   `json:"online"`
	CurrentPlayers uint32 `json:"current_players"`
}

// heartbeatRequest is the JSON body for POST /heartbeat.
type heartbeatRequest struct {
	WorldID        uint16 `json:"world_id"`
	CurrentPlayers uint32 `json:"current_players"`
	Timestamp      int64  `json:"timestamp"`
}

// Servers handles GET /servers: one row per configured world with aggregate load and liveness.
func (h *DirectoryHandler) Servers(c fiber.Ctx) error {
	snap := h.Directory.Snapshot()
	views := make([]serverView, 0, len(snap.Config.Worlds))
	for _, world := range snap.Config.Worlds {
		views = append(views, serverView{
			WorldID:        world.ID,
			Name:           world.Name,
			Online:         h.Directory.WorldOnline(world.ID),
			CurrentPlayers: h.Directory.WorldLoad(world.ID),
		})
	}
	return httputil.Success(c, views)
}

// Worlds handles GET /worlds: one row per entry point with its connect address, capacity, load, and liveness.
func (h *DirectoryHandler) Worlds(c fiber.Ctx) error {
	snap := h.Directory.Snapshot()
	var views []worldView
	for _, world := range snap.Config.Worlds {
		for _, entry := range world.EntryPoints {
			views = append(views, worldView{
				WorldID:        world.ID,
				EntryID:        entry.ID,
				Name:           entry.Name,
				Host:           entry.Host,
				Port:           entry.Port,
				MaxPlayers:     entry.MaxPlayers,
				Online:         h.Directory.EntryOnline(world.ID, entry.ID),
				CurrentPlayers: h.Directory.EntryLoad(world.ID, entry.ID),
			})
		}
	}
	return httputil.Success(c, views)
}

// Heartbeat handles POST /heartbeat from external map hosts: records the world's liveness and current load, and
// tells the caller when to report next. The record is keyed by world alone; per-instance liveness for in-process
// maps comes from the runtime's own self-heartbeat loop.
func (h *DirectoryHandler) Heartbeat(c fiber.Ctx) error {
	var body heartbeatRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Malformed, "Invalid request body")
	}
	if body.WorldID == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Malformed, "world_id is required")
	}

	h.Directory.RecordHeartbeat(directory.RouteKey{WorldID: body.WorldID}, body.CurrentPlayers)

	return httputil.Success(c, fiber.Map{"next_heartbeat_in": heartbeatInterval})
}
