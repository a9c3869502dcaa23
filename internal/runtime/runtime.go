package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/directory"
	"github.com/allanbatista/mu-core-server/internal/hub"
	"github.com/allanbatista/mu-core-server/internal/mapserver"
	"github.com/allanbatista/mu-core-server/internal/persistence"
	"github.com/allanbatista/mu-core-server/internal/session"
	"github.com/allanbatista/mu-core-server/internal/wire"
)

// mapDrainTimeout bounds how long Shutdown waits for an individual map instance's Run goroutine to exit once its
// context has been cancelled during graceful shutdown.
const mapDrainTimeout = 10 * time.Second

// Broadcaster delivers an encoded Control-channel frame to every currently connected session, used to fan out
// SERVER_SHUTDOWN before the gateway stops accepting and drains its connections.
type Broadcaster interface {
	BroadcastControl(frame []byte)
}

// ShutdownSignal is the gateway's stop switch: CloseListener stops accepting new QUIC connections, DrainConnections
// blocks until every still-open connection has been closed (or ctx expires).
type ShutdownSignal interface {
	CloseListener() error
	DrainConnections(ctx context.Context)
}

// DirectorySnapshot is the shape returned by directory_snapshot telemetry, wrapping the static topology alongside
// which map instances are actually running in this process.
type DirectorySnapshot struct {
	Config directory.RuntimeConfig `json:"config"`
	Routes []directory.RouteKey    `json:"running_routes"`
}

// Stats aggregates process-wide counters for runtime_stats telemetry.
type Stats struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	SessionCount     int     `json:"session_count"`
	MapInstanceCount int     `json:"map_instance_count"`
	HubDelivered     uint64  `json:"hub_delivered"`
	HubDropped       uint64  `json:"hub_dropped"`
}

// Runtime is the top-level supervisor: it owns the world directory, every running map instance, the cross-map
// message hub, the persistence pipeline, and the realtime session registry, and exposes the four read-only
// telemetry snapshots the control-plane API surfaces.
type Runtime struct {
	log zerolog.Logger

	directory   *directory.Directory
	hub         *hub.Hub
	persistence *persistence.Pipeline
	sessions    *session.Registry

	broadcaster Broadcaster
	gateway     ShutdownSignal

	startedAt time.Time

	mu          sync.RWMutex
	instances   map[directory.RouteKey]*mapserver.Instance
	cancels     map[directory.RouteKey]context.CancelFunc
	frameSender FrameSender

	shutdownOnce sync.Once
}

// Deps bundles the already-constructed collaborators Bootstrap wires into a Runtime. Store is the persistence
// target (typically *account.Repository); Broadcaster and ShutdownSignal are filled in once the gateway exists,
// since the gateway itself depends on the Runtime for routing.
type Deps struct {
	Store       persistence.Store
	Broadcaster Broadcaster
	Gateway     ShutdownSignal
}

// Bootstrap builds a Runtime from a loaded topology and starts every base map instance, the persistence pipeline's
// flush loop, and returns once all of it is running. It does not start accepting gateway connections; the caller
// wires the gateway against the returned Runtime and installs it afterward via SetFrameSender and AttachGateway.
func Bootstrap(ctx context.Context, cfg directory.RuntimeConfig, deps Deps, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{
		log:         log.With().Str("component", "runtime").Logger(),
		directory:   directory.New(cfg),
		hub:         hub.New(),
		persistence: persistence.New(deps.Store, cfg.Persistence, log),
		sessions:    session.NewRegistry(log),
		broadcaster: deps.Broadcaster,
		gateway:     deps.Gateway,
		startedAt:   time.Now(),
		instances:   make(map[directory.RouteKey]*mapserver.Instance),
		cancels:     make(map[directory.RouteKey]context.CancelFunc),
	}

	for _, world := range cfg.Worlds {
		for _, entry := range world.EntryPoints {
			for _, m := range entry.Maps {
				for instanceID := uint16(0); instanceID < m.BaseInstances; instanceID++ {
					route := directory.RouteKey{WorldID: world.ID, EntryID: entry.ID, MapID: m.ID, InstanceID: instanceID}
					rt.spawnInstance(ctx, route, cfg.Ticks)
				}
			}
		}
	}

	go RunWithBackoff(ctx, rt.log, "persistence-pipeline", rt.persistence.Run)

	return rt, nil
}

// spawnInstance constructs and launches one map instance's run loop under a child context the Runtime can cancel
// independently during shutdown or a future re-balance.
func (rt *Runtime) spawnInstance(ctx context.Context, route directory.RouteKey, ticks directory.TickConfig) {
	instCtx, cancel := context.WithCancel(ctx)

	instLog := rt.log.With().
		Uint16("world_id", route.WorldID).Uint16("entry_id", route.EntryID).
		Uint16("map_id", route.MapID).Uint16("instance_id", route.InstanceID).Logger()

	inst := mapserver.New(route, 0, rt.hub, rt.persistence, rt, rt.outboxForRoute(route), instLog)

	rt.mu.Lock()
	rt.instances[route] = inst
	rt.cancels[route] = cancel
	rt.mu.Unlock()

	go RunWithBackoff(instCtx, instLog, fmt.Sprintf("map-instance-%d-%d-%d-%d", route.WorldID, route.EntryID, route.MapID, route.InstanceID),
		func(ctx context.Context) error {
			return inst.Run(ctx, ticks.PlayerTick(), ticks.MonsterTick())
		})
}

// outboxForRoute returns the mapserver.Outbox a given instance uses to deliver frames to its connected sessions.
// The outbox calls the FrameSender the gateway installed via SetFrameSender at send time, rather than the
// instance holding transport references directly, keeping map instances ignorant of the gateway's connection type.
func (rt *Runtime) outboxForRoute(route directory.RouteKey) mapserver.Outbox {
	return runtimeOutbox{rt: rt}
}

type runtimeOutbox struct {
	rt *Runtime
}

// Send is a no-op when no gateway is wired yet (e.g. in tests constructing a bare Runtime); the real delivery path
// is installed once the gateway registers itself via SetFrameSender.
func (o runtimeOutbox) Send(sessionID string, channel uint8, frame []byte) {
	o.rt.mu.RLock()
	sender := o.rt.frameSender
	o.rt.mu.RUnlock()
	if sender != nil {
		sender(sessionID, channel, frame)
	}
}

// FrameSender delivers one encoded frame to a connected session's transport, implemented by the gateway.
type FrameSender func(sessionID string, channel uint8, frame []byte)

// SetFrameSender installs the gateway's delivery function once it has been constructed. Must be called before any
// map instance broadcasts; until then, Send is silently dropped.
func (rt *Runtime) SetFrameSender(fn FrameSender) {
	rt.mu.Lock()
	rt.frameSender = fn
	rt.mu.Unlock()
}

// AttachGateway installs the gateway's broadcast and shutdown hooks once it has been constructed, closing the
// construction cycle noted on Deps. Must be called before Shutdown.
func (rt *Runtime) AttachGateway(b Broadcaster, s ShutdownSignal) {
	rt.mu.Lock()
	rt.broadcaster = b
	rt.gateway = s
	rt.mu.Unlock()
}

// Instance looks up a running map instance by route.
func (rt *Runtime) Instance(route directory.RouteKey) (*mapserver.Instance, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	inst, ok := rt.instances[route]
	return inst, ok
}

// Directory exposes the world topology/heartbeat tracker for the gateway's placement decisions.
func (rt *Runtime) Directory() *directory.Directory { return rt.directory }

// Hub exposes the cross-map message hub for the gateway's whisper/world chat routing.
func (rt *Runtime) Hub() *hub.Hub { return rt.hub }

// Sessions exposes the realtime session registry for the gateway's connection lifecycle.
func (rt *Runtime) Sessions() *session.Registry { return rt.sessions }

// Persistence exposes the flush pipeline the map instances submit to.
func (rt *Runtime) Persistence() *persistence.Pipeline { return rt.persistence }

// RequestTransfer implements mapserver.Transferer: it resolves the destination instance, asks it to accept the
// player snapshot, and on success updates the session registry's recorded route, completing the hand-off.
func (rt *Runtime) RequestTransfer(ctx context.Context, req mapserver.TransferRequest) error {
	dest, ok := rt.Instance(req.TargetRoute)
	if !ok {
		return apperr.New(apperr.TransferFailed, "no running instance for route %+v", req.TargetRoute)
	}

	ack := make(chan error, 1)
	if err := dest.Handoff(ctx, mapserver.HandoffArrival{Snapshot: req.Snapshot, Ack: ack}); err != nil {
		return apperr.Wrap(apperr.TransferFailed, err)
	}

	rt.sessions.UpdateRoute(req.SessionID, req.TargetRoute)
	return nil
}

// DirectorySnapshot returns the static topology plus every route with a currently running instance, for the
// runtime_worlds telemetry endpoint.
func (rt *Runtime) DirectorySnapshot() DirectorySnapshot {
	rt.mu.RLock()
	routes := make([]directory.RouteKey, 0, len(rt.instances))
	for route := range rt.instances {
		routes = append(routes, route)
	}
	rt.mu.RUnlock()

	return DirectorySnapshot{Config: rt.directory.Snapshot().Config, Routes: routes}
}

// MapStats aggregates every running map instance's point-in-time stats, for the runtime_maps telemetry endpoint.
func (rt *Runtime) MapStats() []mapserver.MapServerStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	stats := make([]mapserver.MapServerStats, 0, len(rt.instances))
	for _, inst := range rt.instances {
		stats = append(stats, inst.Stats())
	}
	return stats
}

// PersistenceMetrics returns the persistence pipeline's current metrics, for the runtime_persistence telemetry
// endpoint.
func (rt *Runtime) PersistenceMetrics() persistence.Metrics {
	return rt.persistence.Snapshot()
}

// RuntimeStats returns process-wide aggregate counters, for the runtime_stats telemetry endpoint.
func (rt *Runtime) RuntimeStats() Stats {
	delivered, dropped := rt.hub.Stats()
	rt.mu.RLock()
	instanceCount := len(rt.instances)
	rt.mu.RUnlock()

	return Stats{
		UptimeSeconds:    time.Since(rt.startedAt).Seconds(),
		SessionCount:     rt.sessions.Count(),
		MapInstanceCount: instanceCount,
		HubDelivered:     delivered,
		HubDropped:       dropped,
	}
}

// Shutdown runs the graceful shutdown sequence: stop the gateway from accepting new connections, broadcast
// SERVER_SHUTDOWN to every connected session, cancel and drain every map instance in parallel (each bounded by
// mapDrainTimeout), then flush the persistence pipeline one final time. Safe to call more than once; only the
// first call runs the sequence.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var err error
	rt.shutdownOnce.Do(func() {
		err = rt.shutdown(ctx)
	})
	return err
}

func (rt *Runtime) shutdown(ctx context.Context) error {
	rt.log.Info().Msg("runtime shutdown starting")

	if rt.gateway != nil {
		if lerr := rt.gateway.CloseListener(); lerr != nil {
			rt.log.Warn().Err(lerr).Msg("error closing gateway listener")
		}
	}

	if rt.broadcaster != nil {
		frame, ferr := wire.NewServerShutdownFrame(0, 0, "server is shutting down")
		if ferr != nil {
			rt.log.Error().Err(ferr).Msg("encode server shutdown frame")
		} else {
			rt.broadcaster.BroadcastControl(frame)
		}
	}

	rt.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(rt.cancels))
	for _, cancel := range rt.cancels {
		cancels = append(cancels, cancel)
	}
	rt.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	drainCtx, drainCancel := context.WithTimeout(ctx, mapDrainTimeout)
	defer drainCancel()
	rt.waitForDrain(drainCtx)

	if rt.gateway != nil {
		rt.gateway.DrainConnections(drainCtx)
	}

	rt.persistence.Flush(ctx)

	rt.log.Info().Msg("runtime shutdown complete")
	return nil
}

// waitForDrain polls every map instance's Stats until each reports Closed, or ctx expires. Map instances close
// quickly after cancellation (one select iteration), so polling is simpler than plumbing a done-channel per
// instance through the registry.
func (rt *Runtime) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if rt.allInstancesClosed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (rt *Runtime) allInstancesClosed() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, inst := range rt.instances {
		if !inst.Stats().Closed {
			return false
		}
	}
	return true
}
