package directory

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// heartbeatTimeout is how long an instance may go without a heartbeat before it is considered offline.
const heartbeatTimeout = 30 * time.Second

// RouteKey addresses one map instance: world, entry point, map, and instance number.
type RouteKey struct {
	WorldID    uint16
	EntryID    uint16
	MapID      uint16
	InstanceID uint16
}

// heartbeatState is the live liveness record for one map instance.
type heartbeatState struct {
	lastHeartbeat time.Time
	currentLoad   uint32
}

func (h heartbeatState) isOnline(now time.Time) bool {
	return now.Sub(h.lastHeartbeat) < heartbeatTimeout
}

// Snapshot is an immutable view of the static topology, swapped in atomically whenever the topology is reloaded.
type Snapshot struct {
	Config RuntimeConfig
}

// Directory resolves world/entry/map topology and tracks live instance load via heartbeats. The static topology is
// stored behind an atomic pointer so readers never block a reload; heartbeat state is a separate mutex-guarded map
// since it mutates far more often than the topology itself.
type Directory struct {
	snapshot atomic.Pointer[Snapshot]

	mu         sync.RWMutex
	heartbeats map[RouteKey]heartbeatState
}

// New builds a Directory from an already-loaded RuntimeConfig.
func New(cfg RuntimeConfig) *Directory {
	d := &Directory{heartbeats: make(map[RouteKey]heartbeatState)}
	d.snapshot.Store(&Snapshot{Config: cfg})
	return d
}

// Reload atomically swaps in a newly loaded topology. Heartbeat state is left as it is; records for instances no
// longer present are removed only by SweepStaleHeartbeats once they go stale.
func (d *Directory) Reload(cfg RuntimeConfig) {
	d.snapshot.Store(&Snapshot{Config: cfg})
}

// Snapshot returns the current static topology, for the runtime supervisor's directory_snapshot telemetry.
func (d *Directory) Snapshot() Snapshot {
	return *d.snapshot.Load()
}

// RecordHeartbeat updates (or creates) the liveness record for a map instance with its current player load.
func (d *Directory) RecordHeartbeat(route RouteKey, currentPlayers uint32) {
	d.RecordHeartbeatAt(route, currentPlayers, time.Now())
}

// RecordHeartbeatAt is RecordHeartbeat with an explicit "now", used by tests.
func (d *Directory) RecordHeartbeatAt(route RouteKey, currentPlayers uint32, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeats[route] = heartbeatState{lastHeartbeat: now, currentLoad: currentPlayers}
}

// IsOnline reports whether a map instance has sent a heartbeat within the timeout window.
func (d *Directory) IsOnline(route RouteKey) bool {
	return d.isOnlineAt(route, time.Now())
}

func (d *Directory) isOnlineAt(route RouteKey, now time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hb, ok := d.heartbeats[route]
	return ok && hb.isOnline(now)
}

// Load returns the last-reported player count for a map instance, or 0 if it has never heartbeated.
func (d *Directory) Load(route RouteKey) uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.heartbeats[route].currentLoad
}

// SweepStaleHeartbeats removes liveness records that have exceeded the heartbeat timeout and returns how many were
// removed, for the runtime's periodic liveness sweep.
func (d *Directory) SweepStaleHeartbeats() int {
	return d.sweepAt(time.Now())
}

func (d *Directory) sweepAt(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for route, hb := range d.heartbeats {
		if !hb.isOnline(now) {
			delete(d.heartbeats, route)
			removed++
		}
	}
	return removed
}

// WorldOnline reports whether any instance of a world has a live heartbeat, the online flag GET /servers exposes.
// World-level heartbeats posted by external map hosts land here too, recorded under a route with only WorldID set.
func (d *Directory) WorldOnline(worldID uint16) bool {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	for route, hb := range d.heartbeats {
		if route.WorldID == worldID && hb.isOnline(now) {
			return true
		}
	}
	return false
}

// WorldLoad sums the current player counts across a world's online instances, for the control plane's directory
// views.
func (d *Directory) WorldLoad(worldID uint16) uint32 {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	var total uint32
	for route, hb := range d.heartbeats {
		if route.WorldID == worldID && hb.isOnline(now) {
			total += hb.currentLoad
		}
	}
	return total
}

// EntryLoad sums the current player counts across one entry point's online instances.
func (d *Directory) EntryLoad(worldID, entryID uint16) uint32 {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	var total uint32
	for route, hb := range d.heartbeats {
		if route.WorldID == worldID && route.EntryID == entryID && hb.isOnline(now) {
			total += hb.currentLoad
		}
	}
	return total
}

// EntryOnline reports whether any of an entry point's instances has a live heartbeat.
func (d *Directory) EntryOnline(worldID, entryID uint16) bool {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	for route, hb := range d.heartbeats {
		if route.WorldID == worldID && route.EntryID == entryID && hb.isOnline(now) {
			return true
		}
	}
	return false
}

// OnlineWorldCount returns the number of distinct worlds with at least one online map instance.
func (d *Directory) OnlineWorldCount() int {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[uint16]struct{})
	for route, hb := range d.heartbeats {
		if hb.isOnline(now) {
			seen[route.WorldID] = struct{}{}
		}
	}
	return len(seen)
}

// ChooseEntry selects the least-loaded online entry point for a world, breaking ties uniformly at random across
// equally-loaded candidates. An entry's load is the sum of its online map instances' current player counts. Returns
// false if no online entry point exists for the world.
func (d *Directory) ChooseEntry(worldID uint16) (EntryPointConfig, bool) {
	snap := d.Snapshot()
	var world *WorldConfig
	for i := range snap.Config.Worlds {
		if snap.Config.Worlds[i].ID == worldID {
			world = &snap.Config.Worlds[i]
			break
		}
	}
	if world == nil {
		return EntryPointConfig{}, false
	}

	now := time.Now()
	var best []EntryPointConfig
	var bestLoad uint32

	for _, entry := range world.EntryPoints {
		load, online := d.entryLoad(worldID, entry, now)
		if !online {
			continue
		}
		switch {
		case len(best) == 0 || load < bestLoad:
			best = []EntryPointConfig{entry}
			bestLoad = load
		case load == bestLoad:
			best = append(best, entry)
		}
	}

	if len(best) == 0 {
		return EntryPointConfig{}, false
	}
	return best[rand.Intn(len(best))], true
}

// ChooseRoute selects a full RouteKey for a new placement into worldID: it first picks the least-loaded online
// entry point via ChooseEntry, then within that entry picks the least-loaded instance of mapID, spilling onto the
// next instance once the current one has reached the map's SoftPlayerCap. If no entry point has ever heartbeated
// (a cluster that just booted and hasn't completed its first heartbeat round yet), ChooseRoute falls back to the
// world's first configured entry point rather than failing outright, since the gateway that calls this runs in the
// same process as the map instances it is placing into. Within the chosen entry, a map instance that has never
// heartbeated is treated as load 0 so a cold-started cluster can still accept its first login.
func (d *Directory) ChooseRoute(worldID, mapID uint16) (RouteKey, bool) {
	entry, ok := d.ChooseEntry(worldID)
	if !ok {
		entry, ok = d.firstEntry(worldID)
		if !ok {
			return RouteKey{}, false
		}
	}

	var mapCfg *MapConfig
	for i := range entry.Maps {
		if entry.Maps[i].ID == mapID {
			mapCfg = &entry.Maps[i]
			break
		}
	}
	if mapCfg == nil {
		return RouteKey{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var best RouteKey
	var bestLoad uint32
	found := false
	for instance := uint16(0); instance < mapCfg.BaseInstances; instance++ {
		route := RouteKey{WorldID: worldID, EntryID: entry.ID, MapID: mapID, InstanceID: instance}
		hb, ok := d.heartbeats[route]
		load := hb.currentLoad
		if ok && mapCfg.SoftPlayerCap > 0 && load >= mapCfg.SoftPlayerCap {
			continue
		}
		if !found || load < bestLoad {
			best = route
			bestLoad = load
			found = true
		}
	}
	if !found {
		return RouteKey{WorldID: worldID, EntryID: entry.ID, MapID: mapID, InstanceID: 0}, true
	}
	return best, true
}

// firstEntry returns a world's first configured entry point in topology order, used by ChooseRoute as a cold-start
// fallback when no entry point has an online heartbeat yet.
func (d *Directory) firstEntry(worldID uint16) (EntryPointConfig, bool) {
	snap := d.Snapshot()
	for _, world := range snap.Config.Worlds {
		if world.ID != worldID {
			continue
		}
		if len(world.EntryPoints) == 0 {
			return EntryPointConfig{}, false
		}
		return world.EntryPoints[0], true
	}
	return EntryPointConfig{}, false
}

// entryLoad sums the online load across an entry point's map instances and reports whether at least one of them is
// online (an entry with zero online instances is itself considered offline for routing purposes).
func (d *Directory) entryLoad(worldID uint16, entry EntryPointConfig, now time.Time) (uint32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var total uint32
	var anyOnline bool
	for _, m := range entry.Maps {
		for instance := uint16(0); instance < m.BaseInstances; instance++ {
			route := RouteKey{WorldID: worldID, EntryID: entry.ID, MapID: m.ID, InstanceID: instance}
			hb, ok := d.heartbeats[route]
			if ok && hb.isOnline(now) {
				anyOnline = true
				total += hb.currentLoad
			}
		}
	}
	return total, anyOnline
}
