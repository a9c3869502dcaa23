package directory

import (
	"testing"
	"time"
)

func testConfig() RuntimeConfig {
	return RuntimeConfig{
		Gateway: GatewayConfig{Host: "0.0.0.0", Port: 6000},
		Ticks:   TickConfig{PlayerTickMS: 50, MonsterTickMS: 150},
		Worlds: []WorldConfig{
			{
				ID:   1,
				Name: "Midgard",
				EntryPoints: []EntryPointConfig{
					{ID: 1, Name: "Midgard-1", Host: "127.0.0.1", Port: 55901, MaxPlayers: 5000,
						Maps: []MapConfig{{ID: 0, Name: "Lorencia", BaseInstances: 1, SoftPlayerCap: 300}}},
					{ID: 2, Name: "Midgard-2", Host: "127.0.0.1", Port: 55902, MaxPlayers: 5000,
						Maps: []MapConfig{{ID: 0, Name: "Lorencia", BaseInstances: 1, SoftPlayerCap: 300}}},
				},
			},
		},
	}
}

func TestRecordHeartbeatAndIsOnline(t *testing.T) {
	d := New(testConfig())
	route := RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 0}
	now := time.Now()

	d.RecordHeartbeatAt(route, 10, now)

	if !d.isOnlineAt(route, now) {
		t.Error("instance should be online right after a heartbeat")
	}
	if d.isOnlineAt(route, now.Add(31*time.Second)) {
		t.Error("instance should be offline after the heartbeat timeout elapses")
	}
}

func TestSweepStaleHeartbeats(t *testing.T) {
	d := New(testConfig())
	route := RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 0}
	now := time.Now()
	d.RecordHeartbeatAt(route, 10, now)

	removed := d.sweepAt(now.Add(31 * time.Second))
	if removed != 1 {
		t.Errorf("sweepAt() removed = %d, want 1", removed)
	}
	if d.isOnlineAt(route, now.Add(31*time.Second)) {
		t.Error("swept instance should no longer be online")
	}
}

func TestChooseEntryPrefersLeastLoaded(t *testing.T) {
	d := New(testConfig())
	now := time.Now()
	d.RecordHeartbeatAt(RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 0}, 100, now)
	d.RecordHeartbeatAt(RouteKey{WorldID: 1, EntryID: 2, MapID: 0, InstanceID: 0}, 5, now)

	entry, ok := d.ChooseEntry(1)
	if !ok {
		t.Fatal("expected an online entry")
	}
	if entry.ID != 2 {
		t.Errorf("ChooseEntry() = entry %d, want 2 (least loaded)", entry.ID)
	}
}

func TestChooseEntrySkipsOfflineEntries(t *testing.T) {
	d := New(testConfig())
	now := time.Now()
	// Only entry 1 has a heartbeat; entry 2 has never reported in, so it's offline and must not be chosen.
	d.RecordHeartbeatAt(RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 0}, 50, now)

	entry, ok := d.ChooseEntry(1)
	if !ok {
		t.Fatal("expected an online entry")
	}
	if entry.ID != 1 {
		t.Errorf("ChooseEntry() = entry %d, want 1", entry.ID)
	}
}

func TestChooseEntryNoOnlineInstances(t *testing.T) {
	d := New(testConfig())
	if _, ok := d.ChooseEntry(1); ok {
		t.Error("ChooseEntry() should fail when nothing has ever heartbeated")
	}
}

func TestChooseEntryUnknownWorld(t *testing.T) {
	d := New(testConfig())
	if _, ok := d.ChooseEntry(99); ok {
		t.Error("ChooseEntry() should fail for an unknown world id")
	}
}

func multiInstanceConfig() RuntimeConfig {
	return RuntimeConfig{
		Worlds: []WorldConfig{
			{
				ID: 1,
				EntryPoints: []EntryPointConfig{
					{ID: 1, Maps: []MapConfig{{ID: 0, BaseInstances: 2, SoftPlayerCap: 300}}},
				},
			},
		},
	}
}

func TestChooseRouteFirstPlacementUsesInstanceZero(t *testing.T) {
	d := New(multiInstanceConfig())
	route, ok := d.ChooseRoute(1, 0)
	if !ok {
		t.Fatal("expected a route")
	}
	if route.InstanceID != 0 {
		t.Errorf("ChooseRoute() instance = %d, want 0", route.InstanceID)
	}
}

func TestChooseRouteSpillsToNextInstanceAtSoftCap(t *testing.T) {
	d := New(multiInstanceConfig())
	now := time.Now()
	d.RecordHeartbeatAt(RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 0}, 300, now)

	route, ok := d.ChooseRoute(1, 0)
	if !ok {
		t.Fatal("expected a route")
	}
	if route.InstanceID != 1 {
		t.Errorf("ChooseRoute() instance = %d, want 1 once instance 0 is at soft cap", route.InstanceID)
	}
}

func TestChooseRouteUnknownMap(t *testing.T) {
	d := New(multiInstanceConfig())
	if _, ok := d.ChooseRoute(1, 99); ok {
		t.Error("ChooseRoute() should fail for an unknown map id")
	}
}
