package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/directory"
)

type fakeStore struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeStore) UpsertCharacterStates(ctx context.Context, states []account.CharacterState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeBroadcaster) BroadcastControl(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeGateway struct {
	mu     sync.Mutex
	closed bool
	drains int
}

func (g *fakeGateway) CloseListener() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGateway) DrainConnections(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drains++
}

func testConfig() directory.RuntimeConfig {
	return directory.RuntimeConfig{
		Ticks:       directory.TickConfig{PlayerTickMS: 10, MonsterTickMS: 50},
		Persistence: directory.PersistenceConfig{FlushTickMS: 20, MaxFlushLagMS: 500, MaxBatchSize: 50},
		Worlds: []directory.WorldConfig{
			{
				ID:   1,
				Name: "test-world",
				EntryPoints: []directory.EntryPointConfig{
					{
						ID: 1, Name: "entry-a", MaxPlayers: 100,
						Maps: []directory.MapConfig{
							{ID: 1, Name: "field", BaseInstances: 2, SoftPlayerCap: 50},
						},
					},
				},
			},
		},
	}
}

func TestBootstrapSpawnsOneInstancePerBaseInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &fakeStore{}
	rt, err := Bootstrap(ctx, testConfig(), Deps{Store: store}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	stats := rt.MapStats()
	if len(stats) != 2 {
		t.Fatalf("MapStats() len = %d, want 2", len(stats))
	}

	snap := rt.DirectorySnapshot()
	if len(snap.Routes) != 2 {
		t.Fatalf("DirectorySnapshot().Routes len = %d, want 2", len(snap.Routes))
	}
}

func TestShutdownBroadcastsAndDrainsInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &fakeStore{}
	broadcaster := &fakeBroadcaster{}
	gateway := &fakeGateway{}

	rt, err := Bootstrap(ctx, testConfig(), Deps{Store: store, Broadcaster: broadcaster, Gateway: gateway}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if broadcaster.count() == 0 {
		t.Fatalf("expected a SERVER_SHUTDOWN frame to be broadcast")
	}
	if !gateway.closed {
		t.Fatalf("expected the gateway listener to be closed")
	}
	for _, s := range rt.MapStats() {
		if !s.Closed {
			t.Fatalf("expected every map instance closed after Shutdown, route %+v still open", s.Route)
		}
	}

	// Shutdown must be idempotent: a second call should not panic or re-run the sequence.
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}

func TestRuntimeStatsReflectsSessionAndHubCounters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := Bootstrap(ctx, testConfig(), Deps{Store: &fakeStore{}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	stats := rt.RuntimeStats()
	if stats.MapInstanceCount != 2 {
		t.Fatalf("MapInstanceCount = %d, want 2", stats.MapInstanceCount)
	}
	if stats.SessionCount != 0 {
		t.Fatalf("SessionCount = %d, want 0", stats.SessionCount)
	}
}
