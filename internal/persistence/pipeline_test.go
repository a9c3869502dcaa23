package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/directory"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]account.CharacterState
	fail    bool
}

func (f *fakeStore) UpsertCharacterStates(ctx context.Context, states []account.CharacterState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("storage unavailable")
	}
	cp := append([]account.CharacterState(nil), states...)
	f.batches = append(f.batches, cp)
	return nil
}

func testConfig() directory.PersistenceConfig {
	return directory.PersistenceConfig{FlushTickMS: 10, MaxFlushLagMS: 50, MaxBatchSize: 10}
}

func TestSubmitCoalescesToLatestStateOnly(t *testing.T) {
	store := &fakeStore{}
	p := New(store, testConfig(), zerolog.Nop())
	id := uuid.New()

	for v := uint64(1); v <= 5; v++ {
		if err := p.Submit(context.Background(), account.CharacterState{CharacterID: id, Version: v}, false); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	snap := p.Snapshot()
	if snap.Queued != 1 {
		t.Fatalf("Queued = %d, want 1 (coalesced)", snap.Queued)
	}
	if snap.Coalesced != 4 {
		t.Errorf("Coalesced = %d, want 4", snap.Coalesced)
	}

	p.Flush(context.Background())

	if len(store.batches) != 1 || len(store.batches[0]) != 1 {
		t.Fatalf("batches = %+v, want exactly one batch of one row", store.batches)
	}
	if store.batches[0][0].Version != 5 {
		t.Errorf("flushed version = %d, want 5 (last write wins)", store.batches[0][0].Version)
	}
}

func TestStorageOutageDegradesThenRecovers(t *testing.T) {
	store := &fakeStore{fail: true}
	cfg := testConfig()
	p := New(store, cfg, zerolog.Nop())
	id := uuid.New()

	if err := p.Submit(context.Background(), account.CharacterState{CharacterID: id, Version: 1}, false); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	p.Flush(context.Background())
	if p.Snapshot().Retried == 0 {
		t.Fatalf("expected a retried job after a failed flush")
	}

	time.Sleep(cfg.MaxFlushLag() + 10*time.Millisecond)
	if !p.Snapshot().Degraded {
		t.Fatalf("expected Degraded=true once MaxFlushLag has elapsed without a successful flush")
	}

	critErr := p.Submit(context.Background(), account.CharacterState{CharacterID: uuid.New(), Version: 1}, true)
	if apperr.KindOf(critErr) != apperr.PersistenceDegraded {
		t.Fatalf("Submit(critical) error = %v, want PersistenceDegraded", critErr)
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	// The failed job's exponential backoff schedules its next attempt 1s out; wait past that so the recovered
	// store gets a chance to accept the retry, then drive the retry manually (no Run loop in this test).
	time.Sleep(1100 * time.Millisecond)
	p.Flush(context.Background())
	if p.Snapshot().Degraded {
		t.Errorf("expected Degraded=false after storage recovers and a flush succeeds")
	}
}

func TestFlushOnceNoOpWhenDirtySetEmpty(t *testing.T) {
	store := &fakeStore{}
	p := New(store, testConfig(), zerolog.Nop())
	p.Flush(context.Background())
	if len(store.batches) != 0 {
		t.Errorf("expected no flush batches when nothing is dirty, got %d", len(store.batches))
	}
}
