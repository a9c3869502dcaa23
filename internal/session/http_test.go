package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestHTTPStoreCreateAndLoad(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewHTTPStore(rdb, time.Hour)
	ctx := context.Background()
	accountID := uuid.New()

	sessionID, err := store.Create(ctx, accountID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Load(ctx, sessionID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != accountID {
		t.Errorf("Load() = %v, want %v", got, accountID)
	}
}

func TestHTTPStoreLoadMissingSession(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewHTTPStore(rdb, time.Hour)

	if _, err := store.Load(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestHTTPStoreDelete(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewHTTPStore(rdb, time.Hour)
	ctx := context.Background()
	sessionID, _ := store.Create(ctx, uuid.New())

	if err := store.Delete(ctx, sessionID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Load(ctx, sessionID); err != ErrNotFound {
		t.Errorf("Load() after delete error = %v, want ErrNotFound", err)
	}
}
