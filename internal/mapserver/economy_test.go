package mapserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
)

type degradedPersistence struct{}

func (degradedPersistence) Submit(ctx context.Context, state account.CharacterState, critical bool) error {
	if critical {
		return apperr.New(apperr.PersistenceDegraded, "degraded")
	}
	return nil
}

func TestSubmitCriticalFlushesPlayerState(t *testing.T) {
	in, _, pers := newTestInstance(t)
	stop := runInstance(t, in, 10*time.Millisecond, time.Hour)
	defer stop()

	charID := uuid.New()
	p := &Player{SessionID: "s1", CharacterID: charID, X: 10, Y: 0, Z: 20, HP: 80, MaxHP: 100}
	if err := in.Join(context.Background(), p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if err := in.SubmitCritical(context.Background(), "s1"); err != nil {
		t.Fatalf("SubmitCritical() error = %v", err)
	}

	pers.mu.Lock()
	defer pers.mu.Unlock()
	found := false
	for _, s := range pers.submitted {
		if s.CharacterID == charID && s.HP == 80 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a critical submit carrying the player's state, got %d submits", len(pers.submitted))
	}
}

func TestSubmitCriticalSurfacesDegradedPipeline(t *testing.T) {
	in, _, _ := newTestInstance(t)
	in.persistence = degradedPersistence{}
	stop := runInstance(t, in, 10*time.Millisecond, time.Hour)
	defer stop()

	p := &Player{SessionID: "s1", CharacterID: uuid.New(), HP: 100, MaxHP: 100}
	if err := in.Join(context.Background(), p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	err := in.SubmitCritical(context.Background(), "s1")
	if err == nil {
		t.Fatalf("SubmitCritical() = nil, want PERSISTENCE_DEGRADED")
	}
	if apperr.KindOf(err) != apperr.PersistenceDegraded {
		t.Fatalf("KindOf(err) = %v, want PERSISTENCE_DEGRADED", apperr.KindOf(err))
	}
}

func TestSubmitCriticalUnknownSession(t *testing.T) {
	in, _, _ := newTestInstance(t)
	stop := runInstance(t, in, 10*time.Millisecond, time.Hour)
	defer stop()

	err := in.SubmitCritical(context.Background(), "nobody")
	if err == nil {
		t.Fatalf("SubmitCritical() = nil, want error for unknown session")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperr.Error, got %T", err)
	}
}
