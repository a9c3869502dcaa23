package mapserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/directory"
	"github.com/allanbatista/mu-core-server/internal/hub"
	"github.com/allanbatista/mu-core-server/internal/wire"
)

type recordingOutbox struct {
	mu     sync.Mutex
	frames []frameSent
}

type frameSent struct {
	sessionID string
	channel   uint8
	body      []byte
}

func newRecordingOutbox() *recordingOutbox {
	return &recordingOutbox{}
}

func (o *recordingOutbox) Send(sessionID string, channel uint8, frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, frameSent{sessionID: sessionID, channel: channel, body: frame})
}

func (o *recordingOutbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

type noopPersistence struct {
	mu        sync.Mutex
	submitted []account.CharacterState
}

func (n *noopPersistence) Submit(ctx context.Context, state account.CharacterState, critical bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, state)
	return nil
}

func (n *noopPersistence) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.submitted)
}

type noopTransferer struct {
	err error
}

func (n *noopTransferer) RequestTransfer(ctx context.Context, req TransferRequest) error {
	return n.err
}

func testRoute() directory.RouteKey {
	return directory.RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 0}
}

func newTestInstance(t *testing.T) (*Instance, *recordingOutbox, *noopPersistence) {
	t.Helper()
	out := newRecordingOutbox()
	pers := &noopPersistence{}
	h := hub.New()
	in := New(testRoute(), 500, h, pers, &noopTransferer{}, out, zerolog.Nop())
	return in, out, pers
}

func runInstance(t *testing.T, in *Instance, playerTick, monsterTick time.Duration) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = in.Run(ctx, playerTick, monsterTick)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestMovementAppliesAndClampsSpeed(t *testing.T) {
	in, out, _ := newTestInstance(t)
	stop := runInstance(t, in, 10*time.Millisecond, time.Hour)
	defer stop()

	p := &Player{SessionID: "s1", CharacterID: uuid.New(), X: 100, Y: 0, Z: 100, HP: 100, MaxHP: 100}
	if err := in.Join(context.Background(), p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	in.SubmitMove("s1", wire.MoveInput{ClientTick: 1, DX: 50, DZ: 0})
	time.Sleep(40 * time.Millisecond)

	stats := in.Stats()
	if stats.PlayerCount != 1 {
		t.Fatalf("PlayerCount = %d, want 1", stats.PlayerCount)
	}
	if out.count() == 0 {
		t.Fatalf("expected at least one broadcast frame after movement")
	}

	// A grossly out-of-range move must be clamped, not applied verbatim.
	in.SubmitMove("s1", wire.MoveInput{ClientTick: 2, DX: 10000, DZ: 0})
	time.Sleep(40 * time.Millisecond)

	stop()
	if p.X != 150+maxSpeedPerTick || p.Z != 100 {
		t.Fatalf("position = (x=%v, z=%v), want (x=%v, z=100)", p.X, p.Z, 150+maxSpeedPerTick)
	}
}

func TestStaleInputIsDiscarded(t *testing.T) {
	in, _, _ := newTestInstance(t)
	stop := runInstance(t, in, 10*time.Millisecond, time.Hour)
	defer stop()

	p := &Player{SessionID: "s1", CharacterID: uuid.New(), HP: 100, MaxHP: 100}
	if err := in.Join(context.Background(), p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	in.SubmitMove("s1", wire.MoveInput{ClientTick: 5, DX: 10, DZ: 0})
	time.Sleep(30 * time.Millisecond)

	// A resend of an older or equal tick must be a no-op (idempotent replay law).
	in.SubmitMove("s1", wire.MoveInput{ClientTick: 5, DX: 999, DZ: 999})
	time.Sleep(30 * time.Millisecond)

	stop()
	if p.X != 10 || p.Z != 0 {
		t.Fatalf("position = (x=%v, z=%v), want (x=10, z=0)", p.X, p.Z)
	}
}

func TestSkillKillsMonsterAndTransitionsAIDead(t *testing.T) {
	in, _, _ := newTestInstance(t)
	in.SpawnMonster(&Monster{ID: 1, HP: 10, MaxHP: 10, State: AIIdle})
	stop := runInstance(t, in, 10*time.Millisecond, time.Hour)
	defer stop()

	p := &Player{SessionID: "s1", CharacterID: uuid.New(), HP: 100, MaxHP: 100}
	if err := in.Join(context.Background(), p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	in.SubmitSkill("s1", wire.UseSkillInput{ClientTick: 1, SkillID: 1, TargetID: 1})
	time.Sleep(30 * time.Millisecond)

	stats := in.Stats()
	if stats.MonsterCount != 1 {
		t.Fatalf("MonsterCount = %d, want 1", stats.MonsterCount)
	}

	stop()
	if got := in.monsters[1].State; got != AIDead {
		t.Fatalf("monster state = %v, want AIDead", got)
	}
}

func TestTransferFailureLeavesPlayerInPlace(t *testing.T) {
	out := newRecordingOutbox()
	pers := &noopPersistence{}
	h := hub.New()
	in := New(testRoute(), 500, h, pers, &noopTransferer{err: apperr.New(apperr.TransferFailed, "target full")}, out, zerolog.Nop())
	stop := runInstance(t, in, 10*time.Millisecond, time.Hour)
	defer stop()

	p := &Player{SessionID: "s1", CharacterID: uuid.New(), HP: 100, MaxHP: 100}
	if err := in.Join(context.Background(), p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	err := in.TriggerTransfer(context.Background(), "s1", directory.RouteKey{WorldID: 1, EntryID: 1, MapID: 1, InstanceID: 0}, 0, 0, 0)
	if apperr.KindOf(err) != apperr.TransferFailed {
		t.Fatalf("TriggerTransfer() error = %v, want TransferFailed", err)
	}

	if in.Stats().PlayerCount != 1 {
		t.Fatalf("player should remain on source map after a failed transfer")
	}
}

func TestMapClosedAfterStop(t *testing.T) {
	in, _, pers := newTestInstance(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = in.Run(ctx, 10*time.Millisecond, time.Hour)
		close(done)
	}()

	p := &Player{SessionID: "s1", CharacterID: uuid.New(), X: 1, Y: 0, Z: 1, HP: 100, MaxHP: 100}
	if err := in.Join(context.Background(), p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	in.SubmitMove("s1", wire.MoveInput{ClientTick: 1, DX: 5, DZ: 0})
	time.Sleep(30 * time.Millisecond)

	cancel()
	<-done

	if err := in.Join(context.Background(), &Player{SessionID: "s2"}); apperr.KindOf(err) != apperr.MapClosed {
		t.Fatalf("Join() after stop error = %v, want MapClosed", err)
	}
	if pers.count() == 0 {
		t.Fatalf("expected a final dirty flush on shutdown")
	}
}
