package mapserver

import (
	"context"
	"time"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
)

// criticalFlushRequest asks the run loop to submit one player's current state as a critical persistence write,
// serialized through the same channel discipline as join/leave/transfer so the snapshot is only read while owned
// by the run goroutine.
type criticalFlushRequest struct {
	sessionID string
	result    chan error
}

// SubmitCritical flushes a player's current authoritative state through the persistence pipeline's critical path,
// used for Economy-channel operations whose durability the originating player must be able to observe. While the
// pipeline is DEGRADED the submit blocks its bounded wait and then surfaces PERSISTENCE_DEGRADED, which the gateway
// relays to the player on the Economy channel.
func (in *Instance) SubmitCritical(ctx context.Context, sessionID string) error {
	if in.isClosed() {
		return apperr.New(apperr.MapClosed, "map instance closed")
	}
	req := &criticalFlushRequest{sessionID: sessionID, result: make(chan error, 1)}
	select {
	case in.criticalReq <- req:
	case <-in.closedCh:
		return apperr.New(apperr.MapClosed, "map instance closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleCriticalFlush is run loop code: it snapshots the player and submits it with the critical flag set.
func (in *Instance) handleCriticalFlush(ctx context.Context, req *criticalFlushRequest) {
	p, ok := in.players[req.sessionID]
	if !ok {
		req.result <- apperr.New(apperr.Internal, "critical flush requested for unknown session %s", req.sessionID)
		return
	}
	if in.persistence == nil {
		req.result <- nil
		return
	}
	req.result <- in.persistence.Submit(ctx, account.CharacterState{
		CharacterID: p.CharacterID,
		MapID:       in.Route.MapID,
		InstanceID:  in.Route.InstanceID,
		X:           p.X, Y: p.Y, Z: p.Z,
		HP: p.HP, MaxHP: p.MaxHP,
		Version:   uint64(in.tick) + 1,
		UpdatedAt: time.Now(),
	}, true)
}
