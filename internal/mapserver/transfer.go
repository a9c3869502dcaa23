package mapserver

import (
	"context"

	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/directory"
)

// transferRequest asks the run loop to hand a connected player off to another map instance, serialized through the
// same channel discipline as join/leave so the player snapshot is only read while still owned by this goroutine.
type transferRequest struct {
	sessionID   string
	targetRoute directory.RouteKey
	x, y, z     float64
	result      chan error
}

// TriggerTransfer starts a map hand-off for a connected player, covering portal and admin-command relocations. It
// blocks until the destination has acknowledged (or rejected) the hand-off; on success the player has already been
// removed from this instance by the time it returns.
func (in *Instance) TriggerTransfer(ctx context.Context, sessionID string, target directory.RouteKey, x, y, z float64) error {
	if in.isClosed() {
		return apperr.New(apperr.MapClosed, "map instance closed")
	}
	req := &transferRequest{sessionID: sessionID, targetRoute: target, x: x, y: y, z: z, result: make(chan error, 1)}
	select {
	case in.transferReq <- req:
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

// handleTransfer is run loop code: it snapshots the departing player, asks the transferer (the runtime supervisor)
// to deliver the snapshot to the destination instance, and only removes the player locally once
// that hand-off has been acknowledged. A rejected hand-off leaves the player exactly where they were, returning
// TRANSFER_FAILED to the caller.
func (in *Instance) handleTransfer(ctx context.Context, req *transferRequest) {
	p, ok := in.players[req.sessionID]
	if !ok {
		req.result <- apperr.New(apperr.Internal, "transfer requested for unknown session %s", req.sessionID)
		return
	}
	snapshot := *p
	snapshot.X, snapshot.Y, snapshot.Z = req.x, req.y, req.z

	err := in.transferer.RequestTransfer(ctx, TransferRequest{
		SessionID:   req.sessionID,
		CharacterID: p.CharacterID,
		TargetRoute: req.targetRoute,
		Snapshot:    snapshot,
	})
	if err != nil {
		req.result <- apperr.Wrap(apperr.TransferFailed, err)
		return
	}

	delete(in.players, req.sessionID)
	req.result <- nil
}
