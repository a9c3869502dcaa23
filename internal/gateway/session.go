package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/authtoken"
	"github.com/allanbatista/mu-core-server/internal/directory"
	"github.com/allanbatista/mu-core-server/internal/hub"
	"github.com/allanbatista/mu-core-server/internal/mapserver"
	"github.com/allanbatista/mu-core-server/internal/session"
	"github.com/allanbatista/mu-core-server/internal/transport"
	"github.com/allanbatista/mu-core-server/internal/wire"
)

// defaultMaxHP seeds a character that has never had a state flush (fresh character entering the world for the
// first time).
const defaultMaxHP = 100

// handleConn owns one accepted QUIC connection for its whole life: handshake, placement, frame dispatch, teardown.
func (g *Gateway) handleConn(ctx context.Context, conn *transport.Conn) {
	go conn.Run(ctx)

	sess, characterName, err := g.handshake(ctx, conn)
	if err != nil {
		g.log.Debug().Err(err).Str("remote", conn.RemoteAddr()).Msg("handshake rejected")
		return
	}

	g.register(sess.SessionID, characterName, conn)
	log := g.log.With().Str("session_id", sess.SessionID).Str("character", characterName).Logger()
	log.Info().Uint16("world_id", sess.Route.WorldID).Uint16("map_id", sess.Route.MapID).Msg("session online")

	defer func() {
		// An evicted session has already been dropped from the registry, so fall back to the session's own route
		// (kept current in place by UpdateRoute) to remove the player from its map instance.
		route := sess.Route
		if current, ok := g.rt.Sessions().BySessionID(sess.SessionID); ok {
			route = current.Route
		}
		if inst, ok := g.rt.Instance(route); ok {
			inst.Leave(sess.SessionID)
		}
		g.rt.Sessions().Unregister(sess)
		g.unregister(sess.SessionID, characterName)
		conn.Close(apperr.Internal)
		log.Info().Msg("session offline")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case frame := <-conn.Inbound():
			g.dispatch(ctx, sess, frame)
		}
	}
}

// handshake waits for the connection's first frame, which must be a Control-channel ClientHello carrying a valid
// single-use auth token, then places the resulting session onto a map instance and replies with RoutePlacement.
func (g *Gateway) handshake(ctx context.Context, conn *transport.Conn) (*session.Realtime, string, error) {
	var frame transport.InboundFrame
	select {
	case frame = <-conn.Inbound():
	case <-conn.Done():
		return nil, "", apperr.New(apperr.Internal, "connection closed before hello")
	case <-time.After(handshakeTimeout):
		conn.Close(apperr.Unauthorized)
		return nil, "", apperr.New(apperr.Unauthorized, "handshake timeout")
	case <-ctx.Done():
		conn.Close(apperr.Internal)
		return nil, "", ctx.Err()
	}

	if frame.Channel != transport.Control {
		g.rejectHandshake(conn, frame.Channel, apperr.ChannelViolation)
		return nil, "", apperr.New(apperr.ChannelViolation, "hello on channel %d", frame.Channel)
	}

	kind, body, err := wire.DecodePayload(frame.Body)
	if err != nil || kind != wire.KindClientHello {
		g.rejectHandshake(conn, transport.Control, apperr.Malformed)
		return nil, "", apperr.New(apperr.Malformed, "first frame is not ClientHello")
	}

	var hello wire.ClientHello
	if err := json.Unmarshal(body, &hello); err != nil {
		g.rejectHandshake(conn, transport.Control, apperr.Malformed)
		return nil, "", apperr.Wrap(apperr.Malformed, err)
	}
	if hello.ProtocolVersion != wire.ProtocolVersion {
		g.rejectHandshake(conn, transport.Control, apperr.VersionMismatch)
		return nil, "", apperr.New(apperr.VersionMismatch, "client protocol %d", hello.ProtocolVersion)
	}

	claims, err := g.tokens.Verify(hello.AuthToken)
	if err != nil {
		if errors.Is(err, authtoken.ErrReplayed) {
			g.rejectHandshake(conn, transport.Control, apperr.Replay)
			return nil, "", apperr.Wrap(apperr.Replay, err)
		}
		g.rejectHandshake(conn, transport.Control, apperr.Unauthorized)
		return nil, "", apperr.Wrap(apperr.Unauthorized, err)
	}

	char, err := g.accounts.CharacterByID(ctx, claims.AccountID, claims.CharacterID)
	if err != nil {
		g.rejectHandshake(conn, transport.Control, apperr.Unauthorized)
		return nil, "", apperr.Wrap(apperr.Unauthorized, err)
	}

	state, err := g.accounts.LoadCharacterState(ctx, claims.CharacterID)
	if err != nil {
		g.rejectHandshake(conn, transport.Control, apperr.StorageUnavailable)
		return nil, "", apperr.Wrap(apperr.StorageUnavailable, err)
	}

	route, ok := g.rt.Directory().ChooseRoute(claims.WorldID, state.MapID)
	if !ok {
		// A character whose last persisted map no longer exists in the topology falls back to the world's first
		// configured map rather than being locked out.
		if fallback, found := g.fallbackMapID(claims.WorldID); found {
			route, ok = g.rt.Directory().ChooseRoute(claims.WorldID, fallback)
		}
		if !ok {
			g.rejectHandshake(conn, transport.Control, apperr.MapClosed)
			return nil, "", apperr.New(apperr.MapClosed, "no placement for world %d", claims.WorldID)
		}
	}

	inst, ok := g.rt.Instance(route)
	if !ok {
		g.rejectHandshake(conn, transport.Control, apperr.MapClosed)
		return nil, "", apperr.New(apperr.MapClosed, "no running instance for route %+v", route)
	}

	sess := &session.Realtime{
		SessionID:   uuid.NewString(),
		AccountID:   claims.AccountID,
		CharacterID: claims.CharacterID,
		Route:       route,
		ConnectedAt: time.Now(),
	}
	sess.SetEvictFunc(func() {
		if errFrame, err := wire.NewServerErrorFrame(0, uint8(transport.Control), string(apperr.DuplicateLogin)); err == nil {
			conn.Send(transport.Control, errFrame)
		}
		conn.Close(apperr.DuplicateLogin)
	})
	g.rt.Sessions().Register(sess)

	player := &mapserver.Player{
		SessionID:   sess.SessionID,
		CharacterID: claims.CharacterID,
		X:           state.X, Y: state.Y, Z: state.Z,
		HP: state.HP, MaxHP: state.MaxHP,
	}
	if player.MaxHP == 0 {
		player.MaxHP = defaultMaxHP
		player.HP = defaultMaxHP
	}

	if err := inst.Join(ctx, player); err != nil {
		g.rt.Sessions().Unregister(sess)
		g.rejectHandshake(conn, transport.Control, apperr.KindOf(err))
		return nil, "", err
	}

	placement, err := wire.NewRoutePlacementFrame(0, uint8(transport.Control), wire.RouteKey{
		WorldID: route.WorldID, EntryID: route.EntryID, MapID: route.MapID, InstanceID: route.InstanceID,
	})
	if err != nil {
		inst.Leave(sess.SessionID)
		g.rt.Sessions().Unregister(sess)
		conn.Close(apperr.Internal)
		return nil, "", apperr.Wrap(apperr.Internal, err)
	}
	conn.Send(transport.Control, placement)

	return sess, char.Name, nil
}

// rejectHandshake best-effort delivers a ServerError on the offending channel and closes the connection with the
// matching application close code.
func (g *Gateway) rejectHandshake(conn *transport.Conn, ch transport.Channel, kind apperr.Kind) {
	if frame, err := wire.NewServerErrorFrame(0, uint8(ch), string(kind)); err == nil {
		conn.Send(ch, frame)
	}
	conn.Close(kind)
}

// fallbackMapID returns the first configured map of a world's first entry point.
func (g *Gateway) fallbackMapID(worldID uint16) (uint16, bool) {
	snap := g.rt.Directory().Snapshot()
	for _, world := range snap.Config.Worlds {
		if world.ID != worldID {
			continue
		}
		for _, entry := range world.EntryPoints {
			if len(entry.Maps) > 0 {
				return entry.Maps[0].ID, true
			}
		}
	}
	return 0, false
}

// dispatch routes one post-handshake inbound frame by channel and payload kind. Application-level violations send
// ServerError on the offending channel and leave the connection open; only transport-level failures close it.
func (g *Gateway) dispatch(ctx context.Context, sess *session.Realtime, frame transport.InboundFrame) {
	current, ok := g.rt.Sessions().BySessionID(sess.SessionID)
	if !ok {
		return
	}
	inst, ok := g.rt.Instance(current.Route)
	if !ok {
		g.sendError(frame.Conn, frame.Channel, apperr.MapClosed)
		return
	}

	kind, body, err := wire.DecodePayload(frame.Body)
	if err != nil {
		g.sendError(frame.Conn, frame.Channel, apperr.Malformed)
		return
	}

	switch frame.Channel {
	case transport.GameplayInput:
		g.dispatchGameplayInput(sess.SessionID, inst, frame, kind, body)
	case transport.Chat:
		g.dispatchChat(sess, current.Route, inst, frame, kind, body)
	case transport.Control:
		g.dispatchControl(ctx, sess.SessionID, inst, frame, kind, body)
	case transport.Economy:
		if err := inst.SubmitCritical(ctx, sess.SessionID); err != nil {
			g.sendError(frame.Conn, transport.Economy, apperr.KindOf(err))
		}
	case transport.GameplayEvent:
		// Server-to-client channel; an inbound frame here is the peer binding the stream, nothing to route.
	default:
		g.sendError(frame.Conn, frame.Channel, apperr.ChannelViolation)
	}
}

// dispatchGameplayInput handles datagram-carried movement and skill inputs. Any other payload kind arriving on the
// input channel is a channel violation per the channel/payload table, answered without closing the connection.
func (g *Gateway) dispatchGameplayInput(sessionID string, inst *mapserver.Instance, frame transport.InboundFrame, kind wire.PayloadKind, body []byte) {
	switch kind {
	case wire.KindMoveInput:
		var in wire.MoveInput
		if err := json.Unmarshal(body, &in); err != nil {
			g.sendError(frame.Conn, frame.Channel, apperr.Malformed)
			return
		}
		inst.SubmitMove(sessionID, in)
	case wire.KindUseSkillInput:
		var in wire.UseSkillInput
		if err := json.Unmarshal(body, &in); err != nil {
			g.sendError(frame.Conn, frame.Channel, apperr.Malformed)
			return
		}
		inst.SubmitSkill(sessionID, in)
	default:
		g.sendError(frame.Conn, frame.Channel, apperr.ChannelViolation)
	}
}

// dispatchChat routes a chat payload to the hub scope its channel demands: local chat stays on the sender's map,
// whispers resolve the target's current route through the session registry, world chat fans out world-wide.
func (g *Gateway) dispatchChat(sess *session.Realtime, route directory.RouteKey, inst *mapserver.Instance, frame transport.InboundFrame, kind wire.PayloadKind, body []byte) {
	if kind != wire.KindChatPayload {
		g.sendError(frame.Conn, transport.Chat, apperr.ChannelViolation)
		return
	}
	var chat wire.ChatPayload
	if err := json.Unmarshal(body, &chat); err != nil {
		g.sendError(frame.Conn, transport.Chat, apperr.Malformed)
		return
	}

	switch chat.Channel {
	case wire.ChatWhisper:
		targetSession, ok := g.sessionByName(chat.Target)
		if !ok {
			g.log.Debug().Str("target", chat.Target).Msg("whisper target not online, dropped")
			return
		}
		target, ok := g.rt.Sessions().BySessionID(targetSession)
		if !ok {
			return
		}
		g.rt.Hub().Publish(hub.LocalMap(target.Route), hub.Message{
			FromSessionID: sess.SessionID,
			Channel:       wire.ChatWhisper,
			Text:          chat.Text,
			Target:        targetSession,
		})
	case wire.ChatWorld:
		g.rt.Hub().RouteChat(hub.World(route.WorldID), sess.SessionID, chat)
	default:
		inst.SubmitChat(context.Background(), sess.SessionID, chat)
	}
}

// dispatchControl handles post-handshake Control traffic, currently only map transfer directives.
func (g *Gateway) dispatchControl(ctx context.Context, sessionID string, inst *mapserver.Instance, frame transport.InboundFrame, kind wire.PayloadKind, body []byte) {
	switch kind {
	case wire.KindMapTransferDirective:
		var d wire.MapTransferDirective
		if err := json.Unmarshal(body, &d); err != nil {
			g.sendError(frame.Conn, transport.Control, apperr.Malformed)
			return
		}
		target := directory.RouteKey{
			WorldID: d.TargetRoute.WorldID, EntryID: d.TargetRoute.EntryID,
			MapID: d.TargetRoute.MapID, InstanceID: d.TargetRoute.InstanceID,
		}
		if err := inst.TriggerTransfer(ctx, sessionID, target, d.X, d.Y, d.Z); err != nil {
			g.sendError(frame.Conn, transport.Control, apperr.KindOf(err))
		}
	case wire.KindClientHello:
		// A second hello on an established connection is a replay of the handshake.
		g.sendError(frame.Conn, transport.Control, apperr.Replay)
	default:
		g.sendError(frame.Conn, transport.Control, apperr.ChannelViolation)
	}
}

// sendError best-effort delivers a ServerError on a channel without closing the connection, the policy for
// application-level errors.
func (g *Gateway) sendError(conn *transport.Conn, ch transport.Channel, kind apperr.Kind) {
	frame, err := wire.NewServerErrorFrame(0, uint8(ch), string(kind))
	if err != nil {
		return
	}
	if k, kErr := transport.KindOf(ch); kErr == nil && k == transport.KindDatagram {
		_ = conn.SendDatagram(frame)
		return
	}
	conn.Send(ch, frame)
}
