package mapserver

import (
	"context"

	"github.com/allanbatista/mu-core-server/internal/hub"
	"github.com/allanbatista/mu-core-server/internal/transport"
	"github.com/allanbatista/mu-core-server/internal/wire"
)

// subscribeChat opens this instance's hub subscriptions (its own map, its entry point, its world) and bridges
// their deliveries into chatIn, a channel the run loop's select reads from. A separate goroutine per subscription
// is unavoidable here (the hub's topic fan-out is shared across every map instance's goroutine), but it never
// touches instance state directly — it only forwards onto a channel the run loop owns, preserving the
// no-lock-on-map-state invariant.
func (in *Instance) subscribeChat() *hub.Subscription {
	local := in.hub.Subscribe(hub.LocalMap(in.Route))
	in.bridge(local)

	entry := in.hub.Subscribe(hub.Entry(in.Route.WorldID, in.Route.EntryID))
	in.bridge(entry)
	in.extraSubs = append(in.extraSubs, entry)

	world := in.hub.Subscribe(hub.World(in.Route.WorldID))
	in.bridge(world)
	in.extraSubs = append(in.extraSubs, world)

	return local
}

// bridge forwards one subscription's deliveries into the run loop's chatIn channel.
func (in *Instance) bridge(sub *hub.Subscription) {
	go func() {
		for msg := range sub.C() {
			select {
			case in.chatIn <- msg:
			case <-in.closedCh:
				return
			}
		}
	}()
}

// SubmitChat routes a player's local chat message to the message hub under LocalMap scope for re-broadcast;
// whisper/world-wide fan-out beyond this map is the gateway's job, since resolving a whisper target's current route
// or fanning out to a whole world requires the directory, which instances deliberately don't hold a reference to.
func (in *Instance) SubmitChat(ctx context.Context, sessionID string, chat wire.ChatPayload) {
	in.hub.RouteChat(hub.LocalMap(in.Route), sessionID, chat)
}

// deliverChat re-broadcasts a hub chat message over the Chat channel. Whispers carry the target's session id in
// Target and are delivered only to that player; everything else fans out to every player on this instance.
func (in *Instance) deliverChat(msg hub.Message) {
	frame, err := wire.NewChatPayloadFrame(0, uint8(transport.Chat), wire.ChatPayload{
		Channel: msg.Channel,
		Target:  msg.Target,
		Text:    msg.Text,
	})
	if err != nil {
		in.log.Error().Err(err).Msg("encode chat re-broadcast")
		return
	}

	if msg.Channel == wire.ChatWhisper {
		if _, ok := in.players[msg.Target]; ok {
			in.outbox.Send(msg.Target, uint8(transport.Chat), frame)
		}
		return
	}
	for sessionID := range in.players {
		in.outbox.Send(sessionID, uint8(transport.Chat), frame)
	}
}
