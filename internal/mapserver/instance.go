// Package mapserver implements one map instance as a cooperative single-goroutine actor: a player-tick timer
// and a monster-tick timer sharing one unlocked state block, with every cross-goroutine request serialized
// through the actor's own channels.
package mapserver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/directory"
	"github.com/allanbatista/mu-core-server/internal/hub"
	"github.com/allanbatista/mu-core-server/internal/wire"
)

// defaultAOIRadius is the default area-of-interest broadcast radius in world units when a map doesn't specify one.
const defaultAOIRadius = 80.0

// handoffQueueSize bounds how many concurrent outbound hand-offs this instance may have in flight.
const handoffQueueSize = 16

// Outbox delivers an already-encoded frame to one connected session's transport, decoupling the instance from the
// concrete gateway/transport types so it can be tested without a QUIC connection.
type Outbox interface {
	Send(sessionID string, channel uint8, frame []byte)
}

// TransferRequest is what the instance asks the runtime supervisor to perform when a player crosses a portal,
// mirroring wire.MapTransferDirective but carrying the full in-process player snapshot instead of just a position.
type TransferRequest struct {
	SessionID   string
	CharacterID uuid.UUID
	TargetRoute directory.RouteKey
	Snapshot    Player
}

// Transferer hands a player snapshot across to a destination map, implemented by the runtime supervisor's hand-off
// orchestration. No slot is reserved and no capacity is checked; a running destination accepts every hand-off.
type Transferer interface {
	RequestTransfer(ctx context.Context, req TransferRequest) error
}

// inboundInput is one decoded gameplay input routed to this instance from a session's connection.
type inboundInput struct {
	sessionID string
	move      *wire.MoveInput
	skill     *wire.UseSkillInput
}

// Instance is one running map instance: the authoritative owner of every player and monster placed on it. All
// fields below the channels are exclusively touched by the run goroutine, never from another goroutine.
type Instance struct {
	Route     directory.RouteKey
	aoiRadius float64

	hub         *hub.Hub
	persistence PersistenceSubmitter
	transferer  Transferer
	outbox      Outbox
	log         zerolog.Logger

	players     map[string]*Player // keyed by session id
	monsters    map[uint64]*Monster
	nextMonster uint64

	inbound     chan inboundInput
	handoffIn   chan HandoffArrival
	join        chan *joinRequest
	leave       chan string
	chatIn      chan hub.Message
	transferReq chan *transferRequest
	criticalReq chan *criticalFlushRequest
	hubSub      *hub.Subscription
	extraSubs   []*hub.Subscription

	tick uint64

	mu       sync.RWMutex // guards the snapshot-only fields below, read by Stats() from other goroutines
	stats    MapServerStats
	closed   bool
	closedCh chan struct{}
}

// PersistenceSubmitter is the dirty-set sink an instance appends to every player tick, implemented by
// *persistence.Pipeline.
type PersistenceSubmitter interface {
	Submit(ctx context.Context, state account.CharacterState, critical bool) error
}

// HandoffArrival is a player snapshot accepted onto this instance from another map, delivered by the runtime
// supervisor's transfer orchestration. The run loop admits every arrival and acks it with nil.
type HandoffArrival struct {
	Snapshot Player
	Ack      chan error
}

type joinRequest struct {
	player *Player
	result chan error
}

// MapServerStats is the read-only snapshot exposed to the runtime supervisor's map_stats telemetry.
type MapServerStats struct {
	Route        directory.RouteKey
	PlayerCount  int
	MonsterCount int
	Tick         uint64
	Closed       bool
}

// New builds a map instance. It does not start ticking until Run is called.
func New(route directory.RouteKey, aoiRadius float64, h *hub.Hub, p PersistenceSubmitter, t Transferer, out Outbox, log zerolog.Logger) *Instance {
	if aoiRadius <= 0 {
		aoiRadius = defaultAOIRadius
	}
	return &Instance{
		Route:       route,
		aoiRadius:   aoiRadius,
		hub:         h,
		persistence: p,
		transferer:  t,
		outbox:      out,
		log:         log.With().Uint16("world_id", route.WorldID).Uint16("map_id", route.MapID).Uint16("instance_id", route.InstanceID).Logger(),
		players:     make(map[string]*Player),
		monsters:    make(map[uint64]*Monster),
		inbound:     make(chan inboundInput, 1024),
		handoffIn:   make(chan HandoffArrival, handoffQueueSize),
		join:        make(chan *joinRequest, 64),
		leave:       make(chan string, 64),
		chatIn:      make(chan hub.Message, 256),
		transferReq: make(chan *transferRequest, 16),
		criticalReq: make(chan *criticalFlushRequest, 16),
		closedCh:    make(chan struct{}),
	}
}

// SpawnMonster adds a monster to the instance's roster before Run starts (map instances are populated from static
// spawn tables at construction time, not mutated concurrently afterward).
func (in *Instance) SpawnMonster(m *Monster) {
	in.nextMonster++
	if m.ID == 0 {
		m.ID = in.nextMonster
	}
	in.monsters[m.ID] = m
}

// isClosed reports whether the instance has already run its shutdown sequence. Checked before every enqueue so a
// caller racing the run loop's exit gets MAP_CLOSED instead of a request that is buffered but never drained.
func (in *Instance) isClosed() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.closed
}

// Join admits a new player onto this instance, used both for a fresh connection placement and for the destination
// side of a map hand-off. It is safe to call from any goroutine; the request is serialized through the run loop.
func (in *Instance) Join(ctx context.Context, p *Player) error {
	if in.isClosed() {
		return apperr.New(apperr.MapClosed, "map instance closed")
	}
	req := &joinRequest{player: p, result: make(chan error, 1)}
	select {
	case in.join <- req:
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

// Leave removes a session's player from the instance, used on disconnect.
func (in *Instance) Leave(sessionID string) {
	select {
	case in.leave <- sessionID:
	case <-in.closedCh:
	}
}

// SubmitMove routes a decoded MoveInput to this instance's player-tick queue.
func (in *Instance) SubmitMove(sessionID string, m wire.MoveInput) {
	select {
	case in.inbound <- inboundInput{sessionID: sessionID, move: &m}:
	case <-in.closedCh:
	}
}

// SubmitSkill routes a decoded UseSkillInput to this instance's player-tick queue.
func (in *Instance) SubmitSkill(sessionID string, s wire.UseSkillInput) {
	select {
	case in.inbound <- inboundInput{sessionID: sessionID, skill: &s}:
	case <-in.closedCh:
	}
}

// Handoff delivers an incoming player snapshot from another map's transfer request; the Ack channel receives nil on
// success or a TRANSFER_FAILED error, and the source map only removes its copy of the player once it sees a nil.
func (in *Instance) Handoff(ctx context.Context, arrival HandoffArrival) error {
	if in.isClosed() {
		return apperr.New(apperr.MapClosed, "map instance closed")
	}
	select {
	case in.handoffIn <- arrival:
	case <-in.closedCh:
		return apperr.New(apperr.MapClosed, "map instance closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-arrival.Ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a point-in-time snapshot safe to read from any goroutine.
func (in *Instance) Stats() MapServerStats {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.stats
}

// Run is the instance's single goroutine: a select loop over the player tick, the monster tick, and the inbound
// request channels, until ctx is cancelled. The runtime launches it via runtime.RunWithBackoff, which restarts it
// only when it returns an error; a panic inside Run is not recovered.
func (in *Instance) Run(ctx context.Context, playerTick, monsterTick time.Duration) error {
	playerTicker := time.NewTicker(playerTick)
	monsterTicker := time.NewTicker(monsterTick)
	defer playerTicker.Stop()
	defer monsterTicker.Stop()

	if in.hub != nil && in.hubSub == nil {
		in.hubSub = in.subscribeChat()
		defer func() {
			in.hubSub.Unsubscribe()
			for _, sub := range in.extraSubs {
				sub.Unsubscribe()
			}
		}()
	}
	defer in.shutdown(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-in.join:
			in.players[req.player.SessionID] = req.player
			in.updateStats()
			req.result <- nil

		case sessionID := <-in.leave:
			delete(in.players, sessionID)
			in.updateStats()

		case arrival := <-in.handoffIn:
			p := arrival.Snapshot
			in.players[p.SessionID] = &p
			in.updateStats()
			arrival.Ack <- nil

		case msg := <-in.inbound:
			in.applyInbound(msg)

		case chatMsg := <-in.chatIn:
			in.deliverChat(chatMsg)

		case req := <-in.transferReq:
			in.handleTransfer(ctx, req)
			in.updateStats()

		case req := <-in.criticalReq:
			in.handleCriticalFlush(ctx, req)

		case <-playerTicker.C:
			in.playerTick(ctx)

		case <-monsterTicker.C:
			in.monsterTick()
		}
	}
}
