package mapserver

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/transport"
	"github.com/allanbatista/mu-core-server/internal/wire"
)

// baseSkillDamage is the flat damage a resolved skill use deals until a real skill/ability table exists; the
// spec's interest is in the ordering and dirty-tracking a skill resolution triggers, not damage balancing.
const baseSkillDamage = 15

// applyInbound applies one queued movement or skill input to its owning player. Inputs for a session with no
// current player (already disconnected or mid-handoff) are silently discarded.
func (in *Instance) applyInbound(msg inboundInput) {
	p, ok := in.players[msg.sessionID]
	if !ok {
		return
	}
	switch {
	case msg.move != nil:
		p.queueMove(msg.move.ClientTick, msg.move.DX, msg.move.DZ)
	case msg.skill != nil:
		p.queueSkill(msg.skill.ClientTick, msg.skill.SkillID, msg.skill.TargetID)
	}
}

// playerTick runs one pass of the deterministic per-tick order: inputs, then skill resolution, then
// broadcast assembly, then the dirty-set append to persistence.
func (in *Instance) playerTick(ctx context.Context) {
	in.tick++

	for _, p := range in.players {
		p.applyMove()
	}
	for _, p := range in.players {
		in.resolveSkill(p)
	}

	in.broadcastAOI()
	in.appendDirtyPlayers(ctx)
	in.clearPlayerDirty()
	in.updateStats()
}

// monsterTick runs the monster AI pass: aggro acquisition against nearby players, state machine advancement, then
// broadcast assembly for anything that changed.
func (in *Instance) monsterTick() {
	now := time.Now()
	for _, m := range in.monsters {
		in.acquireAggro(m)
		m.stepAI(now)
	}
	in.broadcastAOI()
	in.clearMonsterDirty()
	in.updateStats()
}

// resolveSkill applies a player's queued skill use against its target monster, dealing flat damage and marking the
// target dirty (the caster is not marked dirty). A surviving target turns Aggro on the caster; a killed one stays
// AIDead. A target that doesn't exist or is already dead is a no-op rather than an error; the client already saw its
// own input accepted.
func (in *Instance) resolveSkill(p *Player) {
	if p.pendingSkill == nil {
		return
	}
	s := p.pendingSkill
	p.pendingSkill = nil
	p.lastAppliedTick = maxUint32(p.lastAppliedTick, s.clientTick)

	target, ok := in.monsters[s.targetID]
	if !ok || target.State == AIDead {
		return
	}
	target.takeDamage(baseSkillDamage, time.Now())
	if target.State != AIDead {
		target.AggroTargetID = p.SessionID
		target.State = AIAggro
	}
}

// acquireAggro transitions an idle or patrolling monster to Aggro if a living player has come within its aggro
// range (reused here as the AOI radius; no separate aggro range is configured).
func (in *Instance) acquireAggro(m *Monster) {
	if m.State == AIDead || m.State == AIRespawn || m.State == AIAggro {
		return
	}
	for _, p := range in.players {
		if !p.isAlive() {
			continue
		}
		if distance(p.X, p.Y, p.Z, m.X, m.Y, m.Z) <= in.aoiRadius {
			m.State = AIAggro
			m.AggroTargetID = p.SessionID
			m.dirty = true
			return
		}
	}
}

// broadcastAOI assembles and sends one StateDelta per connected player, containing only the dirty entities within
// that player's AOI radius.
func (in *Instance) broadcastAOI() {
	type dirtyEntity struct {
		delta   wire.EntityDelta
		x, y, z float64
	}

	var changed []dirtyEntity
	for _, p := range in.players {
		if !p.dirty {
			continue
		}
		changed = append(changed, dirtyEntity{
			delta: wire.EntityDelta{
				Kind: "player", EntityID: p.CharacterID.String(),
				X: p.X, Y: p.Y, Z: p.Z, HP: p.HP, MaxHP: p.MaxHP, AppliedTick: p.lastAppliedTick,
			},
			x: p.X, y: p.Y, z: p.Z,
		})
	}
	for _, m := range in.monsters {
		if !m.dirty {
			continue
		}
		changed = append(changed, dirtyEntity{
			delta: wire.EntityDelta{
				Kind: "monster", EntityID: formatMonsterID(m.ID),
				X: m.X, Y: m.Y, Z: m.Z, HP: m.HP, MaxHP: m.MaxHP, AIState: uint8(m.State),
			},
			x: m.X, y: m.Y, z: m.Z,
		})
	}
	if len(changed) == 0 {
		return
	}

	for _, p := range in.players {
		var entities []wire.EntityDelta
		for _, c := range changed {
			if distance(p.X, p.Y, p.Z, c.x, c.y, c.z) <= in.aoiRadius {
				entities = append(entities, c.delta)
			}
		}
		if len(entities) == 0 {
			continue
		}
		frame, err := wire.NewStateDeltaFrame(0, uint8(transport.GameplayEvent), wire.StateDelta{Tick: in.tick, Entities: entities})
		if err != nil {
			in.log.Error().Err(err).Msg("encode state delta")
			continue
		}
		in.outbox.Send(p.SessionID, uint8(transport.GameplayEvent), frame)
	}
}

// appendDirtyPlayers submits every dirty player's state to the persistence pipeline as a non-critical write;
// gameplay position updates tolerate the bounded staleness persistence allows, unlike Economy transactions.
func (in *Instance) appendDirtyPlayers(ctx context.Context) {
	if in.persistence == nil {
		return
	}
	for _, p := range in.players {
		if !p.dirty {
			continue
		}
		state := account.CharacterState{
			CharacterID: p.CharacterID,
			MapID:       in.Route.MapID,
			InstanceID:  in.Route.InstanceID,
			X:           p.X, Y: p.Y, Z: p.Z,
			HP: p.HP, MaxHP: p.MaxHP,
			Version:   uint64(in.tick),
			UpdatedAt: time.Now(),
		}
		if err := in.persistence.Submit(ctx, state, false); err != nil {
			in.log.Warn().Err(err).Str("character_id", p.CharacterID.String()).Msg("persistence submit failed")
		}
	}
}

func (in *Instance) clearPlayerDirty() {
	for _, p := range in.players {
		p.dirty = false
	}
}

func (in *Instance) clearMonsterDirty() {
	for _, m := range in.monsters {
		m.dirty = false
	}
}

// updateStats refreshes the lock-guarded snapshot other goroutines read via Stats().
func (in *Instance) updateStats() {
	in.mu.Lock()
	in.stats = MapServerStats{
		Route:        in.Route,
		PlayerCount:  len(in.players),
		MonsterCount: len(in.monsters),
		Tick:         in.tick,
		Closed:       in.closed,
	}
	in.mu.Unlock()
}

// shutdown runs the cancellation sequence: drain inputs once more, flush a final snapshot to persistence, then
// reject further inbound (Join, Handoff and TriggerTransfer return MAP_CLOSED; SubmitMove, SubmitSkill and Leave
// return without an error, and nothing drains what they queue).
func (in *Instance) shutdown(ctx context.Context) {
	drain := true
	for drain {
		select {
		case msg := <-in.inbound:
			in.applyInbound(msg)
		default:
			drain = false
		}
	}
	for _, p := range in.players {
		p.applyMove()
	}
	in.appendDirtyPlayers(ctx)

	in.mu.Lock()
	in.closed = true
	in.stats = MapServerStats{Route: in.Route, PlayerCount: len(in.players), MonsterCount: len(in.monsters), Tick: in.tick, Closed: true}
	in.mu.Unlock()
	close(in.closedCh)
}

func distance(x1, y1, z1, x2, y2, z2 float64) float64 {
	dx, dy, dz := x1-x2, y1-y2, z1-z2
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func formatMonsterID(id uint64) string {
	return "mon-" + strconv.FormatUint(id, 10)
}
