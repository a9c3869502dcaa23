package mapserver

import (
	"math"

	"github.com/google/uuid"
)

// maxSpeedPerTick bounds how far a single MoveInput may move a player in one player tick, clamping client-reported
// deltas so the server remains authoritative over movement.
const maxSpeedPerTick = 60.0

// Player is one connected character's authoritative state within this map instance.
type Player struct {
	SessionID   string
	CharacterID uuid.UUID
	X, Y, Z     float64
	HP, MaxHP   int32

	// lastAppliedTick is the highest client_tick whose MoveInput/UseSkillInput has been applied; inputs at or below
	// this value are stale resends and are discarded, making input application idempotent.
	lastAppliedTick uint32

	pendingMove  *queuedMove
	pendingSkill *queuedSkill

	dirty bool
}

type queuedMove struct {
	clientTick uint32
	dx, dz     float64
}

type queuedSkill struct {
	clientTick uint32
	skillID    uint32
	targetID   uint64
}

// queueMove stages a movement input for application on the next player tick, discarding stale resends.
func (p *Player) queueMove(clientTick uint32, dx, dz float64) {
	if clientTick <= p.lastAppliedTick {
		return
	}
	p.pendingMove = &queuedMove{clientTick: clientTick, dx: dx, dz: dz}
}

// queueSkill stages a skill-use input for application on the next player tick, discarding stale resends.
func (p *Player) queueSkill(clientTick uint32, skillID uint32, targetID uint64) {
	if clientTick <= p.lastAppliedTick {
		return
	}
	p.pendingSkill = &queuedSkill{clientTick: clientTick, skillID: skillID, targetID: targetID}
}

// applyMove clamps and applies the player's staged movement, marking the player dirty if it moved.
func (p *Player) applyMove() {
	if p.pendingMove == nil {
		return
	}
	m := p.pendingMove
	p.pendingMove = nil
	p.lastAppliedTick = m.clientTick

	dx, dz := clampStep(m.dx, m.dz, maxSpeedPerTick)
	if dx == 0 && dz == 0 {
		return
	}
	p.X += dx
	p.Z += dz
	p.dirty = true
}

// clampStep scales (dx, dz) down to at most maxStep in magnitude, preserving direction.
func clampStep(dx, dz, maxStep float64) (float64, float64) {
	mag := math.Hypot(dx, dz)
	if mag <= maxStep || mag == 0 {
		return dx, dz
	}
	scale := maxStep / mag
	return dx * scale, dz * scale
}

// isAlive reports whether the player's HP is above zero.
func (p *Player) isAlive() bool { return p.HP > 0 }
