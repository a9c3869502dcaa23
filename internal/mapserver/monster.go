package mapserver

import "time"

// AIState is one node of the monster behaviour state machine.
type AIState uint8

const (
	AIIdle AIState = iota
	AIPatrol
	AIAggro
	AIDead
	AIRespawn
)

// respawnDelay is how long a dead monster waits before respawning at its spawn point.
const respawnDelay = 30 * time.Second

// Monster is one AI-controlled entity within a map instance.
type Monster struct {
	ID                     uint64
	X, Y, Z                float64
	SpawnX, SpawnY, SpawnZ float64
	HP, MaxHP              int32
	State                  AIState
	AggroTargetID          string
	diedAt                 time.Time
	dirty                  bool
}

// takeDamage applies damage and transitions to AIDead if it brings HP to zero or below.
func (m *Monster) takeDamage(amount int32, now time.Time) {
	if m.State == AIDead {
		return
	}
	m.HP -= amount
	if m.HP <= 0 {
		m.HP = 0
		m.State = AIDead
		m.diedAt = now
	}
	m.dirty = true
}

// stepAI advances the monster's state machine by one monster tick.
func (m *Monster) stepAI(now time.Time) {
	switch m.State {
	case AIDead:
		if now.Sub(m.diedAt) >= respawnDelay {
			m.State = AIRespawn
		}
	case AIRespawn:
		m.HP = m.MaxHP
		m.X, m.Y, m.Z = m.SpawnX, m.SpawnY, m.SpawnZ
		m.AggroTargetID = ""
		m.State = AIIdle
		m.dirty = true
	case AIAggro:
		if m.AggroTargetID == "" {
			m.State = AIPatrol
		}
	default:
		// Idle/Patrol have no autonomous transition here; aggro is triggered externally when a player comes into
		// range, which the instance's monster tick handler applies before calling stepAI.
	}
}
