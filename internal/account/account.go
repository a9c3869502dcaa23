// Package account provides the Postgres-backed Account/Character repository: password verification, character
// listing, and the last-login bookkeeping the login handler depends on.
package account

import (
	"time"

	"github.com/google/uuid"
)

// Account is one player login identity.
type Account struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// Character is one playable character belonging to an account.
type Character struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Name      string
	WorldID   uint16
	Class     string
	Level     uint32
	CreatedAt time.Time
}

// CharacterState is the persisted gameplay snapshot for a character, the dirty-set payload the persistence
// pipeline flushes. Added beyond the bare Account/Character pair so there is somewhere for map server state to
// actually land.
type CharacterState struct {
	CharacterID uuid.UUID
	MapID       uint16
	InstanceID  uint16
	X, Y, Z     float64
	HP, MaxHP   int32
	Version     uint64
	UpdatedAt   time.Time
}
