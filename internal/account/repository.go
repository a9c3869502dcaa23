package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/auth"
	"github.com/allanbatista/mu-core-server/internal/postgres"
)

// ErrNotFound is returned when an account or character lookup has no match.
var ErrNotFound = errors.New("account: not found")

// ErrInvalidCredentials is returned by Authenticate when the username is unknown or the password does not match.
var ErrInvalidCredentials = errors.New("account: invalid credentials")

const accountColumns = `id, username, password_hash, created_at, last_login_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt, &a.LastLoginAt); err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// Repository is the Postgres-backed Account/Character/CharacterState store.
type Repository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewRepository builds a Postgres-backed account repository.
func NewRepository(db *pgxpool.Pool, logger zerolog.Logger) *Repository {
	return &Repository{db: db, log: logger.With().Str("component", "account_repository").Logger()}
}

// Authenticate looks up an account by username and verifies the given password, returning ErrInvalidCredentials for
// either an unknown username or a wrong password so callers cannot distinguish the two (avoids username enumeration).
func (r *Repository) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query account by username: %w", err)
	}

	match, err := auth.VerifyPassword(password, a.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

// UpdateLastLogin stamps the account's last_login_at to now.
func (r *Repository) UpdateLastLogin(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE accounts SET last_login_at = now() WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// CharactersByAccount returns every character belonging to an account, ordered by creation time.
func (r *Repository) CharactersByAccount(ctx context.Context, accountID uuid.UUID) ([]Character, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, name, world_id, class, level, created_at
		 FROM characters WHERE account_id = $1 ORDER BY created_at ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query characters: %w", err)
	}
	defer rows.Close()

	var out []Character
	for rows.Next() {
		var c Character
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Name, &c.WorldID, &c.Class, &c.Level, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate characters: %w", err)
	}
	return out, nil
}

// CharacterByID returns a single character, scoped to its owning account so one account cannot select another's.
func (r *Repository) CharacterByID(ctx context.Context, accountID, characterID uuid.UUID) (*Character, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, account_id, name, world_id, class, level, created_at
		 FROM characters WHERE id = $1 AND account_id = $2`, characterID, accountID)

	var c Character
	if err := row.Scan(&c.ID, &c.AccountID, &c.Name, &c.WorldID, &c.Class, &c.Level, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query character by id: %w", err)
	}
	return &c, nil
}

// LoadCharacterState returns the persisted gameplay snapshot for a character, or a zero-value state with version 0
// if none has ever been flushed (a freshly created character that hasn't entered the world yet).
func (r *Repository) LoadCharacterState(ctx context.Context, characterID uuid.UUID) (CharacterState, error) {
	row := r.db.QueryRow(ctx,
		`SELECT character_id, map_id, instance_id, x, y, z, hp, max_hp, version, updated_at
		 FROM character_state WHERE character_id = $1`, characterID)

	var s CharacterState
	err := row.Scan(&s.CharacterID, &s.MapID, &s.InstanceID, &s.X, &s.Y, &s.Z, &s.HP, &s.MaxHP, &s.Version, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CharacterState{CharacterID: characterID}, nil
		}
		return CharacterState{}, fmt.Errorf("query character state: %w", err)
	}
	return s, nil
}

// UpsertCharacterStates flushes a batch of character state snapshots inside one transaction, the target of the
// persistence pipeline's periodic dirty-set flush. A row is only written if the incoming version is strictly
// greater than the stored one, enforcing last-write-wins under concurrent/out-of-order flushes.
func (r *Repository) UpsertCharacterStates(ctx context.Context, states []CharacterState) error {
	if len(states) == 0 {
		return nil
	}
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, s := range states {
			_, err := tx.Exec(ctx,
				`INSERT INTO character_state (character_id, map_id, instance_id, x, y, z, hp, max_hp, version, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT (character_id) DO UPDATE SET
				   map_id = EXCLUDED.map_id, instance_id = EXCLUDED.instance_id,
				   x = EXCLUDED.x, y = EXCLUDED.y, z = EXCLUDED.z,
				   hp = EXCLUDED.hp, max_hp = EXCLUDED.max_hp,
				   version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
				 WHERE character_state.version < EXCLUDED.version`,
				s.CharacterID, s.MapID, s.InstanceID, s.X, s.Y, s.Z, s.HP, s.MaxHP, s.Version, time.Now())
			if err != nil {
				return fmt.Errorf("upsert character state %s: %w", s.CharacterID, err)
			}
		}
		return nil
	})
}
