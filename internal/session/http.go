package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a cookie-bound session does not exist or has expired.
var ErrNotFound = fmt.Errorf("session not found")

// httpSessionData is the JSON structure persisted in Valkey for an HTTP login session.
type httpSessionData struct {
	AccountID string `json:"account_id"`
	CreatedAt int64  `json:"created_at"`
}

// HTTPStore manages cookie-bound login sessions in Valkey.
type HTTPStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewHTTPStore builds an HTTP session store with the given TTL.
func NewHTTPStore(rdb *redis.Client, ttl time.Duration) *HTTPStore {
	return &HTTPStore{rdb: rdb, ttl: ttl}
}

func httpSessionKey(sessionID string) string { return "httpsession:" + sessionID }

func accountSessionKey(accountID uuid.UUID) string { return "httpsession:account:" + accountID.String() }

// Create issues a new cookie session for an account and returns its id. A prior session for the same account is
// atomically displaced: its key is deleted via the account→session binding before the new one is written, so a
// duplicate login leaves exactly one valid cookie and the old one fails validation afterward.
func (s *HTTPStore) Create(ctx context.Context, accountID uuid.UUID) (string, error) {
	if old, err := s.rdb.GetDel(ctx, accountSessionKey(accountID)).Result(); err == nil && old != "" {
		s.rdb.Del(ctx, httpSessionKey(old))
	} else if err != nil && err != redis.Nil {
		return "", fmt.Errorf("displace prior session: %w", err)
	}

	sessionID := uuid.NewString()
	data, err := json.Marshal(httpSessionData{AccountID: accountID.String(), CreatedAt: time.Now().Unix()})
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rdb.Set(ctx, httpSessionKey(sessionID), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := s.rdb.Set(ctx, accountSessionKey(accountID), sessionID, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("bind session to account: %w", err)
	}
	return sessionID, nil
}

// Load resolves a cookie session id to its account, refreshing the TTL of the session and its account binding on
// read (a sliding-expiry login session).
func (s *HTTPStore) Load(ctx context.Context, sessionID string) (uuid.UUID, error) {
	raw, err := s.rdb.Get(ctx, httpSessionKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return uuid.UUID{}, ErrNotFound
		}
		return uuid.UUID{}, fmt.Errorf("load session: %w", err)
	}

	var sd httpSessionData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return uuid.UUID{}, fmt.Errorf("unmarshal session: %w", err)
	}
	accountID, err := uuid.Parse(sd.AccountID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse session account id: %w", err)
	}

	s.rdb.Expire(ctx, httpSessionKey(sessionID), s.ttl)
	s.rdb.Expire(ctx, accountSessionKey(accountID), s.ttl)
	return accountID, nil
}

// Delete removes a cookie session, used by logout.
func (s *HTTPStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, httpSessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
