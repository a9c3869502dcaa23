// Package authtoken issues and verifies the single-use, HMAC-signed auth tokens used to hand a player off from the
// HTTP login flow to the QUIC gateway.
package authtoken

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/allanbatista/mu-core-server/internal/auth"
)

// ErrInvalidToken is returned for a token with a bad signature, expired validity window, or malformed payload.
var ErrInvalidToken = fmt.Errorf("invalid auth token")

// ErrReplayed is returned when a token's nonce has already been consumed.
var ErrReplayed = fmt.Errorf("auth token already used")

// Claims is the signed payload carried by an auth token: which account and character requested the handoff, and
// which world they picked at login. It deliberately stops at the world: the HTTP connect service only knows a
// coarse, heartbeat-delayed view of instance load, while the gateway that redeems this token runs in the same
// process as the map instances themselves and resolves the concrete entry/map/instance through its own directory
// at ClientHello time, replying with RoutePlacement.
type Claims struct {
	AccountID   uuid.UUID `json:"account_id"`
	CharacterID uuid.UUID `json:"character_id"`
	WorldID     uint16    `json:"world_id"`
	IssuedAt    int64     `json:"issued_at"`
	Nonce       string    `json:"nonce"`
}

// NonceStore guards against a token being redeemed more than once. Consume reports whether the nonce was fresh (and
// is now marked used); a false result without an error means the nonce was already consumed.
type NonceStore interface {
	Consume(nonce string, ttl time.Duration) (fresh bool, err error)
}

// Service issues and verifies auth tokens signed with a shared hex-encoded secret key. Tokens are
// "base64url(payload).hexdigest", the digest being auth.HMACIdentifier over the encoded payload.
type Service struct {
	hexKey string
	ttl    time.Duration
	nonce  NonceStore
}

// NewService builds an auth token service. hexKey is the hex-encoded signing secret; ttl bounds how long an issued
// token remains redeemable.
func NewService(hexKey string, ttl time.Duration, nonce NonceStore) *Service {
	return &Service{hexKey: hexKey, ttl: ttl, nonce: nonce}
}

// Issue signs a fresh single-use token for the given account/character/world.
func (s *Service) Issue(accountID, characterID uuid.UUID, worldID uint16) (string, error) {
	claims := Claims{
		AccountID:   accountID,
		CharacterID: characterID,
		WorldID:     worldID,
		IssuedAt:    time.Now().Unix(),
		Nonce:       uuid.NewString(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	sig, err := auth.HMACIdentifier(encodedPayload, s.hexKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return encodedPayload + "." + sig, nil
}

// Verify checks a token's signature, expiry, and single-use nonce, returning its claims if valid. Verify consumes
// the token's nonce as a side effect, so a token can only ever verify successfully once.
func (s *Service) Verify(token string) (Claims, error) {
	encodedPayload, sig, ok := splitToken(token)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	expected, err := auth.HMACIdentifier(encodedPayload, s.hexKey)
	if err != nil {
		return Claims{}, fmt.Errorf("sign token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return Claims{}, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}

	issuedAt := time.Unix(claims.IssuedAt, 0)
	if time.Since(issuedAt) > s.ttl {
		return Claims{}, ErrInvalidToken
	}

	fresh, err := s.nonce.Consume(claims.Nonce, s.ttl)
	if err != nil {
		return Claims{}, fmt.Errorf("consume nonce: %w", err)
	}
	if !fresh {
		return Claims{}, ErrReplayed
	}

	return claims, nil
}

func splitToken(token string) (payload, sig string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
