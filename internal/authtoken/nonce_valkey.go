package authtoken

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ValkeyNonceStore shares replay protection across every gateway replica. Consuming a nonce is a SetNX: the first replica to see it wins, every later attempt
// (including a legitimate retry of the same token) is a replay.
type ValkeyNonceStore struct {
	rdb *redis.Client
}

// NewValkeyNonceStore builds a Valkey-backed nonce store.
func NewValkeyNonceStore(rdb *redis.Client) *ValkeyNonceStore {
	return &ValkeyNonceStore{rdb: rdb}
}

func nonceKey(nonce string) string { return "authtoken_nonce:" + nonce }

// Consume atomically claims nonce for ttl, returning false if another call already claimed it.
func (v *ValkeyNonceStore) Consume(nonce string, ttl time.Duration) (bool, error) {
	ok, err := v.rdb.SetNX(context.Background(), nonceKey(nonce), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}
