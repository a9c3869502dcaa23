package authtoken

import (
	"container/list"
	"sync"
	"time"
)

// maxInProcessNonces bounds the in-process nonce store so a flood of tokens cannot grow it unboundedly; the oldest
// entry is evicted once the cap is reached, same as an LRU cache.
const maxInProcessNonces = 100_000

type nonceEntry struct {
	nonce   string
	expires time.Time
}

// MemoryNonceStore is the default single-instance NonceStore: a bounded map plus an LRU eviction list, with no
// external dependency. Suitable when the runtime runs as a single process; multi-instance deployments should use
// ValkeyNonceStore instead so replay protection is shared across replicas.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List
}

// NewMemoryNonceStore builds an empty in-process nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		seen:  make(map[string]*list.Element),
		order: list.New(),
	}
}

// Consume marks nonce as used, returning false if it was already present and not yet expired.
func (m *MemoryNonceStore) Consume(nonce string, ttl time.Duration) (bool, error) {
	return m.consumeAt(nonce, ttl, time.Now()), nil
}

func (m *MemoryNonceStore) consumeAt(nonce string, ttl time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.seen[nonce]; ok {
		entry := el.Value.(*nonceEntry)
		if now.Before(entry.expires) {
			return false
		}
		// Expired entry for a reused nonce string is vanishingly unlikely (nonces are UUIDs) but handled for
		// completeness: treat it as fresh and refresh its position.
		m.order.Remove(el)
		delete(m.seen, nonce)
	}

	entry := &nonceEntry{nonce: nonce, expires: now.Add(ttl)}
	el := m.order.PushFront(entry)
	m.seen[nonce] = el

	for m.order.Len() > maxInProcessNonces {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.seen, oldest.Value.(*nonceEntry).nonce)
	}

	return true
}
