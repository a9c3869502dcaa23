// Package session tracks both realtime (QUIC-bound) and HTTP (cookie-bound) session state. Realtime sessions live
// entirely in process memory; HTTP sessions are persisted in Valkey so they survive a server restart.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/directory"
)

// Realtime is one connected player's live session: which account and character it belongs to, and which map
// instance it currently occupies.
type Realtime struct {
	SessionID   string
	AccountID   uuid.UUID
	CharacterID uuid.UUID
	Route       directory.RouteKey
	ConnectedAt time.Time

	// evict, if non-nil, is invoked by the registry when this session is displaced by a duplicate login. It is the
	// caller's hook to close the underlying QUIC connection with apperr.DuplicateLogin.
	evict func()
}

// SetEvictFunc attaches the callback the registry runs if this session is displaced. Must be called once, before
// the session is registered.
func (r *Realtime) SetEvictFunc(fn func()) { r.evict = fn }

// Registry is the in-process dual-index of live realtime sessions: by session id (for routing inbound frames) and
// by account id (for duplicate-login detection).
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]*Realtime
	byAccount map[uuid.UUID]*Realtime
	log       zerolog.Logger
}

// NewRegistry builds an empty realtime session registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		bySession: make(map[string]*Realtime),
		byAccount: make(map[uuid.UUID]*Realtime),
		log:       log.With().Str("component", "session_registry").Logger(),
	}
}

// Register adds a new realtime session, evicting any existing session for the same account first. The evicted
// session's evict callback, if set, is invoked synchronously before the new session takes its place.
func (r *Registry) Register(s *Realtime) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAccount[s.AccountID]; ok {
		r.log.Debug().Stringer("account_id", s.AccountID).Str("old_session", existing.SessionID).
			Msg("displacing existing session for duplicate login")
		delete(r.bySession, existing.SessionID)
		delete(r.byAccount, existing.AccountID)
		if existing.evict != nil {
			existing.evict()
		}
	}

	r.bySession[s.SessionID] = s
	r.byAccount[s.AccountID] = s
}

// Unregister removes a session if it is still the one registered for its account (a session that has already been
// displaced by a newer login is a no-op here).
func (r *Registry) Unregister(s *Realtime) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.bySession[s.SessionID]
	if !ok || current != s {
		return
	}
	delete(r.bySession, s.SessionID)
	delete(r.byAccount, s.AccountID)
}

// BySessionID looks up a realtime session by its id.
func (r *Registry) BySessionID(sessionID string) (*Realtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

// ByAccountID looks up the active realtime session, if any, for an account.
func (r *Registry) ByAccountID(accountID uuid.UUID) (*Realtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byAccount[accountID]
	return s, ok
}

// Count returns the number of active realtime sessions, for runtime_stats telemetry.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// UpdateRoute moves a session's recorded map instance, called after a successful map hand-off.
func (r *Registry) UpdateRoute(sessionID string, route directory.RouteKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.bySession[sessionID]; ok {
		s.Route = route
	}
}
