// Package hub implements the scoped pub/sub message hub that routes chat and broadcast traffic between map
// instances: one lazily-created topic per scope key across the LocalMap, Entry, and World scopes.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/allanbatista/mu-core-server/internal/wire"
)

// defaultCapacity is the per-subscriber buffer size; a slow subscriber that falls this far behind has messages
// dropped rather than stalling the publisher; reliable transport is reserved for gameplay state.
const defaultCapacity = 256

// Message is one routed hub delivery: the chat or broadcast payload plus which session sent it (zero for
// system-originated messages).
type Message struct {
	FromSessionID string
	Channel       wire.ChatChannel
	Text          string
	Target        string
}

// Subscription is a live subscriber handle. Call Unsubscribe when done to free the topic slot.
type Subscription struct {
	ch     chan Message
	topic  *topic
	closed atomic.Bool
}

// C returns the channel to receive messages on.
func (s *Subscription) C() <-chan Message { return s.ch }

// Unsubscribe removes this subscription from its topic. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.topic.remove(s)
}

type topic struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func newTopic() *topic { return &topic{subs: make(map[*Subscription]struct{})} }

func (t *topic) subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Message, defaultCapacity)}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	sub.topic = t
	return sub
}

func (t *topic) remove(sub *Subscription) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

// publish delivers msg to every current subscriber, non-blocking. It returns how many subscribers received it and
// how many had it dropped because their buffer was full.
func (t *topic) publish(msg Message) (delivered, dropped int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for sub := range t.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// Hub is the runtime-wide scoped message router: one lazily-created topic per distinct Scope key.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New builds an empty hub.
func New() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

func (h *Hub) topicFor(scope Scope) *topic {
	key := scope.key()

	h.mu.RLock()
	t, ok := h.topics[key]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[key]; ok {
		return t
	}
	t = newTopic()
	h.topics[key] = t
	return t
}

// Subscribe returns a live subscription to a scope, creating its topic on first use.
func (h *Hub) Subscribe(scope Scope) *Subscription {
	return h.topicFor(scope).subscribe()
}

// Publish delivers a message to every current subscriber of scope. Delivery is best-effort: a subscriber whose
// buffer is full has the message dropped rather than blocking the publisher.
func (h *Hub) Publish(scope Scope, msg Message) (delivered, dropped int) {
	delivered, dropped = h.topicFor(scope).publish(msg)
	h.delivered.Add(uint64(delivered))
	h.dropped.Add(uint64(dropped))
	return delivered, dropped
}

// Stats returns cumulative delivered/dropped counters across all scopes, for runtime telemetry.
func (h *Hub) Stats() (delivered, dropped uint64) {
	return h.delivered.Load(), h.dropped.Load()
}

// RouteChat publishes a chat payload on the given scope. The caller picks the scope for the payload's channel and,
// for whispers, resolves the target's map instance and session beforehand.
func (h *Hub) RouteChat(scope Scope, fromSessionID string, chat wire.ChatPayload) (delivered, dropped int) {
	msg := Message{FromSessionID: fromSessionID, Channel: chat.Channel, Text: chat.Text, Target: chat.Target}
	return h.Publish(scope, msg)
}
