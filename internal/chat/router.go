package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/parley-chat/parley/internal/store"
)

// Router resolves a conversation id to its two participants and fans payloads
// out to their live connections. Participant pairs are immutable, so the
// resolution is cached after the first store lookup.
type Router struct {
	registry *Registry
	repo     store.Repository

	mu           sync.RWMutex
	participants map[string][2]string // conversationID -> participant pair
}

// NewRouter creates a router over the given registry and store.
func NewRouter(registry *Registry, repo store.Repository) *Router {
	return &Router{
		registry:     registry,
		repo:         repo,
		participants: make(map[string][2]string),
	}
}

// Prime seeds the participant cache, avoiding a store round-trip when the
// caller already holds the conversation record.
func (r *Router) Prime(conversationID, participantA, participantB string) {
	r.mu.Lock()
	r.participants[conversationID] = [2]string{participantA, participantB}
	r.mu.Unlock()
}

// Resolve returns the conversation's participant pair, consulting the store
// on a cache miss. Unknown ids yield ErrConversationNotFound.
func (r *Router) Resolve(ctx context.Context, conversationID string) ([2]string, error) {
	r.mu.RLock()
	pair, ok := r.participants[conversationID]
	r.mu.RUnlock()
	if ok {
		return pair, nil
	}

	conv, err := r.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return [2]string{}, &PersistenceError{Op: "resolve conversation", Err: err}
	}
	if conv == nil {
		return [2]string{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	pair = conv.Participants()
	r.Prime(conversationID, pair[0], pair[1])
	return pair, nil
}

// Route delivers a payload to every live connection of both participants,
// the sender's own connections included. Multi-tab clients stay in sync and
// the echo doubles as the sender's rendering confirmation. Returns the number
// of connections reached per user.
func (r *Router) Route(ctx context.Context, conversationID string, payload []byte) (map[string]int, error) {
	pair, err := r.Resolve(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	delivered := make(map[string]int, 2)
	for _, userID := range pair {
		for _, conn := range r.registry.Connections(userID) {
			if sendErr := conn.Send(payload); sendErr == nil {
				delivered[userID]++
			}
		}
	}
	return delivered, nil
}

// RouteToUser delivers a payload to all live connections of one participant.
func (r *Router) RouteToUser(userID string, payload []byte) int {
	delivered := 0
	for _, conn := range r.registry.Connections(userID) {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}
