package chat

import (
	"context"
	"sync"
	"time"
)

// typingKey identifies one ephemeral typing signal.
type typingKey struct {
	ConversationID string
	UserID         string
}

// TypingTracker holds the ephemeral per-(conversation, user) typing signals.
// Nothing here is ever persisted. Every signal carries a deadline so that a
// client that disconnects without sending "stop typing" still clears within
// the TTL.
type TypingTracker struct {
	ttl time.Duration

	mu     sync.Mutex
	active map[typingKey]time.Time // key -> expiry deadline
}

// NewTypingTracker creates a tracker with the given defensive expiry window.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		ttl:    ttl,
		active: make(map[typingKey]time.Time),
	}
}

// Set records or clears a typing signal. Returns true if the visible state
// changed (so the caller knows whether the peer needs a notification).
func (t *TypingTracker) Set(conversationID, userID string, isTyping bool) bool {
	key := typingKey{ConversationID: conversationID, UserID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, wasTyping := t.active[key]
	if isTyping {
		// Renewing an existing signal extends the deadline but is not a
		// visible change.
		t.active[key] = time.Now().Add(t.ttl)
		return !wasTyping
	}
	if wasTyping {
		delete(t.active, key)
		return true
	}
	return false
}

// IsTyping reports whether the user currently has a live typing signal in the
// conversation.
func (t *TypingTracker) IsTyping(conversationID, userID string) bool {
	key := typingKey{ConversationID: conversationID, UserID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.active[key]
	return ok && time.Now().Before(deadline)
}

// ClearUser drops every typing signal the user holds, returning the affected
// conversation ids. Called on disconnect so peers clear immediately instead
// of waiting out the TTL.
func (t *TypingTracker) ClearUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var conversations []string
	for key := range t.active {
		if key.UserID == userID {
			conversations = append(conversations, key.ConversationID)
			delete(t.active, key)
		}
	}
	return conversations
}

// expire removes all signals whose deadline passed and returns them.
func (t *TypingTracker) expire(now time.Time) []typingKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []typingKey
	for key, deadline := range t.active {
		if now.After(deadline) {
			expired = append(expired, key)
			delete(t.active, key)
		}
	}
	return expired
}

// Run sweeps expired signals until ctx is done, invoking onExpire for each so
// the peer can be told typing stopped. The sweep interval is half the TTL.
func (t *TypingTracker) Run(ctx context.Context, onExpire func(conversationID, userID string)) {
	interval := t.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, key := range t.expire(now) {
				onExpire(key.ConversationID, key.UserID)
			}
		}
	}
}
