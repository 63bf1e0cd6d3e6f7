package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/parley-chat/parley/internal/domain"
	"github.com/parley-chat/parley/internal/store"
)

// Decision is the gate's verdict on a send attempt.
type Decision int

const (
	// DecisionAccepted means the message was persisted and counted.
	DecisionAccepted Decision = iota
	// DecisionEscalated means this send crossed the cap boundary: it is
	// rejected and the conversation now awaits admin approval. Emitted at
	// most once per approval cycle.
	DecisionEscalated
	// DecisionRejected means the conversation was already awaiting approval.
	DecisionRejected
)

// Gate enforces the per-conversation message cap and the admin approval
// workflow. All operations for one conversation are serialized on that
// conversation's entry lock; different conversations proceed in parallel.
//
// The in-memory entry is authoritative while the process runs; the store
// mirrors state and counter so restarts and the stats surface see them. An
// entry is retained only while it carries state the store has not absorbed:
// Approve drops the reset entry once the mirror write lands, so the map holds
// mid-cycle conversations, not every conversation ever seen.
type Gate struct {
	cap  int
	repo store.Repository

	mu      sync.Mutex
	entries map[string]*gateEntry
}

type gateEntry struct {
	mu      sync.Mutex
	state   domain.ConversationState
	counter int
}

// NewGate creates a gate with the given cap. cap must be > 0.
func NewGate(cap int, repo store.Repository) *Gate {
	return &Gate{
		cap:     cap,
		repo:    repo,
		entries: make(map[string]*gateEntry),
	}
}

// entry returns the gate entry for a conversation, seeding it from the stored
// record on first sight so counters survive restarts.
func (g *Gate) entry(conv *domain.Conversation) *gateEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[conv.ID]
	if !ok {
		state := conv.State
		if state == "" {
			state = domain.StateOpen
		}
		e = &gateEntry{state: state, counter: conv.MessageCount}
		g.entries[conv.ID] = e
	}
	return e
}

// Send runs one send attempt through the state machine. When the gate
// accepts, commit is invoked inside the critical section — it must persist
// and deliver the message, so observed delivery order matches acceptance
// order. A commit error fails only this send: the counter is untouched and
// the error is returned to the caller.
func (g *Gate) Send(ctx context.Context, conv *domain.Conversation, commit func(context.Context) error) (Decision, error) {
	e := g.entry(conv)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == domain.StateAwaitingApproval {
		return DecisionRejected, nil
	}

	if e.counter >= g.cap {
		// The send crossing the boundary is rejected, never queued.
		e.state = domain.StateAwaitingApproval
		g.persistState(ctx, conv.ID, e)
		return DecisionEscalated, nil
	}

	if err := commit(ctx); err != nil {
		return DecisionRejected, err
	}

	e.counter++
	g.persistState(ctx, conv.ID, e)
	return DecisionAccepted, nil
}

// Approve resets a capped conversation. Only admins may approve; approving an
// already-open conversation is an idempotent no-op and never drives the
// counter negative. Returns whether a transition happened.
func (g *Gate) Approve(ctx context.Context, conv *domain.Conversation, issuer domain.Role) (bool, error) {
	if !issuer.IsAdmin() {
		return false, ErrUnauthorized
	}

	e := g.entry(conv)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == domain.StateOpen {
		return false, nil
	}

	e.state = domain.StateOpen
	e.counter = 0
	if g.persistState(ctx, conv.ID, e) {
		// The store now carries OPEN with a zero counter; the next send
		// re-seeds from it, so the entry can go. Kept on a mirror failure,
		// since re-seeding would then resurrect the capped state.
		g.mu.Lock()
		delete(g.entries, conv.ID)
		g.mu.Unlock()
	}
	return true, nil
}

// Snapshot reports a conversation's current gate state and counter. ok is
// false if the gate has never seen the conversation.
func (g *Gate) Snapshot(conversationID string) (domain.ConversationState, int, bool) {
	g.mu.Lock()
	e, ok := g.entries[conversationID]
	g.mu.Unlock()
	if !ok {
		return "", 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.counter, true
}

// persistState mirrors the entry into the store, reporting whether the write
// landed. The in-memory entry already changed; a mirror failure is logged, not
// propagated, so a storage hiccup cannot desynchronize concurrent senders.
func (g *Gate) persistState(ctx context.Context, conversationID string, e *gateEntry) bool {
	if err := g.repo.SetGateState(ctx, conversationID, e.state, e.counter); err != nil {
		slog.Warn("Failed to mirror gate state",
			"conversation_id", conversationID,
			"state", e.state,
			"counter", e.counter,
			"error", err)
		return false
	}
	return true
}
