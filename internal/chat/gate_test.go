package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/parley-chat/parley/internal/domain"
	"github.com/stretchr/testify/require"
)

func openConv(repo *memRepo, id string) *domain.Conversation {
	repo.seedConversation(id, "alice", "bob")
	return &domain.Conversation{ID: id, ParticipantA: "alice", ParticipantB: "bob", State: domain.StateOpen}
}

func TestGate_AcceptsUnderCap(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(3, repo)
	conv := openConv(repo, "c1")

	for i := 0; i < 3; i++ {
		dec, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
		require.NoError(t, err)
		require.Equal(t, DecisionAccepted, dec)
	}

	state, counter, ok := g.Snapshot("c1")
	require.True(t, ok)
	require.Equal(t, domain.StateOpen, state)
	require.Equal(t, 3, counter)
}

func TestGate_EscalatesAtBoundary(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(2, repo)
	conv := openConv(repo, "c1")

	for i := 0; i < 2; i++ {
		dec, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
		require.NoError(t, err)
		require.Equal(t, DecisionAccepted, dec)
	}

	// The send crossing the boundary is rejected and escalates exactly once.
	dec, err := g.Send(context.Background(), conv, func(context.Context) error {
		t.Fatal("commit must not run for a rejected send")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, DecisionEscalated, dec)

	// Further sends are plain rejections, no second escalation.
	dec, err = g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionRejected, dec)

	state, counter, ok := g.Snapshot("c1")
	require.True(t, ok)
	require.Equal(t, domain.StateAwaitingApproval, state)
	require.Equal(t, 2, counter)
}

func TestGate_CounterNeverExceedsCapWhileOpen(t *testing.T) {
	repo := newMemRepo()
	const msgCap = 5
	g := NewGate(msgCap, repo)
	conv := openConv(repo, "c1")

	var mu sync.Mutex
	accepted, escalated, rejected := 0, 0, 0

	// Two concurrent senders hammer the same conversation; exactly one of
	// them may cross the cap boundary.
	var wg sync.WaitGroup
	for s := 0; s < 2; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				dec, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				switch dec {
				case DecisionAccepted:
					accepted++
				case DecisionEscalated:
					escalated++
				case DecisionRejected:
					rejected++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, msgCap, accepted)
	require.Equal(t, 1, escalated, "exactly one approvalNeeded emission per cycle")
	require.Equal(t, 20-msgCap-1, rejected)

	_, counter, _ := g.Snapshot("c1")
	require.LessOrEqual(t, counter, msgCap)
}

func TestGate_PersistenceFailureLeavesCounter(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(3, repo)
	conv := openConv(repo, "c1")

	_, err := g.Send(context.Background(), conv, func(context.Context) error {
		return &PersistenceError{Op: "append message", Err: fmt.Errorf("disk gone")}
	})
	require.Error(t, err)

	state, counter, ok := g.Snapshot("c1")
	require.True(t, ok)
	require.Equal(t, domain.StateOpen, state)
	require.Equal(t, 0, counter, "failed send is not counted")

	// The next send goes through untouched.
	dec, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, dec)
}

func TestGate_ApproveResets(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(1, repo)
	conv := openConv(repo, "c1")

	_, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	dec, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionEscalated, dec)

	changed, err := g.Approve(context.Background(), conv, domain.RoleAdmin)
	require.NoError(t, err)
	require.True(t, changed)

	// Stored record carries the reset; the in-memory entry is released.
	stored, err := repo.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StateOpen, stored.State)
	require.Equal(t, 0, stored.MessageCount)

	_, _, ok := g.Snapshot("c1")
	require.False(t, ok, "approved entry must be evicted, not retained")

	// The next send re-seeds from the stored record and is accepted.
	dec, err = g.Send(context.Background(), stored, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, dec)
}

func TestGate_ApproveKeepsEntryWhenMirrorFails(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(1, repo)
	conv := openConv(repo, "c1")

	_, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	dec, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionEscalated, dec)

	// Simulate the mirror write failing by removing the stored record; the
	// in-memory entry must survive so the reset is not lost to a re-seed.
	repo.mu.Lock()
	delete(repo.convs, "c1")
	repo.mu.Unlock()

	changed, err := g.Approve(context.Background(), conv, domain.RoleAdmin)
	require.NoError(t, err)
	require.True(t, changed)

	state, counter, ok := g.Snapshot("c1")
	require.True(t, ok)
	require.Equal(t, domain.StateOpen, state)
	require.Equal(t, 0, counter)
}

func TestGate_ApproveIdempotentOnOpen(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(3, repo)
	conv := openConv(repo, "c1")

	_, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		changed, err := g.Approve(context.Background(), conv, domain.RoleAdmin)
		require.NoError(t, err)
		require.False(t, changed)
	}

	_, counter, _ := g.Snapshot("c1")
	require.Equal(t, 1, counter, "approve on OPEN must not touch the counter")
	require.GreaterOrEqual(t, counter, 0)
}

func TestGate_ApproveRequiresAdmin(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(1, repo)
	conv := openConv(repo, "c1")

	_, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	dec, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionEscalated, dec)

	_, err = g.Approve(context.Background(), conv, domain.RoleUser)
	require.ErrorIs(t, err, ErrUnauthorized)

	state, _, _ := g.Snapshot("c1")
	require.Equal(t, domain.StateAwaitingApproval, state)
}

func TestGate_SeedsFromStoredRecord(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(5, repo)

	// Conversation comes back from the store mid-cycle.
	conv := &domain.Conversation{
		ID:           "c1",
		ParticipantA: "alice",
		ParticipantB: "bob",
		State:        domain.StateAwaitingApproval,
		MessageCount: 5,
	}
	repo.seedConversation("c1", "alice", "bob")

	dec, err := g.Send(context.Background(), conv, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionRejected, dec)
}

func TestGate_ConversationsAreIndependent(t *testing.T) {
	repo := newMemRepo()
	g := NewGate(1, repo)
	conv1 := openConv(repo, "c1")
	conv2 := openConv(repo, "c2")

	_, err := g.Send(context.Background(), conv1, func(context.Context) error { return nil })
	require.NoError(t, err)
	dec, err := g.Send(context.Background(), conv1, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionEscalated, dec)

	// c1 being capped must not affect c2.
	dec, err = g.Send(context.Background(), conv2, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, dec)
}
