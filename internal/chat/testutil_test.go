package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/domain"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

// fakeWire records outbound frames instead of writing to a real socket.
type fakeWire struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeWire) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("wire closed")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeWire) Close(_ websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// events decodes every recorded frame into its envelope.
func (f *fakeWire) events() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// eventsOfType returns the decoded payloads of all events with the given type.
func (f *fakeWire) eventsOfType(eventType string) []json.RawMessage {
	var out []json.RawMessage
	for _, env := range f.events() {
		if env.Type == eventType {
			out = append(out, env.Payload)
		}
	}
	return out
}

func (f *fakeWire) countType(eventType string) int {
	return len(f.eventsOfType(eventType))
}

// testConn builds a started connection backed by a fake wire.
func testConn(userID string, role domain.Role) (*Connection, *fakeWire) {
	w := &fakeWire{}
	c := newConnection(userID, role, w)
	c.Start()
	return c, w
}

// memRepo is an in-memory store.Repository for core tests.
type memRepo struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation
	msgs  map[string][]domain.Message

	appendErr error // when set, AppendMessage fails with it
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs: make(map[string]*domain.Conversation),
		msgs:  make(map[string][]domain.Message),
	}
}

func (r *memRepo) AppendMessage(_ context.Context, conversationID, senderID, content string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return nil, r.appendErr
	}
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	r.msgs[conversationID] = append(r.msgs[conversationID], msg)
	return &msg, nil
}

func (r *memRepo) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.msgs[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *memRepo) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (r *memRepo) EnsureConversation(_ context.Context, id, participantA, participantB string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok {
		conv = &domain.Conversation{
			ID:           id,
			ParticipantA: participantA,
			ParticipantB: participantB,
			State:        domain.StateOpen,
		}
		r.convs[id] = conv
	}
	cp := *conv
	return &cp, nil
}

func (r *memRepo) SetGateState(_ context.Context, id string, state domain.ConversationState, counter int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok {
		return fmt.Errorf("conversation not found: %s", id)
	}
	conv.State = state
	conv.MessageCount = counter
	return nil
}

func (r *memRepo) MarkDelivered(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for convID, msgs := range r.msgs {
		for i := range msgs {
			if msgs[i].ID == messageID {
				r.msgs[convID][i].Delivered = true
				return nil
			}
		}
	}
	return nil
}

func (r *memRepo) CountAwaitingApproval(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, conv := range r.convs {
		if conv.State == domain.StateAwaitingApproval {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) Ping(_ context.Context) error { return nil }
func (r *memRepo) Close() error                 { return nil }

// seedConversation registers a conversation directly in the repo.
func (r *memRepo) seedConversation(id, a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[id] = &domain.Conversation{
		ID:           id,
		ParticipantA: a,
		ParticipantB: b,
		State:        domain.StateOpen,
	}
}

// testConfig returns a config tuned for fast tests.
func testConfig(cap int) *config.Config {
	return &config.Config{
		Port:         "0",
		DBPath:       "unused",
		MessageCap:   cap,
		HistoryLimit: 200,
		TypingTTL:    50 * time.Millisecond,
		StoreTimeout: time.Second,
	}
}
