package chat

import (
	"context"
	"fmt"

	"github.com/parley-chat/parley/internal/domain"
	"github.com/parley-chat/parley/internal/store"
)

// HistoryService replays a conversation's prior messages as one ordered
// batch. It is read-only: it never touches delivered flags or the gate.
type HistoryService struct {
	repo store.Repository
	// limit bounds the replay to the most recent N messages; 0 replays the
	// full log.
	limit int
}

// NewHistoryService creates a history service with the given window size.
func NewHistoryService(repo store.Repository, limit int) *HistoryService {
	return &HistoryService{repo: repo, limit: limit}
}

// History loads the conversation's log in ascending created-at order.
// Unknown conversation ids yield ErrConversationNotFound.
func (h *HistoryService) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	conv, err := h.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, &PersistenceError{Op: "load conversation", Err: err}
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	messages, err := h.repo.ListMessages(ctx, conversationID, h.limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list messages", Err: err}
	}
	return messages, nil
}
