// Package store provides the persistence collaborator consumed by the chat core.
package store

import (
	"context"

	"github.com/parley-chat/parley/internal/domain"
)

// Repository defines the interface for persisting conversations and messages.
// The chat core never touches the storage schema directly; everything goes
// through this contract.
type Repository interface {
	// AppendMessage persists a new message at the end of the conversation log
	// and returns it with its assigned id and timestamp.
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (*domain.Message, error)

	// ListMessages returns the most recent `limit` messages of a conversation
	// in ascending created-at order. limit <= 0 means the full log.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// GetConversation retrieves a conversation by id. Returns (nil, nil) when
	// the conversation does not exist.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// EnsureConversation creates the conversation with the given participants
	// if it does not exist yet, and returns the stored record either way.
	EnsureConversation(ctx context.Context, id, participantA, participantB string) (*domain.Conversation, error)

	// SetGateState updates a conversation's approval state and message counter.
	SetGateState(ctx context.Context, id string, state domain.ConversationState, counter int) error

	// MarkDelivered flips the delivered flag on a message.
	MarkDelivered(ctx context.Context, messageID string) error

	// CountAwaitingApproval returns how many conversations are blocked on
	// admin approval.
	CountAwaitingApproval(ctx context.Context) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
