package domain

import "time"

// Message is a single chat message. Immutable once created except for the
// Delivered flag, which flips when the receiver gets the message on a live
// connection.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Delivered      bool      `json:"delivered"`
}
