// Package domain contains core domain types for the conversation subsystem.
package domain

// ConversationState tracks where a conversation sits in the approval cycle.
type ConversationState string

const (
	// StateOpen means messages are accepted while the counter stays under the cap.
	StateOpen ConversationState = "OPEN"
	// StateAwaitingApproval means the cap was reached and an admin must approve
	// before any further messages are accepted.
	StateAwaitingApproval ConversationState = "AWAITING_APPROVAL"
)

// Conversation is a persistent two-party message thread. ParticipantA and
// ParticipantB are always both set; there is no group conversation.
type Conversation struct {
	ID           string            `json:"id"`
	ParticipantA string            `json:"participant_a"`
	ParticipantB string            `json:"participant_b"`
	State        ConversationState `json:"state"`
	MessageCount int               `json:"message_count"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Peer returns the other participant for userID, or "" if userID is not a
// participant.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// Participants returns both participant user IDs.
func (c *Conversation) Participants() [2]string {
	return [2]string{c.ParticipantA, c.ParticipantB}
}
