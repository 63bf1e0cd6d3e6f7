package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-chat/parley/internal/domain"
)

// Inbound event types. This is a closed set: anything else is rejected at the
// transport boundary before it can reach the gate.
const (
	EventJoin         = "join"
	EventChatMessage  = "chatMessage"
	EventTyping       = "typing"
	EventGetHistory   = "getConversationHistory"
	EventAdminApprove = "adminApprove"
)

// Outbound event types.
const (
	EventConversationHistory = "conversationHistory"
	EventLimitReached        = "limitReached"
	EventApprovalNeeded      = "approvalNeeded"
	EventAdminApproved       = "adminApproved"
	EventMessageDelivered    = "messageDelivered"
	EventError               = "error"
)

// maxContentLen bounds a single chat message payload.
const maxContentLen = 4096

// Envelope is the wire framing for every event in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload binds a connection to an upstream-authenticated identity.
type JoinPayload struct {
	UserID string      `json:"userId"`
	Role   domain.Role `json:"role"`
}

// ChatMessagePayload is an inbound send request.
type ChatMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
}

// TypingPayload carries the ephemeral typing signal, both directions.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// HistoryRequestPayload asks for a conversation's message log.
type HistoryRequestPayload struct {
	ConversationID string `json:"conversationId"`
}

// AdminApprovePayload resets a capped conversation.
type AdminApprovePayload struct {
	ConversationID string `json:"conversationId"`
}

// WireMessage is the outbound representation of a persisted message.
type WireMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryPayload is the single ordered batch answering a history request.
type HistoryPayload struct {
	ConversationID string        `json:"conversationId"`
	Messages       []WireMessage `json:"messages"`
}

// ConversationRef names a conversation in limitReached / approvalNeeded /
// adminApproved notifications.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// DeliveredPayload acknowledges a persisted and routed message to its sender.
type DeliveredPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ErrorPayload carries a failure scoped to the triggering event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Inbound is a decoded, validated client event. Exactly one payload field is
// non-nil, matching Type.
type Inbound struct {
	Type    string
	Join    *JoinPayload
	Chat    *ChatMessagePayload
	Typing  *TypingPayload
	History *HistoryRequestPayload
	Approve *AdminApprovePayload
}

// DecodeInbound parses and validates a raw client frame. All failures are
// *ValidationError; nothing malformed gets past this point.
func DecodeInbound(data []byte) (*Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Field: "frame", Reason: "not valid JSON"}
	}
	if env.Type == "" {
		return nil, &ValidationError{Field: "type", Reason: "missing"}
	}

	in := &Inbound{Type: env.Type}
	switch env.Type {
	case EventJoin:
		var p JoinPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, &ValidationError{Field: "userId", Reason: "missing"}
		}
		if !p.Role.Valid() {
			return nil, &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", p.Role)}
		}
		in.Join = &p

	case EventChatMessage:
		var p ChatMessagePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, &ValidationError{Field: "conversationId", Reason: "missing"}
		}
		if p.SenderID == "" {
			return nil, &ValidationError{Field: "senderId", Reason: "missing"}
		}
		if p.ReceiverID == "" {
			return nil, &ValidationError{Field: "receiverId", Reason: "missing"}
		}
		if p.ReceiverID == p.SenderID {
			return nil, &ValidationError{Field: "receiverId", Reason: "must differ from senderId"}
		}
		if p.Content == "" {
			return nil, &ValidationError{Field: "content", Reason: "missing"}
		}
		if len(p.Content) > maxContentLen {
			return nil, &ValidationError{Field: "content", Reason: "too long"}
		}
		in.Chat = &p

	case EventTyping:
		var p TypingPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, &ValidationError{Field: "conversationId", Reason: "missing"}
		}
		in.Typing = &p

	case EventGetHistory:
		var p HistoryRequestPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, &ValidationError{Field: "conversationId", Reason: "missing"}
		}
		in.History = &p

	case EventAdminApprove:
		var p AdminApprovePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, &ValidationError{Field: "conversationId", Reason: "missing"}
		}
		in.Approve = &p

	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event %q", env.Type)}
	}

	return in, nil
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return &ValidationError{Field: "payload", Reason: "missing"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ValidationError{Field: "payload", Reason: "malformed"}
	}
	return nil
}

// Encode frames an outbound event.
func Encode(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}
	return data, nil
}

// ToWire converts a persisted message to its outbound form.
func ToWire(m domain.Message) WireMessage {
	return WireMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
}
