package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/domain"
	"github.com/parley-chat/parley/internal/store"
	"github.com/samber/lo"
)

// Service orchestrates the conversation core: it drives inbound events
// through the gate, the store, and the router, and owns the typing sweeper.
type Service struct {
	repo     store.Repository
	registry *Registry
	router   *Router
	gate     *Gate
	history  *HistoryService
	typing   *TypingTracker

	storeTimeout time.Duration
}

// NewService wires the core components from configuration.
func NewService(repo store.Repository, registry *Registry, cfg *config.Config) *Service {
	return &Service{
		repo:         repo,
		registry:     registry,
		router:       NewRouter(registry, repo),
		gate:         NewGate(cfg.MessageCap, repo),
		history:      NewHistoryService(repo, cfg.HistoryLimit),
		typing:       NewTypingTracker(cfg.TypingTTL),
		storeTimeout: cfg.StoreTimeout,
	}
}

// Run blocks sweeping expired typing signals until ctx is done. Start it in
// its own goroutine.
func (s *Service) Run(ctx context.Context) {
	s.typing.Run(ctx, s.notifyTypingStopped)
}

// Registry exposes the connection registry for transport and stats surfaces.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Gate exposes the message gate. Used by stats and tests.
func (s *Service) Gate() *Gate {
	return s.gate
}

// storeCtx returns a bounded context for persistence calls. Deliberately
// detached from the originating socket: a send the gate already accepted
// completes even if the sender disconnects mid-flight.
func (s *Service) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.storeTimeout)
}

// HandleChatMessage runs one send attempt end to end: ensure the conversation
// exists, pass the gate, persist, fan out, acknowledge.
func (s *Service) HandleChatMessage(conn *Connection, p *ChatMessagePayload) {
	if p.SenderID != conn.UserID {
		s.sendError(conn, &ValidationError{Field: "senderId", Reason: "does not match connection identity"})
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	conv, err := s.repo.EnsureConversation(ctx, p.ConversationID, p.SenderID, p.ReceiverID)
	if err != nil {
		s.sendError(conn, &PersistenceError{Op: "ensure conversation", Err: err})
		return
	}
	if !conv.HasParticipant(conn.UserID) {
		s.sendError(conn, ErrNotParticipant)
		return
	}
	s.router.Prime(conv.ID, conv.ParticipantA, conv.ParticipantB)

	var msg *domain.Message
	commit := func(ctx context.Context) error {
		m, appendErr := s.repo.AppendMessage(ctx, conv.ID, p.SenderID, p.Content)
		if appendErr != nil {
			return &PersistenceError{Op: "append message", Err: appendErr}
		}
		msg = m

		payload, encErr := Encode(EventChatMessage, ToWire(*m))
		if encErr != nil {
			return encErr
		}
		delivered, routeErr := s.router.Route(ctx, conv.ID, payload)
		if routeErr != nil {
			return routeErr
		}
		if delivered[conv.Peer(p.SenderID)] > 0 {
			s.markDelivered(m.ID)
		}
		return nil
	}

	decision, err := s.gate.Send(ctx, conv, commit)
	if err != nil {
		slog.Error("Send failed", "conversation_id", conv.ID, "sender_id", p.SenderID, "error", err)
		s.sendError(conn, err)
		return
	}

	switch decision {
	case DecisionAccepted:
		s.sendEvent(conn, EventMessageDelivered, DeliveredPayload{
			ConversationID: conv.ID,
			MessageID:      msg.ID,
		})

	case DecisionEscalated:
		slog.Info("Message cap reached, escalating to admins",
			"conversation_id", conv.ID, "sender_id", p.SenderID)
		s.sendEvent(conn, EventLimitReached, ConversationRef{ConversationID: conv.ID})
		s.broadcastApprovalNeeded(conv.ID)

	case DecisionRejected:
		s.sendEvent(conn, EventLimitReached, ConversationRef{ConversationID: conv.ID})
	}
}

// HandleTyping relays the ephemeral typing signal to the other participant.
// Never persisted, never touches the gate.
func (s *Service) HandleTyping(conn *Connection, p *TypingPayload) {
	ctx, cancel := s.storeCtx()
	defer cancel()

	pair, err := s.router.Resolve(ctx, p.ConversationID)
	if err != nil {
		s.sendError(conn, err)
		return
	}
	conv := domain.Conversation{ID: p.ConversationID, ParticipantA: pair[0], ParticipantB: pair[1]}
	if !conv.HasParticipant(conn.UserID) {
		s.sendError(conn, ErrNotParticipant)
		return
	}

	if !s.typing.Set(p.ConversationID, conn.UserID, p.IsTyping) {
		return
	}

	payload, err := Encode(EventTyping, TypingPayload{
		ConversationID: p.ConversationID,
		UserID:         conn.UserID,
		IsTyping:       p.IsTyping,
	})
	if err != nil {
		slog.Error("Failed to encode typing event", "error", err)
		return
	}
	s.router.RouteToUser(conv.Peer(conn.UserID), payload)
}

// HandleHistory replays the conversation log to the requesting connection
// only, as a single ordered batch.
func (s *Service) HandleHistory(conn *Connection, p *HistoryRequestPayload) {
	ctx, cancel := s.storeCtx()
	defer cancel()

	pair, err := s.router.Resolve(ctx, p.ConversationID)
	if err != nil {
		s.sendError(conn, err)
		return
	}
	conv := domain.Conversation{ID: p.ConversationID, ParticipantA: pair[0], ParticipantB: pair[1]}
	if !conv.HasParticipant(conn.UserID) && !conn.Role.IsAdmin() {
		s.sendError(conn, ErrNotParticipant)
		return
	}

	messages, err := s.history.History(ctx, p.ConversationID)
	if err != nil {
		s.sendError(conn, err)
		return
	}

	s.sendEvent(conn, EventConversationHistory, HistoryPayload{
		ConversationID: p.ConversationID,
		Messages: lo.Map(messages, func(m domain.Message, _ int) WireMessage {
			return ToWire(m)
		}),
	})
}

// HandleAdminApprove resets a capped conversation and tells both participants.
func (s *Service) HandleAdminApprove(conn *Connection, p *AdminApprovePayload) {
	ctx, cancel := s.storeCtx()
	defer cancel()

	conv, err := s.repo.GetConversation(ctx, p.ConversationID)
	if err != nil {
		s.sendError(conn, &PersistenceError{Op: "load conversation", Err: err})
		return
	}
	if conv == nil {
		s.sendError(conn, ErrConversationNotFound)
		return
	}

	changed, err := s.gate.Approve(ctx, conv, conn.Role)
	if err != nil {
		s.sendError(conn, err)
		return
	}
	if !changed {
		// Already open: idempotent no-op.
		return
	}

	slog.Info("Conversation approved", "conversation_id", conv.ID, "admin_id", conn.UserID)

	payload, err := Encode(EventAdminApproved, ConversationRef{ConversationID: conv.ID})
	if err != nil {
		slog.Error("Failed to encode adminApproved event", "error", err)
		return
	}
	s.router.Prime(conv.ID, conv.ParticipantA, conv.ParticipantB)
	if _, err := s.router.Route(ctx, conv.ID, payload); err != nil {
		slog.Warn("Failed to notify participants of approval", "conversation_id", conv.ID, "error", err)
	}
}

// HandleDisconnect tears down a connection's footprint: registry entry and,
// when the user went fully offline, their typing signals.
func (s *Service) HandleDisconnect(conn *Connection) {
	offline := s.registry.Unregister(conn)
	if !offline {
		return
	}
	for _, conversationID := range s.typing.ClearUser(conn.UserID) {
		s.notifyTypingStopped(conversationID, conn.UserID)
	}
}

// AwaitingApproval reports how many conversations are blocked on approval.
func (s *Service) AwaitingApproval(ctx context.Context) (int64, error) {
	return s.repo.CountAwaitingApproval(ctx)
}

// notifyTypingStopped tells the peer a typing signal ended, either because
// the TTL expired or the typist went offline.
func (s *Service) notifyTypingStopped(conversationID, userID string) {
	ctx, cancel := s.storeCtx()
	defer cancel()

	pair, err := s.router.Resolve(ctx, conversationID)
	if err != nil {
		slog.Debug("Cannot resolve conversation for typing expiry",
			"conversation_id", conversationID, "error", err)
		return
	}
	conv := domain.Conversation{ID: conversationID, ParticipantA: pair[0], ParticipantB: pair[1]}
	peer := conv.Peer(userID)
	if peer == "" {
		return
	}

	payload, err := Encode(EventTyping, TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       false,
	})
	if err != nil {
		slog.Error("Failed to encode typing expiry event", "error", err)
		return
	}
	s.router.RouteToUser(peer, payload)
}

// broadcastApprovalNeeded notifies every admin connection exactly once per
// escalation.
func (s *Service) broadcastApprovalNeeded(conversationID string) {
	payload, err := Encode(EventApprovalNeeded, ConversationRef{ConversationID: conversationID})
	if err != nil {
		slog.Error("Failed to encode approvalNeeded event", "error", err)
		return
	}
	reached := s.registry.BroadcastToAdmins(payload)
	slog.Info("approvalNeeded broadcast", "conversation_id", conversationID, "admins_reached", reached)
}

// markDelivered flips the delivered flag asynchronously; delivery already
// happened, so a slow store must not hold up the sender.
func (s *Service) markDelivered(messageID string) {
	go func() {
		ctx, cancel := s.storeCtx()
		defer cancel()
		if err := s.repo.MarkDelivered(ctx, messageID); err != nil {
			slog.Warn("Failed to mark message delivered", "message_id", messageID, "error", err)
		}
	}()
}

// sendEvent encodes and queues an outbound event on one connection.
func (s *Service) sendEvent(conn *Connection, eventType string, payload interface{}) {
	data, err := Encode(eventType, payload)
	if err != nil {
		slog.Error("Failed to encode outbound event", "type", eventType, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("Failed to queue outbound event", "type", eventType, "user_id", conn.UserID, "error", err)
	}
}

// sendError surfaces a failure to the triggering connection. Nothing here is
// fatal to the process; the connection stays open.
func (s *Service) sendError(conn *Connection, err error) {
	var vErr *ValidationError
	var pErr *PersistenceError
	switch {
	case errors.As(err, &vErr):
		slog.Debug("Rejected malformed event", "user_id", conn.UserID, "error", err)
	case errors.As(err, &pErr):
		slog.Error("Persistence failure", "user_id", conn.UserID, "error", err)
	case errors.Is(err, ErrUnauthorized):
		slog.Warn("Unauthorized admin operation", "user_id", conn.UserID, "role", conn.Role)
	default:
		slog.Debug("Event failed", "user_id", conn.UserID, "error", err)
	}

	s.sendEvent(conn, EventError, ErrorPayload{Message: err.Error()})
}
