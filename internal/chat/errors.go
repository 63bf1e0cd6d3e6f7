package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotFound is surfaced to the caller when an event names a
	// conversation id the store has never seen. Routing for other
	// conversations is unaffected.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrUnauthorized is returned when a non-admin connection issues an
	// admin-only operation.
	ErrUnauthorized = errors.New("unauthorized: admin role required")

	// ErrNotParticipant is returned when a connection addresses a
	// conversation it does not belong to.
	ErrNotParticipant = errors.New("not a participant of this conversation")
)

// ValidationError marks a malformed event payload. Surfaced to the sender;
// the connection stays open.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a failure of the durable store. Transient: surfaced
// to the sender, no gate state is mutated.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
