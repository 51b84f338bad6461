package transfer

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SessionState is the lifecycle state of a transfer session.
type SessionState uint8

const (
	// StatePending indicates the session exists but has not negotiated.
	StatePending SessionState = iota
	// StateNegotiating indicates the key exchange is in progress.
	StateNegotiating
	// StateTransferring indicates chunks are flowing.
	StateTransferring
	// StatePaused indicates the session is suspended and resumable.
	StatePaused
	// StateCompleted indicates the transfer finished and verified.
	StateCompleted
	// StateFailed indicates the transfer failed terminally.
	StateFailed
	// StateCancelled indicates the transfer was cancelled by the caller.
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether the state is final. Terminal states absorb:
// no transition out of them is legal, including into another terminal.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// legalTransition encodes the session lifecycle:
// Pending → Negotiating → Transferring → {Completed, Failed, Cancelled},
// with Transferring ⇄ Paused.
func legalTransition(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatePending:
		return to == StateNegotiating || to == StateFailed || to == StateCancelled
	case StateNegotiating:
		return to == StateTransferring || to == StateFailed || to == StateCancelled
	case StateTransferring:
		return to == StatePaused || to == StateCompleted || to == StateFailed || to == StateCancelled
	case StatePaused:
		return to == StateTransferring || to == StateNegotiating || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}

// transition moves the session to a new state, rejecting illegal moves
// and emitting a state event. Callers hold s.mu.
func (s *Session) transition(to SessionState, reason string) error {
	from := s.state
	if from == to {
		return nil
	}
	if !legalTransition(from, to) {
		if from.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrSessionTerminal, from, to)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to

	logrus.WithFields(logrus.Fields{
		"function":   "transition",
		"session_id": s.id,
		"from":       from.String(),
		"to":         to.String(),
		"reason":     reason,
	}).Info("Session state changed")

	s.emitStateChange(from, to, reason)
	return nil
}
