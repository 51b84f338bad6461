package transfer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateStrings(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "negotiating", StateNegotiating.String())
	assert.Equal(t, "transferring", StateTransferring.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
}

func TestLegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		from SessionState
		to   SessionState
		ok   bool
	}{
		{"pending to negotiating", StatePending, StateNegotiating, true},
		{"pending to transferring skips negotiation", StatePending, StateTransferring, false},
		{"negotiating to transferring", StateNegotiating, StateTransferring, true},
		{"negotiating to paused", StateNegotiating, StatePaused, false},
		{"transferring to paused", StateTransferring, StatePaused, true},
		{"transferring to completed", StateTransferring, StateCompleted, true},
		{"paused to transferring", StatePaused, StateTransferring, true},
		{"paused back to negotiating for rekey", StatePaused, StateNegotiating, true},
		{"paused to completed", StatePaused, StateCompleted, false},
		{"completed is absorbing", StateCompleted, StateFailed, false},
		{"failed is absorbing", StateFailed, StateTransferring, false},
		{"cancelled is absorbing", StateCancelled, StatePending, false},
		{"any state can fail", StateNegotiating, StateFailed, true},
		{"any state can cancel", StateTransferring, StateCancelled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, legalTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	s := newSession(DirectionSend, DefaultConfig(), nil, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	require.NoError(t, s.transition(StateNegotiating, "test"))
	require.NoError(t, s.transition(StateTransferring, "test"))

	err := s.transition(StatePending, "test")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateTransferring, s.state)

	require.NoError(t, s.transition(StateCompleted, "test"))
	err = s.transition(StateFailed, "test")
	assert.ErrorIs(t, err, ErrSessionTerminal)
	assert.Equal(t, StateCompleted, s.state)

	// Self-transition is a silent no-op.
	assert.NoError(t, s.transition(StateCompleted, "test"))
}

func TestTerminalStates(t *testing.T) {
	for _, st := range []SessionState{StateCompleted, StateFailed, StateCancelled} {
		assert.True(t, st.Terminal(), st.String())
	}
	for _, st := range []SessionState{StatePending, StateNegotiating, StateTransferring, StatePaused} {
		assert.False(t, st.Terminal(), st.String())
	}
}

func TestErrorTaxonomyIsDistinct(t *testing.T) {
	errs := []error{
		ErrKeyExchangeTimeout, ErrKeyExchangeFailed, ErrChunkIntegrityFailure,
		ErrAckTimeout, ErrCorruptedTransfer, ErrConnectionLost,
		ErrResumeResponseTimeout, ErrPeerRejected, ErrCancelled,
	}
	for i, a := range errs {
		for j, b := range errs {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not match %v", a, b)
		}
	}
}
