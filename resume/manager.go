package resume

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flitnet/flit/bitmap"
)

// Manager wraps a Store with the resume policy: expiry and attempt-limit
// checks, and bitmap reconciliation between the two peers.
type Manager struct {
	store       Store
	maxAttempts int
	now         func() time.Time
}

// DefaultMaxAttempts is the resume attempt budget per session.
const DefaultMaxAttempts = 5

// NewManager creates a manager over store with the default attempt budget.
func NewManager(store Store) *Manager {
	return &Manager{store: store, maxAttempts: DefaultMaxAttempts, now: time.Now}
}

// SetMaxAttempts overrides the attempt budget.
func (m *Manager) SetMaxAttempts(n int) { m.maxAttempts = n }

// Store exposes the underlying store.
func (m *Manager) Store() Store { return m.store }

// Validate checks whether st may be resumed: not completed, not expired,
// attempt budget not yet exhausted.
func (m *Manager) Validate(st State) error {
	if st.Completed {
		return fmt.Errorf("%w: %q already completed", ErrResumeExpired, st.SessionID)
	}
	if !st.ExpiresAt.IsZero() && m.now().After(st.ExpiresAt) {
		return fmt.Errorf("%w: %q expired at %s", ErrResumeExpired, st.SessionID, st.ExpiresAt.Format(time.RFC3339))
	}
	if st.Attempts >= m.maxAttempts {
		return fmt.Errorf("%w: %q used %d of %d attempts", ErrResumeExhausted, st.SessionID, st.Attempts, m.maxAttempts)
	}
	return nil
}

// BeginAttempt loads the session's persisted state, validates it, and
// consumes one resume attempt, persisting the incremented count before
// returning the state to resume from.
func (m *Manager) BeginAttempt(ctx context.Context, sessionID string) (State, error) {
	st, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	if err := m.Validate(st); err != nil {
		return State{}, err
	}

	st.Attempts++
	st.UpdatedAt = m.now()
	if err := m.store.Put(ctx, st); err != nil {
		return State{}, fmt.Errorf("record resume attempt: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "BeginAttempt",
		"session_id": sessionID,
		"attempt":    st.Attempts,
	}).Info("Resuming transfer session")

	return st, nil
}

// Reconcile computes the symmetric difference between the local and peer
// receipt bitmaps: toPeer are indices this side holds that the peer
// lacks, fromPeer are indices the peer holds that this side lacks. Only
// these flow after a resume; everything both sides hold is skipped.
func Reconcile(local, peer *bitmap.Bitmap) (toPeer, fromPeer []uint32, err error) {
	toPeer, err = local.MissingIn(peer)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile bitmaps: %w", err)
	}
	fromPeer, err = peer.MissingIn(local)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile bitmaps: %w", err)
	}
	return toPeer, fromPeer, nil
}

// Complete marks the session finished and removes its persisted state.
func (m *Manager) Complete(ctx context.Context, sessionID string) error {
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Complete",
		"session_id": sessionID,
	}).Debug("Resume state deleted after completion")
	return nil
}

// setTimeProvider overrides the clock for deterministic tests.
func (m *Manager) setTimeProvider(now func() time.Time) { m.now = now }
