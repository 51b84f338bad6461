package group

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flitnet/flit/events"
	"github.com/flitnet/flit/limits"
	"github.com/flitnet/flit/resume"
	"github.com/flitnet/flit/transfer"
	"github.com/flitnet/flit/transport"
)

// ErrInvalidRecipient indicates a recipient identifier that is not a
// UUID, or appears twice in one group.
var ErrInvalidRecipient = fmt.Errorf("invalid recipient")

// Recipient is one destination of a group transfer.
type Recipient struct {
	// ID is the recipient's UUID.
	ID string
	// Channel is the established link to this recipient.
	Channel transport.Channel
}

// RecipientError records why one recipient's transfer failed.
type RecipientError struct {
	Recipient string
	Err       error
}

// Outcome classifies a finished group transfer.
type Outcome uint8

const (
	// OutcomeCompleted means every recipient got the file.
	OutcomeCompleted Outcome = iota
	// OutcomePartial means some recipients got the file and some did not.
	OutcomePartial
	// OutcomeFailed means no recipient got the file.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Result is the final tally of a group transfer.
type Result struct {
	Outcome   Outcome
	Succeeded []string
	Failed    []RecipientError
}

// Config tunes the orchestrator.
type Config struct {
	// Session configures each per-recipient transfer session.
	Session transfer.Config
	// OnRecipientDone, when set, is called as each recipient finishes,
	// with a nil error on success.
	OnRecipientDone func(recipient string, err error)
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{Session: transfer.DefaultConfig()}
}

// Orchestrator fans one file out to several recipients. Every recipient
// gets a fully independent session: its own key exchange, state machine,
// pacing and resume state, driven by its own goroutine, so one slow or
// failing recipient never stalls the others.
type Orchestrator struct {
	cfg   Config
	queue *events.Queue
	mgr   *resume.Manager
}

// NewOrchestrator creates an orchestrator. queue and mgr may be nil and
// are shared by all sessions the orchestrator starts.
func NewOrchestrator(cfg Config, queue *events.Queue, mgr *resume.Manager) *Orchestrator {
	return &Orchestrator{cfg: cfg, queue: queue, mgr: mgr}
}

type recipientState struct {
	session *transfer.Session
	done    bool
	err     error
}

// GroupTransfer is one in-flight fan-out. Wait blocks for the final
// Result; Progress and Cancel are safe at any time.
type GroupTransfer struct {
	id    string
	cfg   Config
	queue *events.Queue

	mu     sync.Mutex
	states map[string]*recipientState
	order  []string

	wg sync.WaitGroup
}

// Start validates the recipient list and launches one sending session
// per recipient. Validation failures reject the whole group before any
// session starts.
func (o *Orchestrator) Start(ctx context.Context, src io.ReaderAt, size int64, name string, recipients []Recipient) (*GroupTransfer, error) {
	if err := limits.ValidateRecipientCount(len(recipients)); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		if _, err := uuid.Parse(r.ID); err != nil {
			return nil, fmt.Errorf("%w: %q is not a UUID", ErrInvalidRecipient, r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: %q listed twice", ErrInvalidRecipient, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	g := &GroupTransfer{
		id:     uuid.New().String(),
		cfg:    o.cfg,
		queue:  o.queue,
		states: make(map[string]*recipientState, len(recipients)),
	}

	// Build every session before launching any: a construction failure
	// (unreadable source, bad geometry) rejects the whole group.
	for _, r := range recipients {
		s, err := transfer.NewSendSession(r.Channel, src, size, name, o.cfg.Session, o.queue, o.mgr)
		if err != nil {
			return nil, fmt.Errorf("prepare session for %s: %w", r.ID, err)
		}
		g.states[r.ID] = &recipientState{session: s}
		g.order = append(g.order, r.ID)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"group_id":   g.id,
		"recipients": len(recipients),
		"file_size":  size,
	}).Info("Group transfer starting")

	for _, id := range g.order {
		g.wg.Add(1)
		go g.runRecipient(ctx, id)
	}
	return g, nil
}

// runRecipient drives one recipient's session to its end, recording the
// outcome. Panics are contained to their recipient.
func (g *GroupTransfer) runRecipient(ctx context.Context, recipient string) {
	defer g.wg.Done()

	st := g.states[recipient]
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("recipient session panicked: %v", p)
				logrus.WithFields(logrus.Fields{
					"function":  "runRecipient",
					"group_id":  g.id,
					"recipient": recipient,
					"panic":     p,
				}).Error("Recipient session panicked")
			}
		}()
		err = st.session.Run(ctx)
	}()

	g.mu.Lock()
	st.done = true
	st.err = err
	progress := g.progressLocked()
	g.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "runRecipient",
		"group_id":  g.id,
		"recipient": recipient,
		"error":     err,
	}).Info("Recipient finished")

	if g.queue != nil {
		g.queue.Emit(events.Event{
			Kind:      events.KindRecipientDone,
			GroupID:   g.id,
			Recipient: recipient,
			Err:       err,
		})
		g.queue.Emit(events.Event{
			Kind:     events.KindGroupProgress,
			GroupID:  g.id,
			Progress: progress,
		})
	}
	if g.cfg.OnRecipientDone != nil {
		g.cfg.OnRecipientDone(recipient, err)
	}
}

// ID returns the group transfer identifier.
func (g *GroupTransfer) ID() string { return g.id }

// Progress returns aggregate completion in 0..1. Recipients carry equal
// weight: one file, one share each.
func (g *GroupTransfer) Progress() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.progressLocked()
}

func (g *GroupTransfer) progressLocked() float64 {
	if len(g.states) == 0 {
		return 0
	}
	var sum float64
	for _, st := range g.states {
		if st.done && st.err == nil {
			sum++
			continue
		}
		sum += st.session.Progress()
	}
	return sum / float64(len(g.states))
}

// Cancel aborts every recipient's session.
func (g *GroupTransfer) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, st := range g.states {
		st.session.Cancel()
	}
}

// Session returns the underlying session for one recipient, or nil.
func (g *GroupTransfer) Session(recipient string) *transfer.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[recipient]
	if !ok {
		return nil
	}
	return st.session
}

// Wait blocks until every recipient finished and returns the tally.
func (g *GroupTransfer) Wait() Result {
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	var res Result
	for _, id := range g.order {
		st := g.states[id]
		if st.err == nil {
			res.Succeeded = append(res.Succeeded, id)
		} else {
			res.Failed = append(res.Failed, RecipientError{Recipient: id, Err: st.err})
		}
	}
	switch {
	case len(res.Failed) == 0:
		res.Outcome = OutcomeCompleted
	case len(res.Succeeded) == 0:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomePartial
	}
	return res
}
