package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flitnet/flit/bitmap"
	"github.com/flitnet/flit/chunker"
	"github.com/flitnet/flit/crypto"
	"github.com/flitnet/flit/events"
	"github.com/flitnet/flit/limits"
	"github.com/flitnet/flit/rate"
	"github.com/flitnet/flit/resume"
	"github.com/flitnet/flit/transport"
	"github.com/flitnet/flit/wire"
)

// Direction is the session's role in the transfer.
type Direction uint8

const (
	// DirectionSend streams the file out.
	DirectionSend Direction = iota
	// DirectionReceive collects, verifies and assembles chunks.
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "receive"
}

// ErrCancelled indicates the caller cancelled the session.
var ErrCancelled = errors.New("transfer cancelled")

// inboxItem carries either one decoded message or a channel-level error
// from the transport callback into the worker goroutine.
type inboxItem struct {
	msg wire.Message
	err error
}

// Session drives one file transfer over one channel. All protocol state
// is owned by the worker goroutine inside Run; other goroutines interact
// through the inbox, the control channels, and the mutex-guarded
// observable fields.
type Session struct {
	id        string
	direction Direction
	cfg       Config

	mu    sync.Mutex
	state SessionState
	err   error

	ch      transport.Channel
	inbox   chan inboxItem
	drainCh chan struct{}

	cancelOnce sync.Once
	cancelCh   chan struct{}
	pauseOnce  sync.Once
	pauseCh    chan struct{}
	doneOnce   sync.Once
	doneCh     chan struct{}

	queue *events.Queue
	mgr   *resume.Manager

	rot *crypto.RotationState

	meta     wire.FileMetadata
	fileName string

	// sender side
	src           io.ReaderAt
	split         *chunker.Splitter
	acked         *bitmap.Bitmap
	track         *tracker
	ctrl          *rate.Controller
	restoredNonce uint64
	peerDone      bool
	peerOK        bool
	reconciling   bool

	// receiver side
	asm      *chunker.Assembler
	fileData []byte
	deferred []wire.Message
	lastRTT  time.Duration

	// loss accounting for the rate controller
	recentSends    int
	recentTimeouts int

	bytesMoved uint64
	startedAt  time.Time
	lastSpeed  time.Time
	resuming   bool

	now func() time.Time
}

// NewSendSession prepares a sending session over src, a size-byte file
// named name. The session identifier is freshly generated; Run drives it.
func NewSendSession(ch transport.Channel, src io.ReaderAt, size int64, name string, cfg Config, queue *events.Queue, mgr *resume.Manager) (*Session, error) {
	chunkSize := chunker.SelectChunkSize(size, cfg.LocalPath)
	if max := ch.MaxMessageSize(); max > 0 {
		// The envelope base64-inflates the ciphertext by a third; leave
		// headroom for that plus the AEAD tag and framing.
		for chunkSize > limits.MinChunkSize && chunkSize/3*4+1024 > max {
			chunkSize /= 2
		}
	}
	split, err := chunker.Split(src, size, chunkSize)
	if err != nil {
		return nil, err
	}
	hash, err := crypto.HashReader(io.NewSectionReader(src, 0, size))
	if err != nil {
		return nil, fmt.Errorf("hash source file: %w", err)
	}

	s := newSession(DirectionSend, cfg, queue, mgr)
	s.attach(ch)
	s.src = src
	s.split = split
	s.acked = bitmap.New(split.Total())
	s.track = newTracker(cfg.MaxChunkRetries)
	s.ctrl = rate.New(cfg.Rate)
	s.fileName = name
	s.meta = wire.FileMetadata{
		SessionID:   s.id,
		Size:        uint64(size),
		TotalChunks: split.Total(),
		ChunkSize:   uint32(split.ChunkSize()),
		FileHash:    hash[:],
	}
	if !cfg.EncryptName {
		s.meta.Name = name
	}
	return s, nil
}

// NewReceiveSession prepares a receiving session. The file identity
// arrives with the sender's metadata; Run drives the session.
func NewReceiveSession(ch transport.Channel, cfg Config, queue *events.Queue, mgr *resume.Manager) *Session {
	s := newSession(DirectionReceive, cfg, queue, mgr)
	s.attach(ch)
	return s
}

func newSession(dir Direction, cfg Config, queue *events.Queue, mgr *resume.Manager) *Session {
	s := &Session{
		id:        uuid.New().String(),
		direction: dir,
		cfg:       cfg,
		state:     StatePending,
		inbox:     make(chan inboxItem, 256),
		drainCh:   make(chan struct{}, 1),
		cancelCh:  make(chan struct{}),
		pauseCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		queue:     queue,
		mgr:       mgr,
		now:       time.Now,
	}
	return s
}

// attach wires the session to a channel. Used at construction and again
// on resume over a fresh channel.
func (s *Session) attach(ch transport.Channel) {
	s.ch = ch
	ch.SetMessageHandler(func(data []byte) {
		msg, err := wire.Decode(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "attach",
				"session_id": s.id,
				"error":      err,
			}).Warn("Discarding undecodable message")
			return
		}
		select {
		case s.inbox <- inboxItem{msg: msg}:
		case <-s.doneCh:
		}
	})
	ch.SetCloseHandler(func(err error) {
		if err == nil {
			err = transport.ErrChannelClosed
		}
		select {
		case s.inbox <- inboxItem{err: err}:
		default:
		}
	})
	ch.SetDrainHandler(func() {
		select {
		case s.drainCh <- struct{}{}:
		default:
		}
	})
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Dir returns the session's transfer direction.
func (s *Session) Dir() Direction { return s.direction }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress returns completion in 0..1: acknowledged chunks for senders,
// received chunks for receivers.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.meta.TotalChunks
	if total == 0 {
		return 0
	}
	var done uint32
	switch {
	case s.direction == DirectionSend && s.acked != nil:
		done = s.acked.Count()
	case s.asm != nil:
		done = s.asm.Bitmap().Count()
	}
	return float64(done) / float64(total)
}

// Bytes returns the assembled file after a receiving session completes.
func (s *Session) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direction != DirectionReceive {
		return nil, fmt.Errorf("bytes available only on receiving sessions")
	}
	if s.state != StateCompleted {
		return nil, fmt.Errorf("%w: session %s", chunker.ErrIncompleteTransfer, s.state)
	}
	return s.fileData, nil
}

// FileName returns the transferred file's name, once known.
func (s *Session) FileName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileName
}

// Cancel aborts the session. It is safe from any goroutine; the worker
// notices, tears the transfer down, and discards persisted resume state.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Pause suspends a transferring session, persisting resume state. The
// channel stays open; call Resume to continue.
func (s *Session) Pause() {
	s.pauseOnce.Do(func() { close(s.pauseCh) })
}

// Run executes the session until it reaches a terminal state or parks in
// Paused. It returns nil on completion, ErrConnectionLost (or the pause)
// when parked, ErrCancelled on cancellation, and the failure otherwise.
func (s *Session) Run(ctx context.Context) error {
	var err error
	if s.direction == DirectionSend {
		err = s.runSender(ctx)
	} else {
		err = s.runReceiver(ctx)
	}
	if err != nil && !errors.Is(err, ErrConnectionLost) {
		s.mu.Lock()
		if s.err == nil && s.state != StateCompleted {
			s.err = err
		}
		s.mu.Unlock()
	}
	return err
}

// Resume reattaches a parked session to a fresh channel and re-runs it.
// Cross-process restarts never persist key material, so a resumed session
// always renegotiates.
func (s *Session) Resume(ctx context.Context, ch transport.Channel) error {
	s.mu.Lock()
	if s.state != StatePaused {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, st)
	}
	s.mu.Unlock()

	if s.mgr != nil {
		if _, err := s.mgr.BeginAttempt(ctx, s.id); err != nil && !errors.Is(err, resume.ErrNotFound) {
			return err
		}
	}

	s.pauseOnce = sync.Once{}
	s.pauseCh = make(chan struct{})
	s.resuming = true
	// Drain stale close notifications from the previous channel.
	for {
		select {
		case <-s.inbox:
			continue
		default:
		}
		break
	}
	s.attach(ch)
	return s.Run(ctx)
}

// sendMessage encodes and sends one message, waiting out transient
// backpressure until the context or session deadline gives up.
func (s *Session) sendMessage(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	for {
		err = s.ch.Send(data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrBufferFull) {
			return err
		}
		select {
		case <-s.drainCh:
		case <-time.After(s.cfg.TickInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cancelCh:
			return ErrCancelled
		}
	}
}

// trySend is sendMessage without the backpressure wait; callers that can
// defer transmission use it to keep the worker responsive.
func (s *Session) trySend(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return s.ch.Send(data)
}

// waitFor reads the inbox until accept claims a message, the timeout
// lapses, or the session is interrupted. Messages accept declines are
// handed to stray, or dropped when stray is nil.
func (s *Session) waitFor(ctx context.Context, timeout time.Duration, accept func(wire.Message) bool, stray func(wire.Message)) (wire.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case item := <-s.inbox:
			if item.err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConnectionLost, item.err)
			}
			if e, ok := item.msg.(*wire.Error); ok {
				return nil, fmt.Errorf("%w: %s", ErrPeerRejected, e.Message)
			}
			if accept(item.msg) {
				return item.msg, nil
			}
			if stray != nil {
				stray(item.msg)
			}
		case <-timer.C:
			return nil, context.DeadlineExceeded
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.cancelCh:
			return nil, ErrCancelled
		}
	}
}

// setState transitions under the session lock.
func (s *Session) setState(to SessionState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(to, reason)
}

// fail moves the session to Failed with err as its terminal error and
// best-effort notifies the peer.
func (s *Session) fail(err error, reason string) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.transition(StateFailed, reason)
	s.mu.Unlock()

	_ = s.trySend(&wire.Error{Message: reason})
	s.teardown(false)
	return err
}

// cancelled tears the session down at the caller's request: the peer is
// told, keys are wiped, and persisted resume state is discarded.
func (s *Session) cancelled(ctx context.Context) error {
	s.setState(StateCancelled, "cancelled by caller")
	_ = s.trySend(&wire.Error{Message: "transfer cancelled"})
	if s.mgr != nil {
		_ = s.mgr.Store().Delete(context.WithoutCancel(ctx), s.id)
	}
	s.teardown(false)
	return ErrCancelled
}

// park suspends the session into Paused, persisting resume state. Key
// material stays live for an in-process Resume; it is never persisted.
func (s *Session) park(ctx context.Context, cause error, reason string) error {
	s.setState(StatePaused, reason)
	s.persist(ctx)
	if cause != nil {
		s.emitEvent(events.Event{
			Kind:      events.KindConnectionLost,
			SessionID: s.id,
			Reason:    reason,
		})
	}
	if s.mgr != nil {
		s.emitEvent(events.Event{
			Kind:      events.KindResumeAvailable,
			SessionID: s.id,
		})
	}
	return cause
}

// complete finishes the session and discards resume state.
func (s *Session) complete(ctx context.Context) error {
	s.setState(StateCompleted, "transfer verified")
	if s.mgr != nil {
		if err := s.mgr.Complete(context.WithoutCancel(ctx), s.id); err != nil && !errors.Is(err, resume.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function":   "complete",
				"session_id": s.id,
				"error":      err,
			}).Warn("Failed to discard resume state")
		}
	}
	s.teardown(true)
	return nil
}

// teardown wipes key material and releases any transport callback still
// blocked on the inbox. The channel itself is left to its owner.
func (s *Session) teardown(keepData bool) {
	s.doneOnce.Do(func() { close(s.doneCh) })
	if s.rot != nil {
		s.rot.Wipe()
	}
	if !keepData {
		s.mu.Lock()
		s.fileData = nil
		s.mu.Unlock()
	}
}

// persist snapshots resume state through the manager's store.
func (s *Session) persist(ctx context.Context) {
	if s.mgr == nil {
		return
	}
	s.mu.Lock()
	var bm *bitmap.Bitmap
	if s.direction == DirectionSend {
		bm = s.acked
	} else if s.asm != nil {
		bm = s.asm.Bitmap()
	}
	var bmBytes []byte
	if bm != nil {
		bmBytes, _ = bm.MarshalBinary()
	}
	st := resume.State{
		SessionID:   s.id,
		Direction:   s.direction.String(),
		FileName:    s.fileName,
		FileSize:    s.meta.Size,
		TotalChunks: s.meta.TotalChunks,
		ChunkSize:   int(s.meta.ChunkSize),
		FileHash:    s.meta.FileHash,
		Bitmap:      bmBytes,
		UpdatedAt:   s.now(),
	}
	if s.rot != nil {
		st.NonceCounter = s.rot.SendCounter().Counter()
		st.Generation = s.rot.Generation()
	}
	if s.cfg.SessionTTL > 0 {
		st.ExpiresAt = s.now().Add(s.cfg.SessionTTL)
	}
	s.mu.Unlock()

	if err := s.mgr.Store().Put(context.WithoutCancel(ctx), st); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "persist",
			"session_id": s.id,
			"error":      err,
		}).Error("Failed to persist resume state")
	}
}

// emitStateChange publishes a lifecycle event. Called with s.mu held.
func (s *Session) emitStateChange(from, to SessionState, reason string) {
	s.emitEvent(events.Event{
		Kind:      events.KindSessionState,
		SessionID: s.id,
		OldState:  from.String(),
		NewState:  to.String(),
		Reason:    reason,
	})
}

func (s *Session) emitEvent(e events.Event) {
	if s.queue == nil {
		return
	}
	if e.When.IsZero() {
		e.When = s.now()
	}
	s.queue.Emit(e)
}

// emitProgress publishes chunk completion, and a speed estimate at most
// once per second.
func (s *Session) emitProgress(index, done uint32) {
	s.emitEvent(events.Event{
		Kind:        events.KindChunkProgress,
		SessionID:   s.id,
		ChunkIndex:  index,
		ChunksDone:  done,
		ChunksTotal: s.meta.TotalChunks,
		BytesDone:   s.bytesMoved,
		BytesTotal:  s.meta.Size,
	})

	now := s.now()
	if now.Sub(s.lastSpeed) < time.Second || s.startedAt.IsZero() {
		return
	}
	elapsed := now.Sub(s.startedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	bps := float64(s.bytesMoved) / elapsed
	var eta time.Duration
	if bps > 0 && s.meta.Size > s.bytesMoved {
		eta = time.Duration(float64(s.meta.Size-s.bytesMoved) / bps * float64(time.Second))
	}
	s.lastSpeed = now
	s.emitEvent(events.Event{
		Kind:           events.KindSpeedEstimate,
		SessionID:      s.id,
		BytesPerSecond: bps,
		ETA:            eta,
	})
}

// sealName encrypts the file name under the session's send key for the
// metadata message.
func (s *Session) sealName(name string) ([]byte, []byte, error) {
	ct, nonce, err := crypto.SealChunk(&s.rot.Keys().SendKey, s.rot.SendCounter(), []byte(name))
	if err != nil {
		return nil, nil, err
	}
	return ct, nonce[:], nil
}

// openName decrypts an encrypted file name from metadata.
func (s *Session) openName(ct, nonce []byte) (string, error) {
	pt, err := crypto.OpenChunk(&s.rot.Keys().RecvKey, nonce, ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// setTimeProvider overrides the clock for deterministic tests.
func (s *Session) setTimeProvider(now func() time.Time) {
	s.now = now
}
