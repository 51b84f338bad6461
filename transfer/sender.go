package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/flitnet/flit/crypto"
	"github.com/flitnet/flit/rate"
	"github.com/flitnet/flit/transport"
	"github.com/flitnet/flit/wire"
)

// runSender drives the sending side: initiate the key exchange, announce
// the file, then stream chunks under the adaptive controller until every
// chunk is acknowledged and the receiver confirms the assembled file.
func (s *Session) runSender(ctx context.Context) error {
	if s.rot == nil {
		if err := s.handshakeInitiator(ctx); err != nil {
			return s.senderAbort(ctx, err, "key exchange")
		}
		if s.restoredNonce > 0 {
			// Fresh keys make replay impossible either way; continuing the
			// persisted counter keeps the nonce sequence monotonic across
			// the session's whole identity.
			s.rot.SendCounter().SetCounter(s.restoredNonce)
		}
		if s.cfg.EncryptName && s.fileName != "" {
			ct, nonce, err := s.sealName(s.fileName)
			if err != nil {
				return s.fail(err, "encrypt file name")
			}
			s.meta.EncryptedName = ct
			s.meta.NameNonce = nonce
		}
		if err := s.sendMessage(ctx, &s.meta); err != nil {
			return s.senderAbort(ctx, err, "send metadata")
		}
	}

	if err := s.setState(StateTransferring, "streaming chunks"); err != nil {
		return err
	}
	if s.resuming {
		s.track.resetInFlight()
	}
	s.scheduleMissing()
	return s.senderLoop(ctx)
}

// handshakeInitiator performs the initiator half of the hybrid key
// exchange, retrying timed-out attempts with exponential backoff.
// Malformed key material is fatal and never retried.
func (s *Session) handshakeInitiator(ctx context.Context) error {
	if err := s.setState(StateNegotiating, "hybrid key exchange"); err != nil {
		return err
	}
	kp, err := crypto.GenerateHybridKeyPair()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	pub := kp.PublicKeyBytes()

	var shared []byte
	attempt := func() error {
		if err := s.sendMessage(ctx, &wire.PublicKey{Key: pub}); err != nil {
			return backoff.Permanent(err)
		}
		msg, err := s.waitFor(ctx, s.cfg.HandshakeTimeout, func(m wire.Message) bool {
			_, ok := m.(*wire.KeyExchange)
			return ok
		}, nil)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logrus.WithFields(logrus.Fields{
					"function":   "handshakeInitiator",
					"session_id": s.id,
				}).Warn("Key exchange attempt timed out")
				return ErrKeyExchangeTimeout
			}
			return backoff.Permanent(err)
		}
		shared, err = crypto.Decapsulate(kp, msg.(*wire.KeyExchange).Ciphertext)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err))
		}
		return nil
	}

	attempts := s.cfg.HandshakeAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return err
	}

	rot, err := crypto.NewRotationState(shared, crypto.RoleInitiator, s.cfg.Rotation)
	if err != nil {
		return err
	}
	s.rot = rot
	logrus.WithFields(logrus.Fields{
		"function":   "handshakeInitiator",
		"session_id": s.id,
	}).Info("Session keys established")
	return nil
}

// scheduleMissing queues every chunk the receiver has not confirmed and
// records already-confirmed ones with the tracker so that full
// acknowledgment is judged over the whole file.
func (s *Session) scheduleMissing() {
	s.mu.Lock()
	missing := s.acked.Missing()
	total := s.meta.TotalChunks
	acked := s.acked.Clone()
	s.mu.Unlock()

	for i := uint32(0); i < total; i++ {
		if acked.Get(i) {
			s.track.markAcknowledged(i)
		}
	}
	s.track.schedule(missing)
}

// senderLoop is the sending worker: one iteration expires overdue acks,
// rotates keys when due, fills the pipeline up to the controller's
// concurrency at its target rate, then blocks on the next stimulus.
func (s *Session) senderLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	if s.startedAt.IsZero() {
		s.startedAt = s.now()
		s.lastSpeed = s.startedAt
	}

	var nextSendAt time.Time
	for {
		now := s.now()

		timedOut, failedChunks := s.track.expire(now)
		if len(failedChunks) > 0 {
			return s.fail(fmt.Errorf("%w: chunks %v", ErrAckTimeout, failedChunks), "ack retries exhausted")
		}
		if n := len(timedOut); n > 0 {
			s.recentTimeouts += n
			logrus.WithFields(logrus.Fields{
				"function":   "senderLoop",
				"session_id": s.id,
				"chunks":     timedOut,
			}).Warn("Chunk acknowledgments timed out, retransmitting")
		}

		if s.rot.ShouldRotate() && s.track.inFlightCount() == 0 {
			if gen, err := s.rot.Rotate(); err == nil {
				if err := s.sendMessage(ctx, &wire.KeyRotation{SessionID: s.id, Generation: gen}); err != nil {
					return s.senderAbort(ctx, err, "announce key rotation")
				}
			}
		}

		snap := s.ctrl.Snapshot()
		for s.track.inFlightCount() < snap.Concurrency && !s.now().Before(nextSendAt) {
			i, ok := s.track.next()
			if !ok {
				break
			}
			sent, n, err := s.sendChunk(i)
			if err != nil {
				return s.senderAbort(ctx, err, "send chunk")
			}
			if !sent {
				s.track.schedule([]uint32{i})
				break
			}
			s.track.markInFlight(i, s.now(), s.cfg.AckTimeout)
			s.recentSends++
			s.rot.RecordBytes(uint64(n))
			if snap.TargetRate > 0 && n > 0 {
				gap := time.Duration(float64(n) / float64(snap.TargetRate) * float64(time.Second))
				nextSendAt = s.now().Add(gap)
			}
		}

		if s.peerDone {
			if !s.peerOK {
				return s.fail(ErrCorruptedTransfer, "receiver reported file hash mismatch")
			}
			if s.track.allAcknowledged() {
				return s.complete(ctx)
			}
		}

		select {
		case item := <-s.inbox:
			if err := s.senderInbox(ctx, item); err != nil {
				return err
			}
		case <-ticker.C:
		case <-s.drainCh:
		case <-s.pauseCh:
			return s.park(ctx, nil, "paused by caller")
		case <-s.cancelCh:
			return s.cancelled(ctx)
		case <-ctx.Done():
			return s.park(ctx, ctx.Err(), "context cancelled")
		}

		// Drain whatever else queued up before doing housekeeping again.
	drain:
		for {
			select {
			case item := <-s.inbox:
				if err := s.senderInbox(ctx, item); err != nil {
					return err
				}
			default:
				break drain
			}
		}
	}
}

// senderInbox dispatches one inbox item inside the sender loop. A non-nil
// return is the session's final error.
func (s *Session) senderInbox(ctx context.Context, item inboxItem) error {
	if item.err != nil {
		return s.park(ctx, fmt.Errorf("%w: %v", ErrConnectionLost, item.err), "connection lost")
	}
	switch m := item.msg.(type) {
	case *wire.Ack:
		s.handleAck(m)
	case *wire.Complete:
		s.peerDone = true
		s.peerOK = m.Success
	case *wire.Error:
		return s.fail(fmt.Errorf("%w: %s", ErrPeerRejected, m.Message), "peer error")
	case *wire.ResumeRequest:
		if m.SessionID != s.id {
			_ = s.trySend(&wire.ResumeResponse{SessionID: m.SessionID, CanResume: false})
			return nil
		}
		s.mu.Lock()
		bm, err := s.acked.MarshalBinary()
		s.mu.Unlock()
		if err != nil {
			return s.fail(err, "encode receipt bitmap")
		}
		s.reconciling = true
		if err := s.sendMessage(ctx, &wire.ResumeResponse{SessionID: s.id, Bitmap: bm, CanResume: true}); err != nil {
			return s.senderAbort(ctx, err, "send resume response")
		}
	case *wire.ResumeChunkRequest:
		if m.SessionID != s.id {
			return nil
		}
		s.handleChunkRequest(m)
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "senderInbox",
			"session_id": s.id,
			"type":       item.msg.MessageType(),
		}).Debug("Ignoring unexpected message")
	}
	return nil
}

// handleAck settles one acknowledgment: the chunk becomes durable
// progress and its round trip feeds the adaptive controller.
func (s *Session) handleAck(m *wire.Ack) {
	now := s.now()
	changed, rtt := s.track.ack(m.Index, now)
	if !changed {
		return
	}

	s.mu.Lock()
	if err := s.acked.Set(m.Index); err != nil {
		s.mu.Unlock()
		return
	}
	done := s.acked.Count()
	s.mu.Unlock()

	s.bytesMoved += uint64(s.chunkLen(m.Index))

	jitter := rtt - s.lastRTT
	if jitter < 0 {
		jitter = -jitter
	}
	if s.lastRTT == 0 {
		jitter = 0
	}
	s.lastRTT = rtt

	var loss float64
	if s.recentSends > 0 {
		loss = float64(s.recentTimeouts) / float64(s.recentSends)
	}
	s.ctrl.Observe(rate.Sample{
		RTT:             rtt,
		Jitter:          jitter,
		Loss:            loss,
		BufferOccupancy: s.ch.BufferOccupancy(),
		When:            now,
	})
	if w := s.cfg.Rate.WindowSize; w > 0 && s.recentSends > 2*w {
		s.recentSends /= 2
		s.recentTimeouts /= 2
	}

	s.emitProgress(m.Index, done)
}

// handleChunkRequest schedules retransmissions the receiver asked for.
// When the request concludes a reconciliation round it is the receiver's
// complete missing set, so everything absent from it counts as delivered.
func (s *Session) handleChunkRequest(m *wire.ResumeChunkRequest) {
	if s.reconciling {
		s.reconciling = false
		requested := make(map[uint32]struct{}, len(m.Indices))
		for _, i := range m.Indices {
			requested[i] = struct{}{}
		}
		s.mu.Lock()
		total := s.meta.TotalChunks
		for i := uint32(0); i < total; i++ {
			if _, ok := requested[i]; ok {
				continue
			}
			_ = s.acked.Set(i)
			s.track.markAcknowledged(i)
		}
		s.mu.Unlock()
	}
	s.track.schedule(m.Indices)
	logrus.WithFields(logrus.Fields{
		"function":   "handleChunkRequest",
		"session_id": s.id,
		"requested":  len(m.Indices),
	}).Info("Scheduling requested chunks")
}

// sendChunk seals and transmits one chunk. A full send buffer is not an
// error: sent is false and the caller retries after the channel drains.
func (s *Session) sendChunk(i uint32) (sent bool, size int, err error) {
	c, err := s.split.At(i)
	if err != nil {
		return false, 0, err
	}
	ct, nonce, err := crypto.SealChunk(&s.rot.Keys().SendKey, s.rot.SendCounter(), c.Data)
	if err != nil {
		return false, 0, err
	}
	msg := &wire.Chunk{Index: i, Ciphertext: ct, Nonce: nonce[:], Hash: c.Hash[:]}
	if err := s.trySend(msg); err != nil {
		if errors.Is(err, transport.ErrBufferFull) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, len(c.Data), nil
}

// senderAbort maps a low-level failure to the session's fate: caller
// cancellation tears down, a dead channel parks the session resumable,
// anything else fails it.
func (s *Session) senderAbort(ctx context.Context, err error, reason string) error {
	switch {
	case errors.Is(err, ErrCancelled):
		return s.cancelled(ctx)
	case errors.Is(err, ErrConnectionLost), errors.Is(err, transport.ErrChannelClosed):
		if s.State() == StateTransferring {
			return s.park(ctx, fmt.Errorf("%w: %s", ErrConnectionLost, reason), reason)
		}
		return s.fail(fmt.Errorf("%w: %s", ErrConnectionLost, reason), reason)
	case errors.Is(err, ErrKeyExchangeTimeout):
		return s.fail(err, reason)
	default:
		return s.fail(err, reason)
	}
}

// chunkLen returns the plaintext length of chunk i.
func (s *Session) chunkLen(i uint32) int {
	if s.meta.Size == 0 {
		return 0
	}
	cs := int(s.meta.ChunkSize)
	if i+1 < s.meta.TotalChunks {
		return cs
	}
	rem := int(s.meta.Size % uint64(cs))
	if rem == 0 {
		return cs
	}
	return rem
}
