package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/flitnet/flit/bitmap"
	"github.com/flitnet/flit/chunker"
	"github.com/flitnet/flit/crypto"
	"github.com/flitnet/flit/resume"
	"github.com/flitnet/flit/transport"
	"github.com/flitnet/flit/wire"
)

// runReceiver drives the receiving side: answer the key exchange, adopt
// the sender's metadata, then collect, verify and acknowledge chunks
// until the file assembles and its hash checks out.
func (s *Session) runReceiver(ctx context.Context) error {
	if s.rot == nil {
		if err := s.handshakeResponder(ctx); err != nil {
			return s.receiverAbort(ctx, err, "key exchange")
		}
		if err := s.awaitMetadata(ctx); err != nil {
			return s.receiverAbort(ctx, err, "await metadata")
		}
	}
	if err := s.setState(StateTransferring, "receiving chunks"); err != nil {
		return err
	}
	if s.resuming {
		if err := s.resumeReconcile(ctx); err != nil {
			return s.receiverAbort(ctx, err, "resume reconciliation")
		}
	}
	return s.receiverLoop(ctx)
}

// handshakeResponder performs the responder half of the hybrid key
// exchange: parse the initiator's public key, encapsulate against it,
// and derive the mirrored session keys.
func (s *Session) handshakeResponder(ctx context.Context) error {
	if err := s.setState(StateNegotiating, "hybrid key exchange"); err != nil {
		return err
	}
	msg, err := s.waitFor(ctx, s.cfg.HandshakeTimeout, func(m wire.Message) bool {
		_, ok := m.(*wire.PublicKey)
		return ok
	}, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrKeyExchangeTimeout
		}
		return err
	}
	return s.respondKeyExchange(ctx, msg.(*wire.PublicKey))
}

// respondKeyExchange encapsulates against one initiator public key and
// replaces the session keys. Re-invoked when the initiator retries.
func (s *Session) respondKeyExchange(ctx context.Context, m *wire.PublicKey) error {
	pub, err := crypto.ParseHybridPublicKey(m.Key)
	if err != nil {
		_ = s.trySend(&wire.Error{Message: "invalid public key"})
		return fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	ct, shared, err := crypto.Encapsulate(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	rot, err := crypto.NewRotationState(shared, crypto.RoleResponder, s.cfg.Rotation)
	if err != nil {
		return err
	}
	if s.rot != nil {
		s.rot.Wipe()
	}
	s.rot = rot
	if err := s.sendMessage(ctx, &wire.KeyExchange{Ciphertext: ct}); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function":   "respondKeyExchange",
		"session_id": s.id,
	}).Info("Session keys established")
	return nil
}

// awaitMetadata waits for the sender's file announcement, answering any
// repeated key-exchange openings along the way.
func (s *Session) awaitMetadata(ctx context.Context) error {
	for {
		msg, err := s.waitFor(ctx, s.cfg.HandshakeTimeout, func(m wire.Message) bool {
			switch m.(type) {
			case *wire.FileMetadata, *wire.PublicKey:
				return true
			}
			return false
		}, nil)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrKeyExchangeTimeout
			}
			return err
		}
		switch m := msg.(type) {
		case *wire.PublicKey:
			// Initiator retried; its previous attempt is abandoned.
			if err := s.respondKeyExchange(ctx, m); err != nil {
				return err
			}
		case *wire.FileMetadata:
			return s.applyMetadata(m)
		}
	}
}

// applyMetadata adopts the sender's session identity and file geometry,
// and prepares the assembler. Resumed sessions instead cross-check the
// announcement against their persisted identity.
func (s *Session) applyMetadata(m *wire.FileMetadata) error {
	if s.resuming {
		if m.SessionID != s.id || !crypto.HashEqual(m.FileHash, s.meta.FileHash) {
			_ = s.trySend(&wire.Error{Message: "metadata does not match resumed session"})
			return fmt.Errorf("%w: metadata mismatch on resume", ErrPeerRejected)
		}
		return nil
	}

	total, err := chunker.ChunkCount(int64(m.Size), int(m.ChunkSize))
	if err != nil || total != m.TotalChunks {
		_ = s.trySend(&wire.Error{Message: "inconsistent file geometry"})
		return fmt.Errorf("%w: metadata declares %d chunks, geometry gives %d", wire.ErrInvalidMessage, m.TotalChunks, total)
	}

	name := m.Name
	if len(m.EncryptedName) > 0 {
		name, err = s.openName(m.EncryptedName, m.NameNonce)
		if err != nil {
			_ = s.trySend(&wire.Error{Message: "undecryptable file name"})
			return fmt.Errorf("%w: %v", ErrChunkIntegrityFailure, err)
		}
	}

	s.mu.Lock()
	s.id = m.SessionID
	s.meta = *m
	s.fileName = name
	s.asm = chunker.New(m.TotalChunks, int(m.ChunkSize), m.Size)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "applyMetadata",
		"session_id":   m.SessionID,
		"file_size":    m.Size,
		"total_chunks": m.TotalChunks,
		"chunk_size":   m.ChunkSize,
	}).Info("Incoming transfer announced")
	return nil
}

// resumeReconcile asks the sender for its receipt view and requests
// exactly the chunks still missing locally. Chunks that arrive while the
// response is pending are deferred, not dropped.
func (s *Session) resumeReconcile(ctx context.Context) error {
	var resp *wire.ResumeResponse
	attempt := func() error {
		if err := s.sendMessage(ctx, &wire.ResumeRequest{SessionID: s.id}); err != nil {
			return backoff.Permanent(err)
		}
		msg, err := s.waitFor(ctx, s.cfg.ResumeResponseTimeout, func(m wire.Message) bool {
			r, ok := m.(*wire.ResumeResponse)
			return ok && r.SessionID == s.id
		}, func(m wire.Message) {
			s.deferred = append(s.deferred, m)
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrResumeResponseTimeout
			}
			return backoff.Permanent(err)
		}
		resp = msg.(*wire.ResumeResponse)
		return nil
	}

	attempts := s.cfg.ResumeRequestAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)); err != nil {
		return err
	}

	if !resp.CanResume {
		// Sender no longer recognizes the session: start the file over.
		logrus.WithFields(logrus.Fields{
			"function":   "resumeReconcile",
			"session_id": s.id,
		}).Warn("Peer declined resume, restarting from scratch")
		s.mu.Lock()
		s.asm = chunker.New(s.meta.TotalChunks, int(s.meta.ChunkSize), s.meta.Size)
		s.mu.Unlock()
	}

	s.mu.Lock()
	local := s.asm.Bitmap()
	s.mu.Unlock()
	missing := local.Missing()

	if len(resp.Bitmap) > 0 {
		if peer, err := bitmap.FromBytes(resp.Bitmap); err == nil {
			if held, lacked, rerr := resume.Reconcile(local, peer); rerr == nil {
				logrus.WithFields(logrus.Fields{
					"function":    "resumeReconcile",
					"session_id":  s.id,
					"held_here":   len(held),
					"acked_there": local.Count(),
					"unseen":      len(lacked),
				}).Debug("Receipt bitmaps reconciled")
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "resumeReconcile",
		"session_id": s.id,
		"missing":    len(missing),
	}).Info("Requesting missing chunks")
	return s.sendMessage(ctx, &wire.ResumeChunkRequest{SessionID: s.id, Indices: missing})
}

// receiverLoop is the receiving worker: decrypt, verify, store and
// acknowledge chunks until the file is whole.
func (s *Session) receiverLoop(ctx context.Context) error {
	if s.startedAt.IsZero() {
		s.startedAt = s.now()
		s.lastSpeed = s.startedAt
	}

	// Messages deferred during reconciliation go first.
	pending := s.deferred
	s.deferred = nil
	for _, m := range pending {
		done, err := s.receiverInbox(ctx, inboxItem{msg: m})
		if done || err != nil {
			return err
		}
	}

	for {
		select {
		case item := <-s.inbox:
			done, err := s.receiverInbox(ctx, item)
			if done || err != nil {
				return err
			}
		case <-s.pauseCh:
			return s.park(ctx, nil, "paused by caller")
		case <-s.cancelCh:
			return s.cancelled(ctx)
		case <-ctx.Done():
			return s.park(ctx, ctx.Err(), "context cancelled")
		}
	}
}

// receiverInbox dispatches one inbox item inside the receiver loop. done
// reports the session reached a terminal state; err is then its outcome.
func (s *Session) receiverInbox(ctx context.Context, item inboxItem) (done bool, err error) {
	if item.err != nil {
		return true, s.park(ctx, fmt.Errorf("%w: %v", ErrConnectionLost, item.err), "connection lost")
	}
	switch m := item.msg.(type) {
	case *wire.Chunk:
		return s.handleChunk(ctx, m)
	case *wire.KeyRotation:
		if m.SessionID != s.id {
			return false, nil
		}
		gen, rerr := s.rot.Rotate()
		if rerr != nil {
			return true, s.fail(rerr, "key rotation")
		}
		if gen != m.Generation {
			return true, s.fail(fmt.Errorf("%w: key generation %d, peer announced %d", ErrKeyExchangeFailed, gen, m.Generation), "key generation mismatch")
		}
	case *wire.FileMetadata:
		// Duplicate announcement from a sender retry.
		if m.SessionID != s.id {
			logrus.WithFields(logrus.Fields{
				"function":   "receiverInbox",
				"session_id": s.id,
				"peer_id":    m.SessionID,
			}).Warn("Ignoring metadata for a different session")
		}
	case *wire.Error:
		return true, s.fail(fmt.Errorf("%w: %s", ErrPeerRejected, m.Message), "peer error")
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "receiverInbox",
			"session_id": s.id,
			"type":       item.msg.MessageType(),
		}).Debug("Ignoring unexpected message")
	}
	return false, nil
}

// handleChunk decrypts, verifies, stores and acknowledges one chunk.
// Authentication or hash failures never store anything: the chunk is
// re-requested and the session survives.
func (s *Session) handleChunk(ctx context.Context, m *wire.Chunk) (bool, error) {
	pt, err := s.openChunk(m)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleChunk",
			"session_id": s.id,
			"index":      m.Index,
			"error":      err,
		}).Warn("Chunk failed authentication, requesting retransmission")
		_ = s.trySend(&wire.ResumeChunkRequest{SessionID: s.id, Indices: []uint32{m.Index}})
		return false, nil
	}

	var hash [crypto.HashSize]byte
	copy(hash[:], m.Hash)
	c := &chunker.Chunk{Index: m.Index, Data: pt, Hash: hash}

	s.mu.Lock()
	already := s.asm.Bitmap().Get(m.Index)
	perr := s.asm.Put(c)
	count := s.asm.Bitmap().Count()
	complete := s.asm.Complete()
	s.mu.Unlock()

	if errors.Is(perr, chunker.ErrChunkRejected) {
		logrus.WithFields(logrus.Fields{
			"function":   "handleChunk",
			"session_id": s.id,
			"index":      m.Index,
		}).Warn("Chunk hash mismatch, requesting retransmission")
		_ = s.trySend(&wire.ResumeChunkRequest{SessionID: s.id, Indices: []uint32{m.Index}})
		return false, nil
	}
	if perr != nil {
		return true, s.fail(perr, "store chunk")
	}

	// Ack duplicates too: the first ack may have been lost.
	if err := s.sendMessage(ctx, &wire.Ack{Index: m.Index}); err != nil {
		return true, s.receiverAbort(ctx, err, "send ack")
	}

	if !already {
		s.bytesMoved += uint64(len(pt))
		s.rot.RecordBytes(uint64(len(pt)))
		s.emitProgress(m.Index, count)
	}

	if complete {
		return true, s.finishReceive(ctx)
	}
	return false, nil
}

// openChunk decrypts one chunk with the current receive key, falling back
// to the previous key generation while its grace window holds.
func (s *Session) openChunk(m *wire.Chunk) ([]byte, error) {
	pt, err := crypto.OpenChunk(&s.rot.Keys().RecvKey, m.Nonce, m.Ciphertext)
	if err == nil {
		return pt, nil
	}
	if gen := s.rot.Generation(); gen > 0 {
		if key, kerr := s.rot.RecvKeyFor(gen - 1); kerr == nil {
			if pt, gerr := crypto.OpenChunk(key, m.Nonce, m.Ciphertext); gerr == nil {
				return pt, nil
			}
		}
	}
	return nil, err
}

// finishReceive verifies the assembled file against the declared hash
// and reports the outcome to the sender. A mismatch is terminal: partial
// hashes all passed, so the metadata itself is untrustworthy.
func (s *Session) finishReceive(ctx context.Context) error {
	s.mu.Lock()
	ok, err := s.asm.VerifyFileHash(s.meta.FileHash)
	s.mu.Unlock()
	if err != nil {
		return s.fail(err, "verify assembled file")
	}
	if !ok {
		_ = s.trySend(&wire.Complete{Success: false})
		return s.fail(ErrCorruptedTransfer, "assembled file hash mismatch")
	}

	s.mu.Lock()
	data, aerr := s.asm.Assemble()
	s.fileData = data
	s.mu.Unlock()
	if aerr != nil {
		return s.fail(aerr, "assemble file")
	}

	if err := s.sendMessage(ctx, &wire.Complete{Success: true}); err != nil {
		// The file is whole and verified; the sender will learn of it on
		// its own timeout if this notification was lost.
		logrus.WithFields(logrus.Fields{
			"function":   "finishReceive",
			"session_id": s.id,
			"error":      err,
		}).Warn("Failed to notify sender of completion")
	}
	return s.complete(ctx)
}

// receiverAbort maps a low-level failure to the session's fate, mirroring
// senderAbort.
func (s *Session) receiverAbort(ctx context.Context, err error, reason string) error {
	switch {
	case errors.Is(err, ErrCancelled):
		return s.cancelled(ctx)
	case errors.Is(err, ErrConnectionLost), errors.Is(err, transport.ErrChannelClosed):
		if s.State() == StateTransferring {
			return s.park(ctx, fmt.Errorf("%w: %s", ErrConnectionLost, reason), reason)
		}
		return s.fail(fmt.Errorf("%w: %s", ErrConnectionLost, reason), reason)
	default:
		return s.fail(err, reason)
	}
}
