package transfer

import (
	"context"
	"fmt"
	"io"

	"github.com/flitnet/flit/bitmap"
	"github.com/flitnet/flit/chunker"
	"github.com/flitnet/flit/crypto"
	"github.com/flitnet/flit/events"
	"github.com/flitnet/flit/rate"
	"github.com/flitnet/flit/resume"
	"github.com/flitnet/flit/wire"
)

// RestoreSendSession rebuilds a sending session from persisted resume
// state after a process restart. src must be the same file: its hash is
// recomputed and checked against the persisted one. The session comes
// back Paused; continue it with Resume.
func RestoreSendSession(ctx context.Context, mgr *resume.Manager, sessionID string, src io.ReaderAt, cfg Config, queue *events.Queue) (*Session, error) {
	st, err := loadState(ctx, mgr, sessionID, "send")
	if err != nil {
		return nil, err
	}

	hash, err := crypto.HashReader(io.NewSectionReader(src, 0, int64(st.FileSize)))
	if err != nil {
		return nil, fmt.Errorf("hash source file: %w", err)
	}
	if !crypto.HashEqual(hash[:], st.FileHash) {
		return nil, fmt.Errorf("%w: source file changed since suspension", ErrCorruptedTransfer)
	}

	split, err := chunker.Split(src, int64(st.FileSize), st.ChunkSize)
	if err != nil {
		return nil, err
	}

	s := newSession(DirectionSend, cfg, queue, mgr)
	s.id = sessionID
	s.src = src
	s.split = split
	s.track = newTracker(cfg.MaxChunkRetries)
	s.ctrl = rate.New(cfg.Rate)
	s.fileName = st.FileName
	s.restoredNonce = st.NonceCounter
	s.state = StatePaused
	s.resuming = true
	s.meta = wire.FileMetadata{
		SessionID:   sessionID,
		Size:        st.FileSize,
		TotalChunks: st.TotalChunks,
		ChunkSize:   uint32(st.ChunkSize),
		FileHash:    st.FileHash,
	}
	if !cfg.EncryptName {
		s.meta.Name = st.FileName
	}

	s.acked, err = restoredBitmap(st.Bitmap, st.TotalChunks)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RestoreReceiveSession rebuilds a receiving session from persisted
// resume state and the partial assembly the caller preserved. partial
// must be the full-size buffer the interrupted session was assembling
// into. The session comes back Paused; continue it with Resume.
func RestoreReceiveSession(ctx context.Context, mgr *resume.Manager, sessionID string, partial []byte, cfg Config, queue *events.Queue) (*Session, error) {
	st, err := loadState(ctx, mgr, sessionID, "receive")
	if err != nil {
		return nil, err
	}
	if uint64(len(partial)) != st.FileSize {
		return nil, fmt.Errorf("partial assembly is %d bytes, session file is %d", len(partial), st.FileSize)
	}

	present, err := restoredBitmap(st.Bitmap, st.TotalChunks)
	if err != nil {
		return nil, err
	}
	asm, err := chunker.Restore(partial, st.TotalChunks, st.ChunkSize, present)
	if err != nil {
		return nil, err
	}

	s := newSession(DirectionReceive, cfg, queue, mgr)
	s.id = sessionID
	s.asm = asm
	s.fileName = st.FileName
	s.state = StatePaused
	s.resuming = true
	s.meta = wire.FileMetadata{
		SessionID:   sessionID,
		Name:        st.FileName,
		Size:        st.FileSize,
		TotalChunks: st.TotalChunks,
		ChunkSize:   uint32(st.ChunkSize),
		FileHash:    st.FileHash,
	}
	return s, nil
}

func loadState(ctx context.Context, mgr *resume.Manager, sessionID, direction string) (resume.State, error) {
	st, err := mgr.Store().Get(ctx, sessionID)
	if err != nil {
		return resume.State{}, err
	}
	if err := mgr.Validate(st); err != nil {
		return resume.State{}, err
	}
	if st.Direction != direction {
		return resume.State{}, fmt.Errorf("session %s is a %s session, not %s", sessionID, st.Direction, direction)
	}
	return st, nil
}

func restoredBitmap(data []byte, total uint32) (*bitmap.Bitmap, error) {
	if len(data) == 0 {
		return bitmap.New(total), nil
	}
	bm, err := bitmap.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("decode receipt bitmap: %w", err)
	}
	if bm.Len() != total {
		return nil, fmt.Errorf("%w: bitmap covers %d chunks, session has %d", bitmap.ErrLengthMismatch, bm.Len(), total)
	}
	return bm, nil
}
