// Package resume persists transfer progress across disconnects and
// process restarts, and reconciles both peers' views of which chunks
// already arrived when a session is resumed.
package resume

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no persisted state exists for the session.
	ErrNotFound = errors.New("resume state not found")

	// ErrResumeExpired indicates the session is too old or already
	// completed. Fatal: a fresh transfer is required.
	ErrResumeExpired = errors.New("resume rejected: session expired or completed")

	// ErrResumeExhausted indicates the maximum resume attempt count was
	// exceeded. Fatal.
	ErrResumeExhausted = errors.New("resume rejected: attempt limit exceeded")
)

// State is the durable snapshot of one interrupted session: enough to
// re-request only the missing chunks and to keep nonces monotonic.
type State struct {
	SessionID    string
	Direction    string // "send" or "receive"
	FileName     string
	FileSize     uint64
	TotalChunks  uint32
	ChunkSize    int
	FileHash     []byte
	Bitmap       []byte // bitmap.Bitmap binary encoding
	NonceCounter uint64 // next send-nonce counter value
	Generation   uint32 // key generation at suspension
	Attempts     int    // resume attempts consumed
	Completed    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time // zero means no expiry
}

// Store is the durable key-value boundary for resume state. Put must
// atomically replace any prior state for the same session identifier;
// that atomicity is the only storage guarantee the engine relies on.
type Store interface {
	Put(ctx context.Context, st State) error
	Get(ctx context.Context, sessionID string) (State, error)
	Delete(ctx context.Context, sessionID string) error
	ListActive(ctx context.Context) ([]string, error)
	Close() error
}
