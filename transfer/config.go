package transfer

import (
	"time"

	"github.com/flitnet/flit/crypto"
	"github.com/flitnet/flit/rate"
)

// Config tunes a transfer session. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// AckTimeout bounds how long a sent chunk may wait for its ack
	// before reverting to pending.
	AckTimeout time.Duration

	// MaxChunkRetries is how many times one chunk is retransmitted after
	// ack timeouts before it, and the session, fail.
	MaxChunkRetries int

	// HandshakeTimeout bounds one key-exchange attempt.
	HandshakeTimeout time.Duration

	// HandshakeAttempts is the key-exchange retry budget. Attempts are
	// spaced by exponential backoff.
	HandshakeAttempts int

	// ResumeResponseTimeout bounds one resume-request attempt.
	ResumeResponseTimeout time.Duration

	// ResumeRequestAttempts is the resume-request retry budget.
	ResumeRequestAttempts int

	// SessionTTL is how long persisted resume state stays valid.
	SessionTTL time.Duration

	// LocalPath declares a low-latency, high-bandwidth path, selecting
	// larger initial chunk sizes.
	LocalPath bool

	// EncryptName additionally carries the file name encrypted under the
	// session key in the metadata message.
	EncryptName bool

	// Rotation is the key rotation policy.
	Rotation crypto.RotationConfig

	// Rate tunes the adaptive bitrate controller.
	Rate rate.Config

	// TickInterval is the worker's internal timer resolution.
	TickInterval time.Duration
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:            10 * time.Second,
		MaxChunkRetries:       3,
		HandshakeTimeout:      30 * time.Second,
		HandshakeAttempts:     3,
		ResumeResponseTimeout: 30 * time.Second,
		ResumeRequestAttempts: 3,
		SessionTTL:            24 * time.Hour,
		EncryptName:           true,
		Rotation:              crypto.DefaultRotationConfig(),
		Rate:                  rate.DefaultConfig(),
		TickInterval:          50 * time.Millisecond,
	}
}
