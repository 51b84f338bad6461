package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// RotationContext is the fixed HKDF context string for deriving the next
// generation's shared secret from the prior one.
const RotationContext = "flit/key-rotation/v1"

// ErrUnknownGeneration indicates a chunk referenced a key generation that
// is neither current nor within the previous generation's grace window.
var ErrUnknownGeneration = errors.New("unknown key generation")

// ErrRotationDisabled indicates a rotation was requested on a session
// configured without rotation.
var ErrRotationDisabled = errors.New("key rotation disabled")

// RotationConfig controls when session keys are rotated.
type RotationConfig struct {
	Enabled     bool
	Interval    time.Duration // rotate after this much elapsed time
	MaxBytes    uint64        // or after this many bytes transferred
	GraceWindow time.Duration // how long the prior generation stays valid
}

// DefaultRotationConfig returns the rotation policy used by sessions that
// do not override it: rotate every 10 minutes or gigabyte, 30 second grace.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		Enabled:     true,
		Interval:    10 * time.Minute,
		MaxBytes:    1 << 30,
		GraceWindow: 30 * time.Second,
	}
}

type retiredGeneration struct {
	keys      *SessionKeys
	number    uint32
	retiredAt time.Time
}

// RotationState owns the key schedule of one session: the current shared
// secret, the current generation's keys and send nonce counter, and the
// previous generation kept alive for its grace window so in-flight chunks
// encrypted under it still decrypt.
type RotationState struct {
	secret     []byte
	role       Role
	generation uint32
	keys       *SessionKeys
	sendNonce  *NonceCounter
	prev       *retiredGeneration
	config     RotationConfig
	rotatedAt  time.Time
	bytesSince uint64
	now        func() time.Time
}

// NewRotationState derives generation zero keys from the hybrid shared
// secret and takes ownership of it.
func NewRotationState(shared []byte, role Role, config RotationConfig) (*RotationState, error) {
	keys, err := DeriveSessionKeys(shared, role)
	if err != nil {
		return nil, err
	}
	rs := &RotationState{
		secret: shared,
		role:   role,
		keys:   keys,
		config: config,
		now:    time.Now,
	}
	rs.sendNonce = NewNonceCounter(keys.NonceSeed, role)
	rs.rotatedAt = rs.now()
	return rs, nil
}

// Keys returns the current generation's session keys.
func (rs *RotationState) Keys() *SessionKeys { return rs.keys }

// SendCounter returns the nonce counter for the sending direction of the
// current generation.
func (rs *RotationState) SendCounter() *NonceCounter { return rs.sendNonce }

// Generation returns the current key generation number.
func (rs *RotationState) Generation() uint32 { return rs.generation }

// RecordBytes accumulates transferred bytes toward the rotation trigger.
func (rs *RotationState) RecordBytes(n uint64) { rs.bytesSince += n }

// ShouldRotate reports whether the elapsed-time or byte-count trigger has
// fired since the last rotation.
func (rs *RotationState) ShouldRotate() bool {
	if !rs.config.Enabled {
		return false
	}
	return rs.now().Sub(rs.rotatedAt) >= rs.config.Interval || rs.bytesSince >= rs.config.MaxBytes
}

// Rotate derives the next generation: the new shared secret is a PRF of
// the prior secret and the incremented generation counter, fresh session
// keys come from it, and the send nonce counter resets to zero. The
// outgoing generation stays decryptable until its grace window elapses.
// Returns the new generation number for the KeyRotation announcement.
func (rs *RotationState) Rotate() (uint32, error) {
	if !rs.config.Enabled {
		return 0, ErrRotationDisabled
	}
	next := rs.generation + 1

	info := make([]byte, 0, len(RotationContext)+4)
	info = append(info, RotationContext...)
	info = binary.BigEndian.AppendUint32(info, next)

	nextSecret := make([]byte, sharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rs.secret, nil, info), nextSecret); err != nil {
		return 0, fmt.Errorf("derive rotated secret: %w", err)
	}
	nextKeys, err := DeriveSessionKeys(nextSecret, rs.role)
	if err != nil {
		Wipe(nextSecret)
		return 0, err
	}

	rs.retirePrevious()
	rs.prev = &retiredGeneration{keys: rs.keys, number: rs.generation, retiredAt: rs.now()}

	Wipe(rs.secret)
	rs.secret = nextSecret
	rs.keys = nextKeys
	rs.generation = next
	rs.sendNonce = NewNonceCounter(nextKeys.NonceSeed, rs.role)
	rs.rotatedAt = rs.now()
	rs.bytesSince = 0

	logrus.WithFields(logrus.Fields{
		"function":   "Rotate",
		"generation": next,
	}).Debug("Session keys rotated")

	return next, nil
}

// RecvKeyFor returns the receive key of the given generation: the current
// one, or the previous one while its grace window holds.
func (rs *RotationState) RecvKeyFor(generation uint32) (*[KeySize]byte, error) {
	if generation == rs.generation {
		return &rs.keys.RecvKey, nil
	}
	if rs.prev != nil && generation == rs.prev.number {
		if rs.now().Sub(rs.prev.retiredAt) <= rs.config.GraceWindow {
			return &rs.prev.keys.RecvKey, nil
		}
		rs.retirePrevious()
	}
	return nil, fmt.Errorf("%w: %d (current %d)", ErrUnknownGeneration, generation, rs.generation)
}

// Wipe releases all key material held by the schedule.
func (rs *RotationState) Wipe() {
	rs.retirePrevious()
	if rs.keys != nil {
		rs.keys.Wipe()
	}
	Wipe(rs.secret)
}

func (rs *RotationState) retirePrevious() {
	if rs.prev != nil {
		rs.prev.keys.Wipe()
		rs.prev = nil
	}
}

// setTimeProvider overrides the clock for deterministic tests.
func (rs *RotationState) setTimeProvider(now func() time.Time) {
	rs.now = now
}
