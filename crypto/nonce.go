package crypto

import (
	"encoding/binary"
	"errors"
)

// NonceSize is the AEAD nonce length in bytes.
const NonceSize = 12

// ErrNonceExhausted indicates the counter space of a key generation has
// been consumed. The session must rotate keys before encrypting again.
var ErrNonceExhausted = errors.New("nonce counter exhausted")

// NonceCounter produces strictly monotonic 12-byte nonces for one
// direction of one key generation. Nonces are never random: the first
// eight bytes carry a big-endian counter and the final four carry seed
// bytes with a direction bit, making reuse within a generation
// structurally impossible.
//
// Each session owns its counters as fields; there is no process-wide
// counter state.
type NonceCounter struct {
	counter   uint64
	seed      [4]byte
	direction byte
}

// Direction bits folded into the nonce's ninth byte.
const (
	directionInitiator byte = 0x00
	directionResponder byte = 0x80
)

// NewNonceCounter creates a counter for the sending direction of role,
// seeded from the session's derived nonce seed.
func NewNonceCounter(seed [32]byte, role Role) *NonceCounter {
	nc := &NonceCounter{}
	copy(nc.seed[:], seed[:4])
	if role == RoleResponder {
		nc.direction = directionResponder
	} else {
		nc.direction = directionInitiator
	}
	return nc
}

// Next returns the next nonce and advances the counter.
func (nc *NonceCounter) Next() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if nc.counter == ^uint64(0) {
		return nonce, ErrNonceExhausted
	}
	binary.BigEndian.PutUint64(nonce[:8], nc.counter)
	nonce[8] = nc.seed[0] ^ nc.direction
	nonce[9] = nc.seed[1]
	nonce[10] = nc.seed[2]
	nonce[11] = nc.seed[3]
	nc.counter++
	return nonce, nil
}

// Counter returns the next counter value to be used.
func (nc *NonceCounter) Counter() uint64 { return nc.counter }

// SetCounter advances the counter to n. Used when resuming a session; n
// must exceed every previously used value for this key generation.
func (nc *NonceCounter) SetCounter(n uint64) {
	if n > nc.counter {
		nc.counter = n
	}
}

// Reset zeroes the counter. Only valid immediately after a key rotation,
// when a fresh key makes earlier nonces unreachable.
func (nc *NonceCounter) Reset() { nc.counter = 0 }
