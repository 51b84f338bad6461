package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeyContext is the fixed HKDF context string for deriving session
// keys from a hybrid shared secret. Changing it breaks interoperability
// with existing peers.
const SessionKeyContext = "flit/session-keys/v1"

// KeySize is the length of one directional session key in bytes.
const KeySize = 32

// sharedSecretSize is the concatenated ML-KEM + X25519 shared value length.
const sharedSecretSize = 64

// Role distinguishes the two sides of a key exchange so that both derive
// mirrored directional keys: the initiator's send key is the responder's
// receive key and vice versa.
type Role uint8

const (
	// RoleInitiator is the side that generated the keypair and sent its
	// public key first (the file sender).
	RoleInitiator Role = iota
	// RoleResponder is the side that encapsulated against the initiator's
	// public key (the file receiver).
	RoleResponder
)

// SessionKeys holds the directional keys and nonce seed of one key
// generation. Owned by a single session; wiped on rotation or teardown.
type SessionKeys struct {
	SendKey   [KeySize]byte
	RecvKey   [KeySize]byte
	NonceSeed [32]byte
}

// Wipe zeroizes the key material.
func (sk *SessionKeys) Wipe() {
	Wipe(sk.SendKey[:])
	Wipe(sk.RecvKey[:])
	Wipe(sk.NonceSeed[:])
}

// Encapsulate performs the responder half of the hybrid exchange against
// the initiator's public key. It returns the serialized hybrid ciphertext
// to send back and the 64-byte concatenated shared secret.
func Encapsulate(pub *HybridPublicKey) (ciphertext, shared []byte, err error) {
	mlkemShared, mlkemCT := pub.mlkemKey.Encapsulate()

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral X25519 key: %w", err)
	}
	ecdhShared, err := eph.ECDH(pub.ecdhKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	ciphertext = make([]byte, 0, HybridCiphertextSize)
	ciphertext = append(ciphertext, mlkemCT...)
	ciphertext = append(ciphertext, eph.PublicKey().Bytes()...)

	shared = make([]byte, 0, sharedSecretSize)
	shared = append(shared, mlkemShared...)
	shared = append(shared, ecdhShared...)
	return ciphertext, shared, nil
}

// Decapsulate performs the initiator half: recover the ML-KEM shared value
// from the ciphertext and compute the X25519 shared value against the
// responder's ephemeral public key.
func Decapsulate(kp *HybridKeyPair, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != HybridCiphertextSize {
		return nil, fmt.Errorf("%w: ciphertext length %d, want %d", ErrInvalidKeyMaterial, len(ciphertext), HybridCiphertextSize)
	}
	split := HybridCiphertextSize - x25519PublicKeySize

	mlkemShared, err := kp.mlkemKey.Decapsulate(ciphertext[:split])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	ephPub, err := ecdh.X25519().NewPublicKey(ciphertext[split:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	ecdhShared, err := kp.ecdhKey.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	shared := make([]byte, 0, sharedSecretSize)
	shared = append(shared, mlkemShared...)
	shared = append(shared, ecdhShared...)
	return shared, nil
}

// DeriveSessionKeys expands a shared secret into directional session keys
// and a nonce seed via HKDF-SHA256 under SessionKeyContext. Both roles
// read the same key stream; the role selects which directional key is
// used for sending.
func DeriveSessionKeys(shared []byte, role Role) (*SessionKeys, error) {
	if len(shared) != sharedSecretSize {
		return nil, fmt.Errorf("%w: shared secret length %d, want %d", ErrInvalidKeyMaterial, len(shared), sharedSecretSize)
	}

	r := hkdf.New(sha256.New, shared, nil, []byte(SessionKeyContext))
	var initiatorKey, responderKey [KeySize]byte
	var seed [32]byte
	for _, buf := range [][]byte{initiatorKey[:], responderKey[:], seed[:]} {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("derive session keys: %w", err)
		}
	}

	keys := &SessionKeys{NonceSeed: seed}
	switch role {
	case RoleInitiator:
		keys.SendKey = initiatorKey
		keys.RecvKey = responderKey
	case RoleResponder:
		keys.SendKey = responderKey
		keys.RecvKey = initiatorKey
	default:
		return nil, fmt.Errorf("%w: unknown role %d", ErrInvalidKeyMaterial, role)
	}
	return keys, nil
}
