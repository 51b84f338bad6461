package crypto

import (
	"crypto/ecdh"
	"crypto/mlkem"
	"crypto/rand"
	"errors"
	"fmt"
)

// Hybrid public key layout: ML-KEM-768 encapsulation key followed by the
// X25519 public key, fixed widths, no framing.
const (
	mlkemPublicKeySize  = mlkem.EncapsulationKeySize768
	x25519PublicKeySize = 32

	// HybridPublicKeySize is the serialized hybrid public key length.
	HybridPublicKeySize = mlkemPublicKeySize + x25519PublicKeySize

	// HybridCiphertextSize is the serialized hybrid KEM ciphertext length:
	// the ML-KEM ciphertext followed by the ephemeral X25519 public key.
	HybridCiphertextSize = mlkem.CiphertextSize768 + x25519PublicKeySize
)

// ErrInvalidKeyMaterial indicates malformed or out-of-range key bytes.
// Key exchange failures of this class are fatal and never retried.
var ErrInvalidKeyMaterial = errors.New("invalid key material")

// HybridKeyPair holds the private halves of a hybrid keypair: an
// ML-KEM-768 decapsulation key and an X25519 key.
type HybridKeyPair struct {
	mlkemKey *mlkem.DecapsulationKey768
	ecdhKey  *ecdh.PrivateKey
}

// HybridPublicKey holds a peer's parsed hybrid public key.
type HybridPublicKey struct {
	mlkemKey *mlkem.EncapsulationKey768
	ecdhKey  *ecdh.PublicKey
}

// GenerateHybridKeyPair generates a fresh ML-KEM-768 + X25519 keypair.
func GenerateHybridKeyPair() (*HybridKeyPair, error) {
	mk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, fmt.Errorf("generate ML-KEM key: %w", err)
	}
	ek, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 key: %w", err)
	}
	return &HybridKeyPair{mlkemKey: mk, ecdhKey: ek}, nil
}

// PublicKeyBytes serializes the keypair's public halves for transmission.
func (kp *HybridKeyPair) PublicKeyBytes() []byte {
	out := make([]byte, 0, HybridPublicKeySize)
	out = append(out, kp.mlkemKey.EncapsulationKey().Bytes()...)
	out = append(out, kp.ecdhKey.PublicKey().Bytes()...)
	return out
}

// ParseHybridPublicKey parses a serialized hybrid public key.
func ParseHybridPublicKey(data []byte) (*HybridPublicKey, error) {
	if len(data) != HybridPublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d, want %d", ErrInvalidKeyMaterial, len(data), HybridPublicKeySize)
	}
	mk, err := mlkem.NewEncapsulationKey768(data[:mlkemPublicKeySize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	ek, err := ecdh.X25519().NewPublicKey(data[mlkemPublicKeySize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return &HybridPublicKey{mlkemKey: mk, ecdhKey: ek}, nil
}
