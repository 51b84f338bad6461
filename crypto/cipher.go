package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthenticationFailed indicates an AEAD tag mismatch on decryption.
// This is an integrity violation for the chunk in question, distinct from
// a network failure: the caller requests retransmission rather than
// tearing down the session.
var ErrAuthenticationFailed = errors.New("chunk authentication failed")

// SealChunk encrypts one chunk's plaintext under key using the next nonce
// from nc. It returns the ciphertext (tag appended) and the nonce used.
func SealChunk(key *[KeySize]byte, nc *NonceCounter, plaintext []byte) ([]byte, [NonceSize]byte, error) {
	var nonce [NonceSize]byte
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nonce, fmt.Errorf("init chunk cipher: %w", err)
	}
	nonce, err = nc.Next()
	if err != nil {
		return nil, nonce, err
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nonce, nil
}

// OpenChunk decrypts one chunk's ciphertext under key and nonce.
func OpenChunk(key *[KeySize]byte, nonce []byte, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce length %d", ErrAuthenticationFailed, len(nonce))
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("init chunk cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
