// Package crypto implements the cryptographic primitives for transfer
// sessions: the hybrid ML-KEM-768 + X25519 key exchange, HKDF session-key
// derivation, counter-based nonces, the chunk AEAD, and key rotation.
//
// The package is pure computation. Driving the exchange over a channel,
// including timeouts and retries, belongs to the transfer package.
//
// Example:
//
//	kp, _ := crypto.GenerateHybridKeyPair()
//	// ship kp.PublicKeyBytes() to the peer...
//	ct, sharedA, _ := crypto.Encapsulate(peerPub)
//	// peer decapsulates:
//	sharedB, _ := crypto.Decapsulate(kp, ct)
//	keys, _ := crypto.DeriveSessionKeys(sharedB, crypto.RoleResponder)
package crypto
