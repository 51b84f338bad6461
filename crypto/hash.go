package crypto

import (
	"crypto/subtle"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the digest length of chunk and file hashes in bytes.
const HashSize = 32

// HashChunk computes the BLAKE2b-256 digest of one chunk's plaintext.
func HashChunk(data []byte) [HashSize]byte {
	return blake2b.Sum256(data)
}

// NewFileHasher returns a streaming BLAKE2b-256 hasher for full-file digests.
func NewFileHasher() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for oversized keys; nil cannot fail.
		panic(err)
	}
	return h
}

// HashReader computes the full-file digest of everything readable from r.
func HashReader(r io.Reader) ([HashSize]byte, error) {
	var digest [HashSize]byte
	h := NewFileHasher()
	if _, err := io.Copy(h, r); err != nil {
		return digest, fmt.Errorf("hash file contents: %w", err)
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// HashEqual compares two digests in constant time.
func HashEqual(a, b []byte) bool {
	if len(a) != HashSize || len(b) != HashSize {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
