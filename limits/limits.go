// Package limits provides centralized size limits for the transfer protocol.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MinChunkSize is the floor the adaptive controller may shrink chunks to (16 KiB).
	MinChunkSize = 16 * 1024

	// DefaultChunkSize is the starting chunk size on wide-area paths (64 KiB).
	DefaultChunkSize = 64 * 1024

	// MaxChunkSize is the hard ceiling for a chunk on the wire (256 KiB).
	// Ciphertext for one chunk is at most MaxChunkSize + EncryptionOverhead.
	MaxChunkSize = 256 * 1024

	// LocalChunkSizeSmall and LocalChunkSizeLarge are initial chunk sizes for
	// declared local (low-latency, high-bandwidth) paths. They exceed
	// MaxChunkSize and are only usable when the transport message ceiling
	// permits; otherwise the chunker clamps to MaxChunkSize.
	LocalChunkSizeSmall = 1 * 1024 * 1024
	LocalChunkSizeLarge = 4 * 1024 * 1024

	// MaxTotalChunks bounds the chunk count of a single transfer.
	MaxTotalChunks = 100_000

	// NonceSize is the AEAD nonce length in bytes.
	NonceSize = 12

	// HashSize is the digest length for chunk and file hashes in bytes.
	HashSize = 32

	// EncryptionOverhead is the Poly1305 tag appended by the chunk AEAD.
	EncryptionOverhead = 16

	// MaxRecipients is the hard maximum fan-out of a group transfer.
	MaxRecipients = 10

	// MaxFileNameLength is the maximum file name length in bytes.
	// The value (255) matches typical filesystem limits.
	MaxFileNameLength = 255
)

var (
	// ErrChunkSizeOutOfRange indicates a chunk size outside [MinChunkSize, MaxChunkSize].
	ErrChunkSizeOutOfRange = errors.New("chunk size out of range")

	// ErrTooManyChunks indicates a transfer would exceed MaxTotalChunks.
	ErrTooManyChunks = errors.New("too many chunks")

	// ErrTooManyRecipients indicates a group transfer exceeds MaxRecipients.
	ErrTooManyRecipients = errors.New("too many recipients")
)

// ValidateChunkSize validates a negotiated wire chunk size.
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrChunkSizeOutOfRange, size, MinChunkSize, MaxChunkSize)
	}
	return nil
}

// ValidateChunkCount validates the total chunk count of a transfer.
func ValidateChunkCount(total uint32) error {
	if total == 0 || total > MaxTotalChunks {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrTooManyChunks, total, MaxTotalChunks)
	}
	return nil
}

// ValidateRecipientCount validates the recipient count of a group transfer.
func ValidateRecipientCount(n int) error {
	if n < 1 || n > MaxRecipients {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrTooManyRecipients, n, MaxRecipients)
	}
	return nil
}
