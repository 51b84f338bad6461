// Package bitmap implements the chunk receipt bitset used to track which
// chunk indices of a transfer have been received or acknowledged.
//
// A Bitmap is created at session start with one bit per chunk index, is
// persisted on disconnect, and is reconciled against the peer's bitmap
// during a resume handshake.
package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// ErrIndexOutOfRange indicates a chunk index beyond the bitmap length.
var ErrIndexOutOfRange = errors.New("chunk index out of range")

// ErrLengthMismatch indicates two bitmaps of different chunk counts were combined.
var ErrLengthMismatch = errors.New("bitmap length mismatch")

// ErrMalformed indicates serialized bitmap bytes that cannot be decoded.
var ErrMalformed = errors.New("malformed bitmap encoding")

// Bitmap is a dense bitset with one bit per chunk index.
// The zero value is not usable; use New.
type Bitmap struct {
	words []uint64
	n     uint32
}

// New creates a bitmap for n chunk indices, all unset.
func New(n uint32) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (int(n)+63)/64),
		n:     n,
	}
}

// Len returns the number of chunk indices the bitmap covers.
func (b *Bitmap) Len() uint32 { return b.n }

// Set marks index i as received. Setting an already-set bit is a no-op.
func (b *Bitmap) Set(i uint32) error {
	if i >= b.n {
		return fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, i, b.n)
	}
	b.words[i/64] |= 1 << (i % 64)
	return nil
}

// Clear unmarks index i.
func (b *Bitmap) Clear(i uint32) error {
	if i >= b.n {
		return fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, i, b.n)
	}
	b.words[i/64] &^= 1 << (i % 64)
	return nil
}

// Get reports whether index i is set. Out-of-range indices report false.
func (b *Bitmap) Get(i uint32) bool {
	if i >= b.n {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	var c int
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return uint32(c)
}

// Complete reports whether every index is set.
func (b *Bitmap) Complete() bool {
	return b.Count() == b.n
}

// Missing returns the unset indices in ascending order.
func (b *Bitmap) Missing() []uint32 {
	missing := make([]uint32, 0, b.n-b.Count())
	for i := uint32(0); i < b.n; i++ {
		if !b.Get(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// MissingIn returns the indices set in b but not in other. This is the
// set difference used during resume reconciliation: chunks this side
// holds that the peer still needs.
func (b *Bitmap) MissingIn(other *Bitmap) ([]uint32, error) {
	if other.n != b.n {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, b.n, other.n)
	}
	var out []uint32
	for i := uint32(0); i < b.n; i++ {
		if b.Get(i) && !other.Get(i) {
			out = append(out, i)
		}
	}
	return out, nil
}

// Merge sets every bit that is set in other.
func (b *Bitmap) Merge(other *Bitmap) error {
	if other.n != b.n {
		return fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, b.n, other.n)
	}
	for i := range b.words {
		b.words[i] |= other.words[i]
	}
	return nil
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	c := New(b.n)
	copy(c.words, b.words)
	return c
}

// MarshalBinary encodes the bitmap as a 4-byte big-endian length followed
// by the packed words.
func (b *Bitmap) MarshalBinary() ([]byte, error) {
	out := make([]byte, 4+8*len(b.words))
	binary.BigEndian.PutUint32(out[:4], b.n)
	for i, w := range b.words {
		binary.BigEndian.PutUint64(out[4+8*i:], w)
	}
	return out, nil
}

// UnmarshalBinary decodes bytes produced by MarshalBinary.
func (b *Bitmap) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	want := 4 + 8*((int(n)+63)/64)
	if len(data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d for %d bits", ErrMalformed, len(data), want, n)
	}
	b.n = n
	b.words = make([]uint64, (int(n)+63)/64)
	for i := range b.words {
		b.words[i] = binary.BigEndian.Uint64(data[4+8*i:])
	}
	// Bits past n must be zero so Count stays meaningful.
	if rem := n % 64; rem != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (1 << rem) - 1
	}
	return nil
}

// FromBytes decodes a bitmap from its binary encoding.
func FromBytes(data []byte) (*Bitmap, error) {
	b := &Bitmap{}
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return b, nil
}
