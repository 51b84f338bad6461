package chunker

import (
	"fmt"
	"io"

	"github.com/flitnet/flit/bitmap"
	"github.com/flitnet/flit/crypto"
)

type memBuffer []byte

func (m memBuffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, fmt.Errorf("write at %d beyond buffer of %d bytes", off, len(m))
	}
	return copy(m[off:], p), nil
}

// Assembler collects verified chunks, in any arrival order, and exposes
// the reassembled file once every index 0..total-1 is present.
type Assembler struct {
	dst       io.WriterAt
	buf       memBuffer
	present   *bitmap.Bitmap
	total     uint32
	chunkSize int
	fileSize  uint64
	received  uint64
}

// New creates an in-memory assembler for total chunks of a fileSize-byte
// file. Use NewWriterAssembler to stream large files to disk instead.
func New(total uint32, chunkSize int, fileSize uint64) *Assembler {
	buf := make(memBuffer, fileSize)
	a := newAssembler(buf, total, chunkSize, fileSize)
	a.buf = buf
	return a
}

// NewWriterAssembler creates an assembler writing chunk payloads at their
// offsets into dst.
func NewWriterAssembler(dst io.WriterAt, total uint32, chunkSize int, fileSize uint64) *Assembler {
	return newAssembler(dst, total, chunkSize, fileSize)
}

// Restore rebuilds an in-memory assembler around a previously captured
// partial assembly and its receipt bitmap. The restored chunks are not
// re-verified; the full-file hash check still covers them at the end.
func Restore(buf []byte, total uint32, chunkSize int, present *bitmap.Bitmap) (*Assembler, error) {
	b := memBuffer(buf)
	a := newAssembler(b, total, chunkSize, uint64(len(buf)))
	a.buf = b
	a.received = 0
	if present != nil {
		if err := a.MarkPresent(present); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func newAssembler(dst io.WriterAt, total uint32, chunkSize int, fileSize uint64) *Assembler {
	return &Assembler{
		dst:       dst,
		present:   bitmap.New(total),
		total:     total,
		chunkSize: chunkSize,
		fileSize:  fileSize,
	}
}

// Put verifies and stores one chunk. A hash mismatch returns
// ErrChunkRejected and stores nothing; the caller requests retransmission.
// Re-delivering an already-present chunk is a no-op.
func (a *Assembler) Put(c *Chunk) error {
	if c.Index >= a.total {
		return fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, c.Index, a.total)
	}
	if !VerifyChunk(c.Data, c.Hash[:]) {
		return fmt.Errorf("%w: index %d", ErrChunkRejected, c.Index)
	}
	if a.present.Get(c.Index) {
		return nil
	}
	offset := int64(c.Index) * int64(a.chunkSize)
	if _, err := a.dst.WriteAt(c.Data, offset); err != nil {
		return fmt.Errorf("store chunk %d: %w", c.Index, err)
	}
	if err := a.present.Set(c.Index); err != nil {
		return err
	}
	a.received += uint64(len(c.Data))
	return nil
}

// Complete reports whether every chunk index is present.
func (a *Assembler) Complete() bool { return a.present.Complete() }

// Received returns the number of payload bytes stored so far.
func (a *Assembler) Received() uint64 { return a.received }

// Missing returns the chunk indices not yet present.
func (a *Assembler) Missing() []uint32 { return a.present.Missing() }

// Bitmap returns a copy of the receipt bitmap.
func (a *Assembler) Bitmap() *bitmap.Bitmap { return a.present.Clone() }

// MarkPresent records externally restored chunks (resume from persisted
// state) without re-verifying their content.
func (a *Assembler) MarkPresent(b *bitmap.Bitmap) error {
	before := a.present.Count()
	if err := a.present.Merge(b); err != nil {
		return err
	}
	restored := a.present.Count() - before
	a.received += uint64(restored) * uint64(a.chunkSize)
	if a.received > a.fileSize {
		a.received = a.fileSize
	}
	return nil
}

// Assemble returns the reassembled file bytes. It fails with
// ErrIncompleteTransfer unless every index is present, and is only
// available on in-memory assemblers.
func (a *Assembler) Assemble() ([]byte, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("%w: %d of %d chunks present", ErrIncompleteTransfer, a.present.Count(), a.total)
	}
	if a.buf == nil {
		return nil, fmt.Errorf("assembler writes to external storage; read the destination instead")
	}
	return a.buf, nil
}

// VerifyFileHash recomputes the full-file digest of an in-memory assembly
// and compares it to the declared hash. A mismatch is terminal for the
// transfer, not retryable.
func (a *Assembler) VerifyFileHash(declared []byte) (bool, error) {
	data, err := a.Assemble()
	if err != nil {
		return false, err
	}
	h := crypto.HashChunk(data)
	return crypto.HashEqual(h[:], declared), nil
}
