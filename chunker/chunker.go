// Package chunker splits files into hashed chunks on the sending side and
// reassembles verified chunks into a file on the receiving side.
package chunker

import (
	"errors"
	"fmt"
	"io"

	"github.com/flitnet/flit/crypto"
	"github.com/flitnet/flit/limits"
)

// ErrIncompleteTransfer indicates assembly was attempted before every
// chunk index was present.
var ErrIncompleteTransfer = errors.New("incomplete transfer")

// ErrChunkRejected indicates a chunk whose content hash did not match its
// claimed hash. Rejected chunks are never stored.
var ErrChunkRejected = errors.New("chunk rejected: hash mismatch")

// ErrIndexOutOfRange indicates a chunk index at or beyond the total count.
var ErrIndexOutOfRange = errors.New("chunk index out of range")

// Chunk is one hashed segment of a file.
type Chunk struct {
	Index uint32
	Data  []byte
	Hash  [crypto.HashSize]byte
}

// SelectChunkSize picks the initial chunk size for a transfer. Declared
// local paths get 1-4 MiB scaled by file size; wide-area paths start at
// the default the adaptive controller tunes from. The caller still clamps
// to the transport's message ceiling before going on the wire.
func SelectChunkSize(fileSize int64, localPath bool) int {
	if !localPath {
		return limits.DefaultChunkSize
	}
	switch {
	case fileSize < 16<<20:
		return limits.LocalChunkSizeSmall
	case fileSize < 256<<20:
		return 2 * limits.LocalChunkSizeSmall
	default:
		return limits.LocalChunkSizeLarge
	}
}

// ChunkCount returns the number of chunks a file of fileSize bytes splits
// into at chunkSize, validating against the protocol maximum.
func ChunkCount(fileSize int64, chunkSize int) (uint32, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("%w: chunk size %d", limits.ErrChunkSizeOutOfRange, chunkSize)
	}
	if fileSize < 0 {
		return 0, fmt.Errorf("negative file size %d", fileSize)
	}
	n := fileSize / int64(chunkSize)
	if fileSize%int64(chunkSize) != 0 || fileSize == 0 {
		n++
	}
	if err := limits.ValidateChunkCount(uint32(n)); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// VerifyChunk reports whether data matches the claimed hash, in constant
// time.
func VerifyChunk(data []byte, claimed []byte) bool {
	h := crypto.HashChunk(data)
	return crypto.HashEqual(h[:], claimed)
}

// Splitter lazily produces the chunks of a file. It reads from an
// io.ReaderAt, so production can restart from any index without
// re-reading earlier chunks.
type Splitter struct {
	src       io.ReaderAt
	fileSize  int64
	chunkSize int
	total     uint32
	next      uint32
}

// Split creates a splitter over size bytes of r at the given chunk size.
func Split(r io.ReaderAt, size int64, chunkSize int) (*Splitter, error) {
	total, err := ChunkCount(size, chunkSize)
	if err != nil {
		return nil, err
	}
	return &Splitter{src: r, fileSize: size, chunkSize: chunkSize, total: total}, nil
}

// Total returns the number of chunks the file splits into.
func (s *Splitter) Total() uint32 { return s.total }

// ChunkSize returns the nominal chunk size; the final chunk may be shorter.
func (s *Splitter) ChunkSize() int { return s.chunkSize }

// At reads and hashes the chunk at the given index.
func (s *Splitter) At(index uint32) (*Chunk, error) {
	if index >= s.total {
		return nil, fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, index, s.total)
	}
	offset := int64(index) * int64(s.chunkSize)
	length := s.fileSize - offset
	if length > int64(s.chunkSize) {
		length = int64(s.chunkSize)
	}
	data := make([]byte, length)
	if _, err := s.src.ReadAt(data, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return &Chunk{Index: index, Data: data, Hash: crypto.HashChunk(data)}, nil
}

// Next returns the next sequential chunk, or io.EOF after the last one.
func (s *Splitter) Next() (*Chunk, error) {
	if s.next >= s.total {
		return nil, io.EOF
	}
	c, err := s.At(s.next)
	if err != nil {
		return nil, err
	}
	s.next++
	return c, nil
}

// Seek repositions sequential production at index.
func (s *Splitter) Seek(index uint32) error {
	if index > s.total {
		return fmt.Errorf("%w: %d > %d", ErrIndexOutOfRange, index, s.total)
	}
	s.next = index
	return nil
}
