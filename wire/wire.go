// Package wire defines the message types exchanged between transfer peers.
//
// Messages are JSON-encoded with a type tag so the receiver can dispatch
// on a closed set of variants. Framing is owned by the transport channel;
// each encoded message corresponds to exactly one channel send.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flitnet/flit/limits"
)

// Type identifies a wire message variant.
type Type string

const (
	TypePublicKey          Type = "public_key"
	TypeKeyExchange        Type = "key_exchange"
	TypeKeyRotation        Type = "key_rotation"
	TypeFileMetadata       Type = "file_metadata"
	TypeChunk              Type = "chunk"
	TypeAck                Type = "ack"
	TypeError              Type = "error"
	TypeComplete           Type = "complete"
	TypeResumeRequest      Type = "resume_request"
	TypeResumeResponse     Type = "resume_response"
	TypeResumeChunkRequest Type = "resume_chunk_request"
)

// ErrUnsupportedMessage indicates a type tag outside the known variant set.
var ErrUnsupportedMessage = errors.New("unsupported message type")

// ErrInvalidMessage indicates a message that decoded but violates a size
// or format constraint.
var ErrInvalidMessage = errors.New("invalid message")

// Message is implemented by every wire message variant. The set of
// implementations is closed; receivers switch exhaustively over it.
type Message interface {
	MessageType() Type
}

// PublicKey carries the sender's serialized hybrid public key, opening
// the key exchange.
type PublicKey struct {
	Key []byte `json:"key"`
}

// KeyExchange carries the responder's hybrid KEM ciphertext, completing
// the key exchange.
type KeyExchange struct {
	Ciphertext []byte `json:"ciphertext"`
}

// KeyRotation announces a key-generation bump for the session.
type KeyRotation struct {
	SessionID  string `json:"session_id"`
	Generation uint32 `json:"generation"`
}

// FileMetadata describes the file about to be transferred. Name and path
// may additionally be carried encrypted under the session key; recipients
// that hold the key decrypt them, relays see only the plaintext-free form.
type FileMetadata struct {
	SessionID     string `json:"session_id"`
	Name          string `json:"name,omitempty"`
	Size          uint64 `json:"size"`
	TotalChunks   uint32 `json:"total_chunks"`
	ChunkSize     uint32 `json:"chunk_size"`
	FileHash      []byte `json:"file_hash"`
	EncryptedName []byte `json:"encrypted_name,omitempty"`
	NameNonce     []byte `json:"name_nonce,omitempty"`
	EncryptedPath []byte `json:"encrypted_path,omitempty"`
	PathNonce     []byte `json:"path_nonce,omitempty"`
}

// Chunk carries one encrypted file segment.
type Chunk struct {
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Hash       []byte `json:"hash"`
}

// Ack acknowledges receipt and verification of one chunk index.
type Ack struct {
	Index uint32 `json:"index"`
}

// Error reports a peer-visible failure.
type Error struct {
	Message string `json:"message"`
}

// Complete signals end of transfer from the receiver's perspective.
type Complete struct {
	Success bool `json:"success"`
}

// ResumeRequest asks the peer to reconcile an interrupted session.
type ResumeRequest struct {
	SessionID string `json:"session_id"`
}

// ResumeResponse returns the peer's receipt bitmap for the session.
type ResumeResponse struct {
	SessionID string `json:"session_id"`
	Bitmap    []byte `json:"bitmap"`
	CanResume bool   `json:"can_resume"`
}

// ResumeChunkRequest asks the peer to retransmit specific chunk indices.
type ResumeChunkRequest struct {
	SessionID string   `json:"session_id"`
	Indices   []uint32 `json:"indices"`
}

func (PublicKey) MessageType() Type          { return TypePublicKey }
func (KeyExchange) MessageType() Type        { return TypeKeyExchange }
func (KeyRotation) MessageType() Type        { return TypeKeyRotation }
func (FileMetadata) MessageType() Type       { return TypeFileMetadata }
func (Chunk) MessageType() Type              { return TypeChunk }
func (Ack) MessageType() Type                { return TypeAck }
func (Error) MessageType() Type              { return TypeError }
func (Complete) MessageType() Type           { return TypeComplete }
func (ResumeRequest) MessageType() Type      { return TypeResumeRequest }
func (ResumeResponse) MessageType() Type     { return TypeResumeResponse }
func (ResumeChunkRequest) MessageType() Type { return TypeResumeChunkRequest }

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message with its type tag.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.MessageType(), err)
	}
	return json.Marshal(envelope{Type: msg.MessageType(), Payload: payload})
}

// Decode parses a message and validates its size constraints. An unknown
// type tag returns ErrUnsupportedMessage; the caller decides whether to
// surface or skip it.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypePublicKey:
		msg = &PublicKey{}
	case TypeKeyExchange:
		msg = &KeyExchange{}
	case TypeKeyRotation:
		msg = &KeyRotation{}
	case TypeFileMetadata:
		msg = &FileMetadata{}
	case TypeChunk:
		msg = &Chunk{}
	case TypeAck:
		msg = &Ack{}
	case TypeError:
		msg = &Error{}
	case TypeComplete:
		msg = &Complete{}
	case TypeResumeRequest:
		msg = &ResumeRequest{}
	case TypeResumeResponse:
		msg = &ResumeResponse{}
	case TypeResumeChunkRequest:
		msg = &ResumeChunkRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessage, env.Type)
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if v, ok := msg.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (c *Chunk) validate() error {
	if c.Index >= limits.MaxTotalChunks {
		return fmt.Errorf("%w: chunk index %d exceeds maximum", ErrInvalidMessage, c.Index)
	}
	if len(c.Ciphertext) == 0 || len(c.Ciphertext) > limits.LocalChunkSizeLarge+limits.EncryptionOverhead {
		return fmt.Errorf("%w: ciphertext length %d", ErrInvalidMessage, len(c.Ciphertext))
	}
	if len(c.Nonce) != limits.NonceSize {
		return fmt.Errorf("%w: nonce length %d, want %d", ErrInvalidMessage, len(c.Nonce), limits.NonceSize)
	}
	if len(c.Hash) != limits.HashSize {
		return fmt.Errorf("%w: hash length %d, want %d", ErrInvalidMessage, len(c.Hash), limits.HashSize)
	}
	return nil
}

func (m *FileMetadata) validate() error {
	if err := limits.ValidateChunkCount(m.TotalChunks); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(m.Name) > limits.MaxFileNameLength {
		return fmt.Errorf("%w: file name length %d", ErrInvalidMessage, len(m.Name))
	}
	if len(m.FileHash) != limits.HashSize {
		return fmt.Errorf("%w: file hash length %d, want %d", ErrInvalidMessage, len(m.FileHash), limits.HashSize)
	}
	return nil
}

func (a *Ack) validate() error {
	if a.Index >= limits.MaxTotalChunks {
		return fmt.Errorf("%w: ack index %d exceeds maximum", ErrInvalidMessage, a.Index)
	}
	return nil
}
