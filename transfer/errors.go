package transfer

import "errors"

var (
	// ErrKeyExchangeTimeout indicates the handshake did not complete
	// within its window across all retry attempts.
	ErrKeyExchangeTimeout = errors.New("key exchange timed out")

	// ErrKeyExchangeFailed indicates malformed or invalid key material.
	// Fatal; never retried.
	ErrKeyExchangeFailed = errors.New("key exchange failed")

	// ErrChunkIntegrityFailure indicates a hash or authentication-tag
	// mismatch on one chunk. The chunk is retransmitted; the session
	// survives.
	ErrChunkIntegrityFailure = errors.New("chunk integrity failure")

	// ErrAckTimeout indicates a chunk exhausted its acknowledgment
	// retries, failing the session.
	ErrAckTimeout = errors.New("chunk acknowledgment timed out")

	// ErrCorruptedTransfer indicates the assembled file's hash did not
	// match the declared hash. Fatal; requires a full retransfer.
	ErrCorruptedTransfer = errors.New("corrupted transfer: file hash mismatch")

	// ErrConnectionLost indicates the transport channel closed while the
	// session was transferring. The session parks in Paused and may be
	// resumed.
	ErrConnectionLost = errors.New("connection lost")

	// ErrInvalidTransition indicates a disallowed session state change.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrSessionTerminal indicates an operation on a session already in a
	// terminal state.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrResumeResponseTimeout indicates the peer never answered a resume
	// request within its window across all attempts.
	ErrResumeResponseTimeout = errors.New("resume request timed out")

	// ErrPeerRejected indicates the peer reported an error or declined a
	// resume.
	ErrPeerRejected = errors.New("peer rejected transfer")
)
