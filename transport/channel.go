// Package transport defines the message channel abstraction the transfer
// engine runs over, and provides an in-memory duplex implementation.
//
// The engine does not dial or discover peers; a rendezvous layer hands it
// an established Channel. The channel preserves message boundaries: one
// Send corresponds to one message handler invocation on the peer.
package transport

import (
	"errors"
)

// ErrBufferFull indicates the channel's send buffer cannot accept another
// message right now. The sender should wait for the drain notification.
var ErrBufferFull = errors.New("send buffer full")

// ErrChannelClosed indicates the channel is no longer usable.
var ErrChannelClosed = errors.New("channel closed")

// ErrMessageTooLarge indicates a message above the channel's size ceiling.
var ErrMessageTooLarge = errors.New("message exceeds channel maximum")

// Channel is a message-oriented duplex link to one peer.
//
// Handlers must be registered before traffic flows; messages arriving
// before a message handler is set are buffered. Handler callbacks are
// invoked sequentially per channel.
type Channel interface {
	// Send enqueues one message. It returns ErrBufferFull when the send
	// buffer is full and ErrChannelClosed after Close.
	Send(msg []byte) error

	// SetMessageHandler registers the receive callback.
	SetMessageHandler(fn func(msg []byte))

	// SetDrainHandler registers the callback fired when a previously full
	// send buffer drains below its low-water mark.
	SetDrainHandler(fn func())

	// SetCloseHandler registers the callback fired when the channel
	// closes, locally or from the peer side.
	SetCloseHandler(fn func(err error))

	// BufferOccupancy reports the send-buffer fill level in 0..1.
	BufferOccupancy() float64

	// MaxMessageSize is the largest message Send accepts. It must
	// accommodate one ciphertext chunk plus a small header.
	MaxMessageSize() int

	// Close shuts the channel down in both directions.
	Close() error
}
