package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// PairConfig tunes an in-memory channel pair.
type PairConfig struct {
	// BufferCapacity is the send-buffer depth in messages.
	BufferCapacity int
	// MaxMessageSize is the per-message size ceiling in bytes.
	MaxMessageSize int
}

// DefaultPairConfig returns the pair defaults: a 32-message buffer and a
// 1 MiB message ceiling, enough for a maximum chunk plus encoding
// overhead.
func DefaultPairConfig() PairConfig {
	return PairConfig{
		BufferCapacity: 32,
		MaxMessageSize: 1 << 20,
	}
}

// Pair creates two connected in-memory channels. Messages sent on one end
// are delivered, in order, to the other end's message handler. Used by
// tests and by co-process transfers.
func Pair() (*PairChannel, *PairChannel) {
	return PairWithConfig(DefaultPairConfig())
}

// PairWithConfig creates a connected pair with explicit buffer settings.
func PairWithConfig(cfg PairConfig) (*PairChannel, *PairChannel) {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultPairConfig().BufferCapacity
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultPairConfig().MaxMessageSize
	}
	a := newPairChannel(cfg)
	b := newPairChannel(cfg)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

// PairChannel is one end of an in-memory duplex channel.
type PairChannel struct {
	cfg  PairConfig
	peer *PairChannel

	sendQ chan []byte
	done  chan struct{}

	mu           sync.Mutex
	msgHandler   func([]byte)
	drainHandler func()
	closeHandler func(error)
	dropFilter   func([]byte) bool
	pending      [][]byte
	wasFull      bool
	closed       bool
}

func newPairChannel(cfg PairConfig) *PairChannel {
	return &PairChannel{
		cfg:   cfg,
		sendQ: make(chan []byte, cfg.BufferCapacity),
		done:  make(chan struct{}),
	}
}

// Send implements Channel.
func (p *PairChannel) Send(msg []byte) error {
	if len(msg) > p.cfg.MaxMessageSize {
		return ErrMessageTooLarge
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	p.mu.Unlock()

	// Copy so the caller may reuse its buffer after Send returns.
	owned := make([]byte, len(msg))
	copy(owned, msg)

	select {
	case p.sendQ <- owned:
		return nil
	default:
		p.mu.Lock()
		p.wasFull = true
		p.mu.Unlock()
		return ErrBufferFull
	}
}

// pump moves messages from this end's send buffer to the peer.
func (p *PairChannel) pump() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.sendQ:
			p.mu.Lock()
			drop := p.dropFilter != nil && p.dropFilter(msg)
			notify := p.wasFull && len(p.sendQ) <= cap(p.sendQ)/4
			if notify {
				p.wasFull = false
			}
			drain := p.drainHandler
			p.mu.Unlock()

			if notify && drain != nil {
				drain()
			}
			if drop {
				logrus.WithFields(logrus.Fields{
					"function": "pump",
					"bytes":    len(msg),
				}).Debug("Dropping message per fault filter")
				continue
			}
			p.peer.deliver(msg)
		}
	}
}

func (p *PairChannel) deliver(msg []byte) {
	p.mu.Lock()
	h := p.msgHandler
	if h == nil {
		p.pending = append(p.pending, msg)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	h(msg)
}

// SetMessageHandler implements Channel. Messages that arrived before a
// handler was registered are flushed to it immediately, in order.
func (p *PairChannel) SetMessageHandler(fn func([]byte)) {
	p.mu.Lock()
	p.msgHandler = fn
	backlog := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, msg := range backlog {
		fn(msg)
	}
}

// SetDrainHandler implements Channel.
func (p *PairChannel) SetDrainHandler(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainHandler = fn
}

// SetCloseHandler implements Channel.
func (p *PairChannel) SetCloseHandler(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeHandler = fn
}

// SetDropFilter installs a fault-injection predicate on the sending side:
// messages for which fn returns true are discarded after leaving the send
// buffer, as if lost on the wire. Test use only.
func (p *PairChannel) SetDropFilter(fn func([]byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropFilter = fn
}

// BufferOccupancy implements Channel.
func (p *PairChannel) BufferOccupancy() float64 {
	return float64(len(p.sendQ)) / float64(cap(p.sendQ))
}

// MaxMessageSize implements Channel.
func (p *PairChannel) MaxMessageSize() int { return p.cfg.MaxMessageSize }

// Close implements Channel. Both ends observe the close.
func (p *PairChannel) Close() error {
	p.closeWith(nil, true)
	return nil
}

func (p *PairChannel) closeWith(err error, notifyPeer bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	h := p.closeHandler
	p.mu.Unlock()

	close(p.done)
	if h != nil {
		h(err)
	}
	if notifyPeer {
		p.peer.closeWith(ErrChannelClosed, false)
	}
}
