// Package events carries transfer lifecycle notifications from the engine
// to external consumers (UI, metrics, logging). The engine emits into a
// bounded queue and never blocks on a slow consumer; progress events are
// lossy by contract, terminal outcomes are observed via session state.
package events

import (
	"sync"
	"time"
)

// Kind identifies an event variant.
type Kind string

const (
	KindSessionState    Kind = "session_state"
	KindChunkProgress   Kind = "chunk_progress"
	KindSpeedEstimate   Kind = "speed_estimate"
	KindConnectionLost  Kind = "connection_lost"
	KindResumeAvailable Kind = "resume_available"
	KindGroupProgress   Kind = "group_progress"
	KindRecipientDone   Kind = "recipient_done"
)

// Event is one notification. Fields beyond Kind and SessionID are set per
// variant.
type Event struct {
	Kind      Kind
	SessionID string
	When      time.Time

	// KindSessionState
	OldState string
	NewState string
	Reason   string

	// KindChunkProgress
	ChunkIndex  uint32
	ChunksDone  uint32
	ChunksTotal uint32
	BytesDone   uint64
	BytesTotal  uint64

	// KindSpeedEstimate
	BytesPerSecond float64
	ETA            time.Duration

	// KindGroupProgress / KindRecipientDone
	GroupID   string
	Recipient string
	Progress  float64
	Err       error
}

// Queue is a bounded event queue. Emit never blocks: when the queue is
// full the oldest event is dropped to make room.
type Queue struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewQueue creates a queue holding up to capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Emit enqueues an event, evicting the oldest if necessary.
func (q *Queue) Emit(e Event) {
	if e.When.IsZero() {
		e.When = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- e:
			return
		default:
			select {
			case <-q.ch:
			default:
			}
		}
	}
}

// C returns the consumer side of the queue.
func (q *Queue) C() <-chan Event { return q.ch }

// Close stops the queue. Pending events remain readable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
