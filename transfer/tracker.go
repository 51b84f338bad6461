package transfer

import (
	"time"
)

// ChunkState is the transmission state of one chunk on the sending side.
type ChunkState uint8

const (
	// ChunkPending indicates the chunk awaits (re)transmission.
	ChunkPending ChunkState = iota
	// ChunkInFlight indicates the chunk was sent and awaits an ack.
	ChunkInFlight
	// ChunkAcknowledged indicates the peer confirmed the chunk.
	ChunkAcknowledged
	// ChunkFailed indicates the chunk exhausted its retries.
	ChunkFailed
)

type chunkRecord struct {
	state    ChunkState
	retries  int
	deadline time.Time
	sentAt   time.Time
}

// tracker owns the per-chunk transmission table of one sending session.
// It is accessed only from the session's worker goroutine.
type tracker struct {
	records    map[uint32]*chunkRecord
	pending    []uint32
	inFlight   int
	maxRetries int
}

func newTracker(maxRetries int) *tracker {
	return &tracker{
		records:    make(map[uint32]*chunkRecord),
		maxRetries: maxRetries,
	}
}

// schedule queues indices for transmission, oldest first. Indices already
// tracked keep their record (and retry count).
func (t *tracker) schedule(indices []uint32) {
	for _, i := range indices {
		rec, ok := t.records[i]
		if !ok {
			t.records[i] = &chunkRecord{state: ChunkPending}
			t.pending = append(t.pending, i)
			continue
		}
		if rec.state == ChunkAcknowledged || rec.state == ChunkPending {
			if rec.state == ChunkAcknowledged {
				// Peer asked again (e.g. integrity failure on their side).
				rec.state = ChunkPending
				t.pending = append(t.pending, i)
			}
			continue
		}
		if rec.state == ChunkInFlight {
			continue
		}
		rec.state = ChunkPending
		t.pending = append(t.pending, i)
	}
}

// next pops the next pending index, if any.
func (t *tracker) next() (uint32, bool) {
	for len(t.pending) > 0 {
		i := t.pending[0]
		t.pending = t.pending[1:]
		if rec, ok := t.records[i]; ok && rec.state == ChunkPending {
			return i, true
		}
	}
	return 0, false
}

// markInFlight records a transmission with its ack deadline.
func (t *tracker) markInFlight(i uint32, now time.Time, ackTimeout time.Duration) {
	rec, ok := t.records[i]
	if !ok {
		rec = &chunkRecord{}
		t.records[i] = rec
	}
	if rec.state != ChunkInFlight {
		t.inFlight++
	}
	rec.state = ChunkInFlight
	rec.sentAt = now
	rec.deadline = now.Add(ackTimeout)
}

// ack moves a chunk to Acknowledged. Re-acknowledging is a no-op; the
// return reports whether this ack changed state, and the round-trip time
// when it did.
func (t *tracker) ack(i uint32, now time.Time) (bool, time.Duration) {
	rec, ok := t.records[i]
	if !ok || rec.state == ChunkAcknowledged {
		return false, 0
	}
	if rec.state == ChunkInFlight {
		t.inFlight--
	}
	rec.state = ChunkAcknowledged
	return true, now.Sub(rec.sentAt)
}

// expire reverts in-flight chunks whose deadline passed back to Pending,
// incrementing their retry counter. Chunks beyond the retry budget move
// to Failed and are returned in failed.
func (t *tracker) expire(now time.Time) (timedOut, failed []uint32) {
	for i, rec := range t.records {
		if rec.state != ChunkInFlight || now.Before(rec.deadline) {
			continue
		}
		t.inFlight--
		rec.retries++
		if rec.retries > t.maxRetries {
			rec.state = ChunkFailed
			failed = append(failed, i)
			continue
		}
		rec.state = ChunkPending
		t.pending = append(t.pending, i)
		timedOut = append(timedOut, i)
	}
	return timedOut, failed
}

// markAcknowledged records a chunk as delivered without a measured round
// trip, e.g. learned from the peer's receipt bitmap during reconciliation.
func (t *tracker) markAcknowledged(i uint32) {
	rec, ok := t.records[i]
	if !ok {
		t.records[i] = &chunkRecord{state: ChunkAcknowledged}
		return
	}
	if rec.state == ChunkInFlight {
		t.inFlight--
	}
	rec.state = ChunkAcknowledged
}

// resetInFlight reverts every in-flight chunk to Pending without a retry
// penalty. Used when the channel died under them.
func (t *tracker) resetInFlight() {
	for i, rec := range t.records {
		if rec.state != ChunkInFlight {
			continue
		}
		t.inFlight--
		rec.state = ChunkPending
		t.pending = append(t.pending, i)
	}
}

// inFlightCount returns the number of unacknowledged transmissions.
func (t *tracker) inFlightCount() int { return t.inFlight }

// pendingCount returns the number of chunks awaiting (re)transmission.
func (t *tracker) pendingCount() int {
	n := 0
	for _, rec := range t.records {
		if rec.state == ChunkPending {
			n++
		}
	}
	return n
}

// allAcknowledged reports whether every tracked chunk is acknowledged.
func (t *tracker) allAcknowledged() bool {
	for _, rec := range t.records {
		if rec.state != ChunkAcknowledged {
			return false
		}
	}
	return len(t.records) > 0
}

// state returns the state of one chunk.
func (t *tracker) state(i uint32) (ChunkState, bool) {
	rec, ok := t.records[i]
	if !ok {
		return ChunkPending, false
	}
	return rec.state, true
}
