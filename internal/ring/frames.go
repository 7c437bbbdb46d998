package ring

import (
	"sync"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
)

// FrameQueue buffers frames waiting for the controller.
//
// Slots between tail and send have been handed to hardware and wait for their
// transmit event; slots between send and head are still unsent. full resolves
// head == tail.
type FrameQueue struct {
	mu       sync.Locker
	onFull   func()
	frames   []can.Frame
	head     int
	send     int
	tail     int
	inflight int
	full     bool
}

// NewFrameQueue allocates a queue with n slots.
func NewFrameQueue(n int, opts ...Option) *FrameQueue {
	if n < 1 {
		n = 1
	}
	o := buildOptions(opts)
	return &FrameQueue{mu: o.locker, onFull: o.onFull, frames: make([]can.Frame, n)}
}

// Cap returns the slot count.
func (q *FrameQueue) Cap() int { return len(q.frames) }

// Reserve returns the zeroed head slot for in-place construction.
func (q *FrameQueue) Reserve() (*can.Frame, error) {
	q.mu.Lock()
	full, head := q.full, q.head
	q.mu.Unlock()
	if full {
		q.onFull()
		return nil, ErrQueueFull
	}
	f := &q.frames[head]
	*f = can.Frame{}
	return f, nil
}

// Commit publishes the reserved slot.
func (q *FrameQueue) Commit() error {
	q.mu.Lock()
	if q.full {
		q.mu.Unlock()
		q.onFull()
		return ErrQueueFull
	}
	q.head = (q.head + 1) % len(q.frames)
	if q.head == q.tail {
		q.full = true
	}
	q.mu.Unlock()
	return nil
}

func (q *FrameQueue) lenLocked() int {
	if q.full {
		return len(q.frames)
	}
	return (q.head - q.tail + len(q.frames)) % len(q.frames)
}

// Len returns the number of committed frames not yet reclaimed.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Full reports whether every slot is occupied.
func (q *FrameQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.full
}

// Pending reports whether a committed frame has not been handed to hardware.
func (q *FrameQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked() > q.inflight
}

// TakeForHardware returns the oldest unsent frame and marks it as sent.
func (q *FrameQueue) TakeForHardware() (*can.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenLocked() <= q.inflight {
		return nil, false
	}
	f := &q.frames[q.send]
	q.send = (q.send + 1) % len(q.frames)
	q.inflight++
	return f, true
}

// Reclaim releases the oldest sent frame once its transmit event arrived and
// returns a copy of it. It reports false when no sent frame is outstanding,
// e.g. after Clear discarded the queue while hardware was still busy.
func (q *FrameQueue) Reclaim() (can.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == 0 {
		return can.Frame{}, false
	}
	f := q.frames[q.tail]
	q.tail = (q.tail + 1) % len(q.frames)
	q.full = false
	q.inflight--
	return f, true
}

// Clear drops every queued frame.
func (q *FrameQueue) Clear() {
	q.mu.Lock()
	q.tail = q.head
	q.send = q.head
	q.inflight = 0
	q.full = false
	q.mu.Unlock()
}

// Cursors exposes head, send and tail for diagnostics.
func (q *FrameQueue) Cursors() (head, send, tail int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head, q.send, q.tail
}
