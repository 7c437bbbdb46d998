package ring

import (
	"fmt"
	"sync"
)

// ChunkQueue is a ring of fixed-capacity byte slots.
//
// Inbound use: the receive callback calls Put for each chunk and the loop
// calls Drain. Outbound use: the loop appends to the head slot with Enqueue or
// Reserve/Commit, closes it with AdvanceWrite and hands closed slots to the
// transport with Flush.
type ChunkQueue struct {
	mu     sync.Locker
	onFull func()
	size   int
	data   [][]byte
	n      []int
	head   int
	tail   int
}

func newChunkQueue(slots, size int, head int, opts []Option) *ChunkQueue {
	if slots < 2 {
		slots = 2
	}
	o := buildOptions(opts)
	q := &ChunkQueue{
		mu:     o.locker,
		onFull: o.onFull,
		size:   size,
		data:   make([][]byte, slots),
		n:      make([]int, slots),
		head:   head,
	}
	for i := range q.data {
		q.data[i] = make([]byte, size)
	}
	return q
}

// NewInbound returns an empty queue for host-to-adapter chunks.
func NewInbound(slots, size int, opts ...Option) *ChunkQueue {
	return newChunkQueue(slots, size, 0, opts)
}

// NewOutbound returns an empty queue for adapter-to-host bytes. One slot is
// always owned by the transport, so the write cursor starts ahead of it.
func NewOutbound(slots, size int, opts ...Option) *ChunkQueue {
	if slots < 3 {
		slots = 3
	}
	return newChunkQueue(slots, size, 1, opts)
}

// SlotSize returns the byte capacity of each slot.
func (q *ChunkQueue) SlotSize() int { return q.size }

func (q *ChunkQueue) overflow(want int) error {
	q.onFull()
	return fmt.Errorf("%w: %d bytes do not fit", ErrOverflow, want)
}

func (q *ChunkQueue) loadHead() int {
	q.mu.Lock()
	h := q.head
	q.mu.Unlock()
	return h
}

// Put copies one whole chunk into a fresh slot and publishes it.
func (q *ChunkQueue) Put(p []byte) error {
	if len(p) > q.size {
		return q.overflow(len(p))
	}
	q.mu.Lock()
	head := q.head
	next := (head + 1) % len(q.data)
	busy := next == q.tail
	q.mu.Unlock()
	if busy {
		return q.overflow(len(p))
	}
	copy(q.data[head], p)
	q.n[head] = len(p)
	q.mu.Lock()
	q.head = next
	q.mu.Unlock()
	return nil
}

// Drain passes the oldest published slot to fn and releases it. It reports
// false when there was nothing to consume.
func (q *ChunkQueue) Drain(fn func([]byte)) bool {
	q.mu.Lock()
	head, tail := q.head, q.tail
	q.mu.Unlock()
	if tail == head {
		return false
	}
	fn(q.data[tail][:q.n[tail]])
	q.mu.Lock()
	q.tail = (tail + 1) % len(q.data)
	q.mu.Unlock()
	return true
}

// Enqueue appends p to the head slot. Nothing is written when p does not fit.
func (q *ChunkQueue) Enqueue(p []byte) error {
	head := q.loadHead()
	used := q.n[head]
	if used+len(p) > q.size {
		return q.overflow(len(p))
	}
	copy(q.data[head][used:], p)
	q.n[head] = used + len(p)
	return nil
}

// Reserve returns n writable bytes at the end of the head slot. The bytes
// become part of the slot only after Commit.
func (q *ChunkQueue) Reserve(n int) ([]byte, error) {
	head := q.loadHead()
	used := q.n[head]
	if n < 0 || used+n > q.size {
		return nil, q.overflow(n)
	}
	return q.data[head][used : used+n], nil
}

// Commit extends the head slot by n previously reserved bytes.
func (q *ChunkQueue) Commit(n int) error {
	head := q.loadHead()
	if n < 0 || q.n[head]+n > q.size {
		return q.overflow(n)
	}
	q.n[head] += n
	return nil
}

// AdvanceWrite closes a non-empty head slot and opens the next one, unless
// the next slot has not been released by the transport yet.
func (q *ChunkQueue) AdvanceWrite() {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := (q.head + 1) % len(q.data)
	if next == q.tail || q.n[q.head] == 0 {
		return
	}
	q.head = next
	q.n[next] = 0
}

// Flush offers the oldest closed slot to transmit. The slot is released to
// the transport only when transmit returns nil.
func (q *ChunkQueue) Flush(transmit func([]byte) error) bool {
	q.mu.Lock()
	next := (q.tail + 1) % len(q.data)
	head := q.head
	q.mu.Unlock()
	if next == head {
		return false
	}
	if err := transmit(q.data[next][:q.n[next]]); err != nil {
		return false
	}
	q.mu.Lock()
	q.tail = next
	q.mu.Unlock()
	return true
}

// Current returns a view of the bytes accumulated in the head slot.
func (q *ChunkQueue) Current() []byte {
	head := q.loadHead()
	return q.data[head][:q.n[head]]
}

// Free returns the room left in the head slot.
func (q *ChunkQueue) Free() int {
	head := q.loadHead()
	return q.size - q.n[head]
}
