package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAsyncTxClosed is returned by Send after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels writes of T through a single goroutine. At most depth items
// are in flight, counting both queued items and the one being written; Send
// never blocks and reports the OnDrop error once that limit is reached.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, depth, sendFn, hooks)
//	a.Send(v)
//	a.Close()
//
// With depth 1, a nil Send result means the previous item has been fully
// written, so a caller may hand out buffers it will reuse afterwards.
type AsyncTx[T any] struct {
	mu       sync.Mutex
	ch       chan T
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	send     func(T) error
	hooks    Hooks
	depth    int32
	inflight atomic.Int32
	closed   atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (item not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when depth items are in flight; its returned error is
	// returned from Send. If nil, the item is silently discarded.
	OnDrop func() error
}

// NewAsyncTx starts the writer goroutine. depth below 1 is treated as 1.
func NewAsyncTx[T any](parent context.Context, depth int, send func(T) error, hooks Hooks) *AsyncTx[T] {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, depth),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
		depth:  int32(depth),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case v, ok := <-a.ch:
			if !ok {
				return
			}
			err := a.send(v)
			a.inflight.Add(-1)
			if err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues v or returns the drop error when depth items are in flight.
func (a *AsyncTx[T]) Send(v T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	if a.inflight.Load() >= a.depth {
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
	a.inflight.Add(1)
	a.ch <- v // cannot block: inflight bounds the channel occupancy
	return nil
}

// InFlight returns the number of items queued or being written.
func (a *AsyncTx[T]) InFlight() int { return int(a.inflight.Load()) }

// Idle reports whether nothing is queued or being written.
func (a *AsyncTx[T]) Idle() bool { return a.inflight.Load() == 0 }

// Close stops the worker and waits for it to exit. Items still queued are
// discarded.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
