// Package ring holds the fixed-size queues shared between the receive
// callbacks and the adapter loop. Every cursor access happens under an
// injected sync.Locker; payload copies are done outside of it.
package ring

import (
	"errors"
	"sync"
)

var (
	ErrOverflow  = errors.New("ring overflow")
	ErrQueueFull = errors.New("frame queue full")
)

// NoLock satisfies sync.Locker for queues touched by a single goroutine.
type NoLock struct{}

func (NoLock) Lock()   {}
func (NoLock) Unlock() {}

type options struct {
	locker sync.Locker
	onFull func()
}

// Option configures a queue.
type Option func(*options)

// WithLocker sets the critical section guarding cursor updates.
func WithLocker(l sync.Locker) Option {
	return func(o *options) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithFullHook registers a callback fired each time a write is rejected
// because the queue (or slot) has no room left.
func WithFullHook(fn func()) Option { return func(o *options) { o.onFull = fn } }

func buildOptions(opts []Option) options {
	o := options{locker: &sync.Mutex{}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.onFull == nil {
		o.onFull = func() {}
	}
	return o
}
