// Package tick provides the free-running millisecond tick used for
// timestamps, bus-load windows and LED timing.
package tick

import (
	"sync/atomic"
	"time"
)

// Source returns a wrapping millisecond counter.
type Source interface {
	Millis() uint32
}

// System counts milliseconds since construction on the monotonic clock.
type System struct{ start time.Time }

func NewSystem() *System { return &System{start: time.Now()} }

func (s *System) Millis() uint32 { return uint32(time.Since(s.start) / time.Millisecond) }

// Manual is a Source advanced explicitly, for tests and simulations.
type Manual struct{ ms atomic.Uint32 }

func (m *Manual) Millis() uint32    { return m.ms.Load() }
func (m *Manual) Set(ms uint32)     { m.ms.Store(ms) }
func (m *Manual) Advance(ms uint32) { m.ms.Add(ms) }
