// Package vcan is an in-memory canctl.Hardware. Transmissions complete
// immediately as if every frame were acknowledged; frames from other nodes
// are fed in with Inject.
package vcan

import (
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
)

var (
	ErrStopped = errors.New("vcan: not started")
	ErrSilent  = errors.New("vcan: transmit in silent mode")
	ErrTxFull  = errors.New("vcan: tx fifo full")
)

const (
	DefaultTxDepth = 3
	DefaultRxDepth = 3
)

// Bus emulates one controller attached to a virtual bus.
type Bus struct {
	mu       sync.Mutex
	started  bool
	cfg      canctl.Config
	txDepth  int
	rxDepth  int
	events   []canctl.TxResult
	rx       [2][]can.Frame
	flags    canctl.Flags
	status   canctl.ProtocolStatus
	counters canctl.ErrorCounters
	counter  func() uint16
	onWire   func(can.Frame)
	starts   int
}

var _ canctl.Hardware = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithCounter replaces the free-running microsecond counter.
func WithCounter(fn func() uint16) Option {
	return func(b *Bus) {
		if fn != nil {
			b.counter = fn
		}
	}
}

// WithRxDepth sets the element count of each receive FIFO.
func WithRxDepth(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.rxDepth = n
		}
	}
}

// WithWire registers an observer for frames put on the bus. It runs with the
// bus lock held and must not call back into the Bus.
func WithWire(fn func(can.Frame)) Option { return func(b *Bus) { b.onWire = fn } }

func New(opts ...Option) *Bus {
	start := time.Now()
	b := &Bus{
		txDepth: DefaultTxDepth,
		rxDepth: DefaultRxDepth,
		counter: func() uint16 { return uint16(time.Since(start) / time.Microsecond) },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) Start(cfg canctl.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	b.cfg = cfg
	b.started = true
	b.starts++
	return nil
}

func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	return nil
}

func (b *Bus) reset() {
	b.started = false
	b.events = nil
	b.rx = [2][]can.Frame{}
	b.flags = 0
	b.status = canctl.ProtocolStatus{}
	b.counters = canctl.ErrorCounters{}
}

// Config returns the configuration passed to the last Start.
func (b *Bus) Config() canctl.Config { b.mu.Lock(); defer b.mu.Unlock(); return b.cfg }

// Started reports whether the controller is on the bus.
func (b *Bus) Started() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.started }

func (b *Bus) TxFreeLevel() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return 0
	}
	return b.txDepth - len(b.events)
}

func (b *Bus) AddTx(f *can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !b.started:
		return ErrStopped
	case b.cfg.Mode == canctl.ModeSilent:
		return ErrSilent
	case b.status.BusOff:
		return ErrTxFull
	}
	sent := *f
	sent.Timestamp = b.counter()

	ev := sent
	ev.Data = [can.MaxDataLen]byte{}
	if len(b.events) >= b.txDepth {
		b.flags |= canctl.FlagTxEventLost
	} else {
		b.events = append(b.events, canctl.TxResult{Frame: ev})
	}

	if b.cfg.Mode.Loopback() {
		b.receiveLocked(sent)
	}
	if b.cfg.Mode != canctl.ModeInternalLoopback && b.onWire != nil {
		b.onWire(sent)
	}
	return nil
}

func (b *Bus) TxEvent() (canctl.TxResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return canctl.TxResult{}, false
	}
	res := b.events[0]
	b.events = b.events[1:]
	return res, true
}

func (b *Bus) Receive(fifo canctl.FIFO) (can.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.rx[fifo]
	if len(q) == 0 {
		return can.Frame{}, false
	}
	b.rx[fifo] = q[1:]
	return q[0], true
}

// Inject delivers a frame sent by another node. It reports false when the
// controller is stopped or the frame was lost to a full FIFO.
func (b *Bus) Inject(f can.Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.cfg.Mode == canctl.ModeInternalLoopback {
		return false
	}
	f.Timestamp = b.counter()
	return b.receiveLocked(f)
}

func (b *Bus) receiveLocked(f can.Frame) bool {
	fifo := canctl.Route(b.cfg.Std, b.cfg.Ext, f.ID, f.Extended)
	if len(b.rx[fifo]) >= b.rxDepth {
		if fifo == canctl.FIFOAccepted {
			b.flags |= canctl.FlagRx0Lost
		} else {
			b.flags |= canctl.FlagRx1Lost
		}
		return false
	}
	b.rx[fifo] = append(b.rx[fifo], f)
	return true
}

func (b *Bus) TakeFlags(mask canctl.Flags) canctl.Flags {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.flags & mask
	b.flags &^= mask
	return f
}

func (b *Bus) ProtocolStatus() canctl.ProtocolStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.status
	// The latched codes read back as "no change" until a new error occurs.
	b.status.LastError = canctl.ProtoErrNoChange
	b.status.DataLastError = canctl.ProtoErrNoChange
	return st
}

func (b *Bus) ErrorCounters() canctl.ErrorCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

func (b *Bus) TimestampCounter() uint16 { return b.counter() }

// InjectError simulates a bus fault: counters and state are replaced, the
// protocol error code is latched and the matching flags are raised.
func (b *Bus) InjectError(cnt canctl.ErrorCounters, code canctl.ProtocolError, dataPhase bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters = cnt
	if dataPhase {
		b.status.DataLastError = code
	} else {
		b.status.LastError = code
	}
	tec, rec := int(cnt.Tx), int(cnt.Rx)
	if cnt.RxPassive {
		rec = 128
	}
	warning := tec >= 96 || rec >= 96
	passive := tec >= 128 || rec >= 128
	if warning && !b.status.Warning {
		b.flags |= canctl.FlagErrorWarning
	}
	if passive && !b.status.ErrorPassive {
		b.flags |= canctl.FlagErrorPassive
	}
	b.status.Warning = warning
	b.status.ErrorPassive = passive
}

// SetBusOff forces the bus-off state.
func (b *Bus) SetBusOff(off bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off && !b.status.BusOff {
		b.flags |= canctl.FlagBusOff
	}
	b.status.BusOff = off
}
