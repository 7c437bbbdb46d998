// Package socketcan drives a Linux CAN_RAW socket as the adapter's CAN
// controller. Bit timing belongs to the interface (ip link set ... bitrate);
// acceptance filtering, transmit events and timestamps are done here.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
	"github.com/kstaniek/go-slcan-adapter/internal/logging"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/transport"
)

var (
	ErrTxOverflow = errors.New("socketcan tx overflow")
	ErrShortFrame = errors.New("socketcan short frame")
	ErrSilent     = errors.New("socketcan transmit in silent mode")
	ErrStopped    = errors.New("socketcan not started")
)

// Dev is a raw CAN socket. Read returns one kernel frame per call and should
// time out periodically so the reader can notice Stop.
type Dev interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

const (
	defaultTxDepth    = 3
	defaultEventDepth = 8
	defaultRxDepth    = 64
	readBackoff       = 20 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Hardware implements canctl.Hardware on top of a Dev opened at each Start.
type Hardware struct {
	iface  string
	open   func(iface string) (Dev, error)
	logger *slog.Logger
	epoch  time.Time

	txDepth, eventDepth, rxDepth int

	mu       sync.Mutex
	running  bool
	cfg      canctl.Config
	dev      Dev
	tx       *transport.AsyncTx[can.Frame]
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	events   []canctl.TxResult
	rx       [2][]can.Frame
	flags    canctl.Flags
	status   canctl.ProtocolStatus
	counters canctl.ErrorCounters
}

var _ canctl.Hardware = (*Hardware)(nil)

// Option configures a Hardware.
type Option func(*Hardware)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hardware) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithOpener replaces the socket opener, for tests.
func WithOpener(fn func(iface string) (Dev, error)) Option {
	return func(h *Hardware) {
		if fn != nil {
			h.open = fn
		}
	}
}

// WithRxDepth sets the element count of each software receive FIFO.
func WithRxDepth(n int) Option {
	return func(h *Hardware) {
		if n > 0 {
			h.rxDepth = n
		}
	}
}

func openDevice(iface string) (Dev, error) {
	d, err := Open(iface)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func New(iface string, opts ...Option) *Hardware {
	h := &Hardware{
		iface:      iface,
		open:       openDevice,
		logger:     logging.L(),
		epoch:      time.Now(),
		txDepth:    defaultTxDepth,
		eventDepth: defaultEventDepth,
		rxDepth:    defaultRxDepth,
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With("if", iface)
	return h
}

func (h *Hardware) Start(cfg canctl.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		_ = h.stopLocked()
	}
	dev, err := h.open(h.iface)
	if err != nil {
		return fmt.Errorf("socketcan open %s: %w", h.iface, err)
	}
	h.dev = dev
	h.cfg = cfg
	h.events, h.rx = nil, [2][]can.Frame{}
	h.flags = 0
	h.status = canctl.ProtocolStatus{}
	h.counters = canctl.ErrorCounters{}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.tx = transport.NewAsyncTx(ctx, h.txDepth, h.write, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			h.logger.Warn("socketcan_write_error", "error", err)
			h.raise(canctl.FlagTxEventLost)
		},
		OnDrop: func() error { return ErrTxOverflow },
	})
	h.running = true
	h.wg.Add(1)
	go h.readLoop(ctx, dev)
	h.logger.Info("socketcan_open", "mode", cfg.Mode.String(), "auto_retransmit", cfg.AutoRetransmit)
	return nil
}

func (h *Hardware) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil
	}
	return h.stopLocked()
}

// stopLocked tears the socket down. The lock is released while waiting for
// the writer and reader goroutines, which take it themselves.
func (h *Hardware) stopLocked() error {
	h.running = false
	cancel, tx, dev := h.cancel, h.tx, h.dev
	h.mu.Unlock()
	cancel()
	tx.Close()
	err := dev.Close()
	h.wg.Wait()
	h.mu.Lock()
	h.events, h.rx = nil, [2][]can.Frame{}
	h.logger.Info("socketcan_closed")
	return err
}

func (h *Hardware) write(f can.Frame) error {
	var buf [FDMTU]byte
	n := Encode(buf[:], &f)
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	_, err := dev.Write(buf[:n])
	f.Timestamp = h.TimestampCounter()
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := f
	ev.Data = [can.MaxDataLen]byte{}
	// A failed frame still takes its place in the event FIFO so later
	// events stay paired with their queue slots.
	if len(h.events) >= h.eventDepth {
		h.flags |= canctl.FlagTxEventLost
	} else {
		h.events = append(h.events, canctl.TxResult{Frame: ev, Dropped: err != nil})
	}
	if err != nil {
		return err
	}
	// The socket does not hand our own frames back; loopback modes
	// echo them locally.
	if h.cfg.Mode.Loopback() {
		h.receiveLocked(f)
	}
	return nil
}

func (h *Hardware) readLoop(ctx context.Context, dev Dev) {
	defer h.wg.Done()
	buf := make([]byte, FDMTU)
	for ctx.Err() == nil {
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			h.logger.Warn("socketcan_read_error", "error", err, "backoff", readBackoff)
			sleepFn(readBackoff)
			continue
		}
		var f can.Frame
		rep, isErr, err := Decode(buf[:n], &f)
		switch {
		case err != nil:
			h.logger.Debug("socketcan_bad_frame", "error", err)
		case isErr:
			h.applyError(rep)
		default:
			f.Timestamp = h.TimestampCounter()
			h.mu.Lock()
			if h.cfg.Mode != canctl.ModeInternalLoopback {
				h.receiveLocked(f)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hardware) receiveLocked(f can.Frame) {
	fifo := canctl.Route(h.cfg.Std, h.cfg.Ext, f.ID, f.Extended)
	if len(h.rx[fifo]) >= h.rxDepth {
		if fifo == canctl.FIFOAccepted {
			h.flags |= canctl.FlagRx0Lost
		} else {
			h.flags |= canctl.FlagRx1Lost
		}
		return
	}
	h.rx[fifo] = append(h.rx[fifo], f)
}

func (h *Hardware) applyError(r ErrorReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.HasCounters {
		h.counters = canctl.ErrorCounters{Tx: r.Tx, Rx: r.Rx, RxPassive: r.Rx >= 128}
	}
	if r.Warning && !h.status.Warning {
		h.flags |= canctl.FlagErrorWarning
	}
	if r.Passive && !h.status.ErrorPassive {
		h.flags |= canctl.FlagErrorPassive
	}
	if r.Warning {
		h.status.Warning = true
	}
	if r.Passive {
		h.status.ErrorPassive = true
	}
	if r.Active {
		h.status.Warning, h.status.ErrorPassive = false, false
	}
	if r.BusOff && !h.status.BusOff {
		h.flags |= canctl.FlagBusOff
		h.logger.Warn("socketcan_bus_off")
	}
	if r.BusOff {
		h.status.BusOff = true
	}
	if r.Restarted {
		h.status.BusOff = false
	}
	if r.RxOverflow {
		h.flags |= canctl.FlagRx0Lost
	}
	if r.Code != canctl.ProtoErrNone {
		h.status.LastError = r.Code
	}
}

func (h *Hardware) raise(f canctl.Flags) {
	h.mu.Lock()
	h.flags |= f
	h.mu.Unlock()
}

func (h *Hardware) TxFreeLevel() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.cfg.Mode == canctl.ModeSilent {
		return 0
	}
	inflight := h.tx.InFlight()
	// Every frame in flight ends up in the event FIFO; keep room for it.
	return max(0, min(h.txDepth-inflight, h.eventDepth-len(h.events)-inflight))
}

func (h *Hardware) AddTx(f *can.Frame) error {
	h.mu.Lock()
	running, mode, tx := h.running, h.cfg.Mode, h.tx
	h.mu.Unlock()
	switch {
	case !running:
		return ErrStopped
	case mode == canctl.ModeSilent:
		return ErrSilent
	}
	return tx.Send(*f)
}

func (h *Hardware) TxEvent() (canctl.TxResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		return canctl.TxResult{}, false
	}
	res := h.events[0]
	h.events = h.events[1:]
	return res, true
}

func (h *Hardware) Receive(fifo canctl.FIFO) (can.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.rx[fifo]
	if len(q) == 0 {
		return can.Frame{}, false
	}
	h.rx[fifo] = q[1:]
	return q[0], true
}

func (h *Hardware) TakeFlags(mask canctl.Flags) canctl.Flags {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.flags & mask
	h.flags &^= mask
	return f
}

func (h *Hardware) ProtocolStatus() canctl.ProtocolStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.status
	h.status.LastError = canctl.ProtoErrNoChange
	h.status.DataLastError = canctl.ProtoErrNoChange
	return st
}

func (h *Hardware) ErrorCounters() canctl.ErrorCounters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}

func (h *Hardware) TimestampCounter() uint16 {
	return uint16(time.Since(h.epoch) / time.Microsecond)
}

type timeout interface{ Timeout() bool }

func isTimeout(err error) bool {
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}
