// Package adapter wires the rings, controller and dispatcher into the
// cooperative service loop and connects it to a host link.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
	"github.com/kstaniek/go-slcan-adapter/internal/command"
	"github.com/kstaniek/go-slcan-adapter/internal/led"
	"github.com/kstaniek/go-slcan-adapter/internal/logging"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/ring"
	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
	"github.com/kstaniek/go-slcan-adapter/internal/tick"
	"github.com/kstaniek/go-slcan-adapter/internal/transport"
)

const (
	DefaultInterval = 200 * time.Microsecond

	inboundSlots  = 8
	outboundSlots = 3
	outboundSize  = 4096
	frameSlots    = 64
)

// Adapter owns every queue and the components that move data between them.
// Step must only be called from one goroutine; the receive callback may run
// on any other.
type Adapter struct {
	link     transport.Link
	session  *slcan.Session
	inbound  *ring.ChunkQueue
	outbound *ring.ChunkQueue
	frames   *ring.FrameQueue
	ctl      *canctl.Controller
	disp     *command.Dispatcher
	leds     *led.Indicator
	store    command.Store
	logger   *slog.Logger
	interval time.Duration
	notify   chan struct{}
}

type options struct {
	logger   *slog.Logger
	store    command.Store
	driver   led.Driver
	clock    tick.Source
	update   func()
	info     *command.Info
	interval time.Duration
	frames   int
	ctlOpts  []canctl.Option
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithStore(s command.Store) Option { return func(o *options) { o.store = s } }

// WithLEDDriver sets the sink for the RX/TX indicator states.
func WithLEDDriver(d led.Driver) Option {
	return func(o *options) {
		if d != nil {
			o.driver = d
		}
	}
}

func WithClock(c tick.Source) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithUpdateTrigger installs the firmware update hook fired by X.
func WithUpdateTrigger(fn func()) Option {
	return func(o *options) {
		if fn != nil {
			o.update = fn
		}
	}
}

func WithInfo(i command.Info) Option { return func(o *options) { o.info = &i } }

// WithInterval sets the idle service period of Run.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithFrameSlots sets the transmit frame queue length.
func WithFrameSlots(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.frames = n
		}
	}
}

// WithControllerOptions passes options through to the CAN controller.
func WithControllerOptions(opts ...canctl.Option) Option {
	return func(o *options) { o.ctlOpts = append(o.ctlOpts, opts...) }
}

// New builds an adapter that drives hw and replies through link.
func New(link transport.Link, hw canctl.Hardware, opts ...Option) *Adapter {
	o := options{
		logger:   logging.Component("adapter"),
		driver:   metrics.NewLEDDriver(nil),
		clock:    tick.NewSystem(),
		update:   func() {},
		interval: DefaultInterval,
		frames:   frameSlots,
	}
	for _, fn := range opts {
		fn(&o)
	}

	a := &Adapter{
		link:     link,
		session:  slcan.NewSession(),
		store:    o.store,
		logger:   o.logger,
		interval: o.interval,
		notify:   make(chan struct{}, 1),
	}
	a.inbound = ring.NewInbound(inboundSlots, transport.MaxChunk,
		ring.WithFullHook(a.overflow(metrics.RingInbound, slcan.StatusDataOverrun)))
	a.outbound = ring.NewOutbound(outboundSlots, outboundSize,
		ring.WithFullHook(a.overflow(metrics.RingOutbound, slcan.StatusRxFifoFull)))
	a.frames = ring.NewFrameQueue(o.frames,
		ring.WithFullHook(a.overflow(metrics.RingFrames, slcan.StatusTxFifoFull)))

	a.leds = led.New(o.driver, a.session, o.clock)
	enc := slcan.NewEncoder(a.session, o.clock)
	ctlOpts := append([]canctl.Option{
		canctl.WithLogger(o.logger),
		canctl.WithLEDs(a.leds),
		canctl.WithClock(o.clock),
	}, o.ctlOpts...)
	a.ctl = canctl.New(hw, a.session, enc, a.frames, a.outbound, ctlOpts...)

	dispOpts := []command.Option{
		command.WithLogger(o.logger),
		command.WithLEDs(a.leds),
		command.WithUpdateTrigger(o.update),
		command.WithStore(o.store),
	}
	if o.info != nil {
		dispOpts = append(dispOpts, command.WithInfo(*o.info))
	}
	a.disp = command.New(a.ctl, a.session, a.outbound, dispOpts...)
	return a
}

func (a *Adapter) overflow(name string, flag slcan.StatusFlags) func() {
	return func() {
		metrics.IncRingOverflow(name)
		a.session.Raise(flag)
	}
}

func (a *Adapter) Controller() *canctl.Controller { return a.ctl }
func (a *Adapter) Session() *slcan.Session        { return a.session }

// Receive is the link's receive callback. It never blocks: a chunk that does
// not fit is dropped and flagged as a data overrun.
func (a *Adapter) Receive(chunk []byte) {
	transport.Chunks(chunk, func(p []byte) { _ = a.inbound.Put(p) })
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Start opens the bus when the store asks for auto-startup.
func (a *Adapter) Start() error {
	if a.store == nil {
		return nil
	}
	mode, err := a.store.StartupMode()
	if err != nil {
		return fmt.Errorf("startup mode: %w", err)
	}
	var m canctl.Mode
	switch mode {
	case slcan.StartupNormal:
		m = canctl.ModeNormal
	case slcan.StartupListen:
		m = canctl.ModeSilent
	default:
		return nil
	}
	if err := a.ctl.SetMode(m); err != nil {
		return err
	}
	if err := a.ctl.Enable(); err != nil {
		return err
	}
	a.logger.Info("auto_startup", "mode", mode.String())
	return nil
}

// Step runs one pass of the service loop.
func (a *Adapter) Step() {
	a.inbound.Drain(a.disp.Feed)
	a.outbound.AdvanceWrite()
	a.outbound.Flush(a.link.Transmit)
	a.ctl.Process()
	a.leds.Process()
	metrics.SetCycle(a.ctl.CycleAveNs(), a.ctl.CycleMaxNs())
}

// Run serves the link and steps the loop until ctx is done or the link fails.
// The bus is closed on return.
func (a *Adapter) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	errc := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errc <- a.link.Serve(ctx, a.Receive)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	t := time.NewTicker(a.interval)
	defer t.Stop()
	defer a.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			a.logger.Error("host_link_error", "error", err)
			return err
		case <-t.C:
		case <-a.notify:
		}
		a.Step()
	}
}

func (a *Adapter) shutdown() {
	if a.ctl.State() == canctl.BusOpened {
		_ = a.ctl.Disable()
	}
}
