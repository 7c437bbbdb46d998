// Package canctl drives the CAN peripheral: bit timing, filters and mode while
// the bus is closed, and the periodic service that moves frames between the
// hardware FIFOs and the host while it is open.
package canctl

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/logging"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/ring"
	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
	"github.com/kstaniek/go-slcan-adapter/internal/tick"
)

// BusState is the channel state seen by the host.
type BusState uint8

const (
	BusClosed BusState = iota
	BusOpened
)

func (s BusState) String() string {
	if s == BusOpened {
		return "opened"
	}
	return "closed"
}

// ErrorState is the bus health snapshot taken by Process.
type ErrorState struct {
	BusOff       bool
	ErrorPassive bool
	TxCount      uint8
	RxCount      uint8 // 128 once receive error passive
	LastError    ProtocolError
}

const (
	DefaultClockMHz      = 80
	DefaultBusLoadWindow = 100 * time.Millisecond
	// DefaultBusLoadBuildupPPM compensates the unstuffed bit estimate.
	DefaultBusLoadBuildupPPM = 1125000

	txDelayCompLimit = 0x28
)

// Controller owns the CAN channel. It is not safe for concurrent use; the
// adapter loop is its only caller.
type Controller struct {
	hw      Hardware
	session *slcan.Session
	enc     *slcan.Encoder
	queue   *ring.FrameQueue
	out     *ring.ChunkQueue
	leds    LEDs
	clock   tick.Source
	logger  *slog.Logger

	clockMHz   uint32
	windowMs   uint32
	buildupPPM uint32

	state          BusState
	mode           Mode
	autoRetransmit bool
	nominal        BitTiming
	data           BitTiming
	std            Filter
	ext            Filter

	errState   ErrorState
	bitTimeNs  uint32
	busLoadPPM uint32
	bitCount   uint32
	lastBitTs  uint16
	tickLast   uint32
	cycleMaxNs uint32
	cycleAveNs uint32
	lastTsCnt  uint16
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithLEDs(l LEDs) Option {
	return func(c *Controller) {
		if l != nil {
			c.leds = l
		}
	}
}

func WithClock(s tick.Source) Option {
	return func(c *Controller) {
		if s != nil {
			c.clock = s
		}
	}
}

// WithBusLoadWindow sets the bus-load sampling interval (millisecond
// resolution).
func WithBusLoadWindow(d time.Duration) Option {
	return func(c *Controller) {
		if ms := d / time.Millisecond; ms > 0 {
			c.windowMs = uint32(ms)
		}
	}
}

// WithBusLoadBuildup sets the stuffing compensation factor in ppm.
func WithBusLoadBuildup(ppm uint32) Option {
	return func(c *Controller) {
		if ppm > 0 {
			c.buildupPPM = ppm
		}
	}
}

// WithClockMHz sets the peripheral clock used for bit-time computation.
func WithClockMHz(mhz uint32) Option {
	return func(c *Controller) {
		if mhz > 0 {
			c.clockMHz = mhz
		}
	}
}

// New returns a closed controller at 125 kbit/s nominal and 2 Mbit/s data.
// Received frames and transmit events are rendered by enc into out; frames to
// send are taken from queue.
func New(hw Hardware, session *slcan.Session, enc *slcan.Encoder, queue *ring.FrameQueue, out *ring.ChunkQueue, opts ...Option) *Controller {
	c := &Controller{
		hw:             hw,
		session:        session,
		enc:            enc,
		queue:          queue,
		out:            out,
		leds:           noLEDs{},
		clock:          tick.NewSystem(),
		logger:         logging.L(),
		clockMHz:       DefaultClockMHz,
		windowMs:       uint32(DefaultBusLoadWindow / time.Millisecond),
		buildupPPM:     DefaultBusLoadBuildupPPM,
		autoRetransmit: true,
		std:            defaultStdFilter,
		ext:            defaultExtFilter,
	}
	c.nominal, _ = NominalPreset(Nominal125K)
	c.data, _ = DataPreset(Data2M)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) State() BusState        { return c.state }
func (c *Controller) Mode() Mode              { return c.mode }
func (c *Controller) NominalTiming() BitTiming { return c.nominal }
func (c *Controller) DataTiming() BitTiming    { return c.data }
func (c *Controller) StdFilter() Filter        { return c.std }
func (c *Controller) ExtFilter() Filter        { return c.ext }
func (c *Controller) ErrorState() ErrorState   { return c.errState }
func (c *Controller) BusLoadPPM() uint32       { return c.busLoadPPM }
func (c *Controller) CycleAveNs() uint32       { return c.cycleAveNs }
func (c *Controller) CycleMaxNs() uint32       { return c.cycleMaxNs }

// ClearCycleTime resets the loop cycle statistics.
func (c *Controller) ClearCycleTime() {
	c.cycleMaxNs = 0
	c.cycleAveNs = 0
}

// Enable opens the channel with the current configuration.
func (c *Controller) Enable() error {
	if c.state == BusOpened {
		return ErrBusOpen
	}
	cfg := Config{
		Mode:           c.mode,
		AutoRetransmit: c.autoRetransmit,
		Nominal:        c.nominal,
		Data:           c.data,
		Std:            c.std,
		Ext:            c.ext,
	}
	if off := uint32(c.data.Prescaler) * uint32(c.data.Seg1); off <= txDelayCompLimit {
		cfg.TxDelayComp, cfg.TxDelayOffset = true, off
	}
	if err := c.hw.Start(cfg); err != nil {
		metrics.IncError(metrics.ErrHardwareStart)
		return fmt.Errorf("%w: start: %v", ErrHardware, err)
	}
	c.queue.Clear()
	c.bitTimeNs = c.nominal.Quanta() * uint32(c.nominal.Prescaler) * 1000 / c.clockMHz
	c.ClearCycleTime()
	c.busLoadPPM = 0
	c.bitCount = 0
	c.errState = ErrorState{}
	c.leds.SetTx(false)
	c.state = BusOpened
	metrics.SetBusOpen(true)
	metrics.SetBusLoad(0)
	c.logger.Info("bus_open",
		"mode", c.mode.String(),
		"nominal_bps", c.nominal.Bitrate(c.clockMHz),
		"data_bps", c.data.Bitrate(c.clockMHz),
		"tdc", cfg.TxDelayComp,
	)
	return nil
}

// Disable closes the channel and drops every queued frame.
func (c *Controller) Disable() error {
	if c.state == BusClosed {
		return ErrBusClosed
	}
	if err := c.hw.Stop(); err != nil {
		metrics.IncError(metrics.ErrHardwareStop)
		c.logger.Warn("bus_stop_error", "error", err)
	}
	c.queue.Clear()
	c.leds.SetTx(true)
	c.state = BusClosed
	metrics.SetBusOpen(false)
	c.logger.Info("bus_closed")
	return nil
}

// SetMode selects the mode used by the next Enable.
func (c *Controller) SetMode(m Mode) error {
	if c.state == BusOpened {
		return ErrBusOpen
	}
	if m > ModeExternalLoopback {
		return fmt.Errorf("%w: %d", ErrInvalidMode, m)
	}
	c.mode = m
	return nil
}

func (c *Controller) SetAutoRetransmit(on bool) error {
	if c.state == BusOpened {
		return ErrBusOpen
	}
	c.autoRetransmit = on
	return nil
}

func (c *Controller) SetNominalBitrate(b NominalBitrate) error {
	if c.state == BusOpened {
		return ErrBusOpen
	}
	t, ok := NominalPreset(b)
	if !ok {
		return fmt.Errorf("%w: nominal %d", ErrInvalidBitrate, b)
	}
	c.nominal = t
	return nil
}

func (c *Controller) SetDataBitrate(b DataBitrate) error {
	if c.state == BusOpened {
		return ErrBusOpen
	}
	t, ok := DataPreset(b)
	if !ok {
		return fmt.Errorf("%w: data %d", ErrInvalidBitrate, b)
	}
	c.data = t
	return nil
}

func (c *Controller) SetNominalTiming(t BitTiming) error {
	if c.state == BusOpened {
		return ErrBusOpen
	}
	if err := nominalLimits.check(t); err != nil {
		return err
	}
	c.nominal = t
	return nil
}

func (c *Controller) SetDataTiming(t BitTiming) error {
	if c.state == BusOpened {
		return ErrBusOpen
	}
	if err := dataLimits.check(t); err != nil {
		return err
	}
	c.data = t
	return nil
}

// SetStdFilter programs the standard id filter. Fields are applied one by
// one: the enable flag always, code and mask only when in range. The first
// range error is returned after the valid fields were stored.
func (c *Controller) SetStdFilter(enabled bool, code, mask uint32) error {
	return c.setFilter(&c.std, can.MaxStdID, enabled, code, mask)
}

// SetExtFilter is SetStdFilter for the extended id filter.
func (c *Controller) SetExtFilter(enabled bool, code, mask uint32) error {
	return c.setFilter(&c.ext, can.MaxExtID, enabled, code, mask)
}

func (c *Controller) setFilter(f *Filter, limit uint32, enabled bool, code, mask uint32) error {
	if c.state == BusOpened {
		return ErrBusOpen
	}
	var err error
	f.Enabled = enabled
	if code > limit {
		err = fmt.Errorf("%w: code 0x%X", ErrInvalidFilter, code)
	} else {
		f.Code = code
	}
	if mask > limit {
		if err == nil {
			err = fmt.Errorf("%w: mask 0x%X", ErrInvalidFilter, mask)
		}
	} else {
		f.Mask = mask
	}
	return err
}

// TxEnabled reports whether frames may be queued for transmission.
func (c *Controller) TxEnabled() bool {
	return c.state == BusOpened && c.mode != ModeSilent && !c.errState.BusOff
}

// Reserve returns the next transmit slot for in-place construction.
func (c *Controller) Reserve() (*can.Frame, error) { return c.queue.Reserve() }

// Submit queues the reserved frame.
func (c *Controller) Submit() error {
	if !c.TxEnabled() {
		return ErrTxDisabled
	}
	return c.queue.Commit()
}
