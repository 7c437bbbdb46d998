// Package command assembles host command lines and executes them against the
// CAN controller and session, writing every reply to the outbound ring.
package command

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
	"github.com/kstaniek/go-slcan-adapter/internal/logging"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/nvm"
	"github.com/kstaniek/go-slcan-adapter/internal/ring"
	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
)

// Store persists the serial number and auto-startup mode.
type Store interface {
	SerialNumber() (uint16, error)
	SetSerialNumber(v uint16) error
	StartupMode() (slcan.StartupMode, error)
	SetStartupMode(m slcan.StartupMode) error
}

// Info is returned by the V/v and I/i queries.
type Info struct {
	VersionCode string // four characters after V
	InfoCode    string // four characters after I
	Hardware    string
	Software    string
	URL         string
	Controller  string
	ClockMHz    uint32
}

var DefaultInfo = Info{
	VersionCode: "G100",
	InfoCode:    "G0FD",
	Hardware:    "slcan-adapter",
	Software:    "dev",
	URL:         "https://github.com/kstaniek/go-slcan-adapter",
	Controller:  "socketcan",
	ClockMHz:    canctl.DefaultClockMHz,
}

var (
	ackStd = []byte("z\r")
	ackExt = []byte("Z\r")
)

const (
	filterModeSimpleID = 2
	bit31              = 1 << 31
)

// Dispatcher executes one command line at a time. It is driven by the adapter
// loop and is not safe for concurrent use.
type Dispatcher struct {
	ctl     *canctl.Controller
	session *slcan.Session
	out     *ring.ChunkQueue
	store   Store
	leds    canctl.LEDs
	update  func()
	info    Info
	logger  *slog.Logger

	line [slcan.MTU]byte
	n    int

	filterCode uint32
	filterMask uint32
	scratch    []byte
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithStore(s Store) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.store = s
		}
	}
}

func WithLEDs(l canctl.LEDs) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.leds = l
		}
	}
}

// WithUpdateTrigger installs the function fired by X. It must not block.
func WithUpdateTrigger(fn func()) Option { return func(d *Dispatcher) { d.update = fn } }

func WithInfo(i Info) Option { return func(d *Dispatcher) { d.info = i } }

func New(ctl *canctl.Controller, session *slcan.Session, out *ring.ChunkQueue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctl:        ctl,
		session:    session,
		out:        out,
		store:      nvm.NewMemory(0),
		leds:       nopLEDs{},
		update:     func() {},
		info:       DefaultInfo,
		logger:     logging.Component("command"),
		filterMask: 0xFFFFFFFF,
		scratch:    make([]byte, 0, slcan.MTU),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type nopLEDs struct{}

func (nopLEDs) BlinkRx()   {}
func (nopLEDs) BlinkTx()   {}
func (nopLEDs) SetTx(bool) {}

// Feed consumes host bytes. Every CR executes the line collected so far; a
// line longer than the MTU wraps around and is effectively discarded.
func (d *Dispatcher) Feed(p []byte) {
	for _, c := range p {
		if c == '\r' {
			d.Execute(d.line[:d.n])
			d.n = 0
			if d.ctl.State() == canctl.BusClosed {
				d.leds.BlinkRx()
			}
			continue
		}
		if d.n >= len(d.line) {
			d.n = 0
		}
		d.line[d.n] = c
		d.n++
	}
}

// Execute runs one command line without its CR terminator. The payload is
// hex-decoded in place.
func (d *Dispatcher) Execute(line []byte) {
	var cmd byte
	if len(line) > 0 {
		cmd = line[0]
	}
	err := d.execute(line)
	metrics.IncCommand(err == nil)
	if err != nil {
		d.reply(slcan.RetErr)
		d.logger.Debug("command_rejected", "cmd", string(rune(cmd)), "error", err)
	}
}

func (d *Dispatcher) execute(line []byte) error {
	if len(line) == 0 {
		d.reply(slcan.RetOK)
		return nil
	}
	if err := slcan.DecodeHex(line); err != nil {
		return err
	}
	switch line[0] {
	case 'O', 'L', '=', '+':
		return d.open(line)
	case 'C':
		return d.close(line)
	case 'S', 's', 'Y', 'y':
		return d.bitrate(line)
	case 'V', 'v':
		return d.version(line)
	case 'I', 'i':
		return d.canInfo(line)
	case 'N':
		return d.serialNumber(line)
	case 'F', 'f':
		return d.status(line)
	case 'Z', 'z':
		return d.reportMode(line)
	case 'W':
		return d.filterMode(line)
	case 'M', 'm':
		return d.filter(line)
	case 'Q':
		return d.autoStartup(line)
	case 'X':
		d.logger.Info("update_requested")
		d.update()
		// OK once the trigger has fired; the update itself happens after the reply.
		d.reply(slcan.RetOK)
		return nil
	case '?':
		d.cycleTime()
		return nil
	}
	return d.transmit(line)
}

func (d *Dispatcher) reply(p []byte) {
	// Overflow is flagged by the ring hook; the reply is lost.
	_ = d.out.Enqueue(p)
}

func (d *Dispatcher) replyf(format string, args ...any) {
	d.scratch = fmt.Appendf(d.scratch[:0], format, args...)
	d.reply(d.scratch)
}

func (d *Dispatcher) open(line []byte) error {
	if len(line) != 1 {
		return lengthErr(line[0], len(line), 1)
	}
	d.session.ClearStatus()
	d.ctl.ClearCycleTime()
	mode := canctl.ModeNormal
	switch line[0] {
	case 'L':
		mode = canctl.ModeSilent
	case '+':
		mode = canctl.ModeExternalLoopback
	case '=':
		mode = canctl.ModeInternalLoopback
	}
	if err := d.ctl.SetMode(mode); err != nil {
		return err
	}
	if err := d.ctl.Enable(); err != nil {
		return err
	}
	d.reply(slcan.RetOK)
	return nil
}

func (d *Dispatcher) close(line []byte) error {
	if len(line) != 1 {
		return lengthErr(line[0], len(line), 1)
	}
	err := d.ctl.Disable()
	// Status and cycle time are cleared even when the bus was already closed.
	d.session.ClearStatus()
	d.ctl.ClearCycleTime()
	if err != nil {
		return err
	}
	d.reply(slcan.RetOK)
	return nil
}

func (d *Dispatcher) bitrate(line []byte) error {
	var err error
	switch line[0] {
	case 'S', 'Y':
		if len(line) != 2 {
			return lengthErr(line[0], len(line), 2)
		}
		if line[0] == 'S' {
			err = d.ctl.SetNominalBitrate(canctl.NominalBitrate(line[1]))
		} else {
			err = d.ctl.SetDataBitrate(canctl.DataBitrate(line[1]))
		}
	default:
		if len(line) != 9 {
			return lengthErr(line[0], len(line), 9)
		}
		t := canctl.BitTiming{
			Prescaler: uint16(slcan.Nibbles(line, 1, 2)),
			Seg1:      uint16(slcan.Nibbles(line, 3, 2)),
			Seg2:      uint16(slcan.Nibbles(line, 5, 2)),
			SJW:       uint16(slcan.Nibbles(line, 7, 2)),
		}
		if line[0] == 's' {
			err = d.ctl.SetNominalTiming(t)
		} else {
			err = d.ctl.SetDataTiming(t)
		}
	}
	if err != nil {
		return err
	}
	d.reply(slcan.RetOK)
	return nil
}

func (d *Dispatcher) version(line []byte) error {
	if len(line) != 1 {
		return lengthErr(line[0], len(line), 1)
	}
	if line[0] == 'V' {
		d.replyf("V%s\r", d.info.VersionCode)
		return nil
	}
	d.replyf("v: hardware=%q, software=%q, url=%q\r", d.info.Hardware, d.info.Software, d.info.URL)
	return nil
}

func (d *Dispatcher) canInfo(line []byte) error {
	if len(line) != 1 {
		return lengthErr(line[0], len(line), 1)
	}
	if line[0] == 'I' {
		d.replyf("I%s\r", d.info.InfoCode)
		return nil
	}
	d.replyf("i: protocol=\"ISO-CANFD\", clock_mhz=%d, controller=%q\r", d.info.ClockMHz, d.info.Controller)
	return nil
}

func (d *Dispatcher) serialNumber(line []byte) error {
	switch len(line) {
	case 1:
		sn, err := d.store.SerialNumber()
		if err != nil {
			return err
		}
		d.replyf("N%04X\r", sn)
		return nil
	case 5:
		if err := d.store.SetSerialNumber(uint16(slcan.Nibbles(line, 1, 4))); err != nil {
			return err
		}
		d.reply(slcan.RetOK)
		return nil
	}
	return lengthErr(line[0], len(line), 1, 5)
}

func (d *Dispatcher) status(line []byte) error {
	if len(line) != 1 {
		return lengthErr(line[0], len(line), 1)
	}
	if d.ctl.State() != canctl.BusOpened {
		return canctl.ErrBusClosed
	}
	if line[0] == 'F' {
		// Reading the flags also ends the error indication.
		d.replyf("F%02X\r", uint8(d.session.TakeStatus()))
		return nil
	}
	es := d.ctl.ErrorState()
	d.replyf("f: node_sts=%s, last_err_code=%s, err_cnt_tx_rx=[0x%02X, 0x%02X], est_bus_load_percent=%02d\r",
		nodeStatus(es), errorCode(es.LastError), es.TxCount, es.RxCount, loadPercent(d.ctl.BusLoadPPM()))
	return nil
}

func nodeStatus(es canctl.ErrorState) string {
	switch {
	case es.BusOff:
		return "BUS_OFF"
	case es.ErrorPassive:
		return "ER_PSSV"
	}
	return "ER_ACTV"
}

func errorCode(e canctl.ProtocolError) string {
	switch e {
	case canctl.ProtoErrNone:
		return "NONE"
	case canctl.ProtoErrStuff:
		return "STUF"
	case canctl.ProtoErrForm:
		return "FORM"
	case canctl.ProtoErrAck:
		return "_ACK"
	case canctl.ProtoErrBit1:
		return "BIT1"
	case canctl.ProtoErrBit0:
		return "BIT0"
	case canctl.ProtoErrCRC:
		return "_CRC"
	}
	return "SAME"
}

// loadPercent rounds down to 5 % steps and saturates at 99.
func loadPercent(ppm uint32) uint32 {
	if ppm >= 990000 {
		return 99
	}
	return ppm / 50000 * 5
}

func (d *Dispatcher) reportMode(line []byte) error {
	if d.ctl.State() != canctl.BusClosed {
		return canctl.ErrBusOpen
	}
	want := 2
	if line[0] == 'z' {
		want = 5
	}
	if len(line) != want {
		return lengthErr(line[0], len(line), want)
	}
	ts := slcan.TimestampMode(line[1])
	if !ts.Valid() {
		return fmt.Errorf("%w: timestamp mode %d", ErrArgument, line[1])
	}
	d.session.SetTimestampMode(ts)
	if line[0] == 'Z' {
		d.session.SetReport(slcan.ReportRx)
	} else {
		d.session.SetReport(slcan.ReportFlags(line[3]<<4 | line[4]))
	}
	d.reply(slcan.RetOK)
	return nil
}

func (d *Dispatcher) filterMode(line []byte) error {
	if d.ctl.State() != canctl.BusClosed {
		return canctl.ErrBusOpen
	}
	if len(line) != 2 {
		return lengthErr(line[0], len(line), 2)
	}
	if line[1] != filterModeSimpleID {
		return fmt.Errorf("%w: filter mode %d", ErrUnsupported, line[1])
	}
	d.reply(slcan.RetOK)
	return nil
}

// filter handles M (acceptance code) and m (mask). SLCAN masks use 0 for
// "must match", the controller uses 1, so the mask is inverted. The enable
// state of each filter follows bit 31 of the current code and mask.
func (d *Dispatcher) filter(line []byte) error {
	if d.ctl.State() != canctl.BusClosed {
		return canctl.ErrBusOpen
	}
	if len(line) != 9 {
		return lengthErr(line[0], len(line), 9)
	}
	v := slcan.Nibbles(line, 1, 8)
	if line[0] == 'M' {
		d.filterCode = v
	} else {
		d.filterMask = v
	}
	code, mask := d.filterCode, d.filterMask
	stdOn, extOn := true, true
	if code&bit31 != 0 && mask&bit31 == 0 {
		extOn = false
	} else if code&bit31 == 0 && mask&bit31 == 0 {
		stdOn = false
	}
	if err := d.ctl.SetStdFilter(stdOn, code&can.MaxStdID, ^mask&can.MaxStdID); err != nil {
		return err
	}
	if err := d.ctl.SetExtFilter(extOn, code&can.MaxExtID, ^mask&can.MaxExtID); err != nil {
		return err
	}
	d.reply(slcan.RetOK)
	return nil
}

func (d *Dispatcher) autoStartup(line []byte) error {
	if d.ctl.State() != canctl.BusOpened {
		return canctl.ErrBusClosed
	}
	if len(line) != 2 {
		return lengthErr(line[0], len(line), 2)
	}
	m := slcan.StartupMode(line[1])
	if !m.Valid() {
		return fmt.Errorf("%w: startup mode %d", ErrArgument, line[1])
	}
	if err := d.store.SetStartupMode(m); err != nil {
		return err
	}
	d.reply(slcan.RetOK)
	return nil
}

// cycleTime replies "?AA-MM" with the average and maximum loop cycle in
// microseconds, saturated at 0xFF, and restarts the statistics.
func (d *Dispatcher) cycleTime() {
	d.replyf("?%02X-%02X\r", usSat(d.ctl.CycleAveNs()), usSat(d.ctl.CycleMaxNs()))
	d.ctl.ClearCycleTime()
}

func usSat(ns uint32) uint8 {
	if ns >= 255000 {
		return 255
	}
	return uint8(ns / 1000)
}

// transmit queues a frame command. The slot is reserved before the command
// letter is checked, so a full queue is reported even for unknown commands.
func (d *Dispatcher) transmit(line []byte) error {
	f, err := d.ctl.Reserve()
	if err != nil {
		return err
	}
	if !slcan.IsFrameCommand(line[0]) {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, line[0])
	}
	if err := slcan.ParseFrame(line, f); err != nil {
		return err
	}
	if err := d.ctl.Submit(); err != nil {
		return err
	}
	// Without tx event reporting the host gets no event, acknowledge now.
	if !d.session.Report().Has(slcan.ReportTx) {
		if f.Extended {
			d.reply(ackExt)
		} else {
			d.reply(ackStd)
		}
	}
	return nil
}
