package command

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
	"github.com/kstaniek/go-slcan-adapter/internal/nvm"
	"github.com/kstaniek/go-slcan-adapter/internal/ring"
	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
	"github.com/kstaniek/go-slcan-adapter/internal/tick"
	"github.com/kstaniek/go-slcan-adapter/internal/vcan"
)

type countLEDs struct{ rx int }

func (l *countLEDs) BlinkRx()   { l.rx++ }
func (l *countLEDs) BlinkTx()   {}
func (l *countLEDs) SetTx(bool) {}

type rig struct {
	d       *Dispatcher
	ctl     *canctl.Controller
	bus     *vcan.Bus
	session *slcan.Session
	queue   *ring.FrameQueue
	out     *ring.ChunkQueue
	store   *nvm.Memory
	leds    *countLEDs
	updates int
}

func newRig(t *testing.T, queueLen int) *rig {
	t.Helper()
	r := &rig{session: slcan.NewSession(), store: nvm.NewMemory(0), leds: &countLEDs{}}
	r.bus = vcan.New()
	r.queue = ring.NewFrameQueue(queueLen, ring.WithLocker(ring.NoLock{}),
		ring.WithFullHook(func() { r.session.Raise(slcan.StatusTxFifoFull) }))
	r.out = ring.NewOutbound(4, 4096, ring.WithLocker(ring.NoLock{}))
	enc := slcan.NewEncoder(r.session, &tick.Manual{})
	r.ctl = canctl.New(r.bus, r.session, enc, r.queue, r.out)
	r.d = New(r.ctl, r.session, r.out,
		WithStore(r.store),
		WithLEDs(r.leds),
		WithUpdateTrigger(func() { r.updates++ }),
	)
	return r
}

// send feeds one or more CR terminated lines and returns everything replied.
func (r *rig) send(t *testing.T, lines string) string {
	t.Helper()
	r.d.Feed([]byte(lines))
	var sb strings.Builder
	r.out.AdvanceWrite()
	for r.out.Flush(func(p []byte) error { sb.Write(p); return nil }) {
	}
	return sb.String()
}

func TestEmptyLine(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "\r"))
}

func TestBitrateThenOpen(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r\r", r.send(t, "S0\rO\r"))
	require.Equal(t, canctl.BusOpened, r.ctl.State())
	require.Equal(t, uint16(100), r.ctl.NominalTiming().Prescaler)
	require.Equal(t, uint16(100), r.bus.Config().Nominal.Prescaler)
	require.Equal(t, canctl.ModeNormal, r.bus.Config().Mode)

	// Configuration is rejected while open.
	require.Equal(t, "\a", r.send(t, "S4\r"))
	require.Equal(t, "\a", r.send(t, "O\r"))
	require.Equal(t, "\r", r.send(t, "C\r"))
	require.Equal(t, "\a", r.send(t, "C\r"))
}

func TestOpenModes(t *testing.T) {
	cases := map[string]canctl.Mode{
		"O": canctl.ModeNormal,
		"L": canctl.ModeSilent,
		"=": canctl.ModeInternalLoopback,
		"+": canctl.ModeExternalLoopback,
	}
	for cmd, mode := range cases {
		r := newRig(t, 4)
		require.Equal(t, "\r", r.send(t, cmd+"\r"), cmd)
		require.Equal(t, mode, r.bus.Config().Mode, cmd)
		require.Equal(t, "\a", r.send(t, "C1\r"), cmd)
	}
	r := newRig(t, 4)
	require.Equal(t, "\a", r.send(t, "O1\r"))
	require.Equal(t, canctl.BusClosed, r.ctl.State())
}

func TestBitrateCommands(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\a", r.send(t, "S9\r"))
	require.Equal(t, "\a", r.send(t, "S\r"))
	require.Equal(t, "\a", r.send(t, "Y3\r"))
	require.Equal(t, "\r", r.send(t, "Y5\r"))
	require.Equal(t, uint16(3), r.ctl.DataTiming().SJW)

	require.Equal(t, "\r", r.send(t, "s02450A0A\r"))
	require.Equal(t, canctl.BitTiming{Prescaler: 2, Seg1: 0x45, Seg2: 10, SJW: 10}, r.ctl.NominalTiming())
	require.Equal(t, "\a", r.send(t, "s00450A0A\r"))
	require.Equal(t, "\r", r.send(t, "y01201010\r"))
	require.Equal(t, "\a", r.send(t, "y01211010\r")) // seg1 above 32
	require.Equal(t, canctl.BitTiming{Prescaler: 2, Seg1: 0x45, Seg2: 10, SJW: 10}, r.ctl.NominalTiming())
	require.Equal(t, "\a", r.send(t, "y0245\r"))
}

func TestTransmitAck(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "O\r"))
	require.Equal(t, "z\r", r.send(t, "t1230\r"))
	require.Equal(t, 1, r.queue.Len())
	require.Equal(t, "Z\r", r.send(t, "T1234567821122\r"))
	require.Equal(t, 2, r.queue.Len())

	f, ok := r.queue.TakeForHardware()
	require.True(t, ok)
	require.Equal(t, uint32(0x123), f.ID)
	require.False(t, f.Extended)
	f, ok = r.queue.TakeForHardware()
	require.True(t, ok)
	require.Equal(t, uint32(0x12345678), f.ID)
	require.Equal(t, []byte{0x11, 0x22}, f.Payload())
}

func TestTransmitNoAckWithTxEvents(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "z0003\r"))
	require.Equal(t, slcan.ReportRx|slcan.ReportTx, r.session.Report())
	require.Equal(t, "\r", r.send(t, "O\r"))
	require.Equal(t, "", r.send(t, "t1230\r"))
	require.Equal(t, 1, r.queue.Len())
}

func TestTransmitMalformed(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "O\r"))
	for _, line := range []string{
		"tZZZ0",    // bad hex
		"t8000",    // id out of range
		"t1239",    // classic dlc > 8
		"t12311",   // short data
		"t1231000", // long data
		"K",        // unknown command
	} {
		require.Equal(t, "\a", r.send(t, line+"\r"), line)
	}
	require.Equal(t, 0, r.queue.Len())
}

func TestTransmitDisabled(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\a", r.send(t, "t1230\r"))
	require.Equal(t, "\r", r.send(t, "L\r"))
	require.Equal(t, "\a", r.send(t, "t1230\r"))
	require.Equal(t, 0, r.queue.Len())
}

func TestTransmitQueueFull(t *testing.T) {
	r := newRig(t, 2)
	require.Equal(t, "\r", r.send(t, "O\r"))
	require.Equal(t, "z\rz\r", r.send(t, "t1230\rt1240\r"))
	require.Equal(t, "\a", r.send(t, "t1250\r"))
	require.True(t, r.session.Status().Has(slcan.StatusTxFifoFull))
	// The reservation comes first, so unknown commands fail the same way.
	require.Equal(t, "\a", r.send(t, "K\r"))
}

func TestStatusFlags(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\a", r.send(t, "F\r"))
	require.Equal(t, "\r", r.send(t, "O\r"))
	require.Equal(t, "F00\rF00\r", r.send(t, "F\rF\r"))

	r.session.Raise(slcan.StatusDataOverrun)
	require.Equal(t, "F08\r", r.send(t, "F\r"))
	require.Equal(t, "F00\r", r.send(t, "F\r"))
	require.Equal(t, "\a", r.send(t, "F1\r"))

	require.Equal(t,
		"f: node_sts=ER_ACTV, last_err_code=NONE, err_cnt_tx_rx=[0x00, 0x00], est_bus_load_percent=00\r",
		r.send(t, "f\r"))
}

func TestStatusHelpers(t *testing.T) {
	require.Equal(t, uint32(99), loadPercent(990000))
	require.Equal(t, uint32(95), loadPercent(989999))
	require.Equal(t, uint32(10), loadPercent(123456))
	require.Equal(t, "BUS_OFF", nodeStatus(canctl.ErrorState{BusOff: true, ErrorPassive: true}))
	require.Equal(t, "ER_PSSV", nodeStatus(canctl.ErrorState{ErrorPassive: true}))
	require.Equal(t, "_ACK", errorCode(canctl.ProtoErrAck))
	require.Equal(t, "SAME", errorCode(canctl.ProtoErrNoChange))
}

func TestCloseClearsStatus(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "O\r"))
	r.session.Raise(slcan.StatusBusError)
	require.Equal(t, "\r", r.send(t, "C\r"))
	require.Equal(t, slcan.StatusFlags(0), r.session.Status())
}

func TestCloseWhenClosedStillClearsStatus(t *testing.T) {
	r := newRig(t, 4)
	r.session.Raise(slcan.StatusTxFifoFull)
	require.Equal(t, "\a", r.send(t, "C\r"))
	require.Equal(t, slcan.StatusFlags(0), r.session.Status())
	require.Equal(t, canctl.BusClosed, r.ctl.State())
}

func TestReportMode(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "Z1\r"))
	require.Equal(t, slcan.TimestampMilli, r.session.TimestampMode())
	require.Equal(t, slcan.ReportRx, r.session.Report())

	require.Equal(t, "\r", r.send(t, "z2013\r"))
	require.Equal(t, slcan.TimestampMicro, r.session.TimestampMode())
	require.Equal(t, slcan.ReportRx|slcan.ReportTx|slcan.ReportESI, r.session.Report())

	require.Equal(t, "\a", r.send(t, "Z3\r"))
	require.Equal(t, "\a", r.send(t, "Z01\r"))
	require.Equal(t, "\a", r.send(t, "z201\r"))

	require.Equal(t, "\r", r.send(t, "O\r"))
	require.Equal(t, "\a", r.send(t, "Z0\r"))
	require.Equal(t, slcan.TimestampMicro, r.session.TimestampMode())
}

func TestFilterMode(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "W2\r"))
	require.Equal(t, "\a", r.send(t, "W1\r"))
	require.Equal(t, "\a", r.send(t, "W\r"))
	require.Equal(t, "\r", r.send(t, "O\r"))
	require.Equal(t, "\a", r.send(t, "W2\r"))
}

func TestFilterCodeMask(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "M00000123\r"))
	std, ext := r.ctl.StdFilter(), r.ctl.ExtFilter()
	require.True(t, std.Enabled)
	require.True(t, ext.Enabled)
	require.Equal(t, uint32(0x123), std.Code)
	require.Equal(t, uint32(0), std.Mask)

	// Mask bit 31 clear with code bit 31 clear turns the standard filter off.
	require.Equal(t, "\r", r.send(t, "m000007FF\r"))
	std, ext = r.ctl.StdFilter(), r.ctl.ExtFilter()
	require.False(t, std.Enabled)
	require.True(t, ext.Enabled)
	require.Equal(t, uint32(0x1FFFF800), ext.Mask)

	// Code bit 31 set turns the extended filter off instead.
	require.Equal(t, "\r", r.send(t, "M80000123\r"))
	std, ext = r.ctl.StdFilter(), r.ctl.ExtFilter()
	require.True(t, std.Enabled)
	require.False(t, ext.Enabled)

	require.Equal(t, "\a", r.send(t, "M123\r"))
	require.Equal(t, "\r", r.send(t, "O\r"))
	require.Equal(t, "\a", r.send(t, "m00000000\r"))
}

func TestSerialNumber(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "N0000\r", r.send(t, "N\r"))
	require.Equal(t, "\r", r.send(t, "N1a2B\r"))
	require.Equal(t, "N1A2B\r", r.send(t, "N\r"))
	require.Equal(t, "\a", r.send(t, "N12\r"))

	r.store.Fail(true)
	require.Equal(t, "\a", r.send(t, "N\r"))
	require.Equal(t, "\a", r.send(t, "N0001\r"))
}

func TestAutoStartup(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\a", r.send(t, "Q1\r"))
	require.Equal(t, "\r", r.send(t, "O\r"))
	require.Equal(t, "\r", r.send(t, "Q2\r"))
	mode, err := r.store.StartupMode()
	require.NoError(t, err)
	require.Equal(t, slcan.StartupListen, mode)
	require.Equal(t, "\a", r.send(t, "Q3\r"))
	r.store.Fail(true)
	require.Equal(t, "\a", r.send(t, "Q1\r"))
}

func TestInfoQueries(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "VG100\r", r.send(t, "V\r"))
	require.Equal(t, "IG0FD\r", r.send(t, "I\r"))
	require.True(t, strings.HasPrefix(r.send(t, "v\r"), `v: hardware="slcan-adapter"`))
	require.Equal(t, `i: protocol="ISO-CANFD", clock_mhz=80, controller="socketcan"`+"\r", r.send(t, "i\r"))
	require.Equal(t, "\a", r.send(t, "V1\r"))
	require.Equal(t, "\a", r.send(t, "i0\r"))
}

func TestUpdateAndCycleTime(t *testing.T) {
	r := newRig(t, 4)
	require.Equal(t, "\r", r.send(t, "X\r"))
	require.Equal(t, 1, r.updates)
	require.Equal(t, "?00-00\r", r.send(t, "?\r"))
	require.Equal(t, uint8(255), usSat(300000))
	require.Equal(t, uint8(0x7B), usSat(123999))
}

func TestFeedAcrossChunks(t *testing.T) {
	r := newRig(t, 4)
	r.d.Feed([]byte("S"))
	r.d.Feed([]byte("4"))
	require.Equal(t, "\r", r.send(t, "\r"))
	require.Equal(t, uint16(8), r.ctl.NominalTiming().Prescaler)
	require.Equal(t, 1, r.leds.rx)

	// Overlong lines wrap; the remainder is still executed and rejected.
	require.Equal(t, "\a", r.send(t, strings.Repeat("K", slcan.MTU+3)+"\r"))

	require.Equal(t, "\r", r.send(t, "O\r"))
	before := r.leds.rx
	r.send(t, "V\r")
	require.Equal(t, before, r.leds.rx)
}
