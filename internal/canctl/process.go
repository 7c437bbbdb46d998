package canctl

import (
	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
)

// Nominal bit counts without data or stuff bits.
const (
	bitsClassicStd  = 47
	bitsClassicExt  = 67
	bitsFDStdArbit  = 30
	bitsFDExtArbit  = 49
	bitsFDDataShort = 26 // up to 16 data bytes (17-bit CRC)
	bitsFDDataLong  = 30
)

func (c *Controller) txEvent(ev, sent can.Frame, reclaimed bool) {
	if reclaimed {
		ev.Data = sent.Data
	}
	c.render(&ev, true)
	c.countBits(&ev)
	c.leds.BlinkTx()
	metrics.IncTxEvent()
}

// Process runs one service cycle. It never blocks.
func (c *Controller) Process() {
	c.pushTx()

	if res, ok := c.hw.TxEvent(); ok {
		// The event FIFO keeps only the header; the payload is still in the
		// queue slot being released.
		sent, reclaimed := c.queue.Reclaim()
		if res.Dropped {
			c.logger.Debug("tx_dropped", "id", res.Frame.ID)
		} else {
			c.txEvent(res.Frame, sent, reclaimed)
		}
	}
	if f, ok := c.hw.Receive(FIFOAccepted); ok {
		c.render(&f, false)
		c.countBits(&f)
		c.leds.BlinkRx()
		metrics.IncCANRx()
	}
	if f, ok := c.hw.Receive(FIFORejected); ok {
		c.countBits(&f)
		c.leds.BlinkRx()
		metrics.IncCANRejected()
	}

	c.updateBusLoad()
	c.checkLoss()
	c.sampleErrors()
	c.checkErrorFlags()
	c.updateCycleTime()

	if c.state == BusClosed {
		c.leds.SetTx(true)
	}
}

func (c *Controller) pushTx() {
	for c.queue.Pending() && c.hw.TxFreeLevel() > 0 {
		f, ok := c.queue.TakeForHardware()
		if !ok {
			return
		}
		if err := c.hw.AddTx(f); err != nil {
			c.session.Raise(slcan.StatusDataOverrun)
			metrics.IncError(metrics.ErrHardwareAddTx)
			c.logger.Debug("can_add_tx_error", "error", err, "id", f.ID)
			continue
		}
		metrics.IncCANTx()
	}
}

func (c *Controller) render(f *can.Frame, txEvent bool) {
	dst, _ := c.out.Reserve(slcan.MTU + 1)
	var n int
	if txEvent {
		n = c.enc.EncodeTxEvent(dst, f)
	} else {
		n = c.enc.EncodeRx(dst, f)
	}
	_ = c.out.Commit(n)
}

func (c *Controller) countBits(f *can.Frame) {
	if f.Timestamp == c.lastBitTs {
		return
	}
	c.bitCount += uint32(c.frameBits(f))
	c.lastBitTs = f.Timestamp
}

// frameBits estimates the frame duration in nominal bit times.
func (c *Controller) frameBits(f *can.Frame) uint32 {
	n := uint32(can.DLCToLen(f.DLC))
	switch {
	case f.Remote && !f.Extended:
		return bitsClassicStd
	case f.Remote:
		return bitsClassicExt
	case !f.FD && !f.Extended:
		return bitsClassicStd + n*8
	case !f.FD:
		return bitsClassicExt + n*8
	}
	arb := uint32(bitsFDStdArbit)
	if f.Extended {
		arb = bitsFDExtArbit
	}
	data := uint32(bitsFDDataShort)
	if n > 16 {
		data = bitsFDDataLong
	}
	data += n * 8
	if !f.BRS {
		return arb + data
	}
	if c.nominal.Prescaler == 0 {
		return 0
	}
	ratePPM := uint64(c.data.Quanta()) * uint64(c.data.Prescaler) * 1000000 /
		uint64(c.nominal.Quanta()) / uint64(c.nominal.Prescaler)
	return arb + uint32(uint64(data)*ratePPM/1000000)
}

func (c *Controller) updateBusLoad() {
	now := c.clock.Millis()
	if now-c.tickLast < c.windowMs {
		return
	}
	// Occupied microseconds per elapsed millisecond.
	rate := uint64(c.bitCount) * uint64(c.bitTimeNs) / 1000 / uint64(c.windowMs)
	c.busLoadPPM = uint32((uint64(c.busLoadPPM)*7 + uint64(c.buildupPPM)*rate/1000) >> 3)
	c.bitCount = 0
	c.tickLast = now
	metrics.SetBusLoad(c.busLoadPPM)
}

func (c *Controller) checkLoss() {
	lost := c.hw.TakeFlags(FlagTxEventLost | FlagRx0Lost | FlagRx1Lost)
	for _, f := range []Flags{FlagTxEventLost, FlagRx0Lost, FlagRx1Lost} {
		if lost&f != 0 {
			c.session.Raise(slcan.StatusDataOverrun)
			metrics.IncError(metrics.ErrFrameLost)
		}
	}
}

func (c *Controller) sampleErrors() {
	sts := c.hw.ProtocolStatus()
	cnt := c.hw.ErrorCounters()

	rec := cnt.Rx
	if cnt.RxPassive {
		rec = 128
	}
	if rec > c.errState.RxCount || cnt.Tx > c.errState.TxCount {
		c.session.Raise(slcan.StatusBusError)
	}
	// Entering bus-off does not always bump the transmit counter.
	if sts.BusOff && !c.errState.BusOff {
		c.session.Raise(slcan.StatusBusError)
		c.logger.Warn("bus_off", "tec", cnt.Tx, "rec", rec)
	}
	c.errState.BusOff = sts.BusOff
	c.errState.ErrorPassive = sts.ErrorPassive
	c.errState.TxCount = cnt.Tx
	c.errState.RxCount = rec

	if sts.DataLastError != ProtoErrNone && sts.DataLastError != ProtoErrNoChange {
		c.errState.LastError = sts.DataLastError
	}
	if sts.LastError != ProtoErrNone && sts.LastError != ProtoErrNoChange {
		c.errState.LastError = sts.LastError
	}
}

func (c *Controller) checkErrorFlags() {
	fl := c.hw.TakeFlags(FlagErrorWarning | FlagErrorPassive | FlagBusOff)
	if fl&FlagErrorWarning != 0 {
		c.session.Raise(slcan.StatusErrorWarning)
	}
	if fl&FlagErrorPassive != 0 {
		c.session.Raise(slcan.StatusErrorPassive)
	}
	// Bus-off has no status bit; it only shows in ErrorState.
}

func (c *Controller) updateCycleTime() {
	cur := c.hw.TimestampCounter()
	ns := uint32(cur-c.lastTsCnt) * 1000
	if ns > c.cycleMaxNs {
		c.cycleMaxNs = ns
	}
	c.cycleAveNs = (c.cycleAveNs*15 + ns) >> 4
	c.lastTsCnt = cur
}
