// Package slcan implements the ASCII sentence format exchanged with the host:
// frame rendering with timestamps, hex decoding and frame command parsing.
package slcan

import (
	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/tick"
)

const (
	StdIDLen = 3
	ExtIDLen = 8

	// MTU is the longest line either direction: type, id+dlc+data,
	// timestamp, ESI, CR and some slack.
	MTU = 1 + 138 + 8 + 1 + 1 + 16
)

const (
	msWrap = 60000
	usWrap = 3600000000
	usSpan = 1 << 16 // range of the hardware sub-millisecond counter
)

var (
	RetOK  = []byte{'\r'}
	RetErr = []byte{'\a'}
)

const hexDigits = "0123456789ABCDEF"

// Encoder renders frames for the host. It owns the running timestamp state,
// so one Encoder must serve the whole session.
type Encoder struct {
	session *Session
	clock   tick.Source

	tsMs     uint16
	tsUs     uint32
	lastMs   uint32
	lastUs   uint16
	lastUsMs uint32
}

func NewEncoder(s *Session, clock tick.Source) *Encoder {
	return &Encoder{session: s, clock: clock}
}

// EncodeRx writes a received frame into dst and returns the sentence length.
// Zero means nothing to send: rx reporting is off or dst is unavailable.
func (e *Encoder) EncodeRx(dst []byte, f *can.Frame) int {
	if !e.session.Report().Has(ReportRx) || len(dst) < MTU {
		return 0
	}
	return e.encode(dst, f)
}

// EncodeTxEvent writes a transmit event (z/Z prefixed) into dst.
func (e *Encoder) EncodeTxEvent(dst []byte, f *can.Frame) int {
	if !e.session.Report().Has(ReportTx) || len(dst) < MTU+1 {
		return 0
	}
	if f.Extended {
		dst[0] = 'Z'
	} else {
		dst[0] = 'z'
	}
	return 1 + e.encode(dst[1:], f)
}

func (e *Encoder) encode(buf []byte, f *can.Frame) int {
	switch {
	case f.Remote:
		buf[0] = 'r'
	case !f.FD:
		buf[0] = 't'
	case f.BRS:
		buf[0] = 'b'
	default:
		buf[0] = 'd'
	}
	idLen := StdIDLen
	if f.Extended {
		buf[0] -= 'a' - 'A'
		idLen = ExtIDLen
	}
	id := f.ID
	for j := idLen; j >= 1; j-- {
		buf[j] = hexDigits[id&0xF]
		id >>= 4
	}
	i := idLen + 1
	buf[i] = hexDigits[f.DLC&0xF]
	i++
	for _, b := range f.Payload() {
		buf[i] = hexDigits[b>>4]
		buf[i+1] = hexDigits[b&0xF]
		i += 2
	}

	switch e.session.TimestampMode() {
	case TimestampMilli:
		ts := e.nextMillis()
		i = putHex(buf, i, uint32(ts), 4)
	case TimestampMicro:
		ts := e.nextMicros(f.Timestamp)
		i = putHex(buf, i, ts, 8)
	}

	if e.session.Report().Has(ReportESI) && f.FD {
		if f.ESI {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
		i++
	}
	buf[i] = '\r'
	return i + 1
}

func putHex(buf []byte, i int, v uint32, digits int) int {
	for d := digits - 1; d >= 0; d-- {
		buf[i] = hexDigits[(v>>(uint(d)*4))&0xF]
		i++
	}
	return i
}

// nextMillis advances the millisecond timestamp by the tick delta, wrapping
// at one minute.
func (e *Encoder) nextMillis() uint16 {
	now := e.clock.Millis()
	diff := now - e.lastMs
	e.tsMs = uint16((uint32(e.tsMs) + diff%msWrap) % msWrap)
	e.lastMs = now
	return e.tsMs
}

// nextMicros advances the microsecond timestamp using the 16-bit hardware
// counter for resolution and the millisecond tick to count how many times
// that counter wrapped since the previous event.
func (e *Encoder) nextMicros(hw uint16) uint32 {
	now := e.clock.Millis()
	diffMs := uint64(now - e.lastUsMs)
	diffUs := uint64(hw - e.lastUs)
	if span := diffMs*1000 + usSpan/2; span > diffUs {
		diffUs += (span - diffUs) / usSpan * usSpan
	}
	e.tsUs = uint32((uint64(e.tsUs) + diffUs) % usWrap)
	e.lastUsMs = now
	e.lastUs = hw
	return e.tsUs
}
