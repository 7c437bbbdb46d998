// Package led implements the RX/TX indicator logic: short activity blinks
// that cannot merge into a solid light on a busy bus, and both lights on
// while any status flag is pending.
package led

import (
	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
	"github.com/kstaniek/go-slcan-adapter/internal/tick"
)

// Names passed to the Driver.
const (
	RX = "rx"
	TX = "tx"
)

// BlinkMillis is both the on time of a blink and the minimum off time before
// the next one.
const BlinkMillis = 25

// Driver sets a physical (or exported) LED.
type Driver interface {
	Set(name string, on bool)
}

type light struct {
	name string
	on   bool
	last uint32
}

// Indicator drives the two activity LEDs.
type Indicator struct {
	drv      Driver
	session  *slcan.Session
	clock    tick.Source
	rx, tx   light
	errShown bool
}

var _ canctl.LEDs = (*Indicator)(nil)

// New returns an Indicator with both LEDs lit, the power-on pattern.
func New(drv Driver, session *slcan.Session, clock tick.Source) *Indicator {
	in := &Indicator{
		drv:     drv,
		session: session,
		clock:   clock,
		rx:      light{name: RX},
		tx:      light{name: TX},
	}
	drv.Set(RX, true)
	drv.Set(TX, true)
	return in
}

func (in *Indicator) BlinkRx() { in.blink(&in.rx) }
func (in *Indicator) BlinkTx() { in.blink(&in.tx) }

// SetTx drives the TX LED directly without touching the blink state.
func (in *Indicator) SetTx(on bool) { in.drv.Set(TX, on) }

func (in *Indicator) blink(l *light) {
	now := in.clock.Millis()
	if l.on || now-l.last <= BlinkMillis {
		return
	}
	in.drv.Set(l.name, true)
	l.on, l.last = true, now
}

// Process ends expired blinks and shows or clears the error indication.
func (in *Indicator) Process() {
	if in.session.Status() != 0 {
		in.drv.Set(RX, true)
		in.drv.Set(TX, true)
		in.errShown = true
		return
	}
	if in.errShown {
		in.drv.Set(RX, false)
		in.drv.Set(TX, false)
		in.errShown = false
	}
	now := in.clock.Millis()
	for _, l := range []*light{&in.rx, &in.tx} {
		if l.on && now-l.last > BlinkMillis {
			in.drv.Set(l.name, false)
			l.on, l.last = false, now
		}
	}
}
