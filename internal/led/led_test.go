package led

import (
	"testing"

	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
	"github.com/kstaniek/go-slcan-adapter/internal/tick"
)

type pins map[string]bool

func (p pins) Set(name string, on bool) { p[name] = on }

func TestBlinkTiming(t *testing.T) {
	p := pins{}
	clk := &tick.Manual{}
	s := slcan.NewSession()
	in := New(p, s, clk)
	if !p[RX] || !p[TX] {
		t.Fatalf("power-on pattern lights both")
	}
	in.SetTx(false)
	p[RX] = false

	// Too early after boot: the off period has not elapsed.
	clk.Set(10)
	in.BlinkRx()
	if p[RX] {
		t.Fatalf("blink within the first off period")
	}
	clk.Set(30)
	in.BlinkRx()
	if !p[RX] {
		t.Fatalf("rx should blink")
	}
	clk.Set(55)
	in.Process()
	if !p[RX] {
		t.Fatalf("blink ended early")
	}
	clk.Set(56)
	in.Process()
	if p[RX] {
		t.Fatalf("blink should have ended")
	}
	// Re-arm needs another full off period.
	clk.Set(70)
	in.BlinkRx()
	if p[RX] {
		t.Fatalf("re-armed too soon")
	}
	clk.Set(82)
	in.BlinkRx()
	if !p[RX] {
		t.Fatalf("rx should blink again")
	}
	if p[TX] {
		t.Fatalf("tx untouched")
	}
}

func TestErrorIndication(t *testing.T) {
	p := pins{}
	clk := &tick.Manual{}
	s := slcan.NewSession()
	in := New(p, s, clk)
	p[RX], p[TX] = false, false

	s.Raise(slcan.StatusBusError)
	in.Process()
	if !p[RX] || !p[TX] {
		t.Fatalf("error must light both")
	}
	s.ClearStatus()
	in.Process()
	if p[RX] || p[TX] {
		t.Fatalf("clearing the error must turn both off")
	}
}
