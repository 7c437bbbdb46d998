package metrics

import (
	"log/slog"
	"sync"

	"github.com/kstaniek/go-slcan-adapter/internal/logging"
)

// LEDDriver stands in for indicator pins: it exports each LED as a gauge and
// logs transitions at debug level.
type LEDDriver struct {
	mu     sync.Mutex
	state  map[string]bool
	logger *slog.Logger
}

func NewLEDDriver(l *slog.Logger) *LEDDriver {
	if l == nil {
		l = logging.L()
	}
	return &LEDDriver{state: make(map[string]bool), logger: l}
}

// Set drives one LED. Repeated writes of the same level are ignored.
func (d *LEDDriver) Set(name string, on bool) {
	d.mu.Lock()
	prev, seen := d.state[name]
	d.state[name] = on
	d.mu.Unlock()
	if seen && prev == on {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	LEDState.WithLabelValues(name).Set(v)
	d.logger.Debug("led_changed", "led", name, "on", on)
}

// State returns the last level written to name.
func (d *LEDDriver) State(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[name]
}
