// Package hostlink carries SLCAN bytes between the adapter and the host
// computer, over a serial line or a single-client TCP socket.
package hostlink

import (
	"log/slog"
	"time"

	"github.com/kstaniek/go-slcan-adapter/internal/logging"
)

const (
	defaultReadDeadline = 60 * time.Second
	rxBackoffMin        = 20 * time.Millisecond
	rxBackoffMax        = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

type options struct {
	logger       *slog.Logger
	readDeadline time.Duration
	onConnect    func(bool)
}

// Option configures a link.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReadDeadline bounds each TCP client read; an idle client is not
// dropped, the deadline only paces shutdown checks.
func WithReadDeadline(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readDeadline = d
		}
	}
}

// WithConnectHook is called with true when a host attaches and false when it
// goes away.
func WithConnectHook(fn func(connected bool)) Option {
	return func(o *options) { o.onConnect = fn }
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.L(), readDeadline: defaultReadDeadline, onConnect: func(bool) {}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.onConnect == nil {
		o.onConnect = func(bool) {}
	}
	return o
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}
