package hostlink

import (
	"errors"

	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrBusy      = transport.ErrBusy
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrRejected  = errors.New("host already attached")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrPortOpen  = errors.New("port_open")
	ErrPortRead  = errors.New("port_read")
	ErrPortWrite = errors.New("port_write")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrPortRead), errors.Is(err, ErrPortOpen):
		return metrics.ErrHostRead
	case errors.Is(err, ErrConnWrite), errors.Is(err, ErrPortWrite):
		return metrics.ErrHostWrite
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrHostAccept
	case errors.Is(err, ErrRejected):
		return metrics.ErrHostRejected
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
