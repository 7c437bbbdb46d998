package hostlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/transport"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openSerialPort is a hook for tests.
var openSerialPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

// Serial is a host link over a tty, typically the gadget side of a USB CDC
// ACM port or one end of a pty pair.
type Serial struct {
	name   string
	port   Port
	tx     *transport.AsyncTx[[]byte]
	logger *slog.Logger
	opts   options
}

var _ transport.Link = (*Serial)(nil)

// OpenSerial opens the device. Writes run on a background goroutine that lives
// until ctx is done or Close is called.
func OpenSerial(ctx context.Context, name string, baud int, readTimeout time.Duration, opts ...Option) (*Serial, error) {
	o := buildOptions(opts)
	p, err := openSerialPort(name, baud, readTimeout)
	if err != nil {
		wrap := fmt.Errorf("%w: %s: %v", ErrPortOpen, name, err)
		metrics.IncError(mapErrToMetric(wrap))
		return nil, wrap
	}
	s := &Serial{name: name, port: p, logger: o.logger.With("device", name), opts: o}
	s.tx = transport.NewAsyncTx(ctx, 1, s.write, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(mapErrToMetric(err))
			s.logger.Error("host_write_error", "error", err)
		},
		OnDrop: func() error { return ErrBusy },
	})
	s.logger.Info("host_link_open", "kind", "serial", "baud", baud)
	o.onConnect(true)
	return s, nil
}

func (s *Serial) write(p []byte) error {
	n, err := s.port.Write(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortWrite, err)
	}
	metrics.AddHostTx(n)
	return nil
}

// Transmit hands p to the writer. It returns ErrBusy until the previous
// buffer has been written out.
func (s *Serial) Transmit(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return s.tx.Send(p)
}

// Serve reads the port until ctx is done or the device goes away. Transient
// read errors back off exponentially.
func (s *Serial) Serve(ctx context.Context, rx transport.ReceiveFunc) error {
	defer s.logger.Info("host_rx_end")
	buf := make([]byte, transport.MaxChunk)
	backoff := rxBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.port.Read(buf)
		if n > 0 {
			metrics.AddHostRx(n)
			rx(buf[:n])
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			wrap := fmt.Errorf("%w: %v", ErrPortRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.opts.onConnect(false)
			return wrap
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // read timeout on tarm
		}
		metrics.IncError(metrics.ErrHostRead)
		s.logger.Warn("host_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff = nextBackoff(backoff)
	}
}

// Close stops the writer and closes the port.
func (s *Serial) Close() error {
	s.tx.Close()
	return s.port.Close()
}
