package hostlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/transport"
)

// TCP is a host link served on a TCP socket. Only one host is attached at a
// time; later connections are refused until it leaves. With no host attached
// transmitted bytes are discarded, like a USB port nobody has opened.
type TCP struct {
	mu        sync.RWMutex
	addr      string
	listener  net.Listener
	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	connMu sync.Mutex
	conn   net.Conn

	tx     *transport.AsyncTx[[]byte]
	wg     sync.WaitGroup
	logger *slog.Logger
	opts   options

	nextConnID        atomic.Uint64
	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalDisconnected atomic.Uint64
}

var _ transport.Link = (*TCP)(nil)

// NewTCP prepares a link listening on addr (":0" when empty). The writer
// goroutine lives until ctx is done or Close is called.
func NewTCP(ctx context.Context, addr string, opts ...Option) *TCP {
	o := buildOptions(opts)
	if addr == "" {
		addr = ":0"
	}
	t := &TCP{
		addr:    addr,
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		logger:  o.logger,
		opts:    o,
	}
	t.tx = transport.NewAsyncTx(ctx, 1, t.write, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(mapErrToMetric(err))
			t.setError(err)
			t.logger.Warn("host_write_error", "error", err)
		},
		OnDrop: func() error { return ErrBusy },
	})
	return t
}

func (t *TCP) Addr() string           { t.mu.RLock(); defer t.mu.RUnlock(); return t.addr }
func (t *TCP) setAddr(a string)       { t.mu.Lock(); t.addr = a; t.mu.Unlock() }
func (t *TCP) Ready() <-chan struct{} { return t.readyCh }
func (t *TCP) Errors() <-chan error   { return t.errCh }

func (t *TCP) setError(err error) {
	if err == nil {
		return
	}
	t.lastErrMu.Lock()
	t.lastErr = err
	t.lastErrMu.Unlock()
	select {
	case t.errCh <- err:
	default:
	}
}

func (t *TCP) LastError() error { t.lastErrMu.Lock(); defer t.lastErrMu.Unlock(); return t.lastErr }

// Connected reports whether a host is attached.
func (t *TCP) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

func (t *TCP) current() net.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

func (t *TCP) write(p []byte) error {
	conn := t.current()
	if conn == nil {
		return nil
	}
	n, err := conn.Write(p)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	metrics.AddHostTx(n)
	return nil
}

// Transmit queues p for the attached host. It returns ErrBusy while the
// previous buffer is being written.
func (t *TCP) Transmit(p []byte) error {
	if len(p) == 0 || !t.Connected() {
		return nil
	}
	return t.tx.Send(p)
}

// Serve listens and accepts hosts until ctx is done.
func (t *TCP) Serve(ctx context.Context, rx transport.ReceiveFunc) error {
	ln, err := net.Listen("tcp", t.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		t.setError(wrap)
		return wrap
	}
	t.setAddr(ln.Addr().String())
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.readyCh) })
	t.logger.Info("host_link_open", "kind", "tcp", "addr", t.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := t.acceptOnce(ctx, ln, rx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts one connection and either attaches it or turns it away.
// It returns a wrapped error only on fatal listener errors.
func (t *TCP) acceptOnce(ctx context.Context, ln net.Listener, rx transport.ReceiveFunc) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			sleepFn(rxBackoffMin)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		t.setError(wrap)
		return wrap
	}
	t.totalAccepted.Add(1)
	id := t.nextConnID.Add(1)
	connLogger := t.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())

	t.connMu.Lock()
	busy := t.conn != nil
	if !busy {
		t.conn = conn
	}
	t.connMu.Unlock()
	if busy {
		t.totalRejected.Add(1)
		metrics.IncError(mapErrToMetric(ErrRejected))
		connLogger.Warn("host_reject_busy")
		_ = conn.Close()
		return nil
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	connLogger.Info("host_link_connected")
	t.opts.onConnect(true)
	t.startReader(ctx.Done(), conn, rx, connLogger)
	return nil
}

func (t *TCP) startReader(ctxDone <-chan struct{}, conn net.Conn, rx transport.ReceiveFunc, logger *slog.Logger) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.detach(conn, logger)
		buf := make([]byte, transport.MaxChunk)
		for {
			select {
			case <-ctxDone:
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(t.opts.readDeadline))
			n, err := conn.Read(buf)
			if n > 0 {
				metrics.AddHostRx(n)
				rx(buf[:n])
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			t.setError(wrap)
			return
		}
	}()
}

func (t *TCP) detach(conn net.Conn, logger *slog.Logger) {
	_ = conn.Close()
	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()
	t.totalDisconnected.Add(1)
	t.opts.onConnect(false)
	logger.Info("host_link_disconnected")
}

// Shutdown closes the listener and the attached host and waits for the
// reader to exit.
func (t *TCP) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	ln := t.listener
	t.listener = nil
	t.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if c := t.current(); c != nil {
		_ = c.Close()
	}
	done := make(chan struct{})
	go func() { t.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		t.tx.Close()
		t.logger.Info("shutdown_summary",
			"accepted", t.totalAccepted.Load(),
			"rejected", t.totalRejected.Load(),
			"disconnected", t.totalDisconnected.Load())
		return nil
	}
}

// Close shuts down with a short grace period.
func (t *TCP) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return t.Shutdown(ctx)
}
