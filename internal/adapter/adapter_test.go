package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/nvm"
	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
	"github.com/kstaniek/go-slcan-adapter/internal/tick"
	"github.com/kstaniek/go-slcan-adapter/internal/transport"
	"github.com/kstaniek/go-slcan-adapter/internal/vcan"
)

type fakeLink struct {
	mu       sync.Mutex
	sent     strings.Builder
	busy     bool
	rx       transport.ReceiveFunc
	ready    chan struct{}
	serveErr error
}

func newFakeLink() *fakeLink { return &fakeLink{ready: make(chan struct{})} }

func (l *fakeLink) Transmit(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return transport.ErrBusy
	}
	l.sent.Write(p)
	return nil
}

func (l *fakeLink) Serve(ctx context.Context, rx transport.ReceiveFunc) error {
	l.mu.Lock()
	l.rx = rx
	err := l.serveErr
	l.mu.Unlock()
	close(l.ready)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (l *fakeLink) Close() error { return nil }

func (l *fakeLink) take() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sent.String()
	l.sent.Reset()
	return s
}

func (l *fakeLink) deliver(p string) {
	l.mu.Lock()
	rx := l.rx
	l.mu.Unlock()
	rx([]byte(p))
}

func newTestAdapter(t *testing.T, opts ...Option) (*Adapter, *fakeLink, *vcan.Bus, *metrics.LEDDriver) {
	t.Helper()
	link := newFakeLink()
	bus := vcan.New()
	drv := metrics.NewLEDDriver(nil)
	base := []Option{WithClock(&tick.Manual{}), WithLEDDriver(drv), WithStore(nvm.NewMemory(0x42))}
	a := New(link, bus, append(base, opts...)...)
	return a, link, bus, drv
}

func TestStepLoopback(t *testing.T) {
	a, link, bus, _ := newTestAdapter(t)

	a.Receive([]byte("S4\r=\r"))
	a.Step()
	require.Equal(t, "\r\r", link.take())
	require.Equal(t, canctl.ModeInternalLoopback, bus.Config().Mode)

	a.Receive([]byte("t1230\r"))
	a.Step() // ack flushed, frame handed to the bus and looped back
	require.Equal(t, "z\r", link.take())
	a.Step()
	require.Equal(t, "t1230\r", link.take())
}

func TestStepRendersInjectedFrames(t *testing.T) {
	a, link, bus, _ := newTestAdapter(t)
	a.Receive([]byte("O\r"))
	a.Step()
	require.Equal(t, "\r", link.take())

	f := can.Frame{ID: 0x1ABCDEF0, Extended: true, DLC: 2}
	f.Data[0], f.Data[1] = 0xDE, 0xAD
	require.True(t, bus.Inject(f))
	a.Step()
	a.Step()
	require.Equal(t, "T1ABCDEF02DEAD\r", link.take())
}

func TestStepBusyLinkKeepsData(t *testing.T) {
	a, link, _, _ := newTestAdapter(t)
	link.busy = true
	a.Receive([]byte("V\r"))
	a.Step()
	require.Equal(t, "", link.take())

	link.mu.Lock()
	link.busy = false
	link.mu.Unlock()
	a.Step()
	require.Equal(t, "VG100\r", link.take())
}

func TestInboundOverflowRaisesOverrun(t *testing.T) {
	a, _, _, _ := newTestAdapter(t)
	for i := 0; i < inboundSlots+2; i++ {
		a.Receive([]byte("V\r"))
	}
	require.True(t, a.Session().Status().Has(slcan.StatusDataOverrun))
}

func TestStartAutoOpens(t *testing.T) {
	store := nvm.NewMemory(0)
	require.NoError(t, store.SetStartupMode(slcan.StartupListen))
	a, _, bus, _ := newTestAdapter(t, WithStore(store))
	require.NoError(t, a.Start())
	require.Equal(t, canctl.BusOpened, a.Controller().State())
	require.Equal(t, canctl.ModeSilent, bus.Config().Mode)

	off, _, _, _ := newTestAdapter(t)
	require.NoError(t, off.Start())
	require.Equal(t, canctl.BusClosed, off.Controller().State())

	store = nvm.NewMemory(0)
	store.Fail(true)
	failing, _, _, _ := newTestAdapter(t, WithStore(store))
	require.ErrorIs(t, failing.Start(), nvm.ErrStore)
}

func TestUpdateTrigger(t *testing.T) {
	fired := 0
	a, link, _, _ := newTestAdapter(t, WithUpdateTrigger(func() { fired++ }))
	a.Receive([]byte("X\r"))
	a.Step()
	require.Equal(t, 1, fired)
	require.Equal(t, "\r", link.take())
}

func TestLEDsFollowBus(t *testing.T) {
	a, _, _, drv := newTestAdapter(t)
	require.True(t, drv.State("tx"))
	a.Receive([]byte("O\r"))
	a.Step()
	require.False(t, drv.State("tx"))
	a.Receive([]byte("C\r"))
	a.Step()
	require.True(t, drv.State("tx"))
}

func TestRunServesLink(t *testing.T) {
	a, link, _, _ := newTestAdapter(t, WithInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	<-link.ready
	link.deliver("O\r")
	require.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.sent.String() == "\r"
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	require.Equal(t, canctl.BusClosed, a.Controller().State())
}

func TestRunReturnsLinkError(t *testing.T) {
	a, link, _, _ := newTestAdapter(t)
	boom := errors.New("boom")
	link.serveErr = boom
	err := a.Run(context.Background())
	require.ErrorIs(t, err, boom)
}
