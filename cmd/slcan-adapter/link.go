package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-slcan-adapter/internal/hostlink"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/transport"
)

// initLink opens the host side. ready is closed once the link can accept a
// host; addr reports the bound TCP address (empty for serial).
func initLink(ctx context.Context, cfg *appConfig, l *slog.Logger) (link transport.Link, ready <-chan struct{}, addr func() string, err error) {
	opts := []hostlink.Option{
		hostlink.WithLogger(l),
		hostlink.WithConnectHook(metrics.SetHostConnected),
	}
	switch cfg.link {
	case "serial":
		s, err := hostlink.OpenSerial(ctx, cfg.serialDev, cfg.baud, cfg.serialReadTO, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		ch := make(chan struct{})
		close(ch)
		return s, ch, func() string { return "" }, nil
	case "tcp":
		opts = append(opts, hostlink.WithReadDeadline(cfg.clientReadTO))
		t := hostlink.NewTCP(ctx, cfg.listenAddr, opts...)
		return t, t.Ready(), t.Addr, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown link %q (use serial|tcp)", cfg.link)
	}
}
