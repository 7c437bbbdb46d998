package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-slcan-adapter/internal/adapter"
	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
	"github.com/kstaniek/go-slcan-adapter/internal/command"
	"github.com/kstaniek/go-slcan-adapter/internal/logging"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/nvm"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("slcan-adapter %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := logging.Setup("slcan-adapter", cfg.logFormat, cfg.logLevel, os.Stderr, "version", version)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	if err := run(cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func openStore(path string, l *slog.Logger) (command.Store, func(), error) {
	if path == "" {
		l.Warn("store_in_memory", "hint", "settings are lost on restart")
		return nvm.NewMemory(nvm.DefaultSerial()), func() {}, nil
	}
	f, err := nvm.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func run(cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() { cancel(); wg.Wait() }()

	store, closeStore, err := openStore(cfg.storePath, l)
	if err != nil {
		return err
	}
	defer closeStore()

	hw, err := initBackend(cfg, l)
	if err != nil {
		return err
	}
	link, ready, addr, err := initLink(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() { _ = link.Close() }()

	info := command.DefaultInfo
	info.Software = version
	info.Controller = cfg.backend
	a := adapter.New(link, hw,
		adapter.WithLogger(l),
		adapter.WithStore(store),
		adapter.WithInfo(info),
		adapter.WithInterval(cfg.loopInterval),
		adapter.WithFrameSlots(cfg.frameSlots),
		adapter.WithUpdateTrigger(func() {
			// No bootloader to hand over to; a supervisor restarts us.
			l.Warn("firmware_update_requested", "action", "shutdown")
			cancel()
		}),
		adapter.WithControllerOptions(
			canctl.WithBusLoadWindow(cfg.busLoadWindow),
			canctl.WithBusLoadBuildup(uint32(cfg.busLoadBuildup)),
		),
	)
	if err := a.Start(); err != nil {
		l.Warn("auto_startup_failed", "error", err)
	}

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.link == "tcp" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ready:
			case <-ctx.Done():
				return
			}
			port := portOf(addr())
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			if cfg.mdnsEnable {
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
			}
			<-ctx.Done()
			cleanupMDNS()
		}()
	}

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-ready:
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		return <-errc
	case err := <-errc:
		cancel()
		return err
	}
}
