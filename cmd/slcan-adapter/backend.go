package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
	"github.com/kstaniek/go-slcan-adapter/internal/socketcan"
	"github.com/kstaniek/go-slcan-adapter/internal/vcan"
)

// newSocketCAN is a hook for tests.
var newSocketCAN = func(iface string, l *slog.Logger) canctl.Hardware {
	return socketcan.New(iface, socketcan.WithLogger(l))
}

// initBackend selects the CAN peripheral behind the controller.
func initBackend(cfg *appConfig, l *slog.Logger) (canctl.Hardware, error) {
	switch cfg.backend {
	case "socketcan":
		l.Info("backend_selected", "backend", "socketcan", "if", cfg.canIf)
		return newSocketCAN(cfg.canIf, l), nil
	case "virtual":
		l.Info("backend_selected", "backend", "virtual")
		return vcan.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|virtual)", cfg.backend)
	}
}
