package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"host_rx", snap.HostRxBytes,
					"host_tx", snap.HostTxBytes,
					"commands_ok", snap.CommandsOK,
					"commands_error", snap.CommandsError,
					"can_tx", snap.CANTx,
					"tx_events", snap.TxEvents,
					"can_rx", snap.CANRx,
					"can_rejected", snap.CANRejected,
					"ring_overflows", snap.RingOverflows,
					"bus_open", snap.BusOpen,
					"bus_load_ppm", snap.BusLoadPPM,
					"cycle_avg_ns", snap.CycleAvgNs,
					"cycle_max_ns", snap.CycleMaxNs,
					"host_connected", snap.HostConnected,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
