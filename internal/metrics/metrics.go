package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-slcan-adapter/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	HostRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_rx_bytes_total",
		Help: "Total bytes received from the host link.",
	})
	HostTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_tx_bytes_total",
		Help: "Total bytes handed to the host link.",
	})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slcan_commands_total",
		Help: "Executed SLCAN command lines by result.",
	}, []string{"result"})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total frames handed to the CAN hardware.",
	})
	CANTxEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_events_total",
		Help: "Total transmit completions reported by the CAN hardware.",
	})
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total frames accepted by the acceptance filters.",
	})
	CANRejectedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rejected_frames_total",
		Help: "Total frames seen on the bus but rejected by the acceptance filters.",
	})
	RingOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ring_overflows_total",
		Help: "Writes refused because a ring or queue was full.",
	}, []string{"ring"})
	BusOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_bus_open",
		Help: "1 while the CAN channel is open.",
	})
	BusLoadPPM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_bus_load_ppm",
		Help: "Estimated bus load in parts per million.",
	})
	CycleAvgNs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loop_cycle_avg_ns",
		Help: "Smoothed service loop period in nanoseconds.",
	})
	CycleMaxNs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loop_cycle_max_ns",
		Help: "Longest service loop period since the last reset, in nanoseconds.",
	})
	LEDState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "led_state",
		Help: "Indicator LED state (1 = lit).",
	}, []string{"led"})
	HostConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "host_connected",
		Help: "1 while a host is attached to the link.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrHardwareStart  = "can_start"
	ErrHardwareStop   = "can_stop"
	ErrHardwareAddTx  = "can_add_tx"
	ErrFrameLost      = "can_frame_lost"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrHostRead       = "host_read"
	ErrHostWrite      = "host_write"
	ErrHostAccept     = "host_accept"
	ErrHostRejected   = "host_rejected"
	ErrStore          = "nvm"
)

// Ring label values.
const (
	RingInbound  = "inbound"
	RingOutbound = "outbound"
	RingFrames   = "frames"
)

// Command result label values.
const (
	CommandOK    = "ok"
	CommandError = "error"
)

// StartHTTP serves /metrics and /ready on addr in the background.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrors so the periodic log does not have to gather Prometheus.
var (
	localHostRx     atomic.Uint64
	localHostTx     atomic.Uint64
	localCmdOK      atomic.Uint64
	localCmdErr     atomic.Uint64
	localCANTx      atomic.Uint64
	localTxEvents   atomic.Uint64
	localCANRx      atomic.Uint64
	localRejected   atomic.Uint64
	localOverflows  atomic.Uint64
	localErrors     atomic.Uint64
	localBusOpen    atomic.Bool
	localBusLoad    atomic.Uint32
	localCycleAvg   atomic.Uint32
	localCycleMax   atomic.Uint32
	localHostOnline atomic.Bool
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	HostRxBytes   uint64
	HostTxBytes   uint64
	CommandsOK    uint64
	CommandsError uint64
	CANTx         uint64
	TxEvents      uint64
	CANRx         uint64
	CANRejected   uint64
	RingOverflows uint64 // sum across rings
	Errors        uint64 // sum across error labels
	BusOpen       bool
	BusLoadPPM    uint32
	CycleAvgNs    uint32
	CycleMaxNs    uint32
	HostConnected bool
}

func Snap() Snapshot {
	return Snapshot{
		HostRxBytes:   localHostRx.Load(),
		HostTxBytes:   localHostTx.Load(),
		CommandsOK:    localCmdOK.Load(),
		CommandsError: localCmdErr.Load(),
		CANTx:         localCANTx.Load(),
		TxEvents:      localTxEvents.Load(),
		CANRx:         localCANRx.Load(),
		CANRejected:   localRejected.Load(),
		RingOverflows: localOverflows.Load(),
		Errors:        localErrors.Load(),
		BusOpen:       localBusOpen.Load(),
		BusLoadPPM:    localBusLoad.Load(),
		CycleAvgNs:    localCycleAvg.Load(),
		CycleMaxNs:    localCycleMax.Load(),
		HostConnected: localHostOnline.Load(),
	}
}

func AddHostRx(n int) {
	HostRxBytes.Add(float64(n))
	localHostRx.Add(uint64(n))
}

func AddHostTx(n int) {
	HostTxBytes.Add(float64(n))
	localHostTx.Add(uint64(n))
}

// IncCommand counts one executed command line.
func IncCommand(ok bool) {
	if ok {
		Commands.WithLabelValues(CommandOK).Inc()
		localCmdOK.Add(1)
		return
	}
	Commands.WithLabelValues(CommandError).Inc()
	localCmdErr.Add(1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	localCANTx.Add(1)
}

func IncTxEvent() {
	CANTxEvents.Inc()
	localTxEvents.Add(1)
}

func IncCANRx() {
	CANRxFrames.Inc()
	localCANRx.Add(1)
}

func IncCANRejected() {
	CANRejectedFrames.Inc()
	localRejected.Add(1)
}

func IncRingOverflow(ring string) {
	RingOverflows.WithLabelValues(ring).Inc()
	localOverflows.Add(1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func SetBusOpen(open bool) {
	if open {
		BusOpen.Set(1)
	} else {
		BusOpen.Set(0)
	}
	localBusOpen.Store(open)
}

func SetBusLoad(ppm uint32) {
	BusLoadPPM.Set(float64(ppm))
	localBusLoad.Store(ppm)
}

// SetCycle records the loop period statistics.
func SetCycle(aveNs, maxNs uint32) {
	CycleAvgNs.Set(float64(aveNs))
	CycleMaxNs.Set(float64(maxNs))
	localCycleAvg.Store(aveNs)
	localCycleMax.Store(maxNs)
}

func SetHostConnected(on bool) {
	if on {
		HostConnected.Set(1)
	} else {
		HostConnected.Set(0)
	}
	localHostOnline.Store(on)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrHardwareStart, ErrHardwareStop, ErrHardwareAddTx, ErrFrameLost,
		ErrSocketCANRead, ErrSocketCANWrite,
		ErrHostRead, ErrHostWrite, ErrHostAccept, ErrHostRejected, ErrStore,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{RingInbound, RingOutbound, RingFrames} {
		RingOverflows.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet: report ready so probes do not flap
		return true
	}
	return fn()
}
