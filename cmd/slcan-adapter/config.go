package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const envPrefix = "SLCAN_ADAPTER_"

type appConfig struct {
	configFile      string
	link            string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	listenAddr      string
	clientReadTO    time.Duration
	backend         string
	canIf           string
	storePath       string
	busLoadWindow   time.Duration
	busLoadBuildup  uint
	loopInterval    time.Duration
	frameSlots      int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// fileConfig is the optional YAML file. Absent keys leave the flag default.
type fileConfig struct {
	Link               *string `yaml:"link"`
	Serial             *string `yaml:"serial"`
	Baud               *int    `yaml:"baud"`
	SerialReadTimeout  *string `yaml:"serial_read_timeout"`
	Listen             *string `yaml:"listen"`
	ClientReadTimeout  *string `yaml:"client_read_timeout"`
	Backend            *string `yaml:"backend"`
	CANInterface       *string `yaml:"can_if"`
	Store              *string `yaml:"store"`
	BusLoadWindow      *string `yaml:"bus_load_window"`
	BusLoadBuildupPPM  *uint   `yaml:"bus_load_buildup_ppm"`
	LoopInterval       *string `yaml:"loop_interval"`
	FrameSlots         *int    `yaml:"frame_slots"`
	LogFormat          *string `yaml:"log_format"`
	LogLevel           *string `yaml:"log_level"`
	MetricsAddr        *string `yaml:"metrics_addr"`
	LogMetricsInterval *string `yaml:"log_metrics_interval"`
	MDNSEnable         *bool   `yaml:"mdns_enable"`
	MDNSName           *string `yaml:"mdns_name"`
}

func parseFlags() (*appConfig, bool) {
	cfg, showVersion, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, showVersion
	}
	return cfg, showVersion
}

// parseArgs resolves the configuration. Precedence, lowest first: flag
// defaults, the YAML file, SLCAN_ADAPTER_* variables, explicit flags.
func parseArgs(args []string, out io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("slcan-adapter", flag.ContinueOnError)
	fs.SetOutput(out)
	cfg := &appConfig{}
	fs.StringVar(&cfg.configFile, "config", "", "Optional YAML configuration file")
	fs.StringVar(&cfg.link, "link", "tcp", "Host link: serial|tcp")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyGS0", "Serial device carrying SLCAN (when --link=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.listenAddr, "listen", ":20100", "TCP listen address (when --link=tcp)")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-read deadline of the TCP host")
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|virtual")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&cfg.storePath, "store", "slcan-adapter.db", "Settings database path; empty keeps settings in memory")
	fs.DurationVar(&cfg.busLoadWindow, "bus-load-window", 100*time.Millisecond, "Bus load sampling window")
	fs.UintVar(&cfg.busLoadBuildup, "bus-load-buildup", 1125000, "Bus load stuffing compensation (ppm)")
	fs.DurationVar(&cfg.loopInterval, "loop-interval", 200*time.Microsecond, "Idle service loop period")
	fs.IntVar(&cfg.frameSlots, "frame-slots", 64, "Transmit frame queue length")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the TCP link via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default slcan-adapter-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	// Explicit flags win over env and file.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if cfg.configFile == "" {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
			cfg.configFile = strings.TrimSpace(v)
		}
	}
	if cfg.configFile != "" {
		if err := applyFile(cfg, cfg.configFile, setFlags); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

// validate checks values and ranges only; devices and listeners are opened
// later.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.link {
	case "serial":
		if c.serialDev == "" {
			return errors.New("serial device required for serial link")
		}
	case "tcp":
	default:
		return fmt.Errorf("invalid link: %s", c.link)
	}
	switch c.backend {
	case "socketcan":
		if c.canIf == "" {
			return errors.New("can-if required for socketcan backend")
		}
	case "virtual":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.busLoadWindow < time.Millisecond {
		return fmt.Errorf("bus-load-window must be >= 1ms (got %v)", c.busLoadWindow)
	}
	if c.busLoadBuildup == 0 || c.busLoadBuildup > 4000000 {
		return fmt.Errorf("bus-load-buildup out of range: %d", c.busLoadBuildup)
	}
	if c.loopInterval <= 0 {
		return fmt.Errorf("loop-interval must be > 0")
	}
	if c.frameSlots <= 0 {
		return fmt.Errorf("frame-slots must be > 0 (got %d)", c.frameSlots)
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

func applyFile(c *appConfig, path string, set map[string]struct{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.UnmarshalStrict(b, &fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	var firstErr error
	str := func(name string, v *string, dst *string) {
		if _, ok := set[name]; !ok && v != nil {
			*dst = *v
		}
	}
	dur := func(name string, v *string, dst *time.Duration) {
		if _, ok := set[name]; ok || v == nil {
			return
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("config file %s: %s: %w", path, name, err)
			}
			return
		}
		*dst = d
	}
	str("link", fc.Link, &c.link)
	str("serial", fc.Serial, &c.serialDev)
	if _, ok := set["baud"]; !ok && fc.Baud != nil {
		c.baud = *fc.Baud
	}
	dur("serial-read-timeout", fc.SerialReadTimeout, &c.serialReadTO)
	str("listen", fc.Listen, &c.listenAddr)
	dur("client-read-timeout", fc.ClientReadTimeout, &c.clientReadTO)
	str("backend", fc.Backend, &c.backend)
	str("can-if", fc.CANInterface, &c.canIf)
	str("store", fc.Store, &c.storePath)
	dur("bus-load-window", fc.BusLoadWindow, &c.busLoadWindow)
	if _, ok := set["bus-load-buildup"]; !ok && fc.BusLoadBuildupPPM != nil {
		c.busLoadBuildup = *fc.BusLoadBuildupPPM
	}
	dur("loop-interval", fc.LoopInterval, &c.loopInterval)
	if _, ok := set["frame-slots"]; !ok && fc.FrameSlots != nil {
		c.frameSlots = *fc.FrameSlots
	}
	str("log-format", fc.LogFormat, &c.logFormat)
	str("log-level", fc.LogLevel, &c.logLevel)
	str("metrics-addr", fc.MetricsAddr, &c.metricsAddr)
	dur("log-metrics-interval", fc.LogMetricsInterval, &c.logMetricsEvery)
	if _, ok := set["mdns-enable"]; !ok && fc.MDNSEnable != nil {
		c.mdnsEnable = *fc.MDNSEnable
	}
	str("mdns-name", fc.MDNSName, &c.mdnsName)
	return firstErr
}

// applyEnvOverrides maps SLCAN_ADAPTER_* variables onto fields whose flag was
// not given explicitly. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	integer := func(flagName, key string, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}

	str("link", "LINK", &c.link)
	str("serial", "SERIAL", &c.serialDev)
	integer("baud", "BAUD", &c.baud)
	dur("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("listen", "LISTEN", &c.listenAddr)
	dur("client-read-timeout", "CLIENT_READ_TIMEOUT", &c.clientReadTO)
	str("backend", "BACKEND", &c.backend)
	str("can-if", "IF", &c.canIf)
	str("store", "STORE", &c.storePath)
	dur("bus-load-window", "BUS_LOAD_WINDOW", &c.busLoadWindow)
	if v, ok := get("bus-load-buildup", "BUS_LOAD_BUILDUP"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			fail("BUS_LOAD_BUILDUP", err)
		} else {
			c.busLoadBuildup = uint(n)
		}
	}
	dur("loop-interval", "LOOP_INTERVAL", &c.loopInterval)
	integer("frame-slots", "FRAME_SLOTS", &c.frameSlots)
	str("log-format", "LOG_FORMAT", &c.logFormat)
	str("log-level", "LOG_LEVEL", &c.logLevel)
	// An empty metrics address is meaningful (disable), so it is read raw.
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	dur("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	if v, ok := get("mdns-enable", "MDNS_ENABLE"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		default:
			fail("MDNS_ENABLE", fmt.Errorf("not a boolean: %q", v))
		}
	}
	str("mdns-name", "MDNS_NAME", &c.mdnsName)
	return firstErr
}
