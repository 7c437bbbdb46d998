package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *appConfig {
	return &appConfig{
		link:           "tcp",
		serialDev:      "/dev/null",
		baud:           115200,
		serialReadTO:   10 * time.Millisecond,
		listenAddr:     ":20100",
		clientReadTO:   time.Second,
		backend:        "virtual",
		canIf:          "can0",
		busLoadWindow:  100 * time.Millisecond,
		busLoadBuildup: 1125000,
		loopInterval:   200 * time.Microsecond,
		frameSlots:     64,
		logFormat:      "text",
		logLevel:       "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badLink", func(c *appConfig) { c.link = "usb" }},
		{"serialNoDev", func(c *appConfig) { c.link = "serial"; c.serialDev = "" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"socketcanNoIf", func(c *appConfig) { c.backend = "socketcan"; c.canIf = "" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"shortWindow", func(c *appConfig) { c.busLoadWindow = time.Microsecond }},
		{"zeroBuildup", func(c *appConfig) { c.busLoadBuildup = 0 }},
		{"hugeBuildup", func(c *appConfig) { c.busLoadBuildup = 5000000 }},
		{"badInterval", func(c *appConfig) { c.loopInterval = 0 }},
		{"badFrameSlots", func(c *appConfig) { c.frameSlots = 0 }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseArgsDefaults(t *testing.T) {
	cfg, showVersion, err := parseArgs(nil, io.Discard)
	require.NoError(t, err)
	require.False(t, showVersion)
	require.Equal(t, "tcp", cfg.link)
	require.Equal(t, "socketcan", cfg.backend)
	require.Equal(t, 64, cfg.frameSlots)
	require.Equal(t, uint(1125000), cfg.busLoadBuildup)
}

func TestParseArgsRejectsInvalid(t *testing.T) {
	_, _, err := parseArgs([]string{"-link", "usb"}, io.Discard)
	require.Error(t, err)
	_, _, err = parseArgs([]string{"-no-such-flag"}, io.Discard)
	require.Error(t, err)
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "adapter.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestConfigFile(t *testing.T) {
	p := writeYAML(t, `
link: serial
serial: /dev/ttyACM0
baud: 921600
backend: virtual
bus_load_window: 250ms
frame_slots: 16
mdns_enable: true
`)
	cfg, _, err := parseArgs([]string{"-config", p, "-frame-slots", "32"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, "serial", cfg.link)
	require.Equal(t, "/dev/ttyACM0", cfg.serialDev)
	require.Equal(t, 921600, cfg.baud)
	require.Equal(t, "virtual", cfg.backend)
	require.Equal(t, 250*time.Millisecond, cfg.busLoadWindow)
	require.True(t, cfg.mdnsEnable)
	// Flag beats file.
	require.Equal(t, 32, cfg.frameSlots)
}

func TestConfigFileEnvBeatsFile(t *testing.T) {
	p := writeYAML(t, "baud: 921600\nbackend: virtual\n")
	t.Setenv("SLCAN_ADAPTER_BAUD", "57600")
	cfg, _, err := parseArgs([]string{"-config", p}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, 57600, cfg.baud)
}

func TestConfigFileErrors(t *testing.T) {
	_, _, err := parseArgs([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, io.Discard)
	require.Error(t, err)

	p := writeYAML(t, "unknown_key: 1\n")
	_, _, err = parseArgs([]string{"-config", p}, io.Discard)
	require.Error(t, err)

	p = writeYAML(t, "loop_interval: soon\n")
	_, _, err = parseArgs([]string{"-config", p}, io.Discard)
	require.Error(t, err)
}

func TestConfigFileFromEnv(t *testing.T) {
	p := writeYAML(t, "backend: virtual\nlink: serial\n")
	t.Setenv("SLCAN_ADAPTER_CONFIG", p)
	cfg, _, err := parseArgs(nil, io.Discard)
	require.NoError(t, err)
	require.Equal(t, "serial", cfg.link)
}

func TestPortOf(t *testing.T) {
	require.Equal(t, 20100, portOf("[::]:20100"))
	require.Equal(t, 8080, portOf("127.0.0.1:8080"))
	require.Equal(t, 0, portOf("nonsense"))
}
