// Package nvm keeps the adapter settings that survive a restart: the serial
// number reported by N and the auto-startup mode written by Q.
package nvm

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/asdine/storm/v3"
	"github.com/denisbrodbeck/machineid"

	"github.com/kstaniek/go-slcan-adapter/internal/logging"
	"github.com/kstaniek/go-slcan-adapter/internal/metrics"
	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
)

const (
	bucket       = "nvm"
	keySerial    = "serial_number"
	keyStartup   = "startup_mode"
	machineAppID = "slcan-adapter"
)

var ErrStore = errors.New("store")

// DefaultSerial derives a stable serial number from the host machine id. It
// falls back to 0 when the id is unavailable.
func DefaultSerial() uint16 {
	id, err := machineid.ProtectedID(machineAppID)
	if err != nil || len(id) < 4 {
		return 0
	}
	v, err := strconv.ParseUint(id[:4], 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// File is a Store backed by a storm (bbolt) database file.
type File struct {
	db         *storm.DB
	logger     *slog.Logger
	serialOnce sync.Once
	defSerial  uint16
}

// Open opens or creates the database at path.
func Open(path string) (*File, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStore, path, err)
	}
	return &File{db: db, logger: logging.Component("nvm")}, nil
}

func (f *File) Close() error { return f.db.Close() }

func (f *File) fail(op string, err error) error {
	metrics.IncError(metrics.ErrStore)
	f.logger.Warn("store_error", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

// SerialNumber returns the stored serial, or the machine derived default when
// none was written yet.
func (f *File) SerialNumber() (uint16, error) {
	var v uint16
	err := f.db.Get(bucket, keySerial, &v)
	if errors.Is(err, storm.ErrNotFound) {
		f.serialOnce.Do(func() { f.defSerial = DefaultSerial() })
		return f.defSerial, nil
	}
	if err != nil {
		return 0, f.fail("get_serial", err)
	}
	return v, nil
}

func (f *File) SetSerialNumber(v uint16) error {
	if err := f.db.Set(bucket, keySerial, v); err != nil {
		return f.fail("set_serial", err)
	}
	f.logger.Info("serial_number_set", "serial", fmt.Sprintf("%04X", v))
	return nil
}

// StartupMode returns StartupOff when nothing was stored.
func (f *File) StartupMode() (slcan.StartupMode, error) {
	var v uint8
	err := f.db.Get(bucket, keyStartup, &v)
	if errors.Is(err, storm.ErrNotFound) {
		return slcan.StartupOff, nil
	}
	if err != nil {
		return slcan.StartupOff, f.fail("get_startup", err)
	}
	m := slcan.StartupMode(v)
	if !m.Valid() {
		return slcan.StartupOff, f.fail("get_startup", fmt.Errorf("stored mode %d", v))
	}
	return m, nil
}

func (f *File) SetStartupMode(m slcan.StartupMode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: startup mode %d", ErrStore, m)
	}
	if err := f.db.Set(bucket, keyStartup, uint8(m)); err != nil {
		return f.fail("set_startup", err)
	}
	f.logger.Info("startup_mode_set", "mode", m.String())
	return nil
}

// Memory is an in-process Store. Fail makes every later call return ErrStore.
type Memory struct {
	mu      sync.Mutex
	serial  uint16
	startup slcan.StartupMode
	failing bool
}

func NewMemory(serial uint16) *Memory { return &Memory{serial: serial} }

func (m *Memory) Fail(on bool) {
	m.mu.Lock()
	m.failing = on
	m.mu.Unlock()
}

func (m *Memory) SerialNumber() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, ErrStore
	}
	return m.serial, nil
}

func (m *Memory) SetSerialNumber(v uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrStore
	}
	m.serial = v
	return nil
}

func (m *Memory) StartupMode() (slcan.StartupMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return slcan.StartupOff, ErrStore
	}
	return m.startup, nil
}

func (m *Memory) SetStartupMode(v slcan.StartupMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing || !v.Valid() {
		return ErrStore
	}
	m.startup = v
	return nil
}
