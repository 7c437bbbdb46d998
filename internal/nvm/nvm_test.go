package nvm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-slcan-adapter/internal/slcan"
)

func TestFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm.db")
	f, err := Open(path)
	require.NoError(t, err)

	mode, err := f.StartupMode()
	require.NoError(t, err)
	require.Equal(t, slcan.StartupOff, mode)

	def, err := f.SerialNumber()
	require.NoError(t, err)
	require.Equal(t, DefaultSerial(), def)

	require.NoError(t, f.SetSerialNumber(0xBEEF))
	require.NoError(t, f.SetStartupMode(slcan.StartupListen))
	require.ErrorIs(t, f.SetStartupMode(slcan.StartupMode(7)), ErrStore)
	require.NoError(t, f.Close())

	f, err = Open(path)
	require.NoError(t, err)
	defer f.Close()
	sn, err := f.SerialNumber()
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), sn)
	mode, err = f.StartupMode()
	require.NoError(t, err)
	require.Equal(t, slcan.StartupListen, mode)
}

func TestOpenBadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "nvm.db"))
	require.ErrorIs(t, err, ErrStore)
}

func TestMemoryFailure(t *testing.T) {
	m := NewMemory(0x1234)
	sn, err := m.SerialNumber()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), sn)

	m.Fail(true)
	_, err = m.SerialNumber()
	require.ErrorIs(t, err, ErrStore)
	require.ErrorIs(t, m.SetStartupMode(slcan.StartupNormal), ErrStore)

	m.Fail(false)
	require.NoError(t, m.SetStartupMode(slcan.StartupNormal))
	mode, err := m.StartupMode()
	require.NoError(t, err)
	require.Equal(t, slcan.StartupNormal, mode)
}
