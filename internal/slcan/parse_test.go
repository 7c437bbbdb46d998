package slcan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
)

func parse(cmd string) (can.Frame, error) {
	line := []byte(cmd)
	var f can.Frame
	if err := DecodeHex(line); err != nil {
		return f, err
	}
	return f, ParseFrame(line, &f)
}

func TestDecodeHex(t *testing.T) {
	line := []byte("S09aFf")
	require.NoError(t, DecodeHex(line))
	require.Equal(t, []byte{'S', 0, 9, 10, 15, 15}, line)

	require.ErrorIs(t, DecodeHex([]byte("tZZZ0")), ErrInvalidHex)
	require.ErrorIs(t, DecodeHex([]byte("t12G")), ErrInvalidHex)
	// The command letter itself is never converted.
	require.NoError(t, DecodeHex([]byte("Z")))
}

func TestParseFrameErrors(t *testing.T) {
	cases := []struct {
		cmd  string
		want error
	}{
		{"t8000", ErrInvalidID},
		{"T200000000", ErrInvalidID},
		{"t1239", ErrInvalidDLC},
		{"t1231", ErrLength},
		{"t12310203", ErrLength},
		{"t12", ErrLength},
		{"T1234", ErrLength},
		{"r123", ErrLength},
		{"r1238AA", ErrLength},
		{"x1230", ErrInvalidType},
	}
	for _, c := range cases {
		_, err := parse(c.cmd)
		require.ErrorIs(t, err, c.want, c.cmd)
	}
}

func TestParseFrameKinds(t *testing.T) {
	f, err := parse("r123F")
	require.NoError(t, err)
	require.True(t, f.Remote)
	require.Equal(t, uint8(0xF), f.DLC)

	f, err = parse("d1239" + "000102030405060708090A0B")
	require.NoError(t, err)
	require.True(t, f.FD)
	require.False(t, f.BRS)
	require.Equal(t, 12, f.Len())
	require.Equal(t, byte(0x0B), f.Data[11])

	f, err = parse("B1FFFFFFF0")
	require.NoError(t, err)
	require.True(t, f.Extended && f.FD && f.BRS)
	require.Equal(t, uint32(can.MaxExtID), f.ID)
}

func TestNibbles(t *testing.T) {
	line := []byte{'s', 0x0, 0x8, 0x4, 0x6, 0x0, 0x9, 0x0, 0x8}
	require.Equal(t, uint32(0x08), Nibbles(line, 1, 2))
	require.Equal(t, uint32(0x46), Nibbles(line, 3, 2))
	require.Equal(t, uint32(0x08), Nibbles(line, 7, 4), "stops at end of line")
}

func FuzzParseFrame(f *testing.F) {
	for _, s := range []string{"t1230", "T1234567880011223344556677", "bFFF", "r", "", "B1FFFFFFFF"} {
		f.Add([]byte(s))
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > MTU {
			return
		}
		line := append([]byte(nil), data...)
		var fr can.Frame
		if DecodeHex(line) != nil {
			return
		}
		if err := ParseFrame(line, &fr); err != nil {
			return
		}
		if !fr.ValidID() {
			t.Fatalf("accepted invalid id: %+v", fr)
		}
	})
}
