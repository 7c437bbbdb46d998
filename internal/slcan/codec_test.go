package slcan

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/tick"
)

func newEncoder() (*Encoder, *Session, *tick.Manual) {
	s := NewSession()
	clk := &tick.Manual{}
	return NewEncoder(s, clk), s, clk
}

func encodeRx(t *testing.T, e *Encoder, f can.Frame) string {
	t.Helper()
	buf := make([]byte, MTU+1)
	n := e.EncodeRx(buf, &f)
	return string(buf[:n])
}

func TestEncodeFrameTypes(t *testing.T) {
	e, _, _ := newEncoder()
	fd := can.Frame{ID: 0x1ABCDEF0, Extended: true, FD: true, BRS: true, DLC: 9}
	for i := 0; i < 12; i++ {
		fd.Data[i] = byte(i)
	}
	cases := []struct {
		name string
		f    can.Frame
		want string
	}{
		{"std data", can.Frame{ID: 0x123, DLC: 2, Data: [64]byte{0xAB, 0xCD}}, "t1232ABCD\r"},
		{"std empty", can.Frame{ID: 0x7FF}, "t7FF0\r"},
		{"ext data", can.Frame{ID: 0x1234, Extended: true, DLC: 1, Data: [64]byte{0x0F}}, "T00001234" + "1" + "0F\r"},
		{"std remote", can.Frame{ID: 0x001, Remote: true, DLC: 8}, "r0018\r"},
		{"ext remote", can.Frame{ID: 0x1FFFFFFF, Extended: true, Remote: true, DLC: 0xF}, "R1FFFFFFFF\r"},
		{"fd no brs", can.Frame{ID: 0x10, FD: true, DLC: 1, Data: [64]byte{0x55}}, "d010155\r"},
		{"fd brs ext", fd, "B1ABCDEF09000102030405060708090A0B\r"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, encodeRx(t, e, c.f))
		})
	}
}

func TestEncodeGating(t *testing.T) {
	e, s, _ := newEncoder()
	f := can.Frame{ID: 0x123}
	buf := make([]byte, MTU+1)

	require.Zero(t, e.EncodeTxEvent(buf, &f), "tx reporting is off by default")
	require.Zero(t, e.EncodeRx(nil, &f), "no destination")

	s.SetReport(ReportTx)
	require.Zero(t, e.EncodeRx(buf, &f))
	n := e.EncodeTxEvent(buf, &f)
	require.Equal(t, "zt1230\r", string(buf[:n]))

	f.Extended = true
	n = e.EncodeTxEvent(buf, &f)
	require.Equal(t, "ZT000001230\r", string(buf[:n]))
}

func TestEncodeESI(t *testing.T) {
	e, s, _ := newEncoder()
	s.SetReport(ReportRx | ReportESI)
	require.Equal(t, "d1230"+"1\r", encodeRx(t, e, can.Frame{ID: 0x123, FD: true, ESI: true}))
	require.Equal(t, "d1230"+"0\r", encodeRx(t, e, can.Frame{ID: 0x123, FD: true}))
	require.Equal(t, "t1230\r", encodeRx(t, e, can.Frame{ID: 0x123}))
}

func TestMillisTimestampWraps(t *testing.T) {
	e, s, clk := newEncoder()
	s.SetTimestampMode(TimestampMilli)
	f := can.Frame{ID: 0x123}

	clk.Set(59999)
	require.Equal(t, "t1230EA5F\r", encodeRx(t, e, f))
	clk.Advance(1)
	require.Equal(t, "t12300000\r", encodeRx(t, e, f))
	clk.Advance(60000 + 5)
	require.Equal(t, "t12300005\r", encodeRx(t, e, f))
}

func TestMicrosTimestampWraps(t *testing.T) {
	e, s, clk := newEncoder()
	s.SetTimestampMode(TimestampMicro)

	// 3,599,999 ms later the 16-bit counter reads 3599999000 mod 65536.
	clk.Set(3599999)
	f := can.Frame{ID: 0x123, Timestamp: 40984}
	require.Equal(t, "t1230D693A018\r", encodeRx(t, e, f))

	clk.Advance(2)
	f.Timestamp += 2000
	require.Equal(t, "t1230000003E8\r", encodeRx(t, e, f))
}

func TestMicrosCounterWrapCompensation(t *testing.T) {
	e, s, clk := newEncoder()
	s.SetTimestampMode(TimestampMicro)
	f := can.Frame{ID: 0x1}
	require.Equal(t, "t001000000000\r", encodeRx(t, e, f))

	// 100 ms elapse; the counter wrapped once and reads 100000-65536.
	clk.Advance(100)
	f.Timestamp = uint16(100000 % 65536)
	require.Equal(t, "t0010000186A0\r", encodeRx(t, e, f))
}

func TestTimestampModeIgnoresInvalid(t *testing.T) {
	s := NewSession()
	s.SetTimestampMode(TimestampMicro)
	s.SetTimestampMode(TimestampMode(3))
	require.Equal(t, TimestampMicro, s.TimestampMode())
}

func decodeLine(t *testing.T, sentence string) can.Frame {
	t.Helper()
	line := []byte(sentence[:len(sentence)-1])
	require.NoError(t, DecodeHex(line))
	var f can.Frame
	require.NoError(t, ParseFrame(line, &f))
	return f
}

func TestRoundTripStandardData(t *testing.T) {
	e, _, _ := newEncoder()
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		f := can.Frame{ID: uint32(rnd.Intn(can.MaxStdID + 1)), DLC: uint8(rnd.Intn(9))}
		rnd.Read(f.Data[:f.Len()])
		got := decodeLine(t, encodeRx(t, e, f))
		require.True(t, f.Equal(&got), "frame %+v decoded as %+v", f, got)
	}
}

func TestRoundTripFD(t *testing.T) {
	e, _, _ := newEncoder()
	rnd := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		f := can.Frame{
			ID:       uint32(rnd.Intn(can.MaxExtID + 1)),
			Extended: true,
			FD:       true,
			BRS:      rnd.Intn(2) == 1,
			DLC:      uint8(rnd.Intn(16)),
		}
		rnd.Read(f.Data[:f.Len()])
		got := decodeLine(t, encodeRx(t, e, f))
		require.True(t, f.Equal(&got))
	}
}
