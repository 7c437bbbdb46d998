package canctl

import "fmt"

// BitTiming holds one phase's prescaler and segment lengths in time quanta.
type BitTiming struct {
	Prescaler uint16
	Seg1      uint16
	Seg2      uint16
	SJW       uint16
}

// Quanta returns the time quanta per bit.
func (t BitTiming) Quanta() uint32 { return 1 + uint32(t.Seg1) + uint32(t.Seg2) }

// Bitrate returns bits per second for a peripheral clock of clockMHz.
func (t BitTiming) Bitrate(clockMHz uint32) uint32 {
	if t.Prescaler == 0 {
		return 0
	}
	return clockMHz * 1000000 / (t.Quanta() * uint32(t.Prescaler))
}

type timingLimits struct{ psc, seg1, seg2, sjw uint16 }

var (
	nominalLimits = timingLimits{psc: 512, seg1: 256, seg2: 128, sjw: 128}
	dataLimits    = timingLimits{psc: 32, seg1: 32, seg2: 16, sjw: 16}
)

func (l timingLimits) check(t BitTiming) error {
	switch {
	case t.Prescaler < 1 || t.Prescaler > l.psc:
		return fmt.Errorf("%w: prescaler %d", ErrInvalidTiming, t.Prescaler)
	case t.Seg1 < 1 || t.Seg1 > l.seg1:
		return fmt.Errorf("%w: seg1 %d", ErrInvalidTiming, t.Seg1)
	case t.Seg2 < 1 || t.Seg2 > l.seg2:
		return fmt.Errorf("%w: seg2 %d", ErrInvalidTiming, t.Seg2)
	case t.SJW < 1 || t.SJW > l.sjw:
		return fmt.Errorf("%w: sjw %d", ErrInvalidTiming, t.SJW)
	}
	return nil
}

// NominalBitrate is the S command index.
type NominalBitrate uint8

const (
	Nominal10K NominalBitrate = iota
	Nominal20K
	Nominal50K
	Nominal100K
	Nominal125K
	Nominal250K
	Nominal500K
	Nominal800K
	Nominal1M
)

// DataBitrate is the Y command index. Index 3 is not assigned.
type DataBitrate uint8

const (
	Data500K DataBitrate = 0
	Data1M   DataBitrate = 1
	Data2M   DataBitrate = 2
	Data4M   DataBitrate = 4
	Data5M   DataBitrate = 5
)

// Presets assume an 80 MHz peripheral clock.
var nominalPresets = map[NominalBitrate]BitTiming{
	Nominal10K:  {Prescaler: 100, SJW: 8, Seg1: 70, Seg2: 9},
	Nominal20K:  {Prescaler: 50, SJW: 8, Seg1: 70, Seg2: 9},
	Nominal50K:  {Prescaler: 20, SJW: 8, Seg1: 70, Seg2: 9},
	Nominal100K: {Prescaler: 10, SJW: 8, Seg1: 70, Seg2: 9},
	Nominal125K: {Prescaler: 8, SJW: 8, Seg1: 70, Seg2: 9},
	Nominal250K: {Prescaler: 4, SJW: 8, Seg1: 70, Seg2: 9},
	Nominal500K: {Prescaler: 2, SJW: 8, Seg1: 70, Seg2: 9},
	Nominal800K: {Prescaler: 1, SJW: 10, Seg1: 88, Seg2: 11},
	Nominal1M:   {Prescaler: 1, SJW: 8, Seg1: 70, Seg2: 9},
}

var dataPresets = map[DataBitrate]BitTiming{
	Data500K: {Prescaler: 4, SJW: 8, Seg1: 30, Seg2: 9},
	Data1M:   {Prescaler: 2, SJW: 8, Seg1: 30, Seg2: 9},
	Data2M:   {Prescaler: 1, SJW: 8, Seg1: 30, Seg2: 9},
	Data4M:   {Prescaler: 1, SJW: 4, Seg1: 14, Seg2: 5},
	Data5M:   {Prescaler: 1, SJW: 3, Seg1: 11, Seg2: 4},
}

// NominalPreset returns the timing for a named nominal bitrate.
func NominalPreset(b NominalBitrate) (BitTiming, bool) {
	t, ok := nominalPresets[b]
	return t, ok
}

// DataPreset returns the timing for a named data bitrate.
func DataPreset(b DataBitrate) (BitTiming, bool) {
	t, ok := dataPresets[b]
	return t, ok
}
