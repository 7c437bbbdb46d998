package slcan

import "sync/atomic"

// StatusFlags is the sticky status bitmask reported by the F command.
type StatusFlags uint8

const (
	StatusRxFifoFull StatusFlags = 1 << iota
	StatusTxFifoFull
	StatusErrorWarning
	StatusDataOverrun
	_ // reserved
	StatusErrorPassive
	StatusArbitrationLost
	StatusBusError
)

func (f StatusFlags) Has(g StatusFlags) bool { return f&g != 0 }

// ReportFlags is the report register programmed by Z/z.
type ReportFlags uint8

const (
	ReportRx  ReportFlags = 1 << 0
	ReportTx  ReportFlags = 1 << 1
	ReportESI ReportFlags = 1 << 4
)

func (r ReportFlags) Has(g ReportFlags) bool { return r&g != 0 }

// TimestampMode selects the timestamp appended to reported frames.
type TimestampMode uint8

const (
	TimestampOff TimestampMode = iota
	TimestampMilli
	TimestampMicro
)

func (m TimestampMode) Valid() bool { return m <= TimestampMicro }

// StartupMode is the persisted auto-startup behavior.
type StartupMode uint8

const (
	StartupOff StartupMode = iota
	StartupNormal
	StartupListen
)

func (m StartupMode) Valid() bool { return m <= StartupListen }

func (m StartupMode) String() string {
	switch m {
	case StartupOff:
		return "off"
	case StartupNormal:
		return "normal"
	case StartupListen:
		return "listen"
	}
	return "invalid"
}

// Session is the per-host protocol state. Status flags may be raised from any
// goroutine; report and timestamp settings belong to the adapter loop.
type Session struct {
	status atomic.Uint32
	report ReportFlags
	tsMode TimestampMode
}

func NewSession() *Session { return &Session{report: ReportRx} }

// Raise sets sticky status bits.
func (s *Session) Raise(f StatusFlags) {
	for {
		old := s.status.Load()
		if s.status.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (s *Session) Status() StatusFlags { return StatusFlags(s.status.Load()) }

// TakeStatus returns the status bits and clears them.
func (s *Session) TakeStatus() StatusFlags { return StatusFlags(s.status.Swap(0)) }

func (s *Session) ClearStatus() { s.status.Store(0) }

func (s *Session) Report() ReportFlags         { return s.report }
func (s *Session) SetReport(r ReportFlags)     { s.report = r }
func (s *Session) TimestampMode() TimestampMode { return s.tsMode }

// SetTimestampMode ignores invalid modes.
func (s *Session) SetTimestampMode(m TimestampMode) {
	if m.Valid() {
		s.tsMode = m
	}
}
