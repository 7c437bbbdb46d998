package canctl

import "github.com/kstaniek/go-slcan-adapter/internal/can"

// Mode is the operating mode applied when the bus is opened.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeSilent
	ModeInternalLoopback
	ModeExternalLoopback
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSilent:
		return "silent"
	case ModeInternalLoopback:
		return "internal_loopback"
	case ModeExternalLoopback:
		return "external_loopback"
	}
	return "invalid"
}

// Loopback reports whether transmitted frames are received back.
func (m Mode) Loopback() bool { return m == ModeInternalLoopback || m == ModeExternalLoopback }

// Config is everything a Hardware needs to start.
type Config struct {
	Mode           Mode
	AutoRetransmit bool
	Nominal        BitTiming
	Data           BitTiming
	Std            Filter
	Ext            Filter
	// TxDelayComp enables transmitter delay compensation at TxDelayOffset
	// time quanta.
	TxDelayComp   bool
	TxDelayOffset uint32
}

// FIFO selects a receive queue. Frames that pass the acceptance filters land
// in FIFOAccepted, all others in FIFORejected.
type FIFO uint8

const (
	FIFOAccepted FIFO = iota
	FIFORejected
)

// ProtocolError is the last error code latched by the protocol engine.
type ProtocolError uint8

const (
	ProtoErrNone ProtocolError = iota
	ProtoErrStuff
	ProtoErrForm
	ProtoErrAck
	ProtoErrBit1
	ProtoErrBit0
	ProtoErrCRC
	ProtoErrNoChange
)

func (e ProtocolError) String() string {
	switch e {
	case ProtoErrNone:
		return "none"
	case ProtoErrStuff:
		return "stuff"
	case ProtoErrForm:
		return "form"
	case ProtoErrAck:
		return "ack"
	case ProtoErrBit1:
		return "bit1"
	case ProtoErrBit0:
		return "bit0"
	case ProtoErrCRC:
		return "crc"
	}
	return "no_change"
}

// ProtocolStatus is a sample of the protocol engine state.
type ProtocolStatus struct {
	BusOff        bool
	ErrorPassive  bool
	Warning       bool
	LastError     ProtocolError
	DataLastError ProtocolError
}

// ErrorCounters is a sample of the transmit and receive error counters.
type ErrorCounters struct {
	Tx        uint8
	Rx        uint8
	RxPassive bool
}

// Flags are sticky hardware event bits, cleared by TakeFlags.
type Flags uint32

const (
	FlagTxEventLost Flags = 1 << iota
	FlagRx0Lost
	FlagRx1Lost
	FlagErrorWarning
	FlagErrorPassive
	FlagBusOff
)

// TxResult is a completed entry of the hardware transmit event FIFO. Only the
// frame header and timestamp are meaningful. Dropped marks a frame that was
// taken from the queue but never reached the bus.
type TxResult struct {
	Frame   can.Frame
	Dropped bool
}

// Hardware is the CAN peripheral driven by the Controller. Calls come from the
// adapter loop only and must not block.
type Hardware interface {
	// Start resets the peripheral, applies cfg and joins the bus.
	Start(cfg Config) error
	// Stop leaves the bus and resets the peripheral.
	Stop() error
	TxFreeLevel() int
	AddTx(f *can.Frame) error
	// TxEvent pops a completed transmission, in submission order.
	TxEvent() (TxResult, bool)
	Receive(fifo FIFO) (can.Frame, bool)
	// TakeFlags returns the requested flags that are set and clears them.
	TakeFlags(mask Flags) Flags
	ProtocolStatus() ProtocolStatus
	ErrorCounters() ErrorCounters
	// TimestampCounter is a free-running 16-bit microsecond counter.
	TimestampCounter() uint16
}

// LEDs receives indicator events.
type LEDs interface {
	BlinkRx()
	BlinkTx()
	SetTx(on bool)
}

type noLEDs struct{}

func (noLEDs) BlinkRx()   {}
func (noLEDs) BlinkTx()   {}
func (noLEDs) SetTx(bool) {}
