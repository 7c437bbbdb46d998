package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Identifier limits and payload size.
const (
	MaxStdID   = 0x7FF
	MaxExtID   = 0x1FFFFFFF
	MaxDataLen = 64
)

// dlcToLen maps a 4-bit DLC code to the payload byte count.
var dlcToLen = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen returns the payload length for a DLC code (upper bits ignored).
func DLCToLen(dlc uint8) int { return int(dlcToLen[dlc&0xF]) }

// LenToDLC returns the smallest DLC able to carry n bytes. ok is false when n
// is not an exact DLC length.
func LenToDLC(n int) (dlc uint8, ok bool) {
	for i, l := range dlcToLen {
		if int(l) >= n {
			return uint8(i), int(l) == n
		}
	}
	return 0xF, false
}

// Frame is one classic or FD frame as exchanged with the controller.
// ID holds only the identifier bits; the remaining header lives in flags.
// Data is valid for Len() bytes on data frames.
type Frame struct {
	ID        uint32
	Extended  bool
	Remote    bool
	FD        bool
	BRS       bool
	ESI       bool
	DLC       uint8
	Data      [MaxDataLen]byte
	Timestamp uint16 // hardware timestamp counter at the event
}

// Len returns the payload length derived from DLC. Remote frames carry none.
func (f *Frame) Len() int {
	if f.Remote {
		return 0
	}
	return DLCToLen(f.DLC)
}

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte { return f.Data[:f.Len()] }

// ValidID reports whether the identifier fits the id type.
func (f *Frame) ValidID() bool {
	if f.Extended {
		return f.ID <= MaxExtID
	}
	return f.ID <= MaxStdID
}

// Equal compares header and valid payload. Timestamps are ignored.
func (f *Frame) Equal(g *Frame) bool {
	if f.ID != g.ID || f.Extended != g.Extended || f.Remote != g.Remote ||
		f.FD != g.FD || f.BRS != g.BRS || f.ESI != g.ESI || f.DLC != g.DLC {
		return false
	}
	n := f.Len()
	for i := 0; i < n; i++ {
		if f.Data[i] != g.Data[i] {
			return false
		}
	}
	return true
}
