package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
	"github.com/kstaniek/go-slcan-adapter/internal/canctl"
)

// Wire sizes of struct can_frame and struct canfd_frame.
const (
	MTU   = 16
	FDMTU = 72
)

// canfd_frame.flags
const (
	fdBRS = 0x01
	fdESI = 0x02
	fdFDF = 0x04
)

// Error frame classes and details, <linux/can/error.h>.
const (
	errLostArb   = 0x00000002
	errCtrl      = 0x00000004
	errProt      = 0x00000008
	errAck       = 0x00000020
	errBusOff    = 0x00000040
	errBusError  = 0x00000080
	errRestarted = 0x00000100
	errCnt       = 0x00000200

	ctrlRxOverflow = 0x01
	ctrlTxOverflow = 0x02
	ctrlRxWarning  = 0x04
	ctrlTxWarning  = 0x08
	ctrlRxPassive  = 0x10
	ctrlTxPassive  = 0x20
	ctrlActive     = 0x40

	protBit   = 0x01
	protForm  = 0x02
	protStuff = 0x04
	protBit0  = 0x08
	protBit1  = 0x10

	locCRCSeq = 0x08
	locCRCDel = 0x18
	locAck    = 0x19
	locAckDel = 0x1B
)

// Encode writes f in kernel layout into buf and returns the frame size.
// buf must hold FDMTU bytes. The kernel uses host byte order.
func Encode(buf []byte, f *can.Frame) int {
	clear(buf[:FDMTU])
	id := f.ID & can.CAN_SFF_MASK
	if f.Extended {
		id = f.ID&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
	}
	if f.Remote {
		id |= can.CAN_RTR_FLAG
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	if !f.FD {
		n := min(f.DLC, 8)
		buf[4] = n
		if f.DLC > 8 {
			buf[7] = f.DLC // len8_dlc
		}
		if !f.Remote {
			copy(buf[8:16], f.Data[:n])
		}
		return MTU
	}
	n := can.DLCToLen(f.DLC)
	buf[4] = byte(n)
	buf[5] = fdFDF
	if f.BRS {
		buf[5] |= fdBRS
	}
	if f.ESI {
		buf[5] |= fdESI
	}
	copy(buf[8:8+n], f.Data[:n])
	return FDMTU
}

// Decode parses one kernel frame. isErr reports an error frame, whose
// details are returned in rep instead of f.
func Decode(buf []byte, f *can.Frame) (rep ErrorReport, isErr bool, err error) {
	if len(buf) != MTU && len(buf) != FDMTU {
		return rep, false, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	id := binary.NativeEndian.Uint32(buf[0:4])
	if id&can.CAN_ERR_FLAG != 0 {
		return decodeError(id, buf), true, nil
	}
	*f = can.Frame{}
	f.Extended = id&can.CAN_EFF_FLAG != 0
	f.Remote = id&can.CAN_RTR_FLAG != 0
	if f.Extended {
		f.ID = id & can.CAN_EFF_MASK
	} else {
		f.ID = id & can.CAN_SFF_MASK
	}
	n := int(buf[4])
	if len(buf) == MTU {
		n = min(n, 8)
		f.DLC = uint8(n)
		if n == 8 && buf[7] > 8 && buf[7] <= 15 {
			f.DLC = buf[7]
		}
		if !f.Remote {
			copy(f.Data[:], buf[8:8+n])
		}
		return rep, false, nil
	}
	n = min(n, can.MaxDataLen)
	f.FD = true
	f.BRS = buf[5]&fdBRS != 0
	f.ESI = buf[5]&fdESI != 0
	f.DLC, _ = can.LenToDLC(n)
	copy(f.Data[:], buf[8:8+n])
	return rep, false, nil
}

// ErrorReport is the decoded content of a kernel error frame.
type ErrorReport struct {
	BusOff      bool
	Restarted   bool
	Warning     bool
	Passive     bool
	Active      bool
	RxOverflow  bool
	ArbLost     bool
	Code        canctl.ProtocolError
	HasCounters bool
	Tx, Rx      uint8
}

func decodeError(id uint32, buf []byte) ErrorReport {
	r := ErrorReport{Code: canctl.ProtoErrNone}
	r.BusOff = id&errBusOff != 0
	r.Restarted = id&errRestarted != 0
	r.ArbLost = id&errLostArb != 0
	if id&errCtrl != 0 {
		c := buf[8+1]
		r.Warning = c&(ctrlRxWarning|ctrlTxWarning) != 0
		r.Passive = c&(ctrlRxPassive|ctrlTxPassive) != 0
		r.Active = c&ctrlActive != 0
		r.RxOverflow = c&(ctrlRxOverflow|ctrlTxOverflow) != 0
	}
	switch {
	case id&errAck != 0:
		r.Code = canctl.ProtoErrAck
	case id&(errProt|errBusError) != 0:
		r.Code = protocolCode(buf[8+2], buf[8+3])
	}
	if id&errCnt != 0 {
		r.HasCounters = true
		r.Tx, r.Rx = buf[8+6], buf[8+7]
	}
	return r
}

func protocolCode(kind, loc byte) canctl.ProtocolError {
	switch {
	case loc == locAck || loc == locAckDel:
		return canctl.ProtoErrAck
	case loc == locCRCSeq || loc == locCRCDel:
		return canctl.ProtoErrCRC
	case kind&protBit0 != 0:
		return canctl.ProtoErrBit0
	case kind&(protBit1|protBit) != 0:
		return canctl.ProtoErrBit1
	case kind&protStuff != 0:
		return canctl.ProtoErrStuff
	case kind&protForm != 0:
		return canctl.ProtoErrForm
	}
	return canctl.ProtoErrNone
}
