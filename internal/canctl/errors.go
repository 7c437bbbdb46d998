package canctl

import "errors"

var (
	ErrBusOpen        = errors.New("bus open")
	ErrBusClosed      = errors.New("bus closed")
	ErrInvalidBitrate = errors.New("invalid bitrate")
	ErrInvalidTiming  = errors.New("invalid bit timing")
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrInvalidMode    = errors.New("invalid mode")
	ErrTxDisabled     = errors.New("transmit disabled")
	ErrHardware       = errors.New("hardware")
)
