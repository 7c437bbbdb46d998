package slcan

import "errors"

var (
	ErrInvalidHex  = errors.New("invalid hex digit")
	ErrInvalidType = errors.New("invalid frame type")
	ErrInvalidID   = errors.New("identifier out of range")
	ErrInvalidDLC  = errors.New("dlc out of range")
	ErrLength      = errors.New("command length mismatch")
)
