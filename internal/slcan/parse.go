package slcan

import (
	"fmt"

	"github.com/kstaniek/go-slcan-adapter/internal/can"
)

// DecodeHex converts every byte after the command letter from an ASCII hex
// digit to its value, in place.
func DecodeHex(line []byte) error {
	for i := 1; i < len(line); i++ {
		c := line[i]
		switch {
		case '0' <= c && c <= '9':
			line[i] = c - '0'
		case 'A' <= c && c <= 'F':
			line[i] = c - 'A' + 10
		case 'a' <= c && c <= 'f':
			line[i] = c - 'a' + 10
		default:
			return fmt.Errorf("%w: %q at %d", ErrInvalidHex, c, i)
		}
	}
	return nil
}

// IsFrameCommand reports whether c starts a transmit command.
func IsFrameCommand(c byte) bool {
	switch c {
	case 't', 'T', 'r', 'R', 'd', 'D', 'b', 'B':
		return true
	}
	return false
}

// ParseFrame builds f from a transmit command whose payload has already been
// converted by DecodeHex. The header bits are derived from the command letter.
func ParseFrame(line []byte, f *can.Frame) error {
	if len(line) == 0 || !IsFrameCommand(line[0]) {
		return ErrInvalidType
	}
	*f = can.Frame{}
	switch line[0] {
	case 'r':
		f.Remote = true
	case 'R':
		f.Remote, f.Extended = true, true
	case 'T':
		f.Extended = true
	case 'd':
		f.FD = true
	case 'D':
		f.FD, f.Extended = true, true
	case 'b':
		f.FD, f.BRS = true, true
	case 'B':
		f.FD, f.BRS, f.Extended = true, true, true
	}

	idLen := StdIDLen
	if f.Extended {
		idLen = ExtIDLen
	}
	if len(line) < 1+idLen+1 {
		return fmt.Errorf("%w: %d bytes", ErrLength, len(line))
	}
	pos := 1
	for ; pos <= idLen; pos++ {
		f.ID = f.ID<<4 | uint32(line[pos])
	}
	if !f.ValidID() {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ID)
	}

	dlc := line[pos]
	pos++
	if !f.Remote && !f.FD && dlc > 8 {
		return fmt.Errorf("%w: %d for classic frame", ErrInvalidDLC, dlc)
	}
	if dlc > 0xF {
		return fmt.Errorf("%w: %d", ErrInvalidDLC, dlc)
	}
	f.DLC = dlc

	n := f.Len()
	if len(line) != pos+2*n {
		return fmt.Errorf("%w: want %d got %d", ErrLength, pos+2*n, len(line))
	}
	for i := 0; i < n; i++ {
		f.Data[i] = line[pos]<<4 | line[pos+1]
		pos += 2
	}
	return nil
}

// Nibbles packs count decoded nibbles starting at line[from] into a value.
func Nibbles(line []byte, from, count int) uint32 {
	var v uint32
	for i := from; i < from+count && i < len(line); i++ {
		v = v<<4 | uint32(line[i]&0xF)
	}
	return v
}
