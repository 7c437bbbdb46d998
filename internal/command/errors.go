package command

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrLength         = errors.New("invalid command length")
	ErrArgument       = errors.New("invalid argument")
	ErrUnsupported    = errors.New("unsupported")
)

func lengthErr(cmd byte, got int, want ...int) error {
	return fmt.Errorf("%w: %q has %d bytes, want %v", ErrLength, cmd, got, want)
}
