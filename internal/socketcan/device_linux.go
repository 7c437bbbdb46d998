//go:build linux

package socketcan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// readTimeout bounds each blocking read so Stop is noticed promptly.
const readTimeout = 100 * 1000 // µs

// Device is a CAN_RAW socket bound to one interface with FD frames and all
// error classes enabled.
type Device struct {
	fd int
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fail := func(what string, err error) (*Device, error) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		return fail("enable CAN FD", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		return fail("error filter", err)
	}
	tv := unix.NsecToTimeval(readTimeout * 1000)
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fail("rcvtimeo", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fail(fmt.Sprintf("if %q", iface), err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		return fail(fmt.Sprintf("bind(can@%s)", iface), err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, errTimeout{}
	}
	return n, err
}

func (d *Device) Write(p []byte) (int, error) { return unix.Write(d.fd, p) }

func (d *Device) Close() error { return unix.Close(d.fd) }

type errTimeout struct{}

func (errTimeout) Error() string { return "socketcan read timeout" }
func (errTimeout) Timeout() bool { return true }
