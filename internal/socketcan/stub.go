//go:build !linux

package socketcan

import "errors"

// Device is unavailable off Linux.
type Device struct{}

func Open(iface string) (*Device, error) {
	return nil, errors.New("socketcan unsupported on this platform")
}

func (*Device) Read(p []byte) (int, error)  { return 0, errors.ErrUnsupported }
func (*Device) Write(p []byte) (int, error) { return 0, errors.ErrUnsupported }
func (*Device) Close() error                { return nil }
