// Package transport holds the byte-link abstractions shared by the host
// links and CAN backends.
package transport

import (
	"context"
	"errors"
)

// MaxChunk is the largest chunk a link delivers to its receive callback.
const MaxChunk = 64

// ErrBusy is returned by Transmit while the previous transfer is still in
// progress. The caller keeps the bytes and retries later.
var ErrBusy = errors.New("transfer in progress")

// Transmitter accepts one buffer at a time. A nil return hands the buffer to
// the link until the next successful Transmit.
type Transmitter interface {
	Transmit(p []byte) error
}

// ReceiveFunc is invoked from the link's reader goroutine for each chunk of
// at most MaxChunk bytes. The slice is only valid during the call.
type ReceiveFunc func(chunk []byte)

// Link is a bidirectional host byte link.
type Link interface {
	Transmitter
	// Serve reads until ctx is done or the link fails, passing chunks to rx.
	Serve(ctx context.Context, rx ReceiveFunc) error
	Close() error
}

// Chunks splits p into MaxChunk pieces and passes them to rx in order.
func Chunks(p []byte, rx ReceiveFunc) {
	for len(p) > 0 {
		n := min(len(p), MaxChunk)
		rx(p[:n])
		p = p[n:]
	}
}
