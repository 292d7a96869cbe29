// Package transport presents serial-attached instruments as byte-oriented
// full-duplex ports and layers device framing on top of them.
//
// Two framings exist in the fleet: stage-class devices speak carriage-return
// terminated ASCII lines, sensor-class devices speak COBS-delimited binary
// frames (CBOR payloads). Everything above this package works in whole
// frames and never sees partial reads.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport covers write failures and anything else that means the
	// port itself is unhealthy. Sessions recover from it; it never crashes
	// the process.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout wraps ErrTransport: a receive that produced no frame
	// within its deadline.
	ErrTimeout = fmt.Errorf("%w: receive timed out", ErrTransport)
)

// Port is a byte-oriented full-duplex connection to a device. The real
// implementation sits on a serial port; tests substitute a MockPort that
// honours the same contract.
type Port interface {
	Open() error
	Close() error
	Write(p []byte) error
	// Recv returns the next chunk of bytes from the device, or ErrTimeout
	// when nothing arrives within the given duration. Chunk boundaries are
	// arbitrary; framing is the caller's concern.
	Recv(timeout time.Duration) ([]byte, error)
}

// Framer exchanges whole frames over a Port.
type Framer interface {
	// Send writes one frame, applying the framing on the way out.
	Send(frame []byte) error
	// Recv returns the next complete frame, with the framing stripped.
	Recv(timeout time.Duration) ([]byte, error)
	// Flush discards any buffered, not yet consumed bytes and frames.
	Flush()
}
