// Package serialport abstracts the serial link to the flow sensor so the
// acquisition loop can run against real hardware, a scripted fake in tests,
// or a fixture replay in dev mode.
package serialport

import (
	"io"
	"time"
)

// Porter is the minimal interface the acquisition loop needs from a serial
// port. The abstraction keeps real hardware out of unit tests.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter is implemented by ports that support bounded reads. The
// acquisition loop sets a read timeout so disconnect can unblock a pending
// read promptly.
type TimeoutPorter interface {
	Porter
	SetReadTimeout(timeout time.Duration) error
}

// Factory opens ports. Injecting a Factory is how tests substitute fakes
// for hardware.
type Factory interface {
	// Open opens the port at path with the given options.
	Open(path string, opts Options) (Porter, error)
}

// Lister enumerates candidate ports. Real factories implement it; fakes
// may.
type Lister interface {
	ListPorts() ([]string, error)
}
