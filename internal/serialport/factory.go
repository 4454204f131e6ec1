package serialport

import (
	"go.bug.st/serial"
)

// RealFactory opens hardware serial ports via go.bug.st/serial.
type RealFactory struct{}

// Open opens the port at path with the given options. The returned port
// supports SetReadTimeout, which the acquisition loop uses for bounded
// reads.
func (RealFactory) Open(path string, opts Options) (Porter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// ListPorts returns the system's serial port device names.
func (RealFactory) ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
