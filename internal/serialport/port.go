// Package serialport abstracts the byte-oriented serial link to the sorting
// actuator so the controller can be exercised without hardware.
package serialport

import (
	"errors"
	"io"
)

var (
	// ErrPortClosed is returned by writes on a closed port.
	ErrPortClosed = errors.New("serial port closed")
	// ErrShortWrite is returned when the device accepted fewer bytes than sent.
	ErrShortWrite = errors.New("short write to serial port")
	// ErrPortBusy is returned when another process holds the port lock.
	ErrPortBusy = errors.New("serial port locked by another process")
)

// SerialPorter is the minimal surface the actuator needs from a serial port.
type SerialPorter interface {
	io.Writer
	io.Closer
}

// Opener opens a serial port at path with the given options.
type Opener interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string, opts PortOptions) (SerialPorter, error)

// Open calls f(path, opts).
func (f OpenerFunc) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}

// WriteAll writes p to port and reports a short write as ErrShortWrite.
func WriteAll(port SerialPorter, p []byte) error {
	n, err := port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrShortWrite
	}
	return nil
}
