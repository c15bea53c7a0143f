package actuator

import (
	"errors"
	"fmt"
)

var (
	// ErrFailed is matched by every ConnectError: the device could not be
	// reached within the configured attempts and the controller is terminal.
	ErrFailed = errors.New("actuator connection failed")

	// ErrWrite marks a mid-session I/O failure. The command is dropped and
	// the port is reopened before the next command.
	ErrWrite = errors.New("actuator write failed")

	// ErrClosed is returned by operations after Shutdown.
	ErrClosed = errors.New("actuator controller closed")
)

// ConnectError reports that every open attempt failed.
type ConnectError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: gave up after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

// Unwrap exposes both ErrFailed and the last open error.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrFailed, e.Err}
}
