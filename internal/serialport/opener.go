package serialport

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.bug.st/serial"
)

// RealOpener opens hardware serial ports through go.bug.st/serial.
//
// When LockDir is set, an advisory lock file (LCK..<device>) is taken for the
// lifetime of the port so two sorter processes can never drive the same
// actuator.
type RealOpener struct {
	LockDir string
}

// Open opens the device at path.
func (o RealOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	var lock *flock.Flock
	if o.LockDir != "" {
		lock = flock.New(filepath.Join(o.LockDir, "LCK.."+filepath.Base(path)))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrPortBusy, path)
		}
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &lockedPort{Port: port, lock: lock}, nil
}

// lockedPort releases the lock file after closing the device.
type lockedPort struct {
	serial.Port
	lock *flock.Flock
}

func (p *lockedPort) Close() error {
	err := p.Port.Close()
	if p.lock != nil {
		if uerr := p.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
