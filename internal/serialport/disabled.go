package serialport

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/banshee-data/pear-sorter/internal/monitoring"
)

// DisabledPort is a no-op port used when the actuator hardware is absent
// (--disable-actuator). Commands are logged instead of written so the rest
// of the pipeline runs unchanged.
type DisabledPort struct {
	mu     sync.Mutex
	logger *slog.Logger
	closed bool
}

// NewDisabledOpener returns an Opener that always yields a DisabledPort.
func NewDisabledOpener(logger *slog.Logger) Opener {
	return OpenerFunc(func(path string, _ PortOptions) (SerialPorter, error) {
		return &DisabledPort{logger: monitoring.Or(logger).With("port", path, "disabled", true)}, nil
	})
}

// Write logs the command and reports success.
func (d *DisabledPort) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrPortClosed
	}
	d.logger.Debug("actuator command (dry run)", "command", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Close is idempotent.
func (d *DisabledPort) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
