// Package actuator drives the sorting actuator over a serial link: it owns
// the connection, retries opens, turns ON commands into timed pulses and
// guarantees the device is left OFF on every exit path.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/serialport"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

// Defaults applied by NewController for zero-valued Config fields.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 2 * time.Second
	DefaultPulseDwell     = time.Second
	DefaultWriteTimeout   = 2 * time.Second
	DefaultShutdownGrace  = 2 * time.Second
	DefaultCommandSpacing = 3 * time.Second
)

// spacingJitter is how early a command may start relative to CommandSpacing
// and still be applied. Commands one window apart arrive a few milliseconds
// either side of the nominal spacing.
const spacingJitter = 50 * time.Millisecond

// Config configures a Controller.
type Config struct {
	PortPath string
	Options  serialport.PortOptions
	Opener   serialport.Opener

	// MaxRetries is the total number of open attempts before the
	// controller gives up and enters Failed.
	MaxRetries   int
	RetryBackoff time.Duration
	// PulseDwell is how long ON is held before OFF is written.
	PulseDwell time.Duration
	// WriteTimeout bounds a single write; the port is closed if the device
	// stops accepting bytes. Negative disables the watchdog.
	WriteTimeout time.Duration
	// ShutdownGrace bounds how long Run keeps applying the final flushed
	// command after cancellation.
	ShutdownGrace time.Duration
	// CommandSpacing is the minimum time between the starts of two applied
	// commands. An ON arriving sooner is coalesced; OFF is always written.
	// Negative disables the check.
	CommandSpacing time.Duration

	Clock     timeutil.Clock
	Logger    *slog.Logger
	Observers []Observer
}

// Controller owns the actuator's serial connection. Commands are applied
// one at a time; Shutdown may be called from any goroutine.
type Controller struct {
	cfg    Config
	clock  timeutil.Clock
	logger *slog.Logger

	// ioMu serialises every use of the port: connect, apply and shutdown.
	ioMu sync.Mutex

	// mu guards the fields below.
	mu       sync.Mutex
	state    State
	port     serialport.SerialPorter
	session  Session
	failErr  *ConnectError
	reassert bool
	// lastStart is when the last applied command began writing.
	lastStart time.Time

	pulsing atomic.Bool

	manual chan decision.Command

	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewController validates cfg and starts a new session. No port is opened
// until Connect.
func NewController(cfg Config) (*Controller, error) {
	if cfg.PortPath == "" {
		return nil, errors.New("actuator port path is required")
	}
	if cfg.Opener == nil {
		return nil, errors.New("actuator opener is required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be positive, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.PulseDwell == 0 {
		cfg.PulseDwell = DefaultPulseDwell
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.CommandSpacing == 0 {
		cfg.CommandSpacing = DefaultCommandSpacing
	}
	if cfg.RetryBackoff < 0 || cfg.PulseDwell < 0 || cfg.ShutdownGrace < 0 {
		return nil, errors.New("actuator durations must be positive")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	id := uuid.NewString()
	return &Controller{
		cfg:    cfg,
		clock:  clock,
		logger: monitoring.Or(cfg.Logger).With("component", "actuator", "port", cfg.PortPath, "session", id),
		state:  Disconnected,
		session: Session{
			ID:        id,
			Port:      cfg.PortPath,
			StartedAt: clock.Now(),
		},
		manual: make(chan decision.Command, 1),
		done:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller and its session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Pulsing: c.pulsing.Load(), Session: c.session}
}

// Connect opens the port. It is idempotent: a connected controller returns
// nil immediately and a failed one returns its original *ConnectError.
func (c *Controller) Connect(ctx context.Context) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Controller) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Failed:
		err := c.failErr
		c.mu.Unlock()
		return err
	case Closing, Closed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.isShutdown() {
			return ErrClosed
		}
		c.setState(Connecting)
		port, err := c.cfg.Opener.Open(c.cfg.PortPath, c.cfg.Options)
		if err == nil {
			return c.connected(port, attempt)
		}

		lastErr = err
		c.setState(Disconnected)
		c.logger.Warn("actuator open failed", "attempt", attempt, "max_attempts", c.cfg.MaxRetries, "err", err)
		c.notify(Event{Kind: EventConnectFail, Attempt: attempt, Err: err.Error()})

		if attempt == c.cfg.MaxRetries {
			break
		}
		if err := c.sleep(ctx, c.cfg.RetryBackoff); err != nil {
			return err
		}
	}

	cerr := &ConnectError{Path: c.cfg.PortPath, Attempts: c.cfg.MaxRetries, Err: lastErr}
	c.mu.Lock()
	c.state = Failed
	c.failErr = cerr
	c.mu.Unlock()
	c.logger.Error("actuator unreachable", "attempts", c.cfg.MaxRetries, "err", lastErr)
	return cerr
}

// connected installs port. After a write fault the first byte sent on the
// new port is an OFF so a pulse interrupted mid-dwell cannot stay latched.
func (c *Controller) connected(port serialport.SerialPorter, attempt int) error {
	c.mu.Lock()
	c.port = port
	c.state = Connected
	reassert := c.reassert
	c.reassert = false
	if reassert {
		c.session.Reconnects++
	}
	c.mu.Unlock()

	c.logger.Info("actuator connected", "attempt", attempt, "reconnect", reassert)
	c.notify(Event{Kind: EventConnected, Attempt: attempt})

	if reassert {
		if err := c.write(port, decision.Off); err != nil {
			c.writeFault(decision.Off, err)
			return fmt.Errorf("%w: reassert OFF: %w", ErrWrite, err)
		}
	}
	return nil
}

// Apply sends cmd to the device, reconnecting first if a previous write
// failed. ON is a pulse: ON, hold for PulseDwell, then OFF regardless of
// cancellation. A command that arrives while a pulse is in progress is
// coalesced into it and not written, as is an ON that would start within
// CommandSpacing of the previous command.
func (c *Controller) Apply(ctx context.Context, cmd decision.Command) error {
	if c.pulsing.Load() {
		c.coalesce(cmd, "pulse in progress")
		return nil
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if c.isShutdown() {
		return ErrClosed
	}
	if cmd == decision.On && c.tooSoon() {
		c.coalesce(cmd, "within command spacing")
		return nil
	}
	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	start := c.clock.Now()

	if cmd != decision.On {
		if err := c.write(port, decision.Off); err != nil {
			c.writeFault(cmd, err)
			return fmt.Errorf("%w: %s: %w", ErrWrite, cmd, err)
		}
		c.applied(cmd, start)
		return nil
	}

	c.pulsing.Store(true)
	defer c.pulsing.Store(false)

	if err := c.write(port, decision.On); err != nil {
		c.writeFault(cmd, err)
		return fmt.Errorf("%w: %s: %w", ErrWrite, cmd, err)
	}
	if err := c.sleep(ctx, c.cfg.PulseDwell); err != nil {
		c.logger.Debug("pulse dwell cut short", "reason", err)
	}
	if err := c.write(port, decision.Off); err != nil {
		c.writeFault(cmd, err)
		return fmt.Errorf("%w: end of pulse: %w", ErrWrite, err)
	}
	c.applied(cmd, start)
	return nil
}

// tooSoon reports whether a command starting now would break CommandSpacing.
func (c *Controller) tooSoon() bool {
	if c.cfg.CommandSpacing <= 0 {
		return false
	}
	c.mu.Lock()
	last := c.lastStart
	c.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return c.clock.Since(last)+spacingJitter < c.cfg.CommandSpacing
}

func (c *Controller) applied(cmd decision.Command, start time.Time) {
	now := c.clock.Now()
	c.mu.Lock()
	c.session.LastCommandTime = now
	c.lastStart = start
	if cmd == decision.On {
		c.session.OnCount++
	} else {
		c.session.OffCount++
	}
	c.mu.Unlock()

	c.logger.Debug("actuator command applied", "command", cmd.String())
	c.notify(Event{Kind: EventApplied, Command: cmd})
}

func (c *Controller) coalesce(cmd decision.Command, reason string) {
	c.mu.Lock()
	c.session.Coalesced++
	c.mu.Unlock()
	c.logger.Debug("command coalesced", "command", cmd.String(), "reason", reason)
	c.notify(Event{Kind: EventCoalesced, Command: cmd})
}

// writeFault drops the port so the next Apply reopens it.
func (c *Controller) writeFault(cmd decision.Command, err error) {
	c.mu.Lock()
	port := c.port
	c.port = nil
	c.session.Failures++
	if c.state == Connected {
		c.state = Disconnected
	}
	c.reassert = true
	c.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
	c.logger.Warn("actuator write failed, command dropped", "command", cmd.String(), "err", err)
	c.notify(Event{Kind: EventWriteFailed, Command: cmd, Err: err.Error()})
	c.notify(Event{Kind: EventDisconnected})
}

// write sends one command. With a watchdog the write runs on its own
// goroutine and the port is closed if it does not complete in time, which
// unblocks the writer.
func (c *Controller) write(port serialport.SerialPorter, cmd decision.Command) error {
	if port == nil {
		return serialport.ErrPortClosed
	}
	if c.cfg.WriteTimeout < 0 {
		return serialport.WriteAll(port, cmd.Wire())
	}

	errc := make(chan error, 1)
	go func() { errc <- serialport.WriteAll(port, cmd.Wire()) }()

	t := c.clock.NewTimer(c.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case err := <-errc:
		return err
	case <-t.C():
		_ = port.Close()
		return fmt.Errorf("write %s timed out after %v", cmd, c.cfg.WriteTimeout)
	}
}

// sleep waits d on the controller clock. It returns early with ErrClosed on
// Shutdown or with the context error on cancellation.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Shutdown writes a final OFF and closes the port. It is safe to call more
// than once and from any goroutine; later calls return the first result.
// An in-progress dwell or back-off is cut short. When no port is open a
// single open is attempted so the device still receives OFF.
func (c *Controller) Shutdown() error {
	c.shutdownOnce.Do(func() {
		close(c.done)
		c.shutdownErr = c.shutdown()
	})
	return c.shutdownErr
}

func (c *Controller) shutdown() error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	port := c.port
	c.port = nil
	c.state = Closing
	c.mu.Unlock()

	var err error
	if port == nil {
		port, err = c.cfg.Opener.Open(c.cfg.PortPath, c.cfg.Options)
		if err != nil {
			c.logger.Error("actuator unreachable at shutdown, final OFF not delivered", "err", err)
			err = fmt.Errorf("open for final OFF: %w", err)
		}
	}
	if port != nil {
		if werr := c.write(port, decision.Off); werr != nil {
			c.logger.Error("final OFF write failed", "err", werr)
			err = fmt.Errorf("%w: final OFF: %w", ErrWrite, werr)
		}
		if cerr := port.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", c.cfg.PortPath, cerr)
		}
	}

	c.mu.Lock()
	c.state = Closed
	sess := c.session
	c.mu.Unlock()

	c.logger.Info("actuator shut down",
		"on_count", sess.OnCount,
		"off_count", sess.OffCount,
		"failures", sess.Failures,
		"coalesced", sess.Coalesced)
	ev := Event{Kind: EventShutdown}
	if err != nil {
		ev.Err = err.Error()
	}
	c.notify(ev)
	return err
}

// Trigger queues a manual command for Run to apply. It reports false when a
// manual command is already waiting.
func (c *Controller) Trigger(cmd decision.Command) bool {
	select {
	case c.manual <- cmd:
		return true
	default:
		return false
	}
}

// Run is the controller task. It connects, applies every command received
// on cmds, and always shuts down on return. A device that cannot be reached
// is returned as a *ConnectError; cancellation is a clean stop. After
// cancellation, commands still arriving on cmds (the aggregator's final
// window) are applied for up to ShutdownGrace.
func (c *Controller) Run(ctx context.Context, cmds <-chan decision.Command) error {
	defer c.Shutdown()

	if err := c.Connect(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return c.drain(cmds)
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return c.drain(cmds, cmd)
			}
			if err := c.handle(ctx, cmd, cmds); err != nil {
				return err
			}
		case cmd := <-c.manual:
			if err := c.handle(ctx, cmd, cmds); err != nil {
				return err
			}
		}
	}
}

// handle applies cmd and coalesces whatever queued behind it during a
// pulse. Only a connection failure is returned.
func (c *Controller) handle(ctx context.Context, cmd decision.Command, cmds <-chan decision.Command) error {
	err := c.Apply(ctx, cmd)
	if cmd == decision.On {
		c.coalesceQueued(cmds)
	}
	if err == nil {
		return nil
	}
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		return err
	}
	if !errors.Is(err, ErrWrite) && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
		c.logger.Warn("apply failed", "command", cmd.String(), "err", err)
	}
	return nil
}

func (c *Controller) coalesceQueued(cmds <-chan decision.Command) {
	for {
		select {
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			c.coalesce(cmd, "queued behind pulse")
		default:
			return
		}
	}
}

// drain applies the commands the aggregator flushes on cancellation,
// bounded by ShutdownGrace, until the channel closes.
func (c *Controller) drain(cmds <-chan decision.Command, pending ...decision.Command) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	grace := c.clock.NewTimer(c.cfg.ShutdownGrace)
	defer grace.Stop()
	go func() {
		select {
		case <-grace.C():
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, cmd := range pending {
		if err := c.handle(ctx, cmd, cmds); err != nil {
			return nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			c.logger.Warn("shutdown grace elapsed before command channel closed")
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, cmd, cmds); err != nil {
				return nil
			}
		}
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) isShutdown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Controller) notify(ev Event) {
	if len(c.cfg.Observers) == 0 {
		return
	}
	ev.Time = c.clock.Now()
	ev.SessionID = c.session.ID
	if ev.Kind == EventApplied || ev.Kind == EventWriteFailed || ev.Kind == EventCoalesced {
		ev.CommandName = ev.Command.String()
	}
	for _, obs := range c.cfg.Observers {
		obs(ev)
	}
}
