package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

// ErrAlreadyRunning is returned when Run is called a second time.
var ErrAlreadyRunning = errors.New("aggregator already running")

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// Window is the fixed duration W over which decisions are tallied.
	Window time.Duration
	// Trigger is the decision class whose majority produces On.
	Trigger Decision
	// Buffer is the capacity of the outgoing command channel (default 4).
	Buffer int
	Clock  timeutil.Clock
	Logger *slog.Logger
	// OnFlush, if set, observes every closed window. It runs on the
	// flushing goroutine and must not block.
	OnFlush func(Result)
}

// Aggregator buffers per-frame decisions and reduces them to one Command
// per window by majority vote.
//
// Submit may be called from any goroutine. Run owns the outgoing channel
// and closes it when it returns.
type Aggregator struct {
	cfg    AggregatorConfig
	clock  timeutil.Clock
	logger *slog.Logger
	out    chan Command

	mu     sync.Mutex
	window Window

	running   atomic.Bool
	submitted atomic.Uint64
	flushed   atomic.Uint64
	displaced atomic.Uint64
}

// NewAggregator validates cfg and returns an Aggregator whose first window
// starts now.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %v", cfg.Window)
	}
	if cfg.Trigger != Normal && cfg.Trigger != Abnormal {
		return nil, fmt.Errorf("invalid trigger decision %v", cfg.Trigger)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Aggregator{
		cfg:    cfg,
		clock:  clock,
		logger: monitoring.Or(cfg.Logger).With("component", "aggregator"),
		out:    make(chan Command, cfg.Buffer),
		window: Window{Start: clock.Now()},
	}, nil
}

// Commands returns the bounded channel on which Run emits one command per
// window. It is closed when Run returns.
func (a *Aggregator) Commands() <-chan Command {
	return a.out
}

// Submit counts d in the current window. It never blocks on downstream
// consumers and never fails.
func (a *Aggregator) Submit(d Decision, at time.Time) {
	a.mu.Lock()
	a.window.Add(d, at)
	a.mu.Unlock()
	a.submitted.Add(1)
}

// Current returns a copy of the open window.
func (a *Aggregator) Current() Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.window
}

// Poll closes the window and returns its command if at least W has elapsed
// since it opened. It is the pull-driven alternative to Run; do not mix the
// two on one Aggregator.
func (a *Aggregator) Poll(now time.Time) (Command, bool) {
	a.mu.Lock()
	if now.Sub(a.window.Start) < a.cfg.Window {
		a.mu.Unlock()
		return Off, false
	}
	res := a.closeLocked(now, false)
	a.mu.Unlock()

	a.observe(res)
	return res.Command, true
}

// Flush closes the current window unconditionally and opens a new one at
// now.
func (a *Aggregator) Flush(now time.Time) Result {
	a.mu.Lock()
	res := a.closeLocked(now, false)
	a.mu.Unlock()

	a.observe(res)
	return res
}

func (a *Aggregator) closeLocked(now time.Time, final bool) Result {
	w := a.window
	a.window = Window{Start: now}
	return Result{
		Start:    w.Start,
		End:      now,
		Normal:   w.Normal,
		Abnormal: w.Abnormal,
		Command:  w.Vote(a.cfg.Trigger),
		Final:    final,
	}
}

func (a *Aggregator) observe(res Result) {
	a.flushed.Add(1)
	level := slog.LevelDebug
	if res.Command == On {
		level = slog.LevelInfo
	}
	a.logger.Log(context.Background(), level, "window closed",
		"command", res.Command.String(),
		"normal", res.Normal,
		"abnormal", res.Abnormal,
		"final", res.Final)
	if a.cfg.OnFlush != nil {
		a.cfg.OnFlush(res)
	}
}

// Run flushes one window per period until ctx is cancelled, emitting each
// command on Commands(). On cancellation the partial window is flushed as a
// final command before the channel is closed.
func (a *Aggregator) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(a.out)

	a.mu.Lock()
	if a.window.Total() == 0 {
		a.window.Start = a.clock.Now()
	}
	a.mu.Unlock()

	ticker := a.clock.NewTicker(a.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			res := a.closeLocked(a.clock.Now(), true)
			a.mu.Unlock()
			a.observe(res)
			a.emit(res.Command)
			return nil
		case now := <-ticker.C():
			a.emit(a.Flush(now).Command)
		}
	}
}

// emit hands cmd to the controller without blocking. A full channel means
// the controller is behind; the oldest queued command is displaced so the
// newest window always reaches it.
func (a *Aggregator) emit(cmd Command) {
	select {
	case a.out <- cmd:
		return
	default:
	}

	select {
	case old := <-a.out:
		a.displaced.Add(1)
		a.logger.Warn("command channel full, displacing oldest command",
			"displaced", old.String(), "command", cmd.String())
	default:
	}

	select {
	case a.out <- cmd:
	default:
		a.displaced.Add(1)
		a.logger.Error("command channel still full, dropping command", "command", cmd.String())
	}
}

// Stats is a point-in-time view of the aggregator counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Flushed   uint64 `json:"flushed"`
	Displaced uint64 `json:"displaced"`
}

// Stats returns the aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Submitted: a.submitted.Load(),
		Flushed:   a.flushed.Load(),
		Displaced: a.displaced.Load(),
	}
}
