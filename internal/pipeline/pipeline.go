// Package pipeline runs the sorter: it pulls frames, publishes them to the
// relay cache, classifies them, and feeds the decisions through the window
// aggregator to the actuator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/classify"
	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/framecache"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

// ErrTransientSource marks a frame or classification failure. These are
// logged and retried; they never stop the pipeline.
var ErrTransientSource = errors.New("transient source fault")

// DefaultSourceRetryInterval is the pause after a failed frame pull.
const DefaultSourceRetryInterval = 500 * time.Millisecond

// FrameSource yields camera frames. Next blocks until a frame is available,
// ctx ends, or the source gives up on this attempt.
type FrameSource interface {
	Next(ctx context.Context) (framecache.Frame, error)
}

// Classifier turns one JPEG into a decision.
type Classifier interface {
	Classify(ctx context.Context, frame []byte) (classify.Result, error)
}

// Actuator consumes the aggregator's commands until the channel closes or
// ctx ends. A returned error stops the pipeline.
type Actuator interface {
	Run(ctx context.Context, cmds <-chan decision.Command) error
}

// Runner is a background task started alongside the pipeline. A source that
// also implements Runner (a network reader) is started automatically.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Hooks observe the capture loop. Every hook is optional and must not
// block.
type Hooks struct {
	OnFrame         func(framecache.Frame)
	OnDecision      func(decision.Decision, time.Duration)
	OnSourceFault   func(error)
	OnClassifyFault func(error)
}

// Config wires the pipeline's parts.
type Config struct {
	Source     FrameSource
	Classifier Classifier
	// Cache receives every frame before it is classified. Optional.
	Cache      *framecache.Cache
	Aggregator *decision.Aggregator
	Actuator   Actuator
	// Background tasks run until the pipeline stops. Their errors are
	// logged, not escalated.
	Background map[string]Runner

	SourceRetryInterval time.Duration
	Hooks               Hooks
	Clock               timeutil.Clock
	Logger              *slog.Logger
}

// Pipeline is a configured sorter run.
type Pipeline struct {
	cfg    Config
	clock  timeutil.Clock
	logger *slog.Logger
}

// New validates cfg.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("pipeline needs a frame source")
	case cfg.Classifier == nil:
		return nil, errors.New("pipeline needs a classifier")
	case cfg.Aggregator == nil:
		return nil, errors.New("pipeline needs an aggregator")
	case cfg.Actuator == nil:
		return nil, errors.New("pipeline needs an actuator")
	}
	if cfg.SourceRetryInterval < 0 {
		return nil, fmt.Errorf("source retry interval must be positive, got %v", cfg.SourceRetryInterval)
	}
	if cfg.SourceRetryInterval == 0 {
		cfg.SourceRetryInterval = DefaultSourceRetryInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Pipeline{
		cfg:    cfg,
		clock:  clock,
		logger: monitoring.Or(cfg.Logger).With("component", "pipeline"),
	}, nil
}

// Run starts every task and blocks until they have all stopped.
//
// Cancelling ctx is a clean stop: capture ends, the aggregator flushes the
// partial window and closes its channel, and the actuator applies that
// final command before shutting down. Run then returns nil. If the actuator
// fails (the device cannot be reached) the other tasks are cancelled and its
// error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for name, r := range p.background() {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil && gctx.Err() == nil {
				p.logger.Error("background task stopped", "task", name, "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		p.capture(gctx)
		return nil
	})
	g.Go(func() error {
		if err := p.cfg.Aggregator.Run(gctx); err != nil {
			return fmt.Errorf("aggregator: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return p.cfg.Actuator.Run(gctx, p.cfg.Aggregator.Commands())
	})

	err := g.Wait()
	if err != nil {
		p.logger.Error("pipeline stopped", "err", err)
		return err
	}
	p.logger.Info("pipeline stopped")
	return nil
}

func (p *Pipeline) background() map[string]Runner {
	out := make(map[string]Runner, len(p.cfg.Background)+1)
	for name, r := range p.cfg.Background {
		out[name] = r
	}
	if r, ok := p.cfg.Source.(Runner); ok {
		out["source"] = r
	}
	return out
}

// capture pulls, publishes and classifies frames until ctx ends.
func (p *Pipeline) capture(ctx context.Context) {
	for ctx.Err() == nil {
		frame, err := p.cfg.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("%w: %w", ErrTransientSource, err)
			p.logger.Warn("frame pull failed", "err", err, "retry", p.cfg.SourceRetryInterval)
			if h := p.cfg.Hooks.OnSourceFault; h != nil {
				h(err)
			}
			if timeutil.Wait(ctx, p.clock, p.cfg.SourceRetryInterval) != nil {
				return
			}
			continue
		}
		p.handleFrame(ctx, frame)
	}
}

// handleFrame classifies one frame. The frame reaches the cache first so a
// slow classifier never starves the relay.
func (p *Pipeline) handleFrame(ctx context.Context, frame framecache.Frame) {
	if p.cfg.Cache != nil {
		if frame.CapturedAt.IsZero() {
			p.cfg.Cache.Publish(frame.Data)
		} else {
			p.cfg.Cache.PublishAt(frame.Data, frame.CapturedAt)
		}
	}
	if h := p.cfg.Hooks.OnFrame; h != nil {
		h(frame)
	}

	start := p.clock.Now()
	res, err := p.cfg.Classifier.Classify(ctx, frame.Data)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("%w: classify: %w", ErrTransientSource, err)
		p.logger.Warn("frame dropped", "err", err)
		if h := p.cfg.Hooks.OnClassifyFault; h != nil {
			h(err)
		}
		return
	}

	now := p.clock.Now()
	p.cfg.Aggregator.Submit(res.Decision, now)
	if h := p.cfg.Hooks.OnDecision; h != nil {
		h(res.Decision, now.Sub(start))
	}
	p.logger.Debug("frame classified", "decision", res.Decision.String(), "detections", len(res.Detections))
}

// IsFatal reports whether err should end the process with a failure: the
// actuator could not be reached.
func IsFatal(err error) bool {
	var cerr *actuator.ConnectError
	return errors.As(err, &cerr) || errors.Is(err, actuator.ErrFailed)
}
