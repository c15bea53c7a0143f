package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pear-sorter/internal/framecache"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// ErrNoFrame is returned by Next when no new frame arrived in time.
var ErrNoFrame = errors.New("no new frame")

// DefaultMaxFrameSize bounds a single JPEG extracted from a stream.
const DefaultMaxFrameSize = 8 << 20

// SplitJPEG is a bufio.SplitFunc that yields whole JPEG images delimited by
// their SOI and EOI markers. Bytes between images (multipart headers and
// boundaries) are discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF that may begin a marker
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(soi) + end + len(eoi)
	return stop, data[start:stop], nil
}

// StreamConfig configures a StreamSource.
type StreamConfig struct {
	// URL of a multipart/x-mixed-replace MJPEG feed.
	URL string
	// Client performs the request. It must not set an overall Timeout since
	// the response body never ends; use IdleTimeout instead.
	Client *http.Client
	// StaleAfter is the frame staleness threshold S.
	StaleAfter time.Duration
	// IdleTimeout drops the connection when no bytes arrive for this long.
	IdleTimeout time.Duration
	// ReconnectBackoff is the pause between connection attempts.
	ReconnectBackoff time.Duration
	MaxFrameSize     int

	Clock  timeutil.Clock
	Logger *slog.Logger
}

// StreamSource reads a remote camera's MJPEG feed in the background and
// serves the newest frame to the pipeline. A slow or dead network never
// blocks Next for longer than StaleAfter.
type StreamSource struct {
	cfg    StreamConfig
	clock  timeutil.Clock
	logger *slog.Logger
	cache  *framecache.Cache

	seq     atomic.Uint64
	notify  chan struct{}
	lastSeq uint64

	reconnects atomic.Uint64
}

// NewStreamSource validates cfg. Call Run to start reading.
func NewStreamSource(cfg StreamConfig) (*StreamSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("stream url is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cache, err := framecache.New(framecache.Config{StaleAfter: cfg.StaleAfter, Clock: clock})
	if err != nil {
		return nil, err
	}
	return &StreamSource{
		cfg:    cfg,
		clock:  clock,
		logger: monitoring.Or(cfg.Logger).With("component", "stream", "url", cfg.URL),
		cache:  cache,
		notify: make(chan struct{}, 1),
	}, nil
}

// Cache exposes the source's latest-frame slot.
func (s *StreamSource) Cache() *framecache.Cache {
	return s.cache
}

// Reconnects counts stream restarts.
func (s *StreamSource) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Run reads the stream until ctx is cancelled, reconnecting after every
// failure. It returns nil on cancellation.
func (s *StreamSource) Run(ctx context.Context) error {
	for {
		err := s.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.reconnects.Add(1)
		s.logger.Warn("camera stream interrupted, reconnecting", "err", err, "backoff", s.cfg.ReconnectBackoff)
		if err := timeutil.Wait(ctx, s.clock, s.cfg.ReconnectBackoff); err != nil {
			return nil
		}
	}
}

func (s *StreamSource) stream(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("camera returned %s", resp.Status)
	}
	s.logger.Info("camera stream connected")

	body := newIdleReader(resp.Body, s.clock, s.cfg.IdleTimeout, cancel)
	defer body.stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), s.cfg.MaxFrameSize)
	scanner.Split(SplitJPEG)
	for scanner.Scan() {
		s.cache.Publish(scanner.Bytes())
		s.seq.Add(1)
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		if body.timedOut() {
			return fmt.Errorf("no data for %v", s.cfg.IdleTimeout)
		}
		return err
	}
	return io.ErrUnexpectedEOF
}

// Next returns the newest frame not yet returned. It waits up to the
// staleness threshold for one to arrive and reports ErrNoFrame otherwise.
// Next is meant for a single consumer.
func (s *StreamSource) Next(ctx context.Context) (framecache.Frame, error) {
	timer := s.clock.NewTimer(s.cache.StaleAfter())
	defer timer.Stop()
	for {
		if seq := s.seq.Load(); seq != s.lastSeq {
			if f, ok := s.cache.Read(); ok {
				s.lastSeq = seq
				return f, nil
			}
		}
		select {
		case <-ctx.Done():
			return framecache.Frame{}, ctx.Err()
		case <-timer.C():
			return framecache.Frame{}, fmt.Errorf("%w within %v", ErrNoFrame, s.cache.StaleAfter())
		case <-s.notify:
		}
	}
}

// idleReader cancels the request when Read has not returned data for d.
type idleReader struct {
	r       io.Reader
	timer   timeutil.Timer
	d       time.Duration
	done    chan struct{}
	expired atomic.Bool
}

func newIdleReader(r io.Reader, clock timeutil.Clock, d time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timer: clock.NewTimer(d), d: d, done: make(chan struct{})}
	go func() {
		select {
		case <-ir.timer.C():
			ir.expired.Store(true)
			cancel()
		case <-ir.done:
		}
	}()
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.d)
	}
	return n, err
}

func (ir *idleReader) timedOut() bool {
	return ir.expired.Load()
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
	close(ir.done)
}
