// Package framecache holds the most recent camera frame for consumers that
// run at their own pace, such as the MJPEG relay. There is one slot: every
// publish replaces it, nothing is queued, and a frame older than the
// staleness threshold reads as absent.
package framecache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

// DefaultStaleAfter is used when Config.StaleAfter is zero.
const DefaultStaleAfter = 5 * time.Second

// Frame is an encoded image and the time it was captured.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Age returns how old the frame is at now.
func (f Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedAt)
}

// Status classifies a lookup.
type Status int

const (
	// Empty means nothing was ever published.
	Empty Status = iota
	// Stale means the last frame is older than the threshold.
	Stale
	// Fresh means the frame may be served.
	Fresh
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Stale:
		return "stale"
	case Fresh:
		return "fresh"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ErrStale is returned by helpers that need a fresh frame.
var ErrStale = errors.New("no fresh frame")

// Config configures a Cache.
type Config struct {
	StaleAfter time.Duration
	Clock      timeutil.Clock
}

// Cache is safe for one publisher and any number of readers. Readers never
// block the publisher and never see a partially written frame: each publish
// swaps in a new immutable frame.
type Cache struct {
	staleAfter time.Duration
	clock      timeutil.Clock

	slot atomic.Pointer[Frame]

	published  atomic.Uint64
	freshReads atomic.Uint64
	staleReads atomic.Uint64
	emptyReads atomic.Uint64
}

// New returns an empty cache. A negative StaleAfter is rejected.
func New(cfg Config) (*Cache, error) {
	if cfg.StaleAfter < 0 {
		return nil, fmt.Errorf("staleness threshold must be positive, got %v", cfg.StaleAfter)
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Cache{staleAfter: cfg.StaleAfter, clock: clock}, nil
}

// StaleAfter returns the staleness threshold.
func (c *Cache) StaleAfter() time.Duration {
	return c.staleAfter
}

// Publish stores a copy of data captured now.
func (c *Cache) Publish(data []byte) {
	c.PublishAt(data, c.clock.Now())
}

// PublishAt stores a copy of data with an explicit capture time.
func (c *Cache) PublishAt(data []byte, capturedAt time.Time) {
	f := &Frame{Data: append([]byte(nil), data...), CapturedAt: capturedAt}
	c.slot.Store(f)
	c.published.Add(1)
}

// Read returns a copy of the current frame if it is no older than the
// staleness threshold.
func (c *Cache) Read() (Frame, bool) {
	f, st := c.Lookup()
	return f, st == Fresh
}

// Lookup is Read with the reason a frame is missing. The returned frame is
// a copy when Fresh and the zero Frame otherwise.
func (c *Cache) Lookup() (Frame, Status) {
	f := c.slot.Load()
	if f == nil {
		c.emptyReads.Add(1)
		return Frame{}, Empty
	}
	if f.Age(c.clock.Now()) > c.staleAfter {
		c.staleReads.Add(1)
		return Frame{}, Stale
	}
	c.freshReads.Add(1)
	return Frame{Data: append([]byte(nil), f.Data...), CapturedAt: f.CapturedAt}, Fresh
}

// CapturedAt returns the capture time of the slot without copying the data,
// or the zero time if nothing was published.
func (c *Cache) CapturedAt() time.Time {
	if f := c.slot.Load(); f != nil {
		return f.CapturedAt
	}
	return time.Time{}
}

// Stats counts publishes and reads by outcome.
type Stats struct {
	Published  uint64    `json:"published"`
	FreshReads uint64    `json:"fresh_reads"`
	StaleReads uint64    `json:"stale_reads"`
	EmptyReads uint64    `json:"empty_reads"`
	LastFrame  time.Time `json:"last_frame,omitzero"`
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Published:  c.published.Load(),
		FreshReads: c.freshReads.Load(),
		StaleReads: c.staleReads.Load(),
		EmptyReads: c.emptyReads.Load(),
		LastFrame:  c.CapturedAt(),
	}
}
