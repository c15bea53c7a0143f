package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/pear-sorter/internal/framecache"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

// Envelope is the msgpack record stored under a camera's Redis key.
type Envelope struct {
	CameraID   string `msgpack:"camera_id"`
	CapturedAt int64  `msgpack:"captured_at"` // unix nanoseconds
	Data       []byte `msgpack:"data"`
}

// EncodeFrame packs f for Redis.
func EncodeFrame(cameraID string, f framecache.Frame) ([]byte, error) {
	return msgpack.Marshal(Envelope{CameraID: cameraID, CapturedAt: f.CapturedAt.UnixNano(), Data: f.Data})
}

// DecodeFrame unpacks a record written by EncodeFrame.
func DecodeFrame(b []byte) (string, framecache.Frame, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return "", framecache.Frame{}, fmt.Errorf("decode frame envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return "", framecache.Frame{}, errors.New("frame envelope has no data")
	}
	return env.CameraID, framecache.Frame{Data: env.Data, CapturedAt: time.Unix(0, env.CapturedAt)}, nil
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisPublisher copies the newest fresh frame of a cache to a Redis key.
// The key expires after the staleness threshold, so readers on other
// machines see nothing rather than an old frame when capture stops.
type RedisPublisher struct {
	client   redis.Cmdable
	key      string
	cameraID string
	cache    *framecache.Cache
	interval time.Duration
	clock    timeutil.Clock
	logger   *slog.Logger

	last      time.Time
	published atomic.Uint64
	failures  atomic.Uint64
}

// NewRedisPublisher publishes cache under key every interval.
func NewRedisPublisher(client redis.Cmdable, key, cameraID string, cache *framecache.Cache, interval time.Duration, clock timeutil.Clock, logger *slog.Logger) *RedisPublisher {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &RedisPublisher{
		client:   client,
		key:      key,
		cameraID: cameraID,
		cache:    cache,
		interval: interval,
		clock:    clock,
		logger:   monitoring.Or(logger).With("component", "redis_publisher", "key", key),
	}
}

// PublishOnce writes the current frame if it is fresh and has not been
// written before. It reports whether a frame was written.
func (p *RedisPublisher) PublishOnce(ctx context.Context) (bool, error) {
	f, ok := p.cache.Read()
	if !ok || !f.CapturedAt.After(p.last) {
		return false, nil
	}
	b, err := EncodeFrame(p.cameraID, f)
	if err != nil {
		return false, err
	}
	if err := p.client.Set(ctx, p.key, b, p.cache.StaleAfter()).Err(); err != nil {
		p.failures.Add(1)
		return false, fmt.Errorf("redis set %s: %w", p.key, err)
	}
	p.last = f.CapturedAt
	p.published.Add(1)
	return true, nil
}

// Run publishes until ctx is cancelled. Redis errors are logged and
// retried on the next tick.
func (p *RedisPublisher) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("frame publish failed", "err", err)
			}
		}
	}
}

// Published counts frames written.
func (p *RedisPublisher) Published() uint64 {
	return p.published.Load()
}

// RedisSource reads frames published by a RedisPublisher on another
// machine. It applies the same staleness rule as the local cache.
type RedisSource struct {
	client     redis.Cmdable
	key        string
	staleAfter time.Duration
	poll       time.Duration
	clock      timeutil.Clock

	last time.Time
}

// NewRedisSource polls key every poll interval.
func NewRedisSource(client redis.Cmdable, key string, staleAfter, poll time.Duration, clock timeutil.Clock) *RedisSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if staleAfter <= 0 {
		staleAfter = framecache.DefaultStaleAfter
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &RedisSource{client: client, key: key, staleAfter: staleAfter, poll: poll, clock: clock}
}

// Next returns the newest unseen fresh frame, polling for up to the
// staleness threshold.
func (s *RedisSource) Next(ctx context.Context) (framecache.Frame, error) {
	deadline := s.clock.Now().Add(s.staleAfter)
	for {
		f, err := s.fetch(ctx)
		if err != nil {
			return framecache.Frame{}, err
		}
		if f != nil {
			s.last = f.CapturedAt
			return *f, nil
		}
		if !s.clock.Now().Before(deadline) {
			return framecache.Frame{}, fmt.Errorf("%w within %v", ErrNoFrame, s.staleAfter)
		}
		if err := timeutil.Wait(ctx, s.clock, s.poll); err != nil {
			return framecache.Frame{}, err
		}
	}
}

// fetch returns nil when the key is missing, stale or already seen.
func (s *RedisSource) fetch(ctx context.Context) (*framecache.Frame, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	_, f, err := DecodeFrame(b)
	if err != nil {
		return nil, err
	}
	if s.clock.Since(f.CapturedAt) > s.staleAfter || !f.CapturedAt.After(s.last) {
		return nil, nil
	}
	return &f, nil
}
