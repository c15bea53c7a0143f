package db

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
)

// DefaultRecorderBuffer is the number of records queued before new ones are
// dropped.
const DefaultRecorderBuffer = 256

// recordTimeout bounds a single record write so a locked database cannot
// stall shutdown.
const recordTimeout = 5 * time.Second

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Buffer  int
	Trigger decision.Decision
	// Session, if set, is read after every actuator event and stored.
	Session func() actuator.Session
	Logger  *slog.Logger
}

type record struct {
	window *decision.Result
	event  *actuator.Event
}

// Recorder writes windows and actuator events to the database from its own
// goroutine. The Observe methods never block: the sort path must not wait on
// disk, so records are dropped when the queue is full.
type Recorder struct {
	db     *DB
	cfg    RecorderConfig
	logger *slog.Logger
	queue  chan record

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder returns a Recorder for db. Call Run to start writing.
func NewRecorder(db *DB, cfg RecorderConfig) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultRecorderBuffer
	}
	return &Recorder{
		db:     db,
		cfg:    cfg,
		logger: monitoring.Or(cfg.Logger).With("component", "recorder"),
		queue:  make(chan record, cfg.Buffer),
	}
}

// ObserveWindow queues a closed window. It has the aggregator's OnFlush
// signature.
func (r *Recorder) ObserveWindow(res decision.Result) {
	r.enqueue(record{window: &res})
}

// ObserveEvent queues an actuator event. It is an actuator.Observer.
func (r *Recorder) ObserveEvent(ev actuator.Event) {
	r.enqueue(record{event: &ev})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("recorder queue full, dropping records")
		}
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is
// left. Records are written with a context that outlives ctx, so one taken
// off the queue after cancellation still reaches the database.
func (r *Recorder) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Flush(writeCtx)
			return nil
		case rec := <-r.queue:
			r.write(writeCtx, rec)
		}
	}
}

// Flush writes every queued record without waiting for more. It is used
// after Run has returned to capture the controller's final events.
func (r *Recorder) Flush(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec record) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	var err error
	switch {
	case rec.window != nil:
		err = r.db.RecordWindow(ctx, *rec.window, r.cfg.Trigger)
	case rec.event != nil:
		err = r.db.RecordEvent(ctx, *rec.event)
		if err == nil && r.cfg.Session != nil {
			err = r.db.UpsertSession(ctx, r.cfg.Session())
		}
	}
	if err != nil {
		r.failed.Add(1)
		r.logger.Error("failed to record", "err", err)
		return
	}
	r.written.Add(1)
}

// RecorderStats counts record outcomes.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}
