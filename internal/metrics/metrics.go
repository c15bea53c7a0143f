// Package metrics exports sorter instrumentation to Prometheus.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/framecache"
	"github.com/banshee-data/pear-sorter/internal/pipeline"
)

var (
	// FramesCaptured counts frames pulled from the source.
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sorter_frames_captured_total",
		Help: "Frames pulled from the camera source",
	})

	// SourceFaults counts failed frame pulls.
	SourceFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sorter_source_faults_total",
		Help: "Failed frame pulls (camera unreachable, no fresh frame)",
	})

	// ClassifyFaults counts frames dropped because classification failed.
	ClassifyFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sorter_classify_faults_total",
		Help: "Frames dropped because classification failed",
	})

	// Decisions counts per-frame decisions by class.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_decisions_total",
		Help: "Per-frame decisions by class",
	}, []string{"decision"})

	// ClassifyLatency is the time spent classifying one frame.
	ClassifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sorter_classify_latency_seconds",
		Help:    "Time spent classifying one frame",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// Windows counts closed aggregation windows by resulting command.
	Windows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_windows_total",
		Help: "Closed aggregation windows by resulting command",
	}, []string{"command"})

	// WindowFrames is the number of decisions tallied per window.
	WindowFrames = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sorter_window_frames",
		Help:    "Decisions tallied per closed window",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	// ActuatorEvents counts controller events by kind.
	ActuatorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_actuator_events_total",
		Help: "Actuator controller events by kind",
	}, []string{"kind"})

	// ActuatorConnected is 1 while the serial link is open.
	ActuatorConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sorter_actuator_connected",
		Help: "1 while the actuator serial link is open",
	})

	watched atomic.Pointer[framecache.Cache]

	// FrameAge is the age of the cached frame, or -1 when nothing has been
	// published.
	FrameAge = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sorter_frame_age_seconds",
		Help: "Age of the newest cached frame, -1 when empty",
	}, frameAge)
)

// WatchCache makes FrameAge report c.
func WatchCache(c *framecache.Cache) {
	watched.Store(c)
}

func frameAge() float64 {
	c := watched.Load()
	if c == nil {
		return -1
	}
	at := c.CapturedAt()
	if at.IsZero() {
		return -1
	}
	return time.Since(at).Seconds()
}

// PipelineHooks returns capture loop hooks that update the counters above.
func PipelineHooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnFrame:         func(framecache.Frame) { FramesCaptured.Inc() },
		OnSourceFault:   func(error) { SourceFaults.Inc() },
		OnClassifyFault: func(error) { ClassifyFaults.Inc() },
		OnDecision: func(d decision.Decision, took time.Duration) {
			Decisions.WithLabelValues(d.String()).Inc()
			ClassifyLatency.Observe(took.Seconds())
		},
	}
}

// ObserveWindow records a closed window. It has the aggregator's OnFlush
// signature.
func ObserveWindow(res decision.Result) {
	Windows.WithLabelValues(res.Command.String()).Inc()
	WindowFrames.Observe(float64(res.Normal + res.Abnormal))
}

// ObserveActuator records a controller event. It is an actuator.Observer.
func ObserveActuator(ev actuator.Event) {
	ActuatorEvents.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case actuator.EventConnected:
		ActuatorConnected.Set(1)
	case actuator.EventDisconnected, actuator.EventShutdown:
		ActuatorConnected.Set(0)
	}
}
