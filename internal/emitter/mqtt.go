// Package emitter publishes window results and actuator events to an MQTT
// broker for line dashboards.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
)

var errNotConnected = errors.New("mqtt not connected")

// Config configures an MQTTEmitter.
type Config struct {
	// Broker is host:port, or a full URL such as ssl://host:8883.
	Broker   string
	ClientID string
	// Topic is the prefix; windows go to <Topic>/windows and actuator
	// events to <Topic>/actuator.
	Topic          string
	QoS            byte
	Buffer         int
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

type message struct {
	topic   string
	payload []byte
}

// MQTTEmitter publishes from its own goroutine. Observers enqueue without
// blocking and drop messages when the queue is full.
type MQTTEmitter struct {
	cfg    Config
	logger *slog.Logger
	Client mqtt.Client

	queue     chan message
	connected atomic.Bool

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
	dropped   uint64
}

// NewMQTTEmitter creates an emitter. Call Connect, then Run.
func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = "sorter"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pear-sorter"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    monitoring.Or(cfg.Logger).With("component", "mqtt", "broker", cfg.Broker),
		queue:     make(chan message, cfg.Buffer),
		published: make(map[string]uint64),
	}
}

// WindowTopic is where window results are published.
func (e *MQTTEmitter) WindowTopic() string { return e.cfg.Topic + "/windows" }

// ActuatorTopic is where actuator events are published.
func (e *MQTTEmitter) ActuatorTopic() string { return e.cfg.Topic + "/actuator" }

// Connect establishes the broker connection. The client keeps reconnecting
// in the background after a loss, so a failed first attempt is not final.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.connected.Store(true)
		e.logger.Info("mqtt connection established", "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.connected.Store(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", "err", err)
	}

	e.Client = mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker")

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.connected.Store(true)
	return nil
}

// WindowMessage is the JSON payload of a window result.
type WindowMessage struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Normal   int       `json:"normal"`
	Abnormal int       `json:"abnormal"`
	Command  string    `json:"command"`
	Final    bool      `json:"final,omitempty"`
}

// WindowPayload encodes res for publication.
func WindowPayload(res decision.Result) ([]byte, error) {
	return json.Marshal(WindowMessage{
		Start:    res.Start.UTC(),
		End:      res.End.UTC(),
		Normal:   res.Normal,
		Abnormal: res.Abnormal,
		Command:  res.Command.String(),
		Final:    res.Final,
	})
}

// EventPayload encodes ev for publication.
func EventPayload(ev actuator.Event) ([]byte, error) {
	if ev.CommandName == "" && ev.Kind == actuator.EventApplied {
		ev.CommandName = ev.Command.String()
	}
	ev.Time = ev.Time.UTC()
	return json.Marshal(ev)
}

// ObserveWindow queues a window result. It has the aggregator's OnFlush
// signature.
func (e *MQTTEmitter) ObserveWindow(res decision.Result) {
	payload, err := WindowPayload(res)
	if err != nil {
		e.countError()
		return
	}
	e.enqueue(message{topic: e.WindowTopic(), payload: payload})
}

// ObserveEvent queues an actuator event. It is an actuator.Observer.
func (e *MQTTEmitter) ObserveEvent(ev actuator.Event) {
	payload, err := EventPayload(ev)
	if err != nil {
		e.countError()
		return
	}
	e.enqueue(message{topic: e.ActuatorTopic(), payload: payload})
}

func (e *MQTTEmitter) enqueue(m message) {
	select {
	case e.queue <- m:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Run publishes queued messages until ctx is cancelled, then disconnects.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	defer e.Disconnect()
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return nil
		case m := <-e.queue:
			if err := e.publish(m); err != nil {
				e.logger.Debug("mqtt publish failed", "topic", m.topic, "err", err)
			}
		}
	}
}

// drain publishes whatever is already queued.
func (e *MQTTEmitter) drain() {
	for {
		select {
		case m := <-e.queue:
			_ = e.publish(m)
		default:
			return
		}
	}
}

func (e *MQTTEmitter) publish(m message) error {
	if e.Client == nil || !e.connected.Load() {
		e.countError()
		return errNotConnected
	}
	token := e.Client.Publish(m.topic, e.cfg.QoS, false, m.payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	e.mu.Lock()
	e.published[m.topic]++
	e.mu.Unlock()
	return nil
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.connected.Store(false)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected.Load(),
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}
