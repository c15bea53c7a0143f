package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/serialport"
)

// DefaultConfigPath is the canonical defaults file shipped with the repo.
const DefaultConfigPath = "config/sorter.defaults.json"

// ErrInvalidConfig marks a configuration the sorter refuses to start with.
var ErrInvalidConfig = errors.New("invalid configuration")

// Source kinds accepted by SourceConfig.Kind.
const (
	SourceDir   = "dir"
	SourceMJPEG = "mjpeg"
	SourceRedis = "redis"
)

// SorterConfig is the root configuration. Every field is optional; the Get*
// accessors supply defaults so partial files are safe. Durations are Go
// duration strings such as "3s".
type SorterConfig struct {
	// Decision window
	WindowDuration *string `json:"window_duration,omitempty"`
	Trigger        *string `json:"trigger,omitempty"` // "abnormal" or "normal"
	CommandBuffer  *int    `json:"command_buffer,omitempty"`

	// Actuator
	SerialPort     *string                 `json:"serial_port,omitempty"`
	Serial         *serialport.PortOptions `json:"serial,omitempty"`
	MaxRetries     *int                    `json:"max_retries,omitempty"`
	RetryBackoff   *string                 `json:"retry_backoff,omitempty"`
	PulseDwell     *string                 `json:"pulse_dwell,omitempty"`
	CommandSpacing *string                 `json:"command_spacing,omitempty"`
	WriteTimeout   *string                 `json:"write_timeout,omitempty"`
	ShutdownGrace  *string                 `json:"shutdown_grace,omitempty"`
	LockDir        *string                 `json:"lock_dir,omitempty"`

	// Frame cache and capture loop
	StaleAfter          *string `json:"stale_after,omitempty"`
	SourceRetryInterval *string `json:"source_retry_interval,omitempty"`

	Source     SourceConfig     `json:"source"`
	Classifier ClassifierConfig `json:"classifier"`
	Relay      RelayConfig      `json:"relay"`
	Store      StoreConfig      `json:"store"`
	MQTT       MQTTConfig       `json:"mqtt"`
}

// SourceConfig selects where frames come from.
type SourceConfig struct {
	Kind          string `json:"kind,omitempty"`
	Dir           string `json:"dir,omitempty"`
	URL           string `json:"url,omitempty"`
	FrameInterval string `json:"frame_interval,omitempty"`
}

// ClassifierConfig points at the inference endpoint and its label rules.
type ClassifierConfig struct {
	URL            string `json:"url,omitempty"`
	LabelsPath     string `json:"labels_path,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// RelayConfig configures the HTTP relay and optional Redis fan-out.
type RelayConfig struct {
	Listen    string `json:"listen,omitempty"`
	CameraID  string `json:"camera_id,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty"`
	RedisKey  string `json:"redis_key,omitempty"`
}

// StoreConfig configures the SQLite event store. Empty Path disables it.
type StoreConfig struct {
	Path string `json:"path,omitempty"`
}

// MQTTConfig configures event publication. Empty Broker disables it.
type MQTTConfig struct {
	Broker   string `json:"broker,omitempty"`
	Topic    string `json:"topic,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// EmptySorterConfig returns a config with every field unset.
func EmptySorterConfig() *SorterConfig {
	return &SorterConfig{}
}

// LoadConfig reads and validates a JSON config file. The path must end in
// .json and the file must be under 1MB.
func LoadConfig(path string) (*SorterConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", ErrInvalidConfig, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrInvalidConfig, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySorterConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or a parent. It panics when the file is missing and is meant for tests.
func MustLoadDefaultConfig() *SorterConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// positiveDuration parses an optional duration field and rejects zero or
// negative values.
func positiveDuration(name string, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return invalid("invalid %s %q: %v", name, *v, err)
	}
	if d <= 0 {
		return invalid("%s must be positive, got %s", name, *v)
	}
	return nil
}

// Validate checks every set field and the timing relationships between
// them. All errors wrap ErrInvalidConfig.
func (c *SorterConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"window_duration", c.WindowDuration},
		{"retry_backoff", c.RetryBackoff},
		{"pulse_dwell", c.PulseDwell},
		{"command_spacing", c.CommandSpacing},
		{"write_timeout", c.WriteTimeout},
		{"shutdown_grace", c.ShutdownGrace},
		{"stale_after", c.StaleAfter},
		{"source_retry_interval", c.SourceRetryInterval},
	}
	for _, d := range durations {
		if err := positiveDuration(d.name, d.v); err != nil {
			return err
		}
	}
	for name, v := range map[string]string{
		"source.frame_interval":      c.Source.FrameInterval,
		"classifier.request_timeout": c.Classifier.RequestTimeout,
	} {
		if v == "" {
			continue
		}
		if err := positiveDuration(name, &v); err != nil {
			return err
		}
	}

	if c.Trigger != nil {
		if _, err := decision.ParseDecision(*c.Trigger); err != nil {
			return invalid("trigger: %v", err)
		}
	}
	if c.MaxRetries != nil && *c.MaxRetries < 1 {
		return invalid("max_retries must be at least 1, got %d", *c.MaxRetries)
	}
	if c.CommandBuffer != nil && *c.CommandBuffer < 1 {
		return invalid("command_buffer must be at least 1, got %d", *c.CommandBuffer)
	}
	if c.SerialPort != nil && *c.SerialPort == "" {
		return invalid("serial_port must not be empty")
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			return invalid("serial: %v", err)
		}
	}

	// The dwell must end before the next command may be issued, and one
	// window must not produce commands faster than the spacing allows.
	dwell, spacing, window := c.GetPulseDwell(), c.GetCommandSpacing(), c.GetWindowDuration()
	if dwell >= spacing {
		return invalid("pulse_dwell (%v) must be shorter than command_spacing (%v)", dwell, spacing)
	}
	if spacing > window {
		return invalid("command_spacing (%v) must not exceed window_duration (%v)", spacing, window)
	}

	switch c.Source.Kind {
	case "", SourceDir, SourceMJPEG, SourceRedis:
	default:
		return invalid("unknown source kind %q", c.Source.Kind)
	}
	if c.Source.Kind == SourceMJPEG && c.Source.URL == "" {
		return invalid("source.url is required for the mjpeg source")
	}
	if c.Source.Kind == SourceRedis && c.Relay.RedisAddr == "" {
		return invalid("relay.redis_addr is required for the redis source")
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetWindowDuration returns window_duration or 3s.
func (c *SorterConfig) GetWindowDuration() time.Duration {
	return durationOr(c.WindowDuration, 3*time.Second)
}

// GetTrigger returns the decision class that drives ON, default abnormal.
func (c *SorterConfig) GetTrigger() decision.Decision {
	if c.Trigger == nil {
		return decision.Abnormal
	}
	d, err := decision.ParseDecision(*c.Trigger)
	if err != nil {
		return decision.Abnormal
	}
	return d
}

// GetCommandBuffer returns command_buffer or 4.
func (c *SorterConfig) GetCommandBuffer() int {
	if c.CommandBuffer == nil {
		return 4
	}
	return *c.CommandBuffer
}

// GetSerialPort returns serial_port or /dev/ttyACM0.
func (c *SorterConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyACM0"
	}
	return *c.SerialPort
}

// GetSerialOptions returns the normalised serial options.
func (c *SorterConfig) GetSerialOptions() serialport.PortOptions {
	var opts serialport.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalise(); err == nil {
		return n
	}
	return opts
}

// GetMaxRetries returns max_retries or 3.
func (c *SorterConfig) GetMaxRetries() int {
	if c.MaxRetries == nil {
		return 3
	}
	return *c.MaxRetries
}

// GetRetryBackoff returns retry_backoff or 2s.
func (c *SorterConfig) GetRetryBackoff() time.Duration {
	return durationOr(c.RetryBackoff, 2*time.Second)
}

// GetPulseDwell returns pulse_dwell or 1s.
func (c *SorterConfig) GetPulseDwell() time.Duration {
	return durationOr(c.PulseDwell, time.Second)
}

// GetCommandSpacing returns command_spacing or 3s.
func (c *SorterConfig) GetCommandSpacing() time.Duration {
	return durationOr(c.CommandSpacing, 3*time.Second)
}

// GetWriteTimeout returns write_timeout or 2s.
func (c *SorterConfig) GetWriteTimeout() time.Duration {
	return durationOr(c.WriteTimeout, 2*time.Second)
}

// GetShutdownGrace returns shutdown_grace or 2s.
func (c *SorterConfig) GetShutdownGrace() time.Duration {
	return durationOr(c.ShutdownGrace, 2*time.Second)
}

// GetLockDir returns lock_dir; empty disables port locking.
func (c *SorterConfig) GetLockDir() string {
	if c.LockDir == nil {
		return ""
	}
	return *c.LockDir
}

// GetStaleAfter returns stale_after or 5s.
func (c *SorterConfig) GetStaleAfter() time.Duration {
	return durationOr(c.StaleAfter, 5*time.Second)
}

// GetSourceRetryInterval returns source_retry_interval or 500ms.
func (c *SorterConfig) GetSourceRetryInterval() time.Duration {
	return durationOr(c.SourceRetryInterval, 500*time.Millisecond)
}

// GetSourceKind returns source.kind or "dir".
func (c *SorterConfig) GetSourceKind() string {
	if c.Source.Kind == "" {
		return SourceDir
	}
	return c.Source.Kind
}

// GetFrameInterval returns source.frame_interval or 100ms.
func (c *SorterConfig) GetFrameInterval() time.Duration {
	v := c.Source.FrameInterval
	return durationOr(&v, 100*time.Millisecond)
}

// GetRequestTimeout returns classifier.request_timeout or 2s.
func (c *SorterConfig) GetRequestTimeout() time.Duration {
	v := c.Classifier.RequestTimeout
	return durationOr(&v, 2*time.Second)
}

// GetRelayListen returns relay.listen or :8080.
func (c *SorterConfig) GetRelayListen() string {
	if c.Relay.Listen == "" {
		return ":8080"
	}
	return c.Relay.Listen
}

// GetCameraID returns relay.camera_id or "0".
func (c *SorterConfig) GetCameraID() string {
	if c.Relay.CameraID == "" {
		return "0"
	}
	return c.Relay.CameraID
}

// GetRedisKey returns relay.redis_key or sorter:frame:<camera id>.
func (c *SorterConfig) GetRedisKey() string {
	if c.Relay.RedisKey == "" {
		return "sorter:frame:" + c.GetCameraID()
	}
	return c.Relay.RedisKey
}

// GetMQTTTopic returns mqtt.topic or "sorter".
func (c *SorterConfig) GetMQTTTopic() string {
	if c.MQTT.Topic == "" {
		return "sorter"
	}
	return c.MQTT.Topic
}
