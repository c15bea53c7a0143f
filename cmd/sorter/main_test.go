package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/config"
	"github.com/banshee-data/pear-sorter/internal/db"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/serialport"
	"github.com/banshee-data/pear-sorter/internal/testutil"
)

func TestFlagsExist(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{"config", config.DefaultConfigPath},
		{"disable-actuator", "false"},
		{"listen", ""},
		{"log-level", "info"},
		{"log-format", "auto"},
		{"version", "false"},
	}
	for _, tt := range tests {
		f := flag.Lookup(tt.name)
		if f == nil {
			t.Errorf("flag -%s not registered", tt.name)
			continue
		}
		if f.DefValue != tt.def {
			t.Errorf("flag -%s default = %q, want %q", tt.name, f.DefValue, tt.def)
		}
	}
}

func TestExitCode(t *testing.T) {
	logger := monitoring.Discard()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean stop", nil, exitOK},
		{"bad config", fmt.Errorf("%w: classifier.url is required", config.ErrInvalidConfig), exitConfigError},
		{"actuator unreachable", &actuator.ConnectError{Path: "/dev/ttyACM0", Attempts: 3, Err: errors.New("no such file")}, exitFatal},
		{"other", errors.New("boom"), exitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err, logger))
		})
	}
}

func TestRelayAddr(t *testing.T) {
	cfg := config.EmptySorterConfig()
	assert.Equal(t, ":8080", relayAddr(cfg, ""))
	assert.Equal(t, "127.0.0.1:9999", relayAddr(cfg, "127.0.0.1:9999"))
	assert.Empty(t, relayAddr(cfg, "off"))
}

// writeFixtures lays out frames, labels and a config file in a temp dir and
// returns the loaded config.
func writeFixtures(t *testing.T, classifierURL string, extra map[string]any) *config.SorterConfig {
	t.Helper()
	dir := t.TempDir()

	frames := filepath.Join(dir, "frames")
	require.NoError(t, os.Mkdir(frames, 0o755))
	for i := range 3 {
		name := filepath.Join(frames, fmt.Sprintf("pear_%03d.jpg", i))
		require.NoError(t, os.WriteFile(name, testutil.JPEG(byte('a'+i), 16), 0o644))
	}

	labels := filepath.Join(dir, "labels.yaml")
	require.NoError(t, os.WriteFile(labels, []byte(
		"classes: [normal_pear_box, defect]\nnormal_labels: [normal_pear_box]\n"), 0o644))

	raw := map[string]any{
		"window_duration": "100ms",
		"serial_port":     "/dev/ttyTEST0",
		"max_retries":     1,
		"retry_backoff":   "10ms",
		"pulse_dwell":     "10ms",
		"command_spacing": "50ms",
		"write_timeout":   "1s",
		"shutdown_grace":  "500ms",
		"lock_dir":        dir,
		"source": map[string]any{
			"kind":           "dir",
			"dir":            frames,
			"frame_interval": "5ms",
		},
		"classifier": map[string]any{
			"url":         classifierURL,
			"labels_path": labels,
		},
	}
	for k, v := range extra {
		raw[k] = v
	}
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	path := filepath.Join(dir, "sorter.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

// defectDetector reports a defect on every frame.
func defectDetector(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections": [{"class": 1, "label": "defect", "confidence": 0.9}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_MissingClassifierIsConfigError(t *testing.T) {
	cfg := writeFixtures(t, "", nil)
	err := run(context.Background(), cfg, options{listen: "off", opener: &serialport.MockOpener{}, logger: monitoring.Discard()})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Equal(t, exitConfigError, exitCode(err, monitoring.Discard()))
}

func TestRun_SortsAndRecords(t *testing.T) {
	detector := defectDetector(t)
	storePath := filepath.Join(t.TempDir(), "sorter.db")
	cfg := writeFixtures(t, detector.URL, map[string]any{
		"store": map[string]any{"path": storePath},
	})

	opener := &serialport.MockOpener{}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	err := run(ctx, cfg, options{listen: "off", opener: opener, logger: monitoring.Discard()})
	require.NoError(t, err)

	writes := opener.AllWrites()
	require.NotEmpty(t, writes)
	assert.Contains(t, writes, "ON\n")
	assert.Equal(t, "OFF\n", writes[len(writes)-1], "shutdown leaves the actuator off")

	store, err := db.NewDB(storePath)
	require.NoError(t, err)
	defer store.Close()

	windows, err := store.RecentWindows(context.Background(), 100)
	require.NoError(t, err)
	require.NotEmpty(t, windows)
	assert.True(t, windows[0].Final, "newest window is the shutdown flush")

	sessions, err := store.Sessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotZero(t, sessions[0].OnCount)

	events, err := store.RecentEvents(context.Background(), sessions[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, actuator.EventShutdown, events[0].Kind)
}

func TestRun_ActuatorAbsentIsFatal(t *testing.T) {
	detector := defectDetector(t)
	cfg := writeFixtures(t, detector.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, cfg, options{listen: "off", opener: &serialport.MockOpener{Failures: 100}, logger: monitoring.Discard()})
	var connErr *actuator.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "/dev/ttyTEST0", connErr.Path)
	assert.Equal(t, exitFatal, exitCode(err, monitoring.Discard()))
	assert.NoError(t, ctx.Err(), "run returned before the deadline")
}
