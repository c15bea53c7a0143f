package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/db"
	"github.com/banshee-data/pear-sorter/internal/decision"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sorter.db")
	store, err := db.NewDB(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.RecordWindow(ctx, decision.Result{
		Start: epoch, End: epoch.Add(3 * time.Second), Normal: 1, Abnormal: 6, Command: decision.On,
	}, decision.Abnormal))
	require.NoError(t, store.RecordEvent(ctx, actuator.Event{
		Time: epoch, SessionID: "0f3c9a4e-session", Kind: actuator.EventWriteFailed,
		Command: decision.On, CommandName: "ON", Attempt: 2, Err: "input/output error",
	}))
	require.NoError(t, store.UpsertSession(ctx, actuator.Session{
		ID: "0f3c9a4e-session", Port: "/dev/ttyACM0", StartedAt: epoch, OnCount: 7, OffCount: 9,
	}))
	return path
}

func runCmd(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Tables(t *testing.T) {
	path := seedStore(t)

	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"windows", "--db", path}, []string{"3s", "6", "ON", "abnormal"}},
		{[]string{"events", "--db", path, "--session", "0f3c9a4e-session"}, []string{"write_failed", "0f3c9a4e", "input/output error"}},
		{[]string{"sessions", "--db", path}, []string{"/dev/ttyACM0", "0f3c9a4e-session", "7", "9"}},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			code, out, errOut := runCmd(tt.args...)
			require.Equal(t, 0, code, errOut)
			for _, s := range tt.want {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestRun_EventsFilterExcludesOtherSessions(t *testing.T) {
	path := seedStore(t)
	code, out, _ := runCmd("events", "--db", path, "--session", "other")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "write_failed")
}

func TestRun_Migrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	code, out, errOut := runCmd("migrate", "--db", path, "status")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "schema version 0\n", out)

	code, out, errOut = runCmd("migrate", "--db", path, "up")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "schema version 2\n", out)

	code, out, errOut = runCmd("migrate", "--db", path, "down")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "schema version 1\n", out)

	code, _, errOut = runCmd("migrate", "--db", path, "sideways")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown migrate action")
}

func TestRun_Errors(t *testing.T) {
	code, _, errOut := runCmd()
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Usage: sortlog")

	code, _, errOut = runCmd("frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	code, _, errOut = runCmd("windows", "--db", filepath.Join(t.TempDir(), "missing.db"))
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(errOut, "sortlog windows: event store:"), errOut)
}

func TestRenderTable(t *testing.T) {
	assert.Empty(t, renderTable(nil, nil, nil))

	out := renderTable([]string{"A", "B"}, [][]string{{"x"}, {"long value", "1"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "long value")
	assert.True(t, strings.HasPrefix(out, "╭"), out)
}
