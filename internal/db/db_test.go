package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/decision"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "sorter.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// approxTime tolerates the sub-microsecond loss of storing unix seconds as
// DOUBLE.
var approxTime = cmpopts.EquateApproxTime(time.Microsecond)

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// running again is a no-op
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('windows') WHERE name = 'trigger_class'`).Scan(&n))
	assert.Equal(t, 0, n, "down migration drops the trigger column")

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestOpenDB_FreshDatabaseHasNoVersion(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestWindows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	results := []decision.Result{
		{Start: epoch, End: epoch.Add(3 * time.Second), Normal: 4, Abnormal: 1, Command: decision.Off},
		{Start: epoch.Add(3 * time.Second), End: epoch.Add(6 * time.Second), Normal: 1, Abnormal: 5, Command: decision.On},
		{Start: epoch.Add(6 * time.Second), End: epoch.Add(7500 * time.Millisecond), Command: decision.Off, Final: true},
	}
	for _, res := range results {
		require.NoError(t, db.RecordWindow(ctx, res, decision.Abnormal))
	}

	got, err := db.RecentWindows(ctx, 2)
	require.NoError(t, err)
	want := []WindowRecord{
		{ID: 3, Start: results[2].Start, End: results[2].End, Command: decision.Off, Trigger: "abnormal", Final: true},
		{ID: 2, Start: results[1].Start, End: results[1].End, Normal: 1, Abnormal: 5, Command: decision.On, Trigger: "abnormal"},
	}
	if diff := cmp.Diff(want, got, approxTime); diff != "" {
		t.Errorf("RecentWindows() mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	events := []actuator.Event{
		{Time: epoch, SessionID: "a", Kind: actuator.EventConnected, Attempt: 2},
		{Time: epoch.Add(time.Second), SessionID: "a", Kind: actuator.EventApplied, Command: decision.On, CommandName: "ON"},
		{Time: epoch.Add(2 * time.Second), SessionID: "b", Kind: actuator.EventWriteFailed, Command: decision.Off, CommandName: "OFF", Err: "i/o timeout"},
	}
	for _, ev := range events {
		require.NoError(t, db.RecordEvent(ctx, ev))
	}

	all, err := db.RecentEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	if diff := cmp.Diff(events[2], all[0], approxTime); diff != "" {
		t.Errorf("newest event mismatch (-want +got):\n%s", diff)
	}

	sessionA, err := db.RecentEvents(ctx, "a", 10)
	require.NoError(t, err)
	want := []actuator.Event{events[1], events[0]}
	if diff := cmp.Diff(want, sessionA, approxTime); diff != "" {
		t.Errorf("session filter mismatch (-want +got):\n%s", diff)
	}
}

func TestSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := actuator.Session{ID: "a", Port: "/dev/ttyACM0", StartedAt: epoch}
	require.NoError(t, db.UpsertSession(ctx, s))

	s.OnCount, s.OffCount, s.Failures, s.Coalesced, s.Reconnects = 3, 5, 1, 2, 1
	s.LastCommandTime = epoch.Add(time.Minute)
	require.NoError(t, db.UpsertSession(ctx, s))
	require.NoError(t, db.UpsertSession(ctx, actuator.Session{ID: "b", Port: "/dev/ttyACM0", StartedAt: epoch.Add(time.Hour)}))

	got, err := db.Sessions(ctx, 10)
	require.NoError(t, err)
	want := []actuator.Session{
		{ID: "b", Port: "/dev/ttyACM0", StartedAt: epoch.Add(time.Hour)},
		s,
	}
	if diff := cmp.Diff(want, got, approxTime); diff != "" {
		t.Errorf("Sessions() mismatch (-want +got):\n%s", diff)
	}
}

func TestUnixSecondsRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 250_000_000, time.UTC)
	assert.True(t, fromUnixSeconds(unixSeconds(at)).Equal(at))
}
