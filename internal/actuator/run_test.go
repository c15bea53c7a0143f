package actuator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/serialport"
	"github.com/banshee-data/pear-sorter/internal/testutil"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

func TestRun_AppliesAndCoalesces(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	opener := &serialport.MockOpener{}
	c := newTestController(t, opener, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmds := make(chan decision.Command, 4)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, cmds) }()

	cmds <- decision.Off
	waitFor(t, func() bool { return c.Status().Session.OffCount == 1 }, "OFF not applied")
	clock.Advance(DefaultCommandSpacing)

	cmds <- decision.On
	require.True(t, clock.BlockUntil(1, time.Second), "pulse not started")
	cmds <- decision.On // arrives mid-pulse
	clock.Advance(testDwell)
	waitFor(t, func() bool { return c.Status().Session.Coalesced == 1 }, "queued command not coalesced")

	cancel()
	close(cmds)
	require.NoError(t, <-done)

	port := opener.Last()
	assert.Equal(t, []string{"OFF\n", "ON\n", "OFF\n", "OFF\n"}, port.Writes())
	assert.True(t, port.Closed())
	assert.Equal(t, uint64(1), c.Status().Session.OnCount)
}

func TestRun_AppliesFinalCommandAfterCancel(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	opener := &serialport.MockOpener{}
	c := newTestController(t, opener, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cmds := make(chan decision.Command, 1)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, cmds) }()
	waitFor(t, func() bool { return c.State() == Connected }, "not connected")

	cancel()
	cmds <- decision.On
	close(cmds)

	// Grace timer plus the dwell of the final pulse.
	require.True(t, clock.BlockUntil(2, time.Second))
	clock.Advance(testDwell)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"ON\n", "OFF\n", "OFF\n"}, opener.Last().Writes())
	assert.Equal(t, Closed, c.State())
}

func TestRun_CancelWhileConnecting(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	opener := &serialport.MockOpener{Failures: 1}
	c := newTestController(t, opener, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, make(chan decision.Command)) }()
	require.True(t, clock.BlockUntil(1, time.Second))
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, []string{"OFF\n"}, opener.Last().Writes())
	assert.True(t, opener.Last().Closed())
}

func TestRun_DeviceAbsentIsFatal(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	opener := &serialport.MockOpener{Failures: 100}
	c := newTestController(t, opener, clock, func(cfg *Config) { cfg.MaxRetries = 2 })

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), make(chan decision.Command)) }()
	require.True(t, clock.BlockUntil(1, time.Second))
	clock.Advance(testBackoff)

	err := <-done
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2, cerr.Attempts)
	// two attempts plus the best-effort open made by Shutdown
	assert.Len(t, opener.Calls(), 3)
	assert.Equal(t, Closed, c.State())
}

func TestRun_ManualTrigger(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	opener := &serialport.MockOpener{}
	c := newTestController(t, opener, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, make(chan decision.Command)) }()

	require.True(t, c.Trigger(decision.On))
	require.True(t, clock.BlockUntil(1, time.Second))
	clock.Advance(testDwell)
	waitFor(t, func() bool { return c.Status().Session.OnCount == 1 }, "manual pulse not applied")

	cancel()
	require.True(t, clock.BlockUntil(1, time.Second), "grace timer")
	clock.Advance(2 * time.Second)
	require.NoError(t, <-done)
}

func TestAdminRoutes(t *testing.T) {
	c := newTestController(t, &serialport.MockOpener{}, timeutil.NewMockClock(epoch))
	mux := http.NewServeMux()
	c.AttachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/actuator"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var st struct {
		State   string `json:"state"`
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "disconnected", st.State)
	assert.Equal(t, c.Status().Session.ID, st.Session.ID)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/actuator-pulse"))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodPost, "/debug/actuator-pulse?cmd=sideways"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodPost, "/debug/actuator-pulse"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"ON"`))

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodPost, "/debug/actuator-pulse"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
