package relay

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pear-sorter/internal/framecache"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/testutil"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

func scanFrames(t *testing.T, r *bufio.Scanner) [][]byte {
	t.Helper()
	var out [][]byte
	for r.Scan() {
		out = append(out, append([]byte(nil), r.Bytes()...))
	}
	require.NoError(t, r.Err())
	return out
}

func TestSplitJPEG(t *testing.T) {
	a, b := testutil.JPEG('a', 10), testutil.JPEG('b', 300)
	var stream bytes.Buffer
	stream.Write(testutil.MJPEGPart(a))
	stream.Write(testutil.MJPEGPart(b))
	stream.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n\xFF\xD8truncated"))

	tests := []struct {
		name string
		r    func() *bufio.Scanner
	}{
		{"whole buffer", func() *bufio.Scanner { return bufio.NewScanner(bytes.NewReader(stream.Bytes())) }},
		{"one byte at a time", func() *bufio.Scanner {
			return bufio.NewScanner(iotest.OneByteReader(bytes.NewReader(stream.Bytes())))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := tt.r()
			sc.Split(SplitJPEG)
			frames := scanFrames(t, sc)
			require.Len(t, frames, 2, "truncated trailing frame must be dropped")
			assert.Equal(t, a, frames[0])
			assert.Equal(t, b, frames[1])
		})
	}
}

func TestSplitJPEG_FrameTooLarge(t *testing.T) {
	sc := bufio.NewScanner(bytes.NewReader(testutil.MJPEGPart(testutil.JPEG('x', 4096))))
	sc.Buffer(make([]byte, 0, 64), 1024)
	sc.Split(SplitJPEG)
	for sc.Scan() {
	}
	assert.ErrorIs(t, sc.Err(), bufio.ErrTooLong)
}

func TestNewStreamSource(t *testing.T) {
	_, err := NewStreamSource(StreamConfig{})
	assert.Error(t, err)
	_, err = NewStreamSource(StreamConfig{URL: "http://cam/", StaleAfter: -time.Second})
	assert.Error(t, err)
}

// TestStreamSource_FromRelayServer chains a relay Server to a StreamSource
// the way two sorters on different machines are wired.
func TestStreamSource_FromRelayServer(t *testing.T) {
	upstream, err := framecache.New(framecache.Config{StaleAfter: 5 * time.Second})
	require.NoError(t, err)
	relaySrv, err := NewServer(ServerConfig{Cache: upstream, FrameInterval: 5 * time.Millisecond, Logger: monitoring.Discard()})
	require.NoError(t, err)
	ts := httptest.NewServer(relaySrv.Handler())
	defer ts.Close()

	src, err := NewStreamSource(StreamConfig{
		URL:              ts.URL + "/api/video_feed/0",
		StaleAfter:       2 * time.Second,
		ReconnectBackoff: 10 * time.Millisecond,
		Logger:           monitoring.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	img := testutil.JPEG('p', 2048)
	upstream.Publish(img)

	f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, img, f.Data)

	img2 := testutil.JPEG('q', 64)
	time.Sleep(time.Millisecond)
	upstream.Publish(img2)
	f, err = src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, img2, f.Data, "Next must not repeat a frame")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestStreamSource_NextTimesOut(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	src, err := NewStreamSource(StreamConfig{URL: "http://cam.invalid/", StaleAfter: 5 * time.Second, Clock: clock})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := src.Next(context.Background())
		errc <- err
	}()
	require.True(t, clock.BlockUntil(1, time.Second))
	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, <-errc, ErrNoFrame)
}

func TestStreamSource_Reconnects(t *testing.T) {
	var hits atomic.Int32
	img := testutil.JPEG('r', 32)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "camera warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		_, _ = w.Write(testutil.MJPEGPart(img))
		// end of body forces another reconnect
	}))
	defer ts.Close()

	src, err := NewStreamSource(StreamConfig{
		URL:              ts.URL,
		StaleAfter:       2 * time.Second,
		ReconnectBackoff: 5 * time.Millisecond,
		Logger:           monitoring.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, img, f.Data)
	assert.GreaterOrEqual(t, src.Reconnects(), uint64(1))
}

func TestStreamSource_IdleTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer ts.Close()
	defer close(release)

	src, err := NewStreamSource(StreamConfig{URL: ts.URL, IdleTimeout: 20 * time.Millisecond, Logger: monitoring.Discard()})
	require.NoError(t, err)

	err = src.stream(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data for")
	_, st := src.Cache().Lookup()
	assert.Equal(t, framecache.Empty, st)
}
