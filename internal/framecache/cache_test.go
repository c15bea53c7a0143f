package framecache

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, clock timeutil.Clock, s time.Duration) *Cache {
	t.Helper()
	c, err := New(Config{StaleAfter: s, Clock: clock})
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(Config{StaleAfter: -time.Second})
	assert.Error(t, err)

	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleAfter, c.StaleAfter())
}

func TestRead_BeforePublish(t *testing.T) {
	c := newTestCache(t, timeutil.NewMockClock(epoch), 5*time.Second)
	_, ok := c.Read()
	assert.False(t, ok)
	_, st := c.Lookup()
	assert.Equal(t, Empty, st)
	assert.True(t, c.CapturedAt().IsZero())
}

func TestRead_Staleness(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	c := newTestCache(t, clock, 5*time.Second)
	c.Publish([]byte("frame-0"))

	clock.Advance(4 * time.Second)
	f, ok := c.Read()
	require.True(t, ok, "frame within S must be returned")
	assert.Equal(t, []byte("frame-0"), f.Data)
	assert.Equal(t, epoch, f.CapturedAt)

	// exactly S old is still fresh
	clock.Set(epoch.Add(5 * time.Second))
	_, ok = c.Read()
	assert.True(t, ok)

	clock.Set(epoch.Add(6 * time.Second))
	_, ok = c.Read()
	assert.False(t, ok, "frame older than S must read as absent")
	_, st := c.Lookup()
	assert.Equal(t, Stale, st, "stale is distinct from never published")

	c.Publish([]byte("frame-1"))
	f, ok = c.Read()
	require.True(t, ok)
	assert.Equal(t, []byte("frame-1"), f.Data)
}

func TestPublishCopiesInput(t *testing.T) {
	c := newTestCache(t, timeutil.NewMockClock(epoch), time.Second)
	buf := []byte("abc")
	c.Publish(buf)
	buf[0] = 'X'

	f, ok := c.Read()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), f.Data)

	// mutating a read copy does not affect the slot
	f.Data[1] = 'Y'
	again, _ := c.Read()
	assert.Equal(t, []byte("abc"), again.Data)
}

func TestPublishAt(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	c := newTestCache(t, clock, 5*time.Second)
	c.PublishAt([]byte("old"), epoch.Add(-10*time.Second))
	_, st := c.Lookup()
	assert.Equal(t, Stale, st)
}

func TestStats(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	c := newTestCache(t, clock, time.Second)
	c.Read()
	c.Publish([]byte("a"))
	c.Read()
	clock.Advance(2 * time.Second)
	c.Read()

	want := Stats{Published: 1, FreshReads: 1, StaleReads: 1, EmptyReads: 1, LastFrame: epoch}
	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

// TestConcurrentPublishRead runs one publisher against many readers; every
// read must observe a whole frame, never a mix of two.
func TestConcurrentPublishRead(t *testing.T) {
	c := newTestCache(t, timeutil.RealClock{}, time.Minute)

	frames := make([][]byte, 16)
	for i := range frames {
		frames[i] = bytes.Repeat([]byte{byte('a' + i)}, 4096)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				f, ok := c.Read()
				if !ok {
					continue
				}
				first := f.Data[0]
				for _, b := range f.Data {
					if b != first {
						t.Errorf("torn frame: %q then %q", first, b)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		c.Publish(frames[i%len(frames)])
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(2000), c.Stats().Published)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "fresh", Fresh.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
