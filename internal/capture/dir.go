// Package capture provides frame sources that do not need a camera.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/pear-sorter/internal/framecache"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

// ErrNoFrames is returned when a directory holds no JPEG files.
var ErrNoFrames = errors.New("no frames found")

// DirSource replays the JPEG files of a directory in name order, looping
// forever, at most one frame per Interval. It stands in for a camera in
// development and tests.
type DirSource struct {
	dir      string
	files    []string
	interval time.Duration
	clock    timeutil.Clock

	mu   sync.Mutex
	next int
	last time.Time
}

// NewDirSource indexes dir. Interval zero replays as fast as frames are
// requested.
func NewDirSource(dir string, interval time.Duration, clock timeutil.Clock) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	sort.Strings(files)
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &DirSource{dir: dir, files: files, interval: interval, clock: clock}, nil
}

// Len returns the number of frames in the loop.
func (s *DirSource) Len() int {
	return len(s.files)
}

// Next waits for the frame interval and returns the next file. A file that
// vanished or cannot be read is returned as an error and skipped next time.
func (s *DirSource) Next(ctx context.Context) (framecache.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.last.IsZero() && s.interval > 0 {
		if wait := s.interval - s.clock.Since(s.last); wait > 0 {
			if err := timeutil.Wait(ctx, s.clock, wait); err != nil {
				return framecache.Frame{}, err
			}
		}
	}

	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.last = s.clock.Now()

	data, err := os.ReadFile(path)
	if err != nil {
		return framecache.Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return framecache.Frame{Data: data, CapturedAt: s.last}, nil
}

// Close is a no-op; it lets DirSource satisfy io.Closer like the network
// sources.
func (s *DirSource) Close() error {
	return nil
}
