// Package monitoring holds the process-wide structured logger. Components
// accept an optional *slog.Logger and fall back to Logger() so tests and the
// binaries can redirect or mute output without touching call sites.
package monitoring

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.Default())
}

// Logger returns the package-level logger.
func Logger() *slog.Logger {
	return current.Load()
}

// SetLogger replaces the package logger. Passing nil installs a logger that
// discards everything.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = Discard()
	}
	current.Store(l)
}

// Discard returns a logger that drops all records.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Or returns l if non-nil, otherwise the package logger.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger()
}

// Options controls logger construction.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json or auto
}

// New builds a slog logger writing to w. Format "auto" picks text when w is a
// terminal and JSON otherwise.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "text"
		}
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q: expected text, json or auto", opts.Format)
	}
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
