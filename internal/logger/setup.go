package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options configures Setup.
type Options struct {
	// Level is one of debug, info, warn, error. Verbose forces debug.
	Level   string
	Verbose bool
	// File, when set, also receives every record as JSON.
	File string
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelWarn, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Setup builds the process logger, installs it as the slog default and
// returns a function that closes the log file.
func Setup(opts Options) (*slog.Logger, func() error, error) {
	level := slog.LevelWarn
	if opts.Level != "" {
		l, err := ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, err
		}
		level = l
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	var handler slog.Handler = slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{Level: level})
	closer := func() error { return nil }
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handler = teeHandler{handler, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})}
		closer = f.Close
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l, closer, nil
}

// teeHandler sends each record to every handler that is enabled for it.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
