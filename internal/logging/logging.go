// Package logging builds the two-sink slog logger used by starsync.
//
// Every record at debug level and above goes to an append-only log file for
// later diagnosis. The console only sees records at the configured level
// (info by default), so a failing run never dumps detail on the terminal.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Options configures Setup
type Options struct {
	// File is the detailed log sink. Empty disables it.
	File string
	// Level is the console threshold: debug, info, warn or error.
	Level string
	// Format is the console format: text or json.
	Format string
	// Console receives console records. Defaults to os.Stdout.
	Console io.Writer
}

// Setup returns the logger and a func that closes the file sink. The close
// func is always non-nil and safe to call once the logger is no longer used.
func Setup(opts Options) (*slog.Logger, func() error, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	consoleOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var consoleHandler slog.Handler
	if opts.Format == "json" {
		consoleHandler = slog.NewJSONHandler(console, consoleOpts)
	} else {
		consoleHandler = slog.NewTextHandler(console, consoleOpts)
	}

	if opts.File == "" {
		return slog.New(consoleHandler), func() error { return nil }, nil
	}

	if dir := filepath.Dir(opts.File); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	fileHandler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true})
	logger := slog.New(Tee(fileHandler, consoleHandler))
	return logger, f.Close, nil
}

// ParseLevel maps a level name onto slog; unknown names mean info
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type teeHandler []slog.Handler

// Tee returns a handler that forwards each record to every handler that
// accepts its level.
func Tee(handlers ...slog.Handler) slog.Handler {
	return teeHandler(handlers)
}

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
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
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
