// Package logging builds the process logger: structured slog records on
// stderr, optionally mirrored into a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Format is text or json.
	Format string
	// File enables a rotating log file at this path.
	File       string
	MaxSizeMB  int
	MaxBackups int
	// Stderr replaces os.Stderr, mainly for tests.
	Stderr io.Writer
}

// New returns the logger and a close function that flushes the log file.
func New(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = os.Stderr
	if opts.Stderr != nil {
		out = opts.Stderr
	}
	closeFn := func() error { return nil }
	if file := strings.TrimSpace(opts.File); file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 20
		}
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			Compress:   false,
		}
		out = io.MultiWriter(out, rotator)
		closeFn = rotator.Close
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(handler), closeFn, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// Discard is the logger components fall back to when none is supplied. It
// reports every level disabled, so records are never formatted.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
