// Package logging provides the leveled structured logger shared by every
// pkg-cacher component.
//
// A single *slog.Logger is constructed at startup and threaded through the
// rest of the process via a context value; nothing in this package is kept
// as a package-level global. The active level can be raised or lowered at
// runtime (the SIGUSR1 debug-toggle signal) without rebuilding the handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Level identifies a logging verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a lowercase level name to a Level, defaulting to
// LevelInfo for anything unrecognised.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format selects the handler used to render log records.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat converts a format name, defaulting to FormatText.
func ParseFormat(s string) Format {
	if s == "json" {
		return FormatJSON
	}
	return FormatText
}

// Config controls how a Logger is built.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer // defaults to os.Stderr when nil
	AddSource bool
}

// dynamicLevel adapts an atomic Level into an slog.Leveler so the handler's
// minimum level can change after construction.
type dynamicLevel struct {
	v *atomic.Int32
}

func (d dynamicLevel) Level() slog.Level {
	return Level(d.v.Load()).slogLevel()
}

// Logger wraps an *slog.Logger together with the atomic level backing it,
// so a running process can raise or lower verbosity without discarding the
// handler (and therefore without losing handler-level state like JSON vs.
// text formatting).
type Logger struct {
	*slog.Logger
	level *atomic.Int32
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	lvl := &atomic.Int32{}
	lvl.Store(int32(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     dynamicLevel{v: lvl},
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler), level: lvl}
}

// SetLevel changes the minimum level emitted by l without rebuilding the
// handler. Safe for concurrent use; this is what the debug-toggle signal
// calls.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Level returns the currently active minimum level.
func (l *Logger) Level() Level {
	return Level(l.level.Load())
}

type contextKey struct{}

// Into returns a context carrying l, retrievable with From.
func Into(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// From returns the Logger stored in ctx, or a discard logger if none was
// attached; callers never need a nil check.
func From(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKey{}).(*Logger); ok && l != nil {
		return l
	}
	return New(Config{Level: LevelError, Output: io.Discard})
}
