// Package accesslog writes the pkg-cacher access log line format:
// time|pid|client|status|size|basename, one line per served request.
package accesslog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Status is the cache status recorded for a served request.
type Status string

const (
	Hit     Status = "HIT"
	Miss    Status = "MISS"
	Expired Status = "EXPIRED"
	Offline Status = "OFFLINE"
)

// Logger is a line-atomic writer: concurrent Log calls never interleave
// their output.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	pid int
}

// Open opens (appending, creating if absent) the access log file at path.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("accesslog: open %s: %w", path, err)
	}
	return New(f), nil
}

// New wraps an arbitrary io.Writer (used by tests, or to log to stderr).
func New(w io.Writer) *Logger {
	return &Logger{out: w, pid: os.Getpid()}
}

// Log writes one access log line.
func (l *Logger) Log(client string, status Status, size int64, basename string) error {
	line := fmt.Sprintf("%s|%d|%s|%s|%d|%s\n",
		time.Now().Format(time.RFC3339), l.pid, client, status, size, basename)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.out, line)
	return err
}

// Close closes the underlying writer if it implements io.Closer.
func (l *Logger) Close() error {
	if c, ok := l.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
