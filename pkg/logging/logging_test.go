package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerRespectsDynamicLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output at warn level, got %q", buf.String())
	}

	l.SetLevel(LevelDebug)
	l.Debug("should appear now")
	if !strings.Contains(buf.String(), "should appear now") {
		t.Fatalf("expected debug line after SetLevel, got %q", buf.String())
	}
}

func TestFromWithoutContextValueDoesNotPanic(t *testing.T) {
	l := From(context.Background())
	l.Info("noop")
}

func TestIntoFromRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})
	ctx := Into(context.Background(), l)

	got := From(ctx)
	got.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected logger retrieved from context to be usable, got %q", buf.String())
	}
}
