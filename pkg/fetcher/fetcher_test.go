package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// memSink is a test Sink backed by an in-memory buffer, recording the
// finalized status line/header alongside the bytes written.
type memSink struct {
	buf        bytes.Buffer
	statusLine string
	header     http.Header
}

func (s *memSink) ResetBody() (io.Writer, error) {
	s.buf.Reset()
	return &s.buf, nil
}

func (s *memSink) Finalize(statusLine string, header http.Header) error {
	s.statusLine = statusLine
	s.header = header
	return nil
}

func TestFetchSuccessfulGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	f := New(0)
	host := strings.TrimPrefix(srv.URL, "http://")

	sink := &memSink{}
	result, err := f.Fetch(context.Background(), Config{}, []string{host}, "/pkg.deb", Get, sink)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", result.StatusCode)
	}
	if sink.buf.String() != "hello" {
		t.Fatalf("body = %q, want %q", sink.buf.String(), "hello")
	}
	if result.BytesWritten != 5 {
		t.Fatalf("BytesWritten = %d, want 5", result.BytesWritten)
	}
	if sink.statusLine == "" {
		t.Fatal("expected Finalize to have been called with a status line")
	}
}

func TestFetchFailoverAcrossCandidates(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer good.Close()

	f := New(0)
	candidates := []string{"127.0.0.1:1", strings.TrimPrefix(good.URL, "http://")}

	sink := &memSink{}
	result, err := f.Fetch(context.Background(), Config{}, candidates, "/x", Get, sink)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("expected failover to succeed on second candidate, got status %d", result.StatusCode)
	}
	if sink.buf.String() != "ok" {
		t.Fatalf("body = %q, want %q", sink.buf.String(), "ok")
	}
}

func TestFetchTerminal4xxDoesNotFailover(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	called := false
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	f := New(0)
	candidates := []string{strings.TrimPrefix(notFound.URL, "http://"), strings.TrimPrefix(good.URL, "http://")}

	result, err := f.Fetch(context.Background(), Config{}, candidates, "/x", Get, &memSink{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.StatusCode != http.StatusNotFound {
		t.Fatalf("expected terminal 404, got %d", result.StatusCode)
	}
	if called {
		t.Fatal("expected second candidate not to be contacted after a terminal 4xx")
	}
}

func TestFetchRedirectFollowedWithinBudget(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "redirected")
	}))
	defer final.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/pkg.deb", http.StatusFound)
	}))
	defer srv.Close()

	f := New(0)
	sink := &memSink{}
	result, err := f.Fetch(context.Background(), Config{}, []string{strings.TrimPrefix(srv.URL, "http://")}, "/pkg.deb", Get, sink)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", result.StatusCode)
	}
	if sink.buf.String() != "redirected" {
		t.Fatalf("body = %q, want %q", sink.buf.String(), "redirected")
	}
}

func TestFetchHeadWritesNoBodyButFinalizesHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"x"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(0)
	sink := &memSink{}
	result, err := f.Fetch(context.Background(), Config{}, []string{strings.TrimPrefix(srv.URL, "http://")}, "/Release", Head, sink)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", result.StatusCode)
	}
	if sink.buf.Len() != 0 {
		t.Fatalf("HEAD should not write a body, got %q", sink.buf.String())
	}
	if sink.statusLine == "" {
		t.Fatal("expected Finalize to run even for HEAD")
	}
}

func TestParseStatusLine(t *testing.T) {
	code, reason, ok := ParseStatusLine("HTTP/1.1 200 OK")
	if !ok || code != 200 || reason != "OK" {
		t.Fatalf("ParseStatusLine = %d, %q, %v", code, reason, ok)
	}
}
