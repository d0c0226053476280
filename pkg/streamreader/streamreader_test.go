package streamreader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/greeneg/pkg-cacher/pkg/headerwire"
	"github.com/greeneg/pkg-cacher/pkg/store"
)

func newTestEntry(t *testing.T, body string, h http.Header) (*store.Store, store.Key) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	k := store.Key{Vhost: "debian", URI: "/pool/pkg.deb", Basename: "pkg.deb"}
	if err := st.CreateEmpty(k); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	f, err := st.OpenBodyForWrite(k)
	if err != nil {
		t.Fatalf("OpenBodyForWrite: %v", err)
	}
	io.WriteString(f, body)
	f.Close()

	if h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	data := headerwire.Format("HTTP/1.1 200 OK", h)
	if err := st.WriteHeaderScratch(k, data); err != nil {
		t.Fatalf("WriteHeaderScratch: %v", err)
	}
	if err := st.PublishHeader(k); err != nil {
		t.Fatalf("PublishHeader: %v", err)
	}
	if _, err := st.Commit(k, int64(len(body)), "http://example.test/pkg.deb"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return st, k
}

func TestEmitFullBody(t *testing.T) {
	st, k := newTestEntry(t, "hello world", http.Header{})
	var buf bytes.Buffer
	n, status, err := Emit(context.Background(), &buf, st, k, Request{StallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if status != "full" {
		t.Fatalf("status = %q, want full", status)
	}
	if n != int64(len("hello world")) {
		t.Fatalf("bytesWritten = %d", n)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected status line: %q", out)
	}
	if !strings.HasSuffix(out, "hello world") {
		t.Fatalf("body missing from output: %q", out)
	}
	if !strings.Contains(out, "Connection: Close\r\n") {
		t.Fatalf("expected Connection: Close, got %q", out)
	}
}

func TestEmitRangeRequest(t *testing.T) {
	st, k := newTestEntry(t, "0123456789", http.Header{})
	var buf bytes.Buffer
	n, status, err := Emit(context.Background(), &buf, st, k, Request{Range: "bytes=2-5", StallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if status != "partial" {
		t.Fatalf("status = %q, want partial", status)
	}
	if n != 4 {
		t.Fatalf("bytesWritten = %d, want 4", n)
	}
	out := buf.String()
	if !strings.Contains(out, "HTTP/1.1 206 Partial Content\r\n") {
		t.Fatalf("missing 206 status: %q", out)
	}
	if !strings.Contains(out, "Content-Range: bytes 2-5/10\r\n") {
		t.Fatalf("missing Content-Range: %q", out)
	}
	if !strings.HasSuffix(out, "2345") {
		t.Fatalf("unexpected range body: %q", out)
	}
}

func TestEmitUnsatisfiableRangeReturns416(t *testing.T) {
	st, k := newTestEntry(t, "0123456789", http.Header{})
	var buf bytes.Buffer
	_, status, err := Emit(context.Background(), &buf, st, k, Request{Range: "bytes=100-200", StallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if status != "range-not-satisfiable" {
		t.Fatalf("status = %q, want range-not-satisfiable", status)
	}
	if !strings.Contains(buf.String(), "416") {
		t.Fatalf("expected 416 in response: %q", buf.String())
	}
}

func TestEmitIfModifiedSinceNotModified(t *testing.T) {
	h := http.Header{}
	h.Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
	st, k := newTestEntry(t, "hello", h)

	var buf bytes.Buffer
	_, status, err := Emit(context.Background(), &buf, st, k, Request{
		IfModifiedSince: "Tue, 02 Jan 2024 00:00:00 GMT",
		StallTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if status != "not-modified" {
		t.Fatalf("status = %q, want not-modified", status)
	}
	if !strings.Contains(buf.String(), "304") {
		t.Fatalf("expected 304 in response: %q", buf.String())
	}
}

func TestEmitHeadOnlyWritesNoBody(t *testing.T) {
	st, k := newTestEntry(t, "hello world", http.Header{})
	var buf bytes.Buffer
	n, status, err := Emit(context.Background(), &buf, st, k, Request{HeadOnly: true, StallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if status != "head" || n != 0 {
		t.Fatalf("status=%q n=%d, want head/0", status, n)
	}
	if strings.Contains(buf.String(), "hello world") {
		t.Fatal("HEAD response must not include a body")
	}
}

func TestEmitSanitizesHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("X-Upstream-Internal", "secret")
	st, k := newTestEntry(t, "hi", h)

	var buf bytes.Buffer
	_, _, err := Emit(context.Background(), &buf, st, k, Request{StallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if strings.Contains(buf.String(), "X-Upstream-Internal") {
		t.Fatal("non-whitelisted upstream header leaked to client")
	}
	if strings.Contains(buf.String(), "Connection: keep-alive") {
		t.Fatal("upstream hop-by-hop Connection header leaked to client")
	}
}

func TestAwaitHeaderTimesOutWhenNeverPublished(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	k := store.Key{Vhost: "debian", URI: "/pool/pending.deb", Basename: "pending.deb"}
	if err := st.CreateEmpty(k); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}

	_, err = awaitHeader(context.Background(), st, k, 100*time.Millisecond)
	if err != ErrStalled {
		t.Fatalf("awaitHeader error = %v, want ErrStalled", err)
	}
}

func TestAwaitHeaderDetectsVanishedEntry(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	k := store.Key{Vhost: "debian", URI: "/pool/gone.deb", Basename: "gone.deb"}
	if err := st.CreateEmpty(k); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	if err := st.Unlink(k); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	_, err = awaitHeader(context.Background(), st, k, time.Second)
	if err != ErrEntryVanished {
		t.Fatalf("awaitHeader error = %v, want ErrEntryVanished", err)
	}
}
