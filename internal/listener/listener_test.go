package listener

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/greeneg/pkg-cacher/pkg/accesslog"
	"github.com/greeneg/pkg-cacher/pkg/classify"
	"github.com/greeneg/pkg-cacher/pkg/config"
	"github.com/greeneg/pkg-cacher/pkg/coordinator"
	"github.com/greeneg/pkg-cacher/pkg/fetcher"
	"github.com/greeneg/pkg-cacher/pkg/lock"
	"github.com/greeneg/pkg-cacher/pkg/logging"
	"github.com/greeneg/pkg-cacher/pkg/store"

	"github.com/greeneg/pkg-cacher/internal/handler"
)

func newTestHandler(t *testing.T, upstream string) *handler.Handler {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	locks, err := lock.NewManager(st.GlobalLockPath())
	if err != nil {
		t.Fatalf("lock.NewManager: %v", err)
	}
	t.Cleanup(func() { locks.Close() })

	cfg := config.Defaults()
	cfg.PathMap = []config.Upstream{{Vhost: "debian", Candidates: []string{strings.TrimPrefix(upstream, "http://")}}}
	reloader := config.NewReloader(cfg)

	classifier, err := classify.New(nil, nil)
	if err != nil {
		t.Fatalf("classify.New: %v", err)
	}

	var logBuf bytes.Buffer
	accessLog := accesslog.New(&logBuf)

	c := coordinator.New(st, locks, fetcher.New(0), nil)

	return &handler.Handler{
		Reloader:    reloader,
		Store:       st,
		Coordinator: c,
		Classifier:  classifier,
		AccessLog:   accessLog,
	}
}

func TestAcceptLoopServesOneRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)

	discard := logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
	go acceptLoop(ctx, ln, h, discard, make(chan error, 1))

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	io.WriteString(conn, "GET /debian/pool/pkg.deb HTTP/1.0\r\nHost: x\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	out, _ := io.ReadAll(conn)

	if !strings.Contains(string(out), "HTTP/1.1 200 OK") && !strings.Contains(string(out), "HTTP/1.0 200 OK") {
		t.Fatalf("unexpected response: %q", out)
	}
	if !strings.HasSuffix(string(out), "hello") {
		t.Fatalf("body missing: %q", out)
	}
}

func TestInetdStdioServesSingleConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL)
	in := strings.NewReader("GET /debian/pool/pkg.deb HTTP/1.0\r\nHost: x\r\n\r\n")
	var out bytes.Buffer

	if err := InetdStdio(context.Background(), h, in, &out, "127.0.0.1"); err != nil {
		t.Fatalf("InetdStdio: %v", err)
	}
	if !strings.HasSuffix(out.String(), "ok") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestCGIWritesStatusLineForm(t *testing.T) {
	h := newTestHandler(t, "http://127.0.0.1:1")
	env := map[string]string{
		"REQUEST_METHOD":  "GET",
		"SERVER_PROTOCOL": "HTTP/1.0",
		"SERVER_NAME":     "cache.example",
		"PATH_INFO":       "/unknownvhost/pool/pkg.deb",
		"REMOTE_ADDR":     "127.0.0.1",
	}
	var out bytes.Buffer
	if err := CGI(context.Background(), h, &out, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("CGI: %v", err)
	}
	if !strings.Contains(out.String(), "Status: 404") {
		t.Fatalf("expected CGI Status line, got %q", out.String())
	}
}
