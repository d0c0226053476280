// Package listener runs the Handler over its three supported transports:
// a standalone TCP listener bound to one or more addresses (one worker
// goroutine per accepted connection, so a slow client or stalled upstream
// never blocks another connection), a single pre-connected socket handed
// over by inetd, and CGI, where the request and response travel through
// environment variables and stdout instead of a socket at all.
package listener

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/greeneg/pkg-cacher/pkg/logging"

	"github.com/greeneg/pkg-cacher/internal/handler"
)

// retryDelay is the pause between failed bind attempts while Standalone
// is establishing its listeners.
const retryDelay = time.Second

// Standalone binds a TCP listener on addr:port for each address in addrs,
// retrying each bind up to retries times, and serves accepted connections
// with h until ctx is cancelled. It blocks until every listener has
// stopped.
func Standalone(ctx context.Context, h *handler.Handler, addrs []string, port int, retries int) error {
	if len(addrs) == 0 {
		addrs = []string{"0.0.0.0"}
	}

	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		l, err := bindWithRetry(ctx, addr, port, retries)
		if err != nil {
			closeAll(listeners)
			return err
		}
		listeners = append(listeners, l)
	}

	log := logging.From(ctx)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		closeAll(listeners)
		close(done)
	}()

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		go acceptLoop(ctx, l, h, log, errCh)
	}

	<-done
	return nil
}

func bindWithRetry(ctx context.Context, addr string, port int, retries int) (net.Listener, error) {
	target := fmt.Sprintf("%s:%d", addr, port)
	lc := net.ListenConfig{}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		l, err := lc.Listen(ctx, "tcp", target)
		if err == nil {
			return l, nil
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("listener: bind %s after %d attempts: %w", target, retries+1, lastErr)
}

func acceptLoop(ctx context.Context, l net.Listener, h *handler.Handler, log *logging.Logger, errCh chan<- error) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		go serveConn(ctx, h, conn, log)
	}
}

func serveConn(ctx context.Context, h *handler.Handler, conn net.Conn, log *logging.Logger) {
	defer conn.Close()
	if err := h.Handle(ctx, conn); err != nil {
		log.Warn("connection handler exited", "remote", conn.RemoteAddr(), "error", err)
	}
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
