package listener

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/greeneg/pkg-cacher/internal/handler"
	"github.com/greeneg/pkg-cacher/internal/httpwire"
)

// stdioTransport adapts a pair of stdin/stdout-like streams to
// handler.Transport for inetd mode, where there is no net.Conn: the
// superserver has already done the accept() and dup2'd the socket onto
// file descriptors 0 and 1.
type stdioTransport struct {
	in   io.Reader
	out  io.Writer
	addr net.Addr
}

func (t *stdioTransport) Read(p []byte) (int, error)  { return t.in.Read(p) }
func (t *stdioTransport) Write(p []byte) (int, error) { return t.out.Write(p) }
func (t *stdioTransport) RemoteAddr() net.Addr        { return t.addr }

// stdioAddr satisfies net.Addr for the inetd case, where the remote
// address is only known via REMOTE_ADDR-style environment state supplied
// by the superserver, not via a socket the process itself owns.
type stdioAddr struct{ s string }

func (a stdioAddr) Network() string { return "inetd" }
func (a stdioAddr) String() string  { return a.s }

// InetdStdio serves the single connection already attached to in/out (the
// normal inetd arrangement: stdin and stdout spliced to the accepted
// socket by the superserver) and returns once it closes. remoteAddr is
// whatever identity the superserver made available (often empty).
func InetdStdio(ctx context.Context, h *handler.Handler, in io.Reader, out io.Writer, remoteAddr string) error {
	t := &stdioTransport{in: in, out: out, addr: stdioAddr{s: remoteAddr}}
	return h.Handle(ctx, t)
}

// CGI serves exactly one request built from the CGI environment and
// writes the response (with "Status:" lines instead of an HTTP status
// line) to out, then returns: CGI processes exit after one request.
func CGI(ctx context.Context, h *handler.Handler, out io.Writer, environ func(string) string) error {
	h.CGIStatusLines = true
	t := &cgiTransport{out: out, environ: environ, addr: stdioAddr{s: environ("REMOTE_ADDR")}}
	return h.Handle(ctx, t)
}

// cgiTransport feeds a single pre-built request line+headers to
// handler.Handle's bufio.Reader on the first read, then behaves as EOF,
// since CGI mode has exactly one request per process invocation.
type cgiTransport struct {
	out     io.Writer
	environ func(string) string
	addr    net.Addr
	served  bool
	buf     []byte
}

func (t *cgiTransport) Read(p []byte) (int, error) {
	if !t.served {
		t.served = true
		t.buf = cgiRequestBytes(t.environ)
	}
	if len(t.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}

func (t *cgiTransport) Write(p []byte) (int, error) { return t.out.Write(p) }
func (t *cgiTransport) RemoteAddr() net.Addr        { return t.addr }

// cgiRequestBytes re-serialises the Request httpwire.RequestFromCGIEnv
// builds from the environment back into raw request-line-plus-headers
// form, so the handler's single read path (httpwire.ReadRequest) works
// identically whether the request arrived over a socket or CGI.
func cgiRequestBytes(environ func(string) string) []byte {
	req := httpwire.RequestFromCGIEnv(environ)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, req.RawPath, req.Proto)
	for name, values := range req.Header {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
