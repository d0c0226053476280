// Package handler implements the per-connection request state machine:
//
//	READ_REQUEST -> AUTHORISE -> CLASSIFY -> COORDINATE -> STREAM -> (keepalive? loop : close)
//
// One Handler is shared across every connection/worker goroutine; all
// per-request state lives on the stack of Handle, never on the Handler
// itself, so a stalled client never affects another connection.
package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/greeneg/pkg-cacher/pkg/accesslog"
	"github.com/greeneg/pkg-cacher/pkg/acl"
	"github.com/greeneg/pkg-cacher/pkg/classify"
	"github.com/greeneg/pkg-cacher/pkg/config"
	"github.com/greeneg/pkg-cacher/pkg/coordinator"
	"github.com/greeneg/pkg-cacher/pkg/logging"
	"github.com/greeneg/pkg-cacher/pkg/metrics"
	"github.com/greeneg/pkg-cacher/pkg/store"
	"github.com/greeneg/pkg-cacher/pkg/streamreader"

	"github.com/greeneg/pkg-cacher/internal/httpwire"
)

// Handler wires the ambient components (config, store, coordinator,
// classifier, access log, metrics) into the request pipeline. It holds no
// per-connection state.
type Handler struct {
	Reloader    *config.Reloader
	Store       *store.Store
	Coordinator *coordinator.Coordinator
	Classifier  *classify.Classifier
	AccessLog   *accesslog.Logger
	Metrics     *metrics.Metrics

	// CGIStatusLines, when true, writes "Status: <code> <reason>" instead
	// of an "HTTP/1.x <code> <reason>" status line, and forces
	// Connection: Close regardless of the request's own header.
	CGIStatusLines bool
}

// Transport is the minimal read/write/addr surface Handle needs; a net.Conn
// satisfies it directly, and the CGI/inetd entry points adapt stdin/stdout
// to it.
type Transport interface {
	io.Reader
	io.Writer
	RemoteAddr() net.Addr
}

// Handle serves requests from t until the connection is closed by the
// client, a fatal transport error occurs, or a non-keepalive response is
// sent. It never returns an error for ordinary client-fault responses,
// since those are written to the wire and logged rather than propagated;
// it only returns an error for conditions that make the connection
// itself unusable.
func (h *Handler) Handle(ctx context.Context, t Transport) error {
	r := bufio.NewReader(t)
	client := remoteIP(t.RemoteAddr())
	log := logging.From(ctx)

	if h.Metrics != nil {
		h.Metrics.IncActiveConnections()
		defer h.Metrics.DecActiveConnections()
	}

	for {
		keepAlive, err := h.serveOne(ctx, r, t, client)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			log.Warn("connection error", "client", client, "error", err)
			return err
		}
		if !keepAlive || h.CGIStatusLines {
			return nil
		}
	}
}

func (h *Handler) serveOne(ctx context.Context, r *bufio.Reader, w io.Writer, client string) (keepAlive bool, err error) {
	log := logging.From(ctx)
	cfg := h.Reloader.Current()

	req, err := httpwire.ReadRequest(r)
	if err != nil {
		return h.rejectMalformed(w, err, client, log)
	}

	ip := net.ParseIP(client)
	allowed, allowErr := h.authorise(ip, cfg)
	if allowErr != nil {
		h.writeError(w, req, http.StatusInternalServerError, "Configuration error", client, "", log)
		return false, nil
	}
	if !allowed {
		h.writeError(w, req, http.StatusForbidden, "Forbidden", client, "", log)
		return false, nil
	}

	vhost, uri, basename, classErr := h.classifyRequest(req, cfg)
	if classErr != nil {
		h.writeError(w, req, classErr.status, classErr.reason, client, basename, log)
		return req.KeepAlive(), nil
	}

	candidates := candidatesFor(cfg, vhost)
	if candidates == nil {
		h.writeError(w, req, http.StatusNotFound, "Not Found", client, basename, log)
		return req.KeepAlive(), nil
	}

	k := store.Key{Vhost: vhost, URI: uri, Basename: basename}
	isIndex := classifyKind(h.Classifier, basename) == classify.Index
	noCache := hasNoCache(req.Header)

	status, size, serveErr := h.coordinateAndStream(ctx, w, cfg, candidates, k, isIndex, noCache, req)
	if serveErr != nil {
		log.Error("serve failed", "client", client, "path", req.RawPath, "error", serveErr)
		return false, nil
	}

	if h.AccessLog != nil {
		_ = h.AccessLog.Log(client, status, size, basename)
	}

	return req.KeepAlive(), nil
}

type classifyFault struct {
	status int
	reason string
}

func (h *Handler) classifyRequest(req *httpwire.Request, cfg *config.Config) (vhost, uri, basename string, fault *classifyFault) {
	if req.IsAbsoluteForm() && !sameServer(req.Authority(), cfg) {
		// An absolute-URL target whose authority is some other host is an
		// open-relay attempt; one that names this server is equivalent to
		// an origin-form request and falls through to normal handling.
		return "", "", "", &classifyFault{http.StatusForbidden, "Forbidden"}
	}

	decoded, err := req.DecodedPath()
	if err != nil {
		return "", "", "", &classifyFault{http.StatusBadRequest, "Bad Request"}
	}
	decoded = strings.TrimPrefix(decoded, "/")

	parts := strings.SplitN(decoded, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", &classifyFault{http.StatusBadRequest, "Bad Request"}
	}
	vhost = parts[0]
	uri = "/" + parts[1]
	basename = uri[strings.LastIndexByte(uri, '/')+1:]

	found := false
	for _, up := range cfg.PathMap {
		if up.Vhost == vhost {
			found = true
			break
		}
	}
	if !found {
		return "", "", "", &classifyFault{http.StatusNotFound, "Not Found"}
	}

	if classifyKind(h.Classifier, basename) == classify.Forbidden {
		return "", "", "", &classifyFault{http.StatusForbidden, "Forbidden"}
	}

	return vhost, uri, basename, nil
}

// sameServer reports whether authority (an absolute-form request's
// host[:port]) names this server's own listening address, per
// cfg.DaemonAddr/cfg.DaemonPort. A missing port in authority is treated as
// this server's configured port.
func sameServer(authority string, cfg *config.Config) bool {
	if authority == "" {
		return false
	}
	if authority == net.JoinHostPort(cfg.DaemonAddr, strconv.Itoa(cfg.DaemonPort)) {
		return true
	}
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return authority == cfg.DaemonAddr
	}
	return host == cfg.DaemonAddr && port == strconv.Itoa(cfg.DaemonPort)
}

func classifyKind(c *classify.Classifier, basename string) classify.Kind {
	if c == nil {
		return classify.Forbidden
	}
	return c.Classify(basename)
}

func accessStatus(s coordinator.Status) accesslog.Status {
	return accesslog.Status(strings.ToUpper(s.String()))
}

func candidatesFor(cfg *config.Config, vhost string) []string {
	for _, up := range cfg.PathMap {
		if up.Vhost == vhost {
			return up.Candidates
		}
	}
	return nil
}

func hasNoCache(h http.Header) bool {
	if strings.Contains(strings.ToLower(h.Get("Pragma")), "no-cache") {
		return true
	}
	return strings.Contains(strings.ToLower(h.Get("Cache-Control")), "no-cache")
}

func (h *Handler) authorise(ip net.IP, cfg *config.Config) (bool, error) {
	if ip == nil {
		return false, fmt.Errorf("handler: unparseable remote address")
	}

	isV6 := ip.To4() == nil
	allowRaw, denyRaw := cfg.AllowedHosts, cfg.DeniedHosts
	if isV6 {
		allowRaw, denyRaw = cfg.AllowedHosts6, cfg.DeniedHosts6
	}

	allow, err := acl.ParseList(allowRaw)
	if err != nil {
		return false, err
	}
	deny, err := acl.ParseList(denyRaw)
	if err != nil {
		return false, err
	}

	return acl.Evaluate(ip, allow, deny) == acl.Allowed, nil
}

const stallTimeoutFloor = 5 * time.Second

func (h *Handler) coordinateAndStream(ctx context.Context, w io.Writer, cfg *config.Config, candidates []string, k store.Key, isIndex, noCache bool, req *httpwire.Request) (accesslog.Status, int64, error) {
	if cfg.OfflineMode && !h.Store.CompleteExists(k) {
		h.writeError(w, req, http.StatusServiceUnavailable, "Service Unavailable", "", "", logging.From(ctx))
		return accesslog.Offline, 0, nil
	}

	decision, err := h.Coordinator.Decide(ctx, cfg, candidates, k, isIndex, noCache)
	if err != nil {
		return "", 0, fmt.Errorf("handler: decide: %w", err)
	}
	defer decision.Body.Close()

	if decision.NeedsFetch {
		fetchErr := h.Coordinator.RunFetch(ctx, cfg, candidates, k, noCache)
		if errors.Is(fetchErr, coordinator.ErrLostFetchRace) {
			// Another process won the body lock between Decide and here;
			// fall through and stream as a follower instead.
		} else if fetchErr != nil {
			h.writeError(w, req, http.StatusBadGateway, "Bad Gateway", "", "", logging.From(ctx))
			return accessStatus(decision.Status), 0, nil
		}
	}

	stallTimeout := cfg.FetchTimeout
	if stallTimeout < stallTimeoutFloor {
		stallTimeout = stallTimeoutFloor
	}

	sreq := streamreader.Request{
		Range:           req.Header.Get("Range"),
		IfRange:         req.Header.Get("If-Range"),
		IfModifiedSince: req.Header.Get("If-Modified-Since"),
		KeepAlive:       req.KeepAlive() && !h.CGIStatusLines,
		StallTimeout:    stallTimeout,
		HeadOnly:        req.Method == http.MethodHead,
	}

	n, _, emitErr := streamreader.Emit(ctx, w, h.Store, k, sreq)
	if h.Metrics != nil {
		h.Metrics.AddBytesServed(n)
	}
	if emitErr != nil {
		if errors.Is(emitErr, streamreader.ErrEntryVanished) {
			// The previous fetcher died before publishing a header; this
			// connection gets a 502 rather than retrying indefinitely.
			// A fresh request will re-enter Decide and become the fetcher.
			h.writeError(w, req, http.StatusBadGateway, "Bad Gateway", "", "", logging.From(ctx))
			return accessStatus(decision.Status), 0, nil
		}
		if errors.Is(emitErr, streamreader.ErrStalled) {
			h.writeError(w, req, http.StatusGatewayTimeout, "Gateway Timeout", "", "", logging.From(ctx))
			return accessStatus(decision.Status), 0, nil
		}
		return "", 0, fmt.Errorf("handler: emit: %w", emitErr)
	}

	return accessStatus(decision.Status), n, nil
}

func (h *Handler) rejectMalformed(w io.Writer, err error, client string, log *logging.Logger) (bool, error) {
	switch {
	case errors.Is(err, httpwire.ErrMalformedRequestLine), errors.Is(err, httpwire.ErrUnsupportedMethod):
		h.writeRawError(w, http.StatusForbidden, "Forbidden")
		log.Warn("rejected request", "client", client, "status", http.StatusForbidden, "error", err)
		return false, nil
	case errors.Is(err, httpwire.ErrMissingHost):
		h.writeRawError(w, http.StatusBadRequest, "Bad Request")
		log.Warn("rejected request", "client", client, "status", http.StatusBadRequest, "error", err)
		return false, nil
	default:
		return false, err
	}
}

func (h *Handler) writeError(w io.Writer, req *httpwire.Request, code int, reason, client, basename string, log *logging.Logger) {
	log.Warn("request faulted", "status", code, "client", client, "path", requestPath(req))
	h.writeRawError(w, code, reason)
	if h.AccessLog != nil && basename != "" {
		_ = h.AccessLog.Log(client, accesslog.Status(strconv.Itoa(code)), 0, basename)
	}
}

func requestPath(req *httpwire.Request) string {
	if req == nil {
		return ""
	}
	return req.RawPath
}

func (h *Handler) writeRawError(w io.Writer, code int, reason string) {
	header := http.Header{"Connection": []string{"Close"}}
	statusLine := fmt.Sprintf("HTTP/1.1 %d %s", code, reason)
	if h.CGIStatusLines {
		_ = httpwire.WriteCGIStatusLine(w, code, reason)
	} else {
		fmt.Fprintf(w, "%s\r\n", statusLine)
	}
	for k, values := range header {
		for _, v := range values {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	io.WriteString(w, "\r\n")
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
