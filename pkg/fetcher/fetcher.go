// Package fetcher performs upstream HEAD/GET requests against ordered
// candidate hosts with redirect handling, retry budgets, rate limiting,
// and writes the response into the content store.
package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Mode selects whether Fetch issues a HEAD (freshness check) or a GET
// (full download into the store).
type Mode int

const (
	Head Mode = iota
	Get
)

const (
	retryBudget    = 5
	redirectBudget = 5
	connectTimeout = 10 * time.Second
	copyChunk      = 64 * 1024
)

// Config is the subset of the runtime configuration record the fetcher
// needs. It is passed by value per call so a config reload never races a
// fetch already in flight.
type Config struct {
	// HTTPProxyURL and HTTPSProxyURL are the parent proxies used for
	// plain-HTTP and HTTPS candidate targets respectively (chosen by the
	// scheme of the request actually being made); either may carry
	// embedded basic-auth userinfo. Nil means connect directly.
	HTTPProxyURL      *url.URL
	HTTPSProxyURL     *url.URL
	RequireValidSSL   bool
	EgressBytesPerSec int64 // 0 = unlimited
	StallTimeout      time.Duration
	BindInterface     string
	ForwardNoCache    bool // client sent Cache-Control/Pragma: no-cache
}

// Result describes the terminal outcome of a Fetch call.
type Result struct {
	StatusCode    int
	StatusLine    string
	Header        http.Header
	ContentLength int64
	BytesWritten  int64
	SourceURL     string
}

// Sink receives the fetcher's output. ResetBody is called once per
// attempt for GET requests (initial try, every retry, every redirect hop)
// so the caller can truncate the body file to zero. Finalize is
// called when an attempt's terminal (non-redirect) response is known,
// before any body bytes are copied, so the scratch-then-rename header
// publication always happens before bytes start flowing. It runs for HEAD
// as well as GET, and once more for each further candidate tried after a
// 5xx response, so a later call replaces the header an earlier one
// published.
type Sink interface {
	ResetBody() (io.Writer, error)
	Finalize(statusLine string, header http.Header) error
}

// Fetcher issues upstream requests. One Fetcher is shared process-wide;
// its only mutable state is the per-host rate limiter map, a
// sync.Mutex-guarded map with lazy init, mirroring the per-host
// semaphore in the aptutil cacher reference file.
type Fetcher struct {
	mu       sync.Mutex
	hostRate map[string]*rate.Limiter

	ratePerHost rate.Limit // requests/sec budget per candidate host; 0 = unlimited
}

// New creates a Fetcher. ratePerHost throttles outbound requests to a
// single candidate host (independent of any other candidate, so one dead
// mirror cannot starve another).
func New(ratePerHost float64) *Fetcher {
	return &Fetcher{
		hostRate:    make(map[string]*rate.Limiter),
		ratePerHost: rate.Limit(ratePerHost),
	}
}

func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	if f.ratePerHost <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.hostRate[host]
	if !ok {
		l = rate.NewLimiter(f.ratePerHost, 1)
		f.hostRate[host] = l
	}
	return l
}

func (f *Fetcher) httpClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	if cfg.BindInterface != "" {
		if addr, err := net.ResolveTCPAddr("tcp", cfg.BindInterface+":0"); err == nil {
			dialer.LocalAddr = addr
		}
	}

	transport := &http.Transport{
		DialContext:     dialer.DialContext,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.RequireValidSSL},
	}
	if cfg.HTTPProxyURL != nil || cfg.HTTPSProxyURL != nil {
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" {
				return cfg.HTTPSProxyURL, nil
			}
			return cfg.HTTPProxyURL, nil
		}
	}

	return &http.Client{
		Transport: transport,
		// Redirects are followed manually to apply the per-candidate
		// redirect budget and the ftp:// special case.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Fetch resolves candidates in order and performs mode against uri on
// each, applying the retry/redirect policy. A non-nil sink receives the
// terminal header (via Finalize) in either mode, and for mode == Get also
// the body file handle (via ResetBody), at the right points in the
// sequence.
func (f *Fetcher) Fetch(ctx context.Context, cfg Config, candidates []string, uri string, mode Mode, sink Sink) (*Result, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("fetcher: no candidates configured")
	}

	client := f.httpClient(cfg)

	var last *Result
	var lastErr error

	for _, candidate := range candidates {
		res, err := f.fetchCandidate(ctx, client, cfg, candidate, uri, mode, sink)
		if err != nil {
			lastErr = err
			continue
		}
		last = res
		if res.StatusCode/100 == 2 {
			return res, nil
		}
		if res.StatusCode/100 == 4 {
			// Terminal failure for this entry: the caller unlinks the body.
			return res, nil
		}
		// 5xx or other transport-level oddity: fall through to the next candidate.
	}

	if last != nil {
		return last, nil
	}
	return nil, fmt.Errorf("fetcher: all candidates failed: %w", lastErr)
}

func candidateBaseURL(candidate, uri string) string {
	if strings.Contains(uri, "://") {
		return uri
	}
	base := candidate
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(uri, "/")
}

func (f *Fetcher) fetchCandidate(ctx context.Context, client *http.Client, cfg Config, candidate, uri string, mode Mode, sink Sink) (*Result, error) {
	target := candidateBaseURL(candidate, uri)
	base := target

	retries := 0
	redirects := 0

	var bodyWriter io.Writer
	resetBody := func() error {
		if mode != Get || sink == nil {
			return nil
		}
		w, err := sink.ResetBody()
		if err != nil {
			return err
		}
		bodyWriter = w
		return nil
	}

	for {
		if err := resetBody(); err != nil {
			return nil, fmt.Errorf("fetcher: reset body: %w", err)
		}

		host := hostOf(target)
		if limiter := f.limiterFor(host); limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		result, next, doErr, err := f.roundTrip(ctx, client, cfg, base, target, &retries, &redirects, mode, sink, bodyWriter)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		if doErr != nil {
			return nil, fmt.Errorf("fetcher: %s: %w", target, doErr)
		}
		target = next
	}
}

// roundTrip performs one request against target, bounded by
// cfg.StallTimeout: a connect, response, or body-copy stall surfaces as
// ctx.Err() rather than hanging the fetch (and the body lock it holds)
// forever. It returns a non-nil result once the attempt is terminal
// (success, client error with the retry budget exhausted, or a redirect
// with the redirect budget exhausted publishes the redirect response
// itself), a non-nil doErr if client.Do failed and the retry budget is
// exhausted, or a next target (possibly unchanged, meaning "retry") for
// the caller to loop on.
func (f *Fetcher) roundTrip(ctx context.Context, client *http.Client, cfg Config, baseURL, target string, retries, redirects *int, mode Mode, sink Sink, bodyWriter io.Writer) (result *Result, next string, doErr, err error) {
	reqCtx := ctx
	cancel := func() {}
	if cfg.StallTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, cfg.StallTimeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, methodFor(mode), target, nil)
	if err != nil {
		return nil, "", nil, fmt.Errorf("fetcher: build request: %w", err)
	}
	if cfg.ForwardNoCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	} else {
		req.Header.Set("Pragma", "")
	}

	resp, reqErr := client.Do(req)
	if reqErr != nil {
		*retries++
		if *retries >= retryBudget {
			return nil, "", reqErr, nil
		}
		return nil, target, nil, nil
	}

	if resp.StatusCode == http.StatusBadRequest {
		resp.Body.Close()
		*retries++
		if *retries >= retryBudget {
			res, err := f.terminate(reqCtx, cfg, resp, target, mode, sink, bodyWriter)
			return res, "", nil, err
		}
		return nil, target, nil, nil
	}

	if isRedirect(resp.StatusCode) {
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		*redirects++
		if *redirects >= redirectBudget {
			res, err := f.terminate(reqCtx, cfg, resp, target, mode, sink, bodyWriter)
			return res, "", nil, err
		}
		if strings.HasPrefix(loc, "ftp://") {
			return nil, baseURL, nil, nil
		}
		nextTarget, err := resolveLocation(target, loc)
		if err != nil {
			return nil, "", nil, fmt.Errorf("fetcher: bad redirect location: %w", err)
		}
		return nil, nextTarget, nil, nil
	}

	res, err := f.terminate(reqCtx, cfg, resp, target, mode, sink, bodyWriter)
	return res, "", nil, err
}

// terminate handles the final (non-redirect) response for an attempt:
// publishes the header via sink.Finalize, then, for a successful GET,
// streams the body through CopyBody before closing the response. ctx
// carries the same per-attempt stall deadline as the request itself, so
// a body that stops arriving mid-copy aborts instead of hanging.
func (f *Fetcher) terminate(ctx context.Context, cfg Config, resp *http.Response, sourceURL string, mode Mode, sink Sink, bodyWriter io.Writer) (*Result, error) {
	defer resp.Body.Close()

	result := statusResult(resp)
	result.SourceURL = sourceURL

	if sink != nil {
		if err := sink.Finalize(result.StatusLine, resp.Header); err != nil {
			return nil, fmt.Errorf("fetcher: finalize header: %w", err)
		}
	}

	if mode == Get && resp.StatusCode/100 == 2 && bodyWriter != nil {
		n, err := CopyBody(ctx, cfg, resp.Body, bodyWriter)
		result.BytesWritten = n
		if err != nil {
			return result, fmt.Errorf("fetcher: copy body: %w", err)
		}
		if result.ContentLength < 0 {
			result.ContentLength = n
		}
	}

	return result, nil
}

// CopyBody streams r into w, honoring the configured egress bandwidth
// cap, and returns the number of bytes written.
func CopyBody(ctx context.Context, cfg Config, r io.Reader, w io.Writer) (int64, error) {
	var limiter *rate.Limiter
	if cfg.EgressBytesPerSec > 0 {
		// WaitN fails outright for n above the burst, so the burst must
		// cover a full read chunk even when the cap is smaller.
		burst := int(cfg.EgressBytesPerSec)
		if burst < copyChunk {
			burst = copyChunk
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.EgressBytesPerSec), burst)
	}

	buf := make([]byte, copyChunk)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					return total, werr
				}
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func statusResult(resp *http.Response) *Result {
	r := &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}
	if resp.ContentLength >= 0 {
		r.ContentLength = resp.ContentLength
	} else {
		r.ContentLength = -1
	}
	r.StatusLine = fmt.Sprintf("HTTP/%d.%d %s", resp.ProtoMajor, resp.ProtoMinor, resp.Status)
	return r
}

func methodFor(mode Mode) string {
	if mode == Head {
		return http.MethodHead
	}
	return http.MethodGet
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	locURL, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(locURL).String(), nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// SynthesizeErrorStatusLine builds a fallback "502 libcurl error: ..."
// status line for a fetch in which every candidate failed outright
// (no HTTP response at all, only transport errors). Fetch itself does not
// call it: it reports that case as an error.
func SynthesizeErrorStatusLine(err error) string {
	return fmt.Sprintf("HTTP/1.1 502 libcurl error: %s", err)
}

// ParseStatusLine extracts the numeric status code and reason phrase from
// a raw "HTTP/x.y NNN Reason" status line.
func ParseStatusLine(line string) (code int, reason string, ok bool) {
	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", false
	}
	c, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return c, reason, true
}
