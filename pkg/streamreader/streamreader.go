// Package streamreader emits the HTTP response for a resolved cache
// entry: it waits for the header sidecar to appear, applies range and
// conditional semantics, and follows a body file that may still be
// actively written by a sibling fetcher.
package streamreader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/greeneg/pkg-cacher/pkg/headerwire"
	"github.com/greeneg/pkg-cacher/pkg/httprange"
	"github.com/greeneg/pkg-cacher/pkg/store"
)

const (
	pollInterval      = 50 * time.Millisecond
	readChunk         = 64 * 1024
	multipartBoundary = "pkgcacherboundary"
)

// ErrEntryVanished is returned when the body file disappears while its
// header is still being awaited: the previous fetcher crashed between
// creating the entry and publishing its header. The request handler
// answers such a request with 502 and does not retry it; the next request
// for the same key goes through the coordinator's decision path again and
// claims the fetch.
var ErrEntryVanished = errors.New("streamreader: entry vanished while awaiting header")

// ErrStalled is returned when no header appears within the stall
// timeout and nothing has been written to the client yet.
var ErrStalled = errors.New("streamreader: stalled waiting for upstream header")

// hopByHop headers are never forwarded to the client; they describe the
// fetcher's own connection to upstream, not this connection.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

var forwardedPrefixes = []string{"Content-", "Accept-"}

var forwardedExact = map[string]bool{
	"Last-Modified": true,
	"Etag":          true,
	"Age":           true,
}

// Request is the subset of the inbound client request streamreader
// needs, already parsed by the request handler.
type Request struct {
	Range           string
	IfRange         string
	IfModifiedSince string
	KeepAlive       bool
	StallTimeout    time.Duration
	HeadOnly        bool
}

// Emit waits for k's header, then writes a complete HTTP/1.x response
// (status line, headers, blank line, and body unless req.HeadOnly) to w.
// bytesWritten reports the number of body bytes actually sent, for the
// caller's metrics and access log entry.
func Emit(ctx context.Context, w io.Writer, st *store.Store, k store.Key, req Request) (bytesWritten int64, status string, err error) {
	data, err := awaitHeader(ctx, st, k, req.StallTimeout)
	if err != nil {
		return 0, "", err
	}

	parsed, err := headerwire.Parse(data)
	if err != nil {
		return 0, "", fmt.Errorf("streamreader: parse header: %w", err)
	}

	header := sanitize(parsed.Header)
	connection := "Close"
	if req.KeepAlive {
		connection = "Keep-Alive"
	}
	header.Set("Connection", connection)

	if parsed.StatusCode != http.StatusOK {
		header.Set("Connection", "Close")
		writeStatusAndHeaders(w, parsed.StatusLine, header)
		return 0, "non-200", nil
	}

	totalLength, _ := strconv.ParseInt(header.Get("Content-Length"), 10, 64)

	if req.IfModifiedSince != "" && req.Range == "" {
		if since, errT := http.ParseTime(req.IfModifiedSince); errT == nil {
			if lm := header.Get("Last-Modified"); lm != "" {
				if modified, errM := http.ParseTime(lm); errM == nil && !modified.After(since) {
					writeStatusAndHeaders(w, "HTTP/1.1 304 Not Modified", http.Header{"Connection": []string{connection}})
					return 0, "not-modified", nil
				}
			}
		}
	}

	var ranges []httprange.Range
	if req.Range != "" && req.IfRange == "" {
		ranges, err = httprange.Parse(req.Range, totalLength)
		if err != nil {
			writeStatusAndHeaders(w, "HTTP/1.1 400 Bad Request", http.Header{"Connection": []string{connection}})
			return 0, "bad-range", nil
		}
		if len(ranges) == 0 {
			h := http.Header{"Connection": []string{connection}}
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", totalLength))
			writeStatusAndHeaders(w, "HTTP/1.1 416 Range Not Satisfiable", h)
			return 0, "range-not-satisfiable", nil
		}
	}

	body, err := st.OpenBodyForRead(k)
	if err != nil {
		return 0, "", fmt.Errorf("streamreader: open body: %w", err)
	}
	defer body.Close()

	if req.HeadOnly {
		writeStatusAndHeaders(w, parsed.StatusLine, header)
		return 0, "head", nil
	}

	switch {
	case len(ranges) == 0:
		writeStatusAndHeaders(w, parsed.StatusLine, header)
		n, serr := streamRange(ctx, w, st, k, body, httprange.Range{Start: 0, End: totalLength - 1}, req.StallTimeout)
		return n, "full", serr
	case len(ranges) == 1:
		h := header.Clone()
		h.Set("Content-Range", httprange.ContentRange(ranges[0], totalLength))
		h.Set("Content-Length", strconv.FormatInt(ranges[0].Len(), 10))
		writeStatusAndHeaders(w, "HTTP/1.1 206 Partial Content", h)
		n, serr := streamRange(ctx, w, st, k, body, ranges[0], req.StallTimeout)
		return n, "partial", serr
	default:
		return emitMultipart(ctx, w, st, k, body, ranges, header, totalLength, req.StallTimeout)
	}
}

func awaitHeader(ctx context.Context, st *store.Store, k store.Key, stallTimeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(stallTimeout)
	for {
		if st.HeaderExists(k) {
			data, err := st.ReadHeader(k)
			if err == nil {
				return data, nil
			}
		}
		if _, err := os.Stat(st.BodyPath(k)); os.IsNotExist(err) {
			return nil, ErrEntryVanished
		}
		if time.Now().After(deadline) {
			return nil, ErrStalled
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func sanitize(h http.Header) http.Header {
	out := http.Header{}
	for k, values := range h {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		canon := http.CanonicalHeaderKey(k)
		if forwardedExact[canon] || hasForwardedPrefix(canon) {
			out[canon] = values
		}
	}
	return out
}

func hasForwardedPrefix(canon string) bool {
	for _, p := range forwardedPrefixes {
		if len(canon) >= len(p) && canon[:len(p)] == p {
			return true
		}
	}
	return false
}

func writeStatusAndHeaders(w io.Writer, statusLine string, h http.Header) {
	fmt.Fprintf(w, "%s\r\n", statusLine)
	for k, values := range h {
		for _, v := range values {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	io.WriteString(w, "\r\n")
}

// streamRange reads [r.Start, r.End] from body and writes it to w,
// following the body file as it grows: a zero-byte read is retried
// unless the completion marker has appeared, in which case one final
// read drains any last bytes before finishing.
func streamRange(ctx context.Context, w io.Writer, st *store.Store, k store.Key, body *os.File, r httprange.Range, stallTimeout time.Duration) (int64, error) {
	if _, err := body.Seek(r.Start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("streamreader: seek: %w", err)
	}

	remaining := r.Len()
	var written int64
	buf := make([]byte, readChunk)
	deadline := time.Now().Add(stallTimeout)
	drainedAfterComplete := false

	for remaining > 0 {
		toRead := int64(len(buf))
		if remaining < toRead {
			toRead = remaining
		}
		n, err := body.Read(buf[:toRead])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("streamreader: write to client: %w", werr)
			}
			written += int64(n)
			remaining -= int64(n)
			deadline = time.Now().Add(stallTimeout)
			continue
		}

		if err != nil && err != io.EOF {
			return written, fmt.Errorf("streamreader: read body: %w", err)
		}

		if st.CompleteExists(k) {
			if drainedAfterComplete {
				return written, nil
			}
			drainedAfterComplete = true
			continue
		}

		if time.Now().After(deadline) {
			return written, fmt.Errorf("streamreader: body stalled for %s after %d bytes", stallTimeout, written)
		}

		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	return written, nil
}

func emitMultipart(ctx context.Context, w io.Writer, st *store.Store, k store.Key, body *os.File, ranges []httprange.Range, header http.Header, total int64, stallTimeout time.Duration) (int64, string, error) {
	contentType := header.Get("Content-Type")
	h := header.Clone()
	h.Set("Content-Type", "multipart/byteranges; boundary="+multipartBoundary)
	h.Del("Content-Length")
	writeStatusAndHeaders(w, "HTTP/1.1 206 Partial Content", h)

	var n int64
	for _, r := range ranges {
		fmt.Fprintf(w, "--%s\r\n", multipartBoundary)
		if contentType != "" {
			fmt.Fprintf(w, "Content-Type: %s\r\n", contentType)
		}
		fmt.Fprintf(w, "Content-Range: %s\r\n\r\n", httprange.ContentRange(r, total))
		wn, err := streamRange(ctx, w, st, k, body, r, stallTimeout)
		n += wn
		if err != nil {
			return n, "partial", err
		}
		io.WriteString(w, "\r\n")
	}
	fmt.Fprintf(w, "--%s--\r\n", multipartBoundary)
	return n, "partial", nil
}
