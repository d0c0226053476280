// Package headerwire renders and parses the header sidecar format used
// under headers/<vhost>/<uri>: the raw HTTP status line followed by
// response headers, exactly as received from upstream: the raw status
// line comes first, followed by the header block.
package headerwire

import (
	"bufio"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Format renders statusLine and header into the sidecar's on-disk form.
func Format(statusLine string, header http.Header) []byte {
	var b strings.Builder
	b.WriteString(statusLine)
	b.WriteString("\r\n")
	for k, values := range header {
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Parsed is a parsed header sidecar.
type Parsed struct {
	StatusCode int
	StatusLine string
	Header     http.Header
}

// Parse reads a sidecar's contents back into a status line and header set.
func Parse(data []byte) (*Parsed, error) {
	r := bufio.NewReader(strings.NewReader(string(data)))

	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("headerwire: read status line: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")

	code, ok := codeFromStatusLine(statusLine)
	if !ok {
		return nil, fmt.Errorf("headerwire: malformed status line %q", statusLine)
	}

	tp := textproto.NewReader(r)
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && len(mimeHeader) == 0 {
		// An empty header block (e.g. a bare 304) is valid; only a real
		// parse error (not EOF-with-nothing-read) is fatal.
		if err.Error() != "EOF" {
			return nil, fmt.Errorf("headerwire: read headers: %w", err)
		}
	}

	return &Parsed{
		StatusCode: code,
		StatusLine: statusLine,
		Header:     http.Header(mimeHeader),
	}, nil
}

func codeFromStatusLine(line string) (int, bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return code, true
}
