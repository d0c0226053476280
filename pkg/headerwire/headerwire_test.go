package headerwire

import (
	"net/http"
	"testing"
)

func TestFormatParseRoundTrip(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "1048576")
	h.Set("Last-Modified", "Tue, 01 Jan 2024 00:00:00 GMT")
	h.Set("ETag", `"abc123"`)

	data := Format("HTTP/1.1 200 OK", h)

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", parsed.StatusCode)
	}
	if parsed.Header.Get("Content-Length") != "1048576" {
		t.Fatalf("Content-Length = %q", parsed.Header.Get("Content-Length"))
	}
	if parsed.Header.Get("ETag") != `"abc123"` {
		t.Fatalf("ETag = %q", parsed.Header.Get("ETag"))
	}
}

func TestParseMalformedStatusLine(t *testing.T) {
	if _, err := Parse([]byte("not a status line\r\n\r\n")); err == nil {
		t.Fatal("expected error for malformed status line")
	}
}
