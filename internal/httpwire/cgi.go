package httpwire

import (
	"net/http"
	"os"
	"strconv"
)

// RequestFromCGIEnv builds a Request from the CGI environment variables
// a web server sets before exec'ing pkgcacherd in CGI mode, rather than
// from a wire-format read.
func RequestFromCGIEnv(environ func(string) string) *Request {
	header := http.Header{}
	if v := environ("HTTP_RANGE"); v != "" {
		header.Set("Range", v)
	}
	if v := environ("HTTP_IF_RANGE"); v != "" {
		header.Set("If-Range", v)
	}
	if v := environ("HTTP_IF_MODIFIED_SINCE"); v != "" {
		header.Set("If-Modified-Since", v)
	}
	if v := environ("HTTP_PRAGMA"); v != "" {
		header.Set("Pragma", v)
	}
	if v := environ("HTTP_CACHE_CONTROL"); v != "" {
		header.Set("Cache-Control", v)
	}

	path := environ("PATH_INFO")
	if path == "" {
		path = environ("QUERY_STRING")
	}

	method := environ("REQUEST_METHOD")
	if method == "" {
		method = http.MethodGet
	}

	proto := environ("SERVER_PROTOCOL")
	if proto == "" {
		proto = "HTTP/1.0"
	}

	host := environ("SERVER_NAME")
	header.Set("Host", host)
	header.Set("Connection", "Close")

	return &Request{
		Method:     method,
		RawPath:    path,
		Proto:      proto,
		Header:     header,
		Host:       host,
		RemoteAddr: environ("REMOTE_ADDR"),
	}
}

// OSEnviron is the environ func to pass to RequestFromCGIEnv in
// production; tests supply a map-backed lookup instead.
func OSEnviron(key string) string {
	return os.Getenv(key)
}

// WriteCGIStatusLine writes the CGI-mode status line form
// ("Status: <code> <reason>") instead of an HTTP status line, per the CGI
// specification's requirement that scripts not emit their own
// "HTTP/1.x" line.
func WriteCGIStatusLine(w interface{ Write([]byte) (int, error) }, code int, reason string) error {
	_, err := w.Write([]byte("Status: " + strconv.Itoa(code) + " " + reason + "\r\n"))
	return err
}
