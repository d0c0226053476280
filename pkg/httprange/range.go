// Package httprange parses HTTP Range request headers into byte-range
// lists, per RFC 7233's bytes= unit as narrowed by spec: bytes=-N is always
// a suffix length (the last N bytes), never a start position.
package httprange

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive byte range [Start, End] against a resource of a
// known total length.
type Range struct {
	Start, End int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

const prefix = "bytes="

// Parse parses the value of a Range header against a resource of the given
// total length. It returns the list of satisfiable ranges after clamping
// suffix ranges and dropping any range entirely outside [0, total).
//
// An error is returned only for a syntactically invalid header; a
// syntactically valid header with no satisfiable range after clamping
// returns an empty, non-nil slice (the caller emits 416).
func Parse(header string, total int64) ([]Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("httprange: unsupported unit in %q", header)
	}

	spec := strings.TrimPrefix(header, prefix)
	parts := strings.Split(spec, ",")

	ranges := make([]Range, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		r, ok, err := parseOne(p, total)
		if err != nil {
			return nil, err
		}
		if ok {
			ranges = append(ranges, r)
		}
	}
	return ranges, nil
}

func parseOne(spec string, total int64) (Range, bool, error) {
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return Range{}, false, fmt.Errorf("httprange: malformed range %q", spec)
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form: bytes=-N, "last N bytes".
		if endStr == "" {
			return Range{}, false, fmt.Errorf("httprange: empty range %q", spec)
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return Range{}, false, fmt.Errorf("httprange: bad suffix length in %q", spec)
		}
		if total <= 0 {
			return Range{}, false, nil
		}
		if n > total {
			n = total
		}
		if n == 0 {
			return Range{}, false, nil
		}
		return Range{Start: total - n, End: total - 1}, true, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return Range{}, false, fmt.Errorf("httprange: bad start in %q", spec)
	}
	if start >= total {
		return Range{}, false, nil
	}

	if endStr == "" {
		// Open range: bytes=N-, through end of resource.
		return Range{Start: start, End: total - 1}, true, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return Range{}, false, fmt.Errorf("httprange: bad end in %q", spec)
	}
	if end >= total {
		end = total - 1
	}
	return Range{Start: start, End: end}, true, nil
}

// ContentRange formats the Content-Range header value for a served range
// against a resource of the given total length.
func ContentRange(r Range, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}
