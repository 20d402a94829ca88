// Package byterange implements single-range slicing for partial content
// delivery. Only a single `bytes=start-end` range is supported; multipart
// byteranges are out of scope.
//
// As with turtle/condition, the style here quotes the governing RFC prose
// (RFC 9110 §14, Range Requests) above the code it grounds.
package byterange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiable indicates the request should receive a 416, with the
// Range header stripped before the response is emitted.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// Range is a resolved, inclusive byte range.
type Range struct {
	Start, End int64 // inclusive
}

// §  14.1.2.  Byte Ranges
// §
// §     Each range-spec must contain at least one of a first-byte-pos and
// §     a last-byte-pos value; ... if the last-byte-pos value is absent,
// §     ... the byte range is interpreted as the remainder of the
// §     representation.
//
// Parse decodes a `Range: bytes=start-end` header against a known total
// representation length. If end is omitted, it is filled from total.
func Parse(header string, total int64) (Range, error) {
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return Range{}, ErrUnsatisfiable
	}
	start, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err1 != nil {
		return Range{}, ErrUnsatisfiable
	}
	var end int64
	if strings.TrimSpace(parts[1]) == "" {
		end = total - 1
	} else {
		e, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err2 != nil {
			return Range{}, ErrUnsatisfiable
		}
		end = e
	}
	if end >= total {
		end = total - 1
	}
	if start < 0 || end < 0 || start >= end {
		return Range{}, ErrUnsatisfiable
	}
	return Range{Start: start, End: end}, nil
}

// Len reports the inclusive byte count of the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the `Content-Range: bytes start-end/total` header
// value.
func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// Slice applies r to an in-memory buffer, the non-file-body path of range
// handling.
func Slice(b []byte, r Range) []byte {
	if r.Start >= int64(len(b)) {
		return nil
	}
	end := r.End + 1
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return b[r.Start:end]
}
