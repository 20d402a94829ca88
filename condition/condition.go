// Package condition implements the conditional-request gate: an early 304
// for a GET whose If-None-Match matches the stored ETag.
//
// Commentary here quotes the governing RFC prose (marked "§") directly
// above the code it grounds, against RFC 9110 §13 (Conditional Requests)
// since this gate is validator matching, not the full cache-freshness
// machinery RFC 9111 covers.
package condition

import (
	"net/http"
	"strconv"
	"time"

	"github.com/turtle-io/turtle/etagcache"
)

// §  13.1.2.  If-None-Match
// §
// §     The "If-None-Match" header field makes the request method
// §     conditional on a recipient cache or origin server either not having
// §     any current representation of the target resource, when the field
// §     value is "*", or having a selected representation with an
// §     entity-tag that does not match any of those listed in the field
// §     value.
// §
// §     A recipient MUST use the weak comparison function when comparing
// §     entity-tags for If-None-Match, since weak entity-tags can be used
// §     for cache validation even if there have been changes to the
// §     representation data.
//
// Result reports the outcome of evaluating the gate for one request.
type Result struct {
	// Matched is true when the stored ETag satisfies If-None-Match and a
	// 304 should be emitted immediately.
	Matched bool
	// Headers are the (cloned) stored headers to send with the 304,
	// already carrying a freshly computed Age header.
	Headers http.Header
}

// Evaluate checks r against the cached entry: only applies to GET without
// a Range header, and only when If-None-Match is present.
func Evaluate(r *http.Request, cached etagcache.Entry, found bool, now time.Time) Result {
	if r.Method != http.MethodGet {
		return Result{}
	}
	if r.Header.Get("Range") != "" {
		return Result{}
	}
	inm := r.Header.Get("If-None-Match")
	if inm == "" || !found {
		return Result{}
	}
	if unquote(inm) != cached.ETag {
		return Result{}
	}
	headers := cloneHeader(cached.Headers)
	headers.Set("Age", strconv.FormatInt(now.Unix()-cached.Timestamp, 10))
	return Result{Matched: true, Headers: headers}
}

// §  13.1.3.  If-Modified-Since
// §
// §     The "If-Modified-Since" header field makes a GET or HEAD request
// §     method conditional on the selected representation's modification
// §     date being more recent than the date provided in the field value.
//
// EvaluateModifiedSince implements the file handler's mtime-based
// conditional check, independent of the ETag cache.
func EvaluateModifiedSince(r *http.Request, mtime time.Time) bool {
	v := r.Header.Get("If-Modified-Since")
	if v == "" {
		return false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return false
	}
	return !mtime.Truncate(time.Second).After(t)
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	if len(v) >= 3 && v[0] == 'W' && v[1] == '/' {
		return unquote(v[2:])
	}
	return v
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
