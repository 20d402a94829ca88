// Package httpcache implements the small slice of RFC 9111 (HTTP Caching)
// the reverse proxy needs to inherit upstream cache policy during cache
// write-through: Cache-Control directive parsing, Age computation, and
// expiration.
//
// This is a deliberately narrow module: it does not model the full
// shared-cache freshness and revalidation lifecycle (heuristic freshness,
// stale-while-revalidate, multi-variant Vary matching) a general-purpose
// caching proxy would need. The ETag cache this feeds has none of that —
// one entry per URL, freshness is not tracked at all past the initial
// max-age/Expires lookup used to schedule an unregister.
package httpcache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Directives is a parsed Cache-Control header.
type Directives struct {
	values map[string]string
}

// Parse splits a Cache-Control header value into its directives.
func Parse(header string) Directives {
	values := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		values[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return Directives{values: values}
}

// Has reports whether a directive is present, regardless of value.
func (d Directives) Has(name string) bool {
	_, ok := d.values[name]
	return ok
}

// Get returns a directive's value and whether it was present.
func (d Directives) Get(name string) (string, bool) {
	v, ok := d.values[name]
	return v, ok
}

// ForbidsStorage reports whether the response must not be stored: its
// Cache-Control includes no-cache, no-store, or private.
func (d Directives) ForbidsStorage() bool {
	return d.Has("no-cache") || d.Has("no-store") || d.Has("private")
}

// §  5.1.  Age
// §
// §     The "Age" response header field conveys the sender's estimate of the
// §     time since the response was generated or successfully validated at
// §     the origin server.
//
// Age computes the current age of a stored response, given when it was
// requested and received.
func Age(requestedAt, receivedAt, now time.Time) time.Duration {
	age := now.Sub(receivedAt)
	if age < 0 {
		age = 0
	}
	return age
}

// FormatAge renders an Age duration as the non-negative integer delta-
// seconds the wire format requires.
func FormatAge(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatInt(secs, 10)
}

// Expiration resolves the point in time an upstream response's cache policy
// says it stops being fresh, used by the reverse proxy to schedule a
// deferred unregister after max-age seconds, or at the Expires time if
// present.
func Expiration(res *http.Response, now time.Time) (time.Time, bool) {
	cc := Parse(res.Header.Get("Cache-Control"))
	if v, ok := cc.Get("s-maxage"); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(secs) * time.Second), true
		}
	}
	if v, ok := cc.Get("max-age"); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(secs) * time.Second), true
		}
	}
	if exp := res.Header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
