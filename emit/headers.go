package emit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/turtle-io/turtle/reqctx"
)

// decorateHeaders applies the response header discipline: default headers,
// Allow/Date/Transfer-Encoding, CORS, cache-header stripping, and the
// extra "status" header for log/proxy reuse.
func (e *Emitter) decorateHeaders(r *http.Request, st *reqctx.State, status int, headers http.Header) http.Header {
	if status >= 300 && status < 400 && status != http.StatusNotModified {
		if headers == nil {
			headers = http.Header{}
		}
		return headers
	}

	composed := cloneHeader(e.DefaultHeaders)
	for k, vv := range headers {
		composed[k] = append([]string(nil), vv...)
	}
	headers = composed

	headers.Set("Allow", st.Allow)
	if headers.Get("Date") == "" {
		headers.Set("Date", nowHTTPDate())
	}
	if headers.Get("Transfer-Encoding") == "" {
		headers.Set("Transfer-Encoding", "identity")
	}
	// The compression-selection step only ever *sets* Content-Encoding for
	// a response it actually compresses; default it to identity here so a
	// non-compressible response never carries a stale or absent value.
	if headers.Get("Content-Encoding") == "" {
		headers.Set("Content-Encoding", "identity")
	}

	if st.CORS {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = strings.TrimSuffix(r.Header.Get("Referer"), "/")
		}
		headers.Set("Access-Control-Allow-Origin", origin)
		headers.Set("Access-Control-Allow-Credentials", "true")
		headers.Set("Access-Control-Allow-Methods", st.Allow)
	} else {
		deletePrefixed(headers, "access-control-")
	}

	isGetLike := r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions
	rateLimited := headers.Get("X-Ratelimit-Limit") != ""
	if !isGetLike || status >= 400 || rateLimited {
		headers.Del("Cache-Control")
		headers.Del("ETag")
		headers.Del("Last-Modified")
		if rateLimited {
			headers.Set("Cache-Control", "no-cache")
		}
	}

	if status == http.StatusNotModified {
		headers.Del("Accept-Ranges")
		headers.Del("Content-Encoding")
		headers.Del("Content-Length")
		headers.Del("Content-Type")
		headers.Del("Date")
		headers.Del("Transfer-Encoding")
		headers.Del("Last-Modified")
	}

	if (status == http.StatusNotFound && st.Allow != "") || status >= 500 {
		headers.Del("Accept-Ranges")
	}

	// "status" header for log/proxy reuse.
	headers.Set("Status", strconv.Itoa(status)+" "+http.StatusText(status))

	return headers
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

func deletePrefixed(h http.Header, prefix string) {
	for k := range h {
		if strings.HasPrefix(strings.ToLower(k), prefix) {
			h.Del(k)
		}
	}
}

// Now is the clock used for the Date header; overridable in tests.
var Now = func() time.Time { return time.Now() }

func nowHTTPDate() string {
	return Now().UTC().Format(http.TimeFormat)
}
