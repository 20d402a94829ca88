// Package reqctx holds the per-request decorations attached after vhost
// resolution, shared across the root turtle package and the
// emit/filehandler/reverseproxy packages that read them. It exists as its
// own package so those packages don't need to import the root package
// (which imports them) to see the request state.
package reqctx

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type contextKey struct{}

// State is the per-request decoration attached to every inbound request
// after vhost resolution.
type State struct {
	// CanonicalURL is http[s]://[auth@]host/path?query, built from the
	// request line and a decoded basic-auth token if present.
	CanonicalURL string
	ParsedURL    *url.URL
	VHost        string
	ClientIP     string
	StartedAt    time.Time

	// Allow accumulates the permitted-methods string for the matched
	// route; recomputed lazily via the permissions cache.
	Allow string
	// CORS is set iff an Origin header was present on the request.
	CORS bool

	// Body holds the accumulated PUT/POST/PATCH body, bounded by
	// Config.MaxBytes.
	Body []byte
	// Invalid marks a request that failed a bound check (e.g. body size)
	// and must short-circuit to an error response once fully read.
	Invalid    bool
	InvalidErr error

	// LocalFilePath is set by the file handler when it resolves a request
	// to a real filesystem path, so the emitter's cache write-through step
	// knows what to hand the watcher registry.
	LocalFilePath string
}

// New creates a State with its timer started.
func New() *State {
	return &State{StartedAt: time.Now()}
}

// Elapsed returns the time since the request began, for X-Response-Time.
func (s *State) Elapsed() time.Duration {
	return time.Since(s.StartedAt)
}

// With attaches s to ctx.
func With(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// From retrieves the State attached to r, or a fresh zero State if none was
// attached (defensive default; should not happen past the pipeline entry).
func From(r *http.Request) *State {
	if s, ok := r.Context().Value(contextKey{}).(*State); ok {
		return s
	}
	return New()
}
