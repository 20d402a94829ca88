package emit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/turtle-io/turtle/reqctx"
)

func TestDecorateHeadersDefaultsAndStatus(t *testing.T) {
	e := &Emitter{DefaultHeaders: http.Header{"Server": {"turtle.io/test"}}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	st := reqctx.New()
	st.Allow = "GET, HEAD, OPTIONS"

	h := e.decorateHeaders(r, st, http.StatusOK, nil)
	if h.Get("Server") != "turtle.io/test" {
		t.Fatalf("Server = %q", h.Get("Server"))
	}
	if h.Get("Allow") != st.Allow {
		t.Fatalf("Allow = %q", h.Get("Allow"))
	}
	if h.Get("Content-Encoding") != "identity" {
		t.Fatal("expected default Content-Encoding: identity")
	}
	if h.Get("Status") != "200 OK" {
		t.Fatalf("Status = %q", h.Get("Status"))
	}
}

func TestDecorateHeadersRedirectShortCircuits(t *testing.T) {
	e := &Emitter{DefaultHeaders: http.Header{"Server": {"turtle.io/test"}}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	st := reqctx.New()

	h := e.decorateHeaders(r, st, http.StatusFound, http.Header{"Location": {"/elsewhere"}})
	if h.Get("Server") != "" {
		t.Fatal("expected redirect responses to skip default-header composition")
	}
	if h.Get("Location") != "/elsewhere" {
		t.Fatal("expected Location to survive")
	}
}

func TestDecorateHeadersStripsCacheHeadersOnError(t *testing.T) {
	e := &Emitter{DefaultHeaders: http.Header{}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	st := reqctx.New()

	h := e.decorateHeaders(r, st, http.StatusInternalServerError, http.Header{"ETag": {`"x"`}, "Cache-Control": {"max-age=60"}})
	if h.Get("ETag") != "" || h.Get("Cache-Control") != "" {
		t.Fatal("expected ETag/Cache-Control stripped on a 5xx")
	}
}

func TestDecorateHeadersStripsCacheHeadersOnNonGet(t *testing.T) {
	e := &Emitter{DefaultHeaders: http.Header{}}
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	st := reqctx.New()

	h := e.decorateHeaders(r, st, http.StatusOK, http.Header{"ETag": {`"x"`}})
	if h.Get("ETag") != "" {
		t.Fatal("expected ETag stripped for a non-GET-like method")
	}
}

func TestDecorateHeadersNotModifiedStripsRepresentationHeaders(t *testing.T) {
	e := &Emitter{DefaultHeaders: http.Header{}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	st := reqctx.New()

	h := e.decorateHeaders(r, st, http.StatusNotModified, http.Header{"Content-Type": {"text/html"}, "Content-Length": {"100"}})
	for _, k := range []string{"Content-Type", "Content-Length", "Accept-Ranges", "Last-Modified"} {
		if h.Get(k) != "" {
			t.Fatalf("expected %s stripped on 304", k)
		}
	}
}

func TestDecorateHeadersCORSOffStripsAccessControl(t *testing.T) {
	e := &Emitter{DefaultHeaders: http.Header{}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	st := reqctx.New()
	st.CORS = false

	h := e.decorateHeaders(r, st, http.StatusOK, http.Header{"Access-Control-Allow-Origin": {"*"}})
	if h.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected Access-Control-* stripped when CORS is off")
	}
}

func TestDecorateHeadersRateLimitedForcesNoCache(t *testing.T) {
	e := &Emitter{DefaultHeaders: http.Header{}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	st := reqctx.New()

	h := e.decorateHeaders(r, st, http.StatusOK, http.Header{"X-Ratelimit-Limit": {"100"}, "ETag": {`"x"`}})
	if h.Get("Cache-Control") != "no-cache" {
		t.Fatalf("Cache-Control = %q", h.Get("Cache-Control"))
	}
	if h.Get("ETag") != "" {
		t.Fatal("expected ETag stripped when rate-limited")
	}
}
