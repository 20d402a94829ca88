package reverseproxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"github.com/turtle-io/turtle/emit"
	"github.com/turtle-io/turtle/etagcache"
	"github.com/turtle-io/turtle/reqctx"
)

func newProxyForTest(t *testing.T, route string, upstream *httptest.Server, opts Options) *Proxy {
	origin, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	p := New(route, origin, opts)
	p.Emit = &emit.Emitter{
		DefaultHeaders: http.Header{"Server": {"turtle.io/test"}},
		Cache:          etagcache.New(100, t.TempDir()),
		Log:            zerolog.Nop(),
	}
	p.Cache = p.Emit.Cache
	return p
}

func newProxyRequest(method, path string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	st := reqctx.New()
	st.Allow = "GET, HEAD, OPTIONS"
	st.CanonicalURL = "http://example.com" + path
	return r.WithContext(reqctx.With(r.Context(), st))
}

func TestServeHTTPRewritesJSONBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"link":"/resource/1","other":"keep me"}`))
	}))
	defer upstream.Close()

	p := newProxyForTest(t, "/api", upstream, Options{})
	r := newProxyRequest(http.MethodGet, "/api/resource/1")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, r)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !contains(body, `/api/resource/1`) {
		t.Fatalf("expected rooted JSON link prefixed with route, got %q", body)
	}
	if !contains(body, `keep me`) {
		t.Fatalf("expected unrelated string untouched, got %q", body)
	}
}

func TestServeHTTPRewritesHTMLAttrs(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="/path">link</a><img src="/img.png">`))
	}))
	defer upstream.Close()

	p := newProxyForTest(t, "/app", upstream, Options{})
	r := newProxyRequest(http.MethodGet, "/app/page")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, r)

	body := rr.Body.String()
	if !contains(body, `href="/app/path"`) {
		t.Fatalf("expected href rewritten, got %q", body)
	}
	if !contains(body, `src="/app/img.png"`) {
		t.Fatalf("expected src rewritten, got %q", body)
	}
}

func TestServeHTTPStreamingModeBypassesRewrite(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("not-really-a-png-but-opaque"))
	}))
	defer upstream.Close()

	p := newProxyForTest(t, "/img", upstream, Options{})
	r := newProxyRequest(http.MethodGet, "/img/photo.png")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, r)

	if rr.Body.String() != "not-really-a-png-but-opaque" {
		t.Fatalf("expected opaque streaming passthrough, got %q", rr.Body.String())
	}
}

func TestServeHTTPConditionalRequestReturns304(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"a":1}`))
	}))
	defer upstream.Close()

	p := newProxyForTest(t, "/api", upstream, Options{})

	r1 := newProxyRequest(http.MethodGet, "/api/thing")
	rr1 := httptest.NewRecorder()
	p.ServeHTTP(rr1, r1)
	etag := rr1.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag")
	}

	r2 := newProxyRequest(http.MethodGet, "/api/thing")
	r2.Header.Set("If-None-Match", etag)
	rr2 := httptest.NewRecorder()
	p.ServeHTTP(rr2, r2)

	if rr2.Code != http.StatusNotModified {
		t.Fatalf("status = %d", rr2.Code)
	}
}

func TestServeHTTPUpstream5xxPassesThroughWithoutRewrite(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"link":"/resource/1"}`))
	}))
	defer upstream.Close()

	p := newProxyForTest(t, "/api", upstream, Options{})
	r := newProxyRequest(http.MethodGet, "/api/resource/1")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, r)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 passed through from upstream", rr.Code)
	}
	if rr.Header().Get("ETag") != "" {
		t.Fatalf("expected no ETag computed for a 5xx response, got %q", rr.Header().Get("ETag"))
	}
	if contains(rr.Body.String(), "/api/resource/1") {
		t.Fatalf("expected unrewritten body for a 5xx response, got %q", rr.Body.String())
	}
	if !contains(rr.Body.String(), `"link":"/resource/1"`) {
		t.Fatalf("expected upstream body verbatim, got %q", rr.Body.String())
	}
}

func TestServeHTTPUpstreamConnectionRefusedMaps503(t *testing.T) {
	// An address nothing is listening on, not a live server, to exercise
	// the "connection refused" mapping without relying on the network.
	origin, _ := url.Parse("http://127.0.0.1:1")
	p := New("/api", origin, Options{})
	p.Emit = &emit.Emitter{
		DefaultHeaders: http.Header{},
		Cache:          etagcache.New(10, t.TempDir()),
		Log:            zerolog.Nop(),
	}

	r := newProxyRequest(http.MethodGet, "/api/thing")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, r)

	if rr.Code != http.StatusServiceUnavailable && rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 503 or 500 for an unreachable upstream", rr.Code)
	}
}

func contains(haystack, needle string) bool {
	return indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
