// Package reverseproxy implements the reverse proxy: upstream dispatch,
// streaming vs. RESTful rewriting, cache-policy inheritance, and ETag
// computation over the buffered body.
//
// The content-type-matched rewrite-list idiom generalizes a Cache-Control
// override list into a body-rewriting list: a route's configured content
// types decide whether its response body gets walked and rewritten at
// all.
package reverseproxy

import (
	"bytes"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/turtle-io/turtle/deferred"
	"github.com/turtle-io/turtle/emit"
	"github.com/turtle-io/turtle/etagcache"
	"github.com/turtle-io/turtle/hashid"
	"github.com/turtle-io/turtle/reqctx"
)

// streamingTypes implements streaming mode: any upstream path extension
// whose mime type falls in these top-level types is piped straight
// through, never buffered for rewriting, except JSON, which is excluded
// despite technically being "application/*".
var streamingTypes = regexp.MustCompile(`(?i)^(application|audio|chemical|conference|font|image|message|model|xml|video)/`)

// Options configures one registered proxy route.
type Options struct {
	// Host overrides the upstream Host header; empty uses Origin's host.
	Host string
	// Stream forces streaming mode regardless of mime detection.
	Stream bool
	// RewriteTypes lists the content-types eligible for body rewriting in
	// RESTful mode. A nil list defaults to RewriteDefaults.
	RewriteTypes []string
	// Banner is written into the overwritten Server header post-proxy.
	Banner string
	// Transport allows tests to substitute a fake upstream client.
	Transport http.RoundTripper
}

// RewriteDefaults is the rewrite-list a proxy route falls back to when it
// configures none explicitly: JSON and the textual document types most
// likely to embed absolute upstream links.
var RewriteDefaults = []string{"application/json", "text/html", "text/plain"}

// Proxy is one registered reverse-proxy route.
type Proxy struct {
	Route  string
	Origin *url.URL
	Opts   Options

	Emit      *emit.Emitter
	Cache     *etagcache.Cache
	Hasher    hashid.Hasher
	Seed      uint32
	Scheduler *deferred.Scheduler

	client *http.Client
}

// New creates a proxy route. route is the path prefix the route was
// registered under ("/" for a catch-all); origin is the upstream base URL.
func New(route string, origin *url.URL, opts Options) *Proxy {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.RewriteTypes == nil {
		opts.RewriteTypes = RewriteDefaults
	}
	return &Proxy{
		Route:  route,
		Origin: origin,
		Opts:   opts,
		client: &http.Client{Transport: transport},
	}
}

// ServeHTTP dispatches a proxied request end to end: build the upstream
// request, pick streaming or rewriting mode, and emit the result.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := reqctx.From(r)

	upstreamReq, err := p.buildUpstreamRequest(r)
	if err != nil {
		p.Emit.Emit(w, r, nil, http.StatusInternalServerError, nil, false)
		return
	}

	if p.streamingMode(upstreamReq.URL.Path) {
		p.stream(w, r, st, upstreamReq)
		return
	}
	p.rewrite(w, r, st, upstreamReq)
}

// buildUpstreamRequest resolves the upstream URL and copies/decorates
// headers for forwarding to the origin.
func (p *Proxy) buildUpstreamRequest(r *http.Request) (*http.Request, error) {
	tail := r.URL.Path
	if p.Route != "/" {
		tail = strings.TrimPrefix(tail, p.Route)
	}
	if r.URL.RawQuery != "" {
		tail += "?" + r.URL.RawQuery
	}

	upstreamURL := *p.Origin
	upstreamURL.Path = singleJoiningSlash(p.Origin.Path, tail)
	if i := strings.Index(tail, "?"); i >= 0 {
		upstreamURL.Path = singleJoiningSlash(p.Origin.Path, tail[:i])
		upstreamURL.RawQuery = tail[i+1:]
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), bytes.NewReader(bodyOf(r)))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	if p.Opts.Host != "" {
		req.Host = p.Opts.Host
	}

	clientIP := clientIPOf(r)
	req.Header.Set("X-Host", r.Host)
	if existing := req.Header.Get("X-Forwarded-For"); existing != "" {
		req.Header.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Forwarded-Server", r.Host)
	req.Header.Set("X-Real-IP", clientIP)

	return req, nil
}

func bodyOf(r *http.Request) []byte {
	st := reqctx.From(r)
	return st.Body
}

func clientIPOf(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	default:
		return a + b
	}
}

// streamingMode reports whether the upstream response should be piped
// through opaquely rather than buffered for rewriting.
func (p *Proxy) streamingMode(upstreamPath string) bool {
	if p.Opts.Stream {
		return true
	}
	ct := mime.TypeByExtension(strings.ToLower(filepathExt(upstreamPath)))
	if ct == "" {
		return false
	}
	if strings.HasPrefix(ct, "application/json") {
		return false
	}
	return streamingTypes.MatchString(ct)
}

func filepathExt(p string) string {
	if i := strings.LastIndex(p, "."); i >= 0 {
		return p[i:]
	}
	return ""
}

// stream pipes upstream straight to the client without going through the
// emitter's body shaping (the response is opaque to us).
func (p *Proxy) stream(w http.ResponseWriter, r *http.Request, st *reqctx.State, upstreamReq *http.Request) {
	res, err := p.client.Do(upstreamReq)
	if err != nil {
		p.Emit.Emit(w, r, nil, mapUpstreamError(err), nil, false)
		return
	}
	defer res.Body.Close()

	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Server", p.Opts.Banner)
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
}

func mapUpstreamError(err error) int {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return http.StatusGatewayTimeout
	}
	if strings.Contains(err.Error(), "connection refused") {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
