package reverseproxy

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/turtle-io/turtle/hashid"
	"github.com/turtle-io/turtle/httpcache"
	"github.com/turtle-io/turtle/reqctx"
)

// rewrite implements RESTful (rewriting) mode: buffer the upstream body,
// rewrite it if eligible, compute an ETag over the result, and emit. A
// 5xx upstream status is passed straight through, skipping rewrite
// eligibility, ETag computation, and the If-None-Match override.
func (p *Proxy) rewrite(w http.ResponseWriter, r *http.Request, st *reqctx.State, upstreamReq *http.Request) {
	upstreamReq.Header.Del("Accept-Encoding")

	res, err := p.client.Do(upstreamReq)
	if err != nil {
		p.Emit.Emit(w, r, nil, mapUpstreamError(err), nil, false)
		return
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		p.Emit.Emit(w, r, nil, http.StatusInternalServerError, nil, false)
		return
	}

	status := res.StatusCode
	if status < 100 {
		status = http.StatusBadGateway
	}

	headers := http.Header{}
	for k, vv := range res.Header {
		headers[k] = append([]string(nil), vv...)
	}

	upstreamServer := headers.Get("Server")
	via := headers.Get("Via")
	if upstreamServer != "" {
		if via != "" {
			via = via + ", " + upstreamServer
		} else {
			via = upstreamServer
		}
		headers.Set("Via", via)
	}
	headers.Set("Server", p.Opts.Banner)

	if status >= http.StatusInternalServerError {
		p.Emit.Emit(w, r, body, status, headers, false)
		return
	}

	if r.Method == http.MethodGet && (status == http.StatusOK || status == http.StatusNotModified) {
		p.scheduleUnregister(res, st.CanonicalURL)
	}

	if status != http.StatusNotModified && p.rewriteEligible(headers.Get("Content-Type")) {
		body = p.rewriteBody(headers.Get("Content-Type"), body)
		headers.Del("Content-Length")
	}

	etag := hashid.Quote(hashid.ETag(p.hasher(), p.Seed, st.CanonicalURL, strconv.Itoa(len(body))))
	headers.Set("ETag", etag)

	if inm := r.Header.Get("If-None-Match"); inm != "" && unquoteMatches(inm, etag) {
		status = http.StatusNotModified
		body = nil
	}

	if r.Method == http.MethodHead {
		body = nil
	}

	p.Emit.Emit(w, r, body, status, headers, false)
}

func (p *Proxy) hasher() hashid.Hasher {
	if p.Hasher != nil {
		return p.Hasher
	}
	return hashid.New()
}

// scheduleUnregister inherits the upstream's cache policy: schedule an
// unregister for the URL after the upstream's max-age (or Expires - now),
// via turtle/deferred's min-heap worker.
func (p *Proxy) scheduleUnregister(res *http.Response, url string) {
	if p.Scheduler == nil || p.Cache == nil {
		return
	}
	cc := httpcache.Parse(res.Header.Get("Cache-Control"))
	if cc.ForbidsStorage() {
		return
	}
	at, ok := httpcache.Expiration(res, time.Now())
	if !ok {
		return
	}
	cache := p.Cache
	p.Scheduler.Schedule(url, at, func() {
		cache.Unregister(url)
	})
}

// rewriteEligible reports whether contentType is in the route's
// configured rewrite list.
func (p *Proxy) rewriteEligible(contentType string) bool {
	ct, _, _ := splitMediaType(contentType)
	for _, t := range p.Opts.RewriteTypes {
		if ct == t {
			return true
		}
	}
	return false
}

func splitMediaType(v string) (string, string, bool) {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, ";"); i >= 0 {
		return strings.TrimSpace(v[:i]), strings.TrimSpace(v[i+1:]), true
	}
	return v, "", false
}

func unquoteMatches(inm, etag string) bool {
	for _, tok := range strings.Split(inm, ",") {
		if strings.TrimSpace(tok) == etag {
			return true
		}
	}
	return false
}
