package turtle

import (
	"container/list"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/turtle-io/turtle/condition"
	"github.com/turtle-io/turtle/deferred"
	"github.com/turtle-io/turtle/emit"
	"github.com/turtle-io/turtle/etagcache"
	"github.com/turtle-io/turtle/filehandler"
	"github.com/turtle-io/turtle/hashid"
	"github.com/turtle-io/turtle/reqctx"
	"github.com/turtle-io/turtle/reverseproxy"
	"github.com/turtle-io/turtle/watch"
)

const conditionGateName = "turtle.conditionGate"

// Server is the process-wide request pipeline, holding every subsystem the
// pipeline dispatches into.
type Server struct {
	cfg          Config
	vhosts       []VHost
	defaultVHost VHost

	routes     *routeTable
	routeCache *stringLRU
	permCache  *stringLRU

	blacklistMu sync.RWMutex
	blacklist   map[uint64]struct{}
	noaction    map[uint64]struct{}

	hasher    hashid.Hasher
	cache     *etagcache.Cache
	watcher   *watch.Registry
	scheduler *deferred.Scheduler
	emitter   *emit.Emitter

	filesMu sync.RWMutex
	files   map[string]*filehandler.Handler // vhost label -> handler

	proxiesMu sync.RWMutex
	proxies   []*proxyRoute

	fallbackMu        sync.Mutex
	fallbackInstalled map[string]struct{}

	log zerolog.Logger

	httpServer *http.Server
}

type proxyRoute struct {
	pattern *regexp.Regexp
	proxy   *reverseproxy.Proxy
}

// New builds a Server from cfg. Vhost roots are resolved relative to
// cfg.Root; cfg.Default must name a configured (or implicit "all") vhost.
func New(cfg Config, log zerolog.Logger) (*Server, error) {
	if cfg.Default == "" {
		return nil, fmt.Errorf("turtle: config.Default vhost label is required")
	}
	if cfg.Headers == nil {
		cfg.Headers = http.Header{}
	}
	if cfg.Headers.Get("Server") == "" {
		cfg.Headers.Set("Server", "turtle.io/"+Version)
	}

	s := &Server{
		cfg:               cfg,
		routes:            newRouteTable(),
		routeCache:        newStringLRU(orDefault(cfg.RouteCacheCapacity, 10000)),
		permCache:         newStringLRU(orDefault(cfg.PermissionsCacheCapacity, 10000)),
		blacklist:         make(map[uint64]struct{}),
		noaction:          make(map[uint64]struct{}),
		hasher:            hashid.New(),
		files:             make(map[string]*filehandler.Handler),
		fallbackInstalled: make(map[string]struct{}),
		log:               log,
	}

	s.watcher = watch.New(log)
	s.scheduler = deferred.New()
	s.cache = etagcache.New(orDefault(cfg.EntryCacheCapacity, 10000), cfg.Tmp)
	s.emitter = &emit.Emitter{
		DefaultHeaders: cfg.Headers,
		JSONIndent:     cfg.JSON,
		Compress:       cfg.Compress,
		Banner:         cfg.Headers.Get("Server"),
		Seed:           cfg.Seed,
		Cache:          s.cache,
		Hasher:         s.hasher,
		Watcher:        s.watcher,
		Log:            log,
	}

	if err := s.setupVHosts(); err != nil {
		return nil, err
	}
	s.registerConditionGate()

	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Server) setupVHosts() error {
	if len(s.cfg.VHosts) == 0 {
		v, err := newVHost(s.cfg.Default, "all", s.cfg.Root)
		if err != nil {
			return err
		}
		s.vhosts = []VHost{v}
		s.defaultVHost = v
		s.files[v.Label] = s.newFileHandler(v)
		return nil
	}
	var foundDefault bool
	for label, rel := range s.cfg.VHosts {
		root := joinRoot(s.cfg.Root, rel)
		v, err := newVHost(label, label, root)
		if err != nil {
			return err
		}
		s.vhosts = append(s.vhosts, v)
		s.files[v.Label] = s.newFileHandler(v)
		if label == s.cfg.Default {
			s.defaultVHost = v
			foundDefault = true
		}
	}
	if !foundDefault {
		return fmt.Errorf("turtle: default vhost %q is not configured", s.cfg.Default)
	}
	return nil
}

func joinRoot(root, rel string) string {
	if rel == "" {
		return root
	}
	if strings.HasPrefix(rel, "/") {
		return rel
	}
	return strings.TrimSuffix(root, "/") + "/" + rel
}

func (s *Server) newFileHandler(v VHost) *filehandler.Handler {
	index := s.cfg.Index
	if len(index) == 0 {
		index = []string{"index.html"}
	}
	return &filehandler.Handler{
		Root:   v.Root,
		Index:  index,
		Emit:   s.emitter,
		Cache:  s.cache,
		Hasher: s.hasher,
		Seed:   s.cfg.Seed,
	}
}

// registerConditionGate installs the early-304 conditional-request
// middleware under every vhost's GET routes, and marks it no-action so it
// never by itself grants GET permission.
func (s *Server) registerConditionGate() {
	s.Use("all", "GET", ".*", conditionGateName, s.conditionGateHandler)
	s.noAction(conditionGateName)
}

func (s *Server) conditionGateHandler(w http.ResponseWriter, r *http.Request, next Next) {
	if r.Header.Get("If-None-Match") == "" || r.Header.Get("Range") != "" {
		next(nil)
		return
	}
	st := reqctx.From(r)
	entry, found := s.cache.Lookup(st.CanonicalURL)
	result := condition.Evaluate(r, entry, found, etagcache.Now())
	if !result.Matched {
		next(nil)
		return
	}
	s.emitter.Emit(w, r, nil, http.StatusNotModified, result.Headers, false)
}

// Proxy registers a reverse-proxy route: wrappers for all five verbs under
// route and route+"/.*" (or "/.*" when route == "/").
func (s *Server) Proxy(route string, origin *url.URL, opts reverseproxy.Options) error {
	if opts.Banner == "" {
		opts.Banner = s.cfg.Headers.Get("Server")
	}
	p := reverseproxy.New(route, origin, opts)
	p.Emit = s.emitter
	p.Cache = s.cache
	p.Hasher = s.hasher
	p.Seed = s.cfg.Seed
	p.Scheduler = s.scheduler

	var pattern string
	if route != "/" {
		pattern = regexp.QuoteMeta(route) + "(/.*)?"
	} else {
		pattern = "/.*"
	}
	compiled, err := regexp.Compile("(?i)^" + pattern + "$")
	if err != nil {
		return err
	}

	s.proxiesMu.Lock()
	s.proxies = append(s.proxies, &proxyRoute{pattern: compiled, proxy: p})
	s.proxiesMu.Unlock()
	return nil
}

func (s *Server) matchProxy(uri string) *reverseproxy.Proxy {
	s.proxiesMu.RLock()
	defer s.proxiesMu.RUnlock()
	for _, pr := range s.proxies {
		if pr.pattern.MatchString(uri) {
			return pr.proxy
		}
	}
	return nil
}

// ServeHTTP runs the full entry-to-emit pipeline: Expect handling, request
// context setup, vhost resolution, body accumulation, Allow computation,
// middleware chain dispatch, and terminal handling.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Expect"), "100-continue") {
		s.emitter.Emit(w, r, nil, http.StatusExpectationFailed, nil, false)
		return
	}

	st := reqctx.New()
	st.ClientIP = clientIP(r)
	st.CanonicalURL, st.ParsedURL = canonicalURL(r)

	vhost := s.resolveVHost(r.Host)
	st.VHost = vhost.Label
	st.CORS = r.Header.Get("Origin") != ""

	r = r.WithContext(reqctx.With(r.Context(), st))

	if isBodyMethod(r.Method) {
		if !s.readBody(st, r) {
			s.ensureAllow(st, vhost, r.URL.Path)
			s.emitter.Emit(w, r, nil, http.StatusRequestEntityTooLarge, nil, false)
			return
		}
	}

	s.ensureAllow(st, vhost, r.URL.Path)

	handlers := s.routesFor(r.URL.Path, vhost.Label, r.Method)
	runChain(handlers, w, r, func(err error) {
		s.terminal(w, r, st, vhost, err)
	})
}

func isBodyMethod(method string) bool {
	return method == http.MethodPut || method == http.MethodPost || method == http.MethodPatch
}

// readBody consumes up to maxBytes+1 bytes, marking the request invalid
// (413) if it overflows.
func (s *Server) readBody(st *reqctx.State, r *http.Request) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	limit := s.cfg.MaxBytes
	if limit <= 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			st.Invalid = true
			st.InvalidErr = err
		}
		st.Body = body
		return true
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		st.Invalid = true
		st.InvalidErr = err
		return true
	}
	if int64(len(body)) > limit {
		st.Invalid = true
		return false
	}
	st.Body = body
	return true
}

// ensureAllow self-registers GET support lazily: if no route currently
// permits GET on path, install a fallback handler that invokes the vhost's
// file handler (or, for a path under a proxy route, passes on to terminal),
// then invalidate the memoized Allow string so the next computeAllow call
// sees it.
func (s *Server) ensureAllow(st *reqctx.State, vhost VHost, path string) {
	allow := s.computeAllow(vhost.Label, path)
	if !strings.Contains(allow, http.MethodGet) {
		s.installFallback(vhost, path)
		s.invalidateRoutes(vhost.Label, path)
		s.invalidatePermissions(vhost.Label, path)
		allow = s.computeAllow(vhost.Label, path)
	}
	st.Allow = allow
}

func (s *Server) installFallback(vhost VHost, path string) {
	key := vhost.Label + ":" + path
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	if _, ok := s.fallbackInstalled[key]; ok {
		return
	}
	s.fallbackInstalled[key] = struct{}{}

	exact := regexp.QuoteMeta(path)
	name := "turtle.fallback." + key
	s.Use(vhost.Label, "all", exact, name, func(w http.ResponseWriter, r *http.Request, next Next) {
		if s.matchProxy(r.URL.Path) != nil {
			next(nil)
			return
		}
		st := reqctx.From(r)
		fh := s.fileHandlerFor(st.VHost)
		if fh == nil {
			next(nil)
			return
		}
		fh.ServeHTTP(w, r)
	})
}

func (s *Server) fileHandlerFor(label string) *filehandler.Handler {
	s.filesMu.RLock()
	defer s.filesMu.RUnlock()
	return s.files[label]
}

// terminal runs once the middleware chain is exhausted: a carried fault
// short-circuits to an error response, otherwise proxy match, then the
// file handler for GET-like methods, then 405/404 based on the Allow set.
func (s *Server) terminal(w http.ResponseWriter, r *http.Request, st *reqctx.State, vhost VHost, err error) {
	if err != nil {
		s.emitTerminalError(w, r, err)
		return
	}

	if proxy := s.matchProxy(r.URL.Path); proxy != nil {
		proxy.ServeHTTP(w, r)
		return
	}

	if isGetLike(r.Method) {
		fh := s.fileHandlerFor(vhost.Label)
		if fh != nil {
			fh.ServeHTTP(w, r)
			return
		}
	}

	if strings.Contains(st.Allow, http.MethodGet) {
		s.emitter.Emit(w, r, nil, http.StatusMethodNotAllowed, nil, false)
		return
	}
	s.emitter.Emit(w, r, nil, http.StatusNotFound, nil, false)
}

func isGetLike(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// emitTerminalError maps a fault to a status code: SERVER_ERROR by
// default, or the exact status code if the error's message matches a
// known code name.
func (s *Server) emitTerminalError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFromError(err)
	s.log.Error().Err(err).Str("url", r.URL.String()).Int("status", status).Msg("unhandled middleware fault")
	s.emitter.Emit(w, r, nil, status, nil, false)
}

var errorStatusNames = map[string]int{
	"BAD_REQUEST":            http.StatusBadRequest,
	"UNAUTHORIZED":           http.StatusUnauthorized,
	"FORBIDDEN":              http.StatusForbidden,
	"NOT_FOUND":              http.StatusNotFound,
	"METHOD_NOT_ALLOWED":     http.StatusMethodNotAllowed,
	"NOT_ACCEPTABLE":         http.StatusNotAcceptable,
	"PRECONDITION_FAILED":    http.StatusPreconditionFailed,
	"ENTITY_TOO_LARGE":       http.StatusRequestEntityTooLarge,
	"RANGE_NOT_SATISFIABLE":  http.StatusRequestedRangeNotSatisfiable,
	"EXPECTATION_FAILED":     http.StatusExpectationFailed,
	"SERVER_ERROR":           http.StatusInternalServerError,
	"NOT_IMPLEMENTED":        http.StatusNotImplemented,
	"BAD_GATEWAY":            http.StatusBadGateway,
	"SERVICE_UNAVAILABLE":    http.StatusServiceUnavailable,
}

func statusFromError(err error) int {
	if status, ok := errorStatusNames[strings.TrimSpace(err.Error())]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// canonicalURL builds http[s]://[auth@]host/path?query, with auth decoded
// from a Basic Authorization header if present.
func canonicalURL(r *http.Request) (string, *url.URL) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	auth := ""
	if user, pass, ok := basicAuthToken(r); ok {
		auth = user + ":" + pass + "@"
	}
	raw := scheme + "://" + auth + r.Host + r.URL.RequestURI()
	parsed, err := url.Parse(raw)
	if err != nil {
		parsed = r.URL
	}
	return raw, parsed
}

func basicAuthToken(r *http.Request) (string, string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(h, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(h[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	return user, pass, ok
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[len(parts)-1])
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// Start binds and serves, blocking until Stop is called or a fatal error
// occurs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s,
		IdleTimeout: idleTimeout,
	}
	s.log.Info().Str("addr", addr).Msg("turtle listening")
	if s.cfg.SSLCert != "" && s.cfg.SSLKey != "" {
		return s.httpServer.ListenAndServeTLS(s.cfg.SSLCert, s.cfg.SSLKey)
	}
	return s.httpServer.ListenAndServe()
}

// Reload drops the route and permissions memoization caches and the
// fallback-installed set; cmd/turtled wires this to SIGHUP. It does not
// touch the listener or the ETag cache: those survive a reload untouched.
func (s *Server) Reload() error {
	s.routeCache.mu.Lock()
	s.routeCache.ll.Init()
	s.routeCache.items = make(map[string]*list.Element)
	s.routeCache.mu.Unlock()

	s.permCache.mu.Lock()
	s.permCache.ll.Init()
	s.permCache.items = make(map[string]*list.Element)
	s.permCache.mu.Unlock()

	s.fallbackMu.Lock()
	s.fallbackInstalled = make(map[string]struct{})
	s.fallbackMu.Unlock()

	s.log.Info().Msg("turtle reloaded")
	return nil
}

// Stop closes the listener and tears down background workers.
func (s *Server) Stop(ctx context.Context) error {
	s.scheduler.Close()
	s.watcher.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
