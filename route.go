package turtle

import (
	"container/list"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// routeEntry is a compiled pattern shared by every handler registered at
// the same (host, method, pattern) key.
type routeEntry struct {
	pattern    *regexp.Regexp
	patternSrc string
	handlers   []handlerRecord
}

// routeTable indexes entries by "host:method"; registration is append-only
// under a writer lock, read lookups take the read lock.
type routeTable struct {
	mu      sync.RWMutex
	entries map[string][]*routeEntry
}

func newRouteTable() *routeTable {
	return &routeTable{entries: make(map[string][]*routeEntry)}
}

func (t *routeTable) register(host, method, patternSrc string, rec handlerRecord) error {
	key := comboKey(host, method)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries[key] {
		if e.patternSrc == patternSrc {
			e.handlers = append(e.handlers, rec)
			return nil
		}
	}
	pattern, err := regexp.Compile("(?i)^" + patternSrc + "$")
	if err != nil {
		return err
	}
	t.entries[key] = append(t.entries[key], &routeEntry{
		pattern:    pattern,
		patternSrc: patternSrc,
		handlers:   []handlerRecord{rec},
	})
	return nil
}

func (t *routeTable) matching(host, method, uri string) []handlerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []handlerRecord
	for _, key := range []string{
		comboKey("all", "all"),
		comboKey("all", method),
		comboKey(host, "all"),
		comboKey(host, method),
	} {
		for _, e := range t.entries[key] {
			if e.pattern.MatchString(uri) {
				out = append(out, e.handlers...)
			}
		}
	}
	return out
}

func comboKey(host, method string) string {
	return strings.ToLower(host) + ":" + strings.ToUpper(method)
}

// normalizeMethod routes HEAD and OPTIONS requests as GET for matching
// purposes.
func normalizeMethod(method string) string {
	if method == http.MethodHead || method == http.MethodOptions {
		return http.MethodGet
	}
	return method
}

// stringLRU is a small capacity-bounded string->V cache, the same
// container/list + map structure turtle/etagcache.Cache uses, reused here
// for the route and permissions memoization caches.
type stringLRU struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruRecord struct {
	key   string
	value interface{}
}

func newStringLRU(capacity int) *stringLRU {
	return &stringLRU{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *stringLRU) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruRecord).value, true
}

func (c *stringLRU) put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruRecord).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruRecord{key: key, value: value})
	c.items[key] = el
	for c.capacity > 0 && c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*lruRecord).key)
	}
}

// register compiles and stores one handler under (host, method, pattern),
// then clears the route LRU: it is keyed by request URI, not by pattern, so
// any memoized lookup could be missing the new handler. The permissions
// cache is left alone; callers drop its entries with invalidatePermissions.
func (s *Server) register(host, method, pattern string, rec handlerRecord) {
	if err := s.routes.register(host, method, pattern, rec); err != nil {
		s.log.Error().Err(err).Str("pattern", pattern).Msg("could not register route")
		return
	}
	s.routeCache.mu.Lock()
	s.routeCache.ll.Init()
	s.routeCache.items = make(map[string]*list.Element)
	s.routeCache.mu.Unlock()
}

// routesFor selects the middleware chain for a request: the route LRU is
// keyed "method:host:uri", memoizing the routeTable lookup.
func (s *Server) routesFor(uri, host, method string) []handlerRecord {
	effMethod := normalizeMethod(method)
	key := effMethod + ":" + strings.ToLower(host) + ":" + uri
	if v, ok := s.routeCache.get(key); ok {
		return v.([]handlerRecord)
	}
	handlers := s.routes.matching(host, effMethod, uri)
	s.routeCache.put(key, handlers)
	return handlers
}

// allowedMethods is the fixed set of verbs ever granted.
var allowedMethods = []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete}

// computeAllow computes the Allow set: comma-separated methods permitted on
// uri under host, with GET expanded to "GET, HEAD, OPTIONS". A handler
// contributes to this computation unless it is blacklisted or marked
// no-action.
func (s *Server) computeAllow(host, uri string) string {
	key := strings.ToLower(host) + ":" + uri
	if v, ok := s.permCache.get(key); ok {
		return v.(string)
	}

	var granted []string
	for _, m := range allowedMethods {
		handlers := s.routesFor(uri, host, m)
		for _, h := range handlers {
			if s.isBlacklisted(h.hash) || s.isNoAction(h.hash) {
				continue
			}
			granted = append(granted, m)
			break
		}
	}

	allow := buildAllowHeader(granted)
	s.permCache.put(key, allow)
	return allow
}

func buildAllowHeader(granted []string) string {
	if len(granted) == 0 {
		return ""
	}
	set := make(map[string]bool, len(granted)+2)
	for _, m := range granted {
		set[m] = true
	}
	if set[http.MethodGet] {
		set[http.MethodHead] = true
		set[http.MethodOptions] = true
	}
	order := []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}
	var out []string
	for _, m := range order {
		if set[m] {
			out = append(out, m)
		}
	}
	return strings.Join(out, ", ")
}

// invalidatePermissions drops the memoized Allow-set entry for host/uri,
// used when the Allow-set self-registration installs a new fallback
// handler and the cached permissions string must be recomputed.
func (s *Server) invalidatePermissions(host, uri string) {
	s.permCache.mu.Lock()
	key := strings.ToLower(host) + ":" + uri
	if el, ok := s.permCache.items[key]; ok {
		s.permCache.ll.Remove(el)
		delete(s.permCache.items, key)
	}
	s.permCache.mu.Unlock()
}

// invalidateRoutes drops every memoized routesFor lookup for host/uri
// across the methods computeAllow probes. register already clears the
// whole route LRU, so after a registration this is a no-op; it is kept so
// ensureAllow drops these keys explicitly before recomputing the Allow set.
func (s *Server) invalidateRoutes(host, uri string) {
	s.routeCache.mu.Lock()
	lhost := strings.ToLower(host)
	for _, m := range allowedMethods {
		key := m + ":" + lhost + ":" + uri
		if el, ok := s.routeCache.items[key]; ok {
			s.routeCache.ll.Remove(el)
			delete(s.routeCache.items, key)
		}
	}
	s.routeCache.mu.Unlock()
}
