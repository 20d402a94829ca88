package turtle

import (
	"fmt"
	"net/http"
)

// Next is the continuation a handler calls to advance the chain, optionally
// carrying a fault.
type Next func(error)

// Handler is a normal (3-arity) middleware: it may finalize the response or
// call next to continue the chain.
type Handler func(w http.ResponseWriter, r *http.Request, next Next)

// ErrorHandler is a 4-arity middleware, only ever invoked once the chain is
// in its error-forwarding state.
type ErrorHandler func(err error, w http.ResponseWriter, r *http.Request, next Next)

// handlerRecord is a registered middleware plus the metadata the runner and
// blacklist need, computed once at registration time rather than inspected
// on every request.
type handlerRecord struct {
	name   string
	hash   uint64
	arity  int // 3 or 4
	normal Handler
	errorH ErrorHandler
}

// Use registers a normal middleware under (host, method) for every URI
// matching pattern. host/method of "all" are the universal fallback keys.
// name identifies the handler for Blacklist/noAction lookups and is hashed
// once at registration time.
func (s *Server) Use(host, method, pattern, name string, h Handler) {
	s.register(host, method, pattern, handlerRecord{
		name:   name,
		hash:   s.hasher.Sum64(s.cfg.Seed, name),
		arity:  3,
		normal: h,
	})
}

// UseError registers a 4-arity error-handling middleware, only ever
// reached once a prior handler in the same chain calls next(err).
func (s *Server) UseError(host, method, pattern, name string, h ErrorHandler) {
	s.register(host, method, pattern, handlerRecord{
		name:   name,
		hash:   s.hasher.Sum64(s.cfg.Seed, name),
		arity:  4,
		errorH: h,
	})
}

// Blacklist marks a registered handler's hash so that its presence on a
// route does not contribute to the effective Allow set.
func (s *Server) Blacklist(name string) {
	s.blacklistMu.Lock()
	defer s.blacklistMu.Unlock()
	s.blacklist[s.hasher.Sum64(s.cfg.Seed, name)] = struct{}{}
}

// noAction marks a handler's hash so that permission computation does not
// grant GET solely on its presence. The conditional-request gate registers
// itself under this so it never counts as a GET handler on its own.
func (s *Server) noAction(name string) {
	s.blacklistMu.Lock()
	defer s.blacklistMu.Unlock()
	s.noaction[s.hasher.Sum64(s.cfg.Seed, name)] = struct{}{}
}

func (s *Server) isBlacklisted(hash uint64) bool {
	s.blacklistMu.RLock()
	defer s.blacklistMu.RUnlock()
	_, ok := s.blacklist[hash]
	return ok
}

func (s *Server) isNoAction(hash uint64) bool {
	s.blacklistMu.RLock()
	defer s.blacklistMu.RUnlock()
	_, ok := s.noaction[hash]
	return ok
}

// chainRunner walks a selected handler list, forwarding errors to the next
// 4-arity handler once any handler calls next with a non-nil error.
type chainRunner struct {
	handlers []handlerRecord
	idx      int
	w        http.ResponseWriter
	r        *http.Request
	terminal func(err error)
}

func runChain(handlers []handlerRecord, w http.ResponseWriter, r *http.Request, terminal func(error)) {
	c := &chainRunner{handlers: handlers, w: w, r: r, terminal: terminal}
	c.next(nil)
}

func (c *chainRunner) next(err error) {
	if err != nil {
		for c.idx < len(c.handlers) {
			h := c.handlers[c.idx]
			c.idx++
			if h.arity == 4 {
				c.invokeError(h, err)
				return
			}
		}
		c.terminal(err)
		return
	}
	for c.idx < len(c.handlers) {
		h := c.handlers[c.idx]
		c.idx++
		if h.arity != 4 {
			c.invokeNormal(h)
			return
		}
	}
	c.terminal(nil)
}

// invokeNormal calls a 3-arity handler, converting a panic into next(err)
// so a handler fault always enters error-forwarding rather than crashing
// the server.
func (c *chainRunner) invokeNormal(h handlerRecord) {
	defer func() {
		if rec := recover(); rec != nil {
			c.next(faultFromRecover(rec))
		}
	}()
	h.normal(c.w, c.r, c.next)
}

func (c *chainRunner) invokeError(h handlerRecord, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.next(faultFromRecover(rec))
		}
	}()
	h.errorH(err, c.w, c.r, c.next)
}

func faultFromRecover(rec interface{}) error {
	if e, ok := rec.(error); ok {
		return e
	}
	return fmt.Errorf("%v", rec)
}
