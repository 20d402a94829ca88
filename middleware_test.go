package turtle

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunChainAdvancesThroughNormalHandlers(t *testing.T) {
	var order []string
	handlers := []handlerRecord{
		{arity: 3, normal: func(w http.ResponseWriter, r *http.Request, next Next) {
			order = append(order, "first")
			next(nil)
		}},
		{arity: 3, normal: func(w http.ResponseWriter, r *http.Request, next Next) {
			order = append(order, "second")
			next(nil)
		}},
	}
	terminalCalled := false
	runChain(handlers, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), func(err error) {
		terminalCalled = true
		if err != nil {
			t.Fatalf("unexpected terminal error: %v", err)
		}
	})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("got order %v", order)
	}
	if !terminalCalled {
		t.Fatal("expected terminal to be called")
	}
}

func TestRunChainSkipsErrorHandlersDuringNormalTraversal(t *testing.T) {
	errorHandlerCalled := false
	handlers := []handlerRecord{
		{arity: 4, errorH: func(err error, w http.ResponseWriter, r *http.Request, next Next) {
			errorHandlerCalled = true
			next(err)
		}},
		{arity: 3, normal: func(w http.ResponseWriter, r *http.Request, next Next) {
			next(nil)
		}},
	}
	runChain(handlers, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), func(err error) {})

	if errorHandlerCalled {
		t.Fatal("expected the 4-arity handler to be skipped during normal traversal")
	}
}

func TestRunChainForwardsErrorToNextErrorHandler(t *testing.T) {
	var seen error
	boom := errors.New("boom")
	handlers := []handlerRecord{
		{arity: 3, normal: func(w http.ResponseWriter, r *http.Request, next Next) {
			next(boom)
		}},
		{arity: 3, normal: func(w http.ResponseWriter, r *http.Request, next Next) {
			t.Fatal("expected this normal handler to be skipped once erroring")
		}},
		{arity: 4, errorH: func(err error, w http.ResponseWriter, r *http.Request, next Next) {
			seen = err
			next(nil)
		}},
	}
	runChain(handlers, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), func(err error) {})

	if seen != boom {
		t.Fatalf("got %v", seen)
	}
}

func TestRunChainReachesTerminalWithErrorWhenNoErrorHandlerRemains(t *testing.T) {
	boom := errors.New("boom")
	handlers := []handlerRecord{
		{arity: 3, normal: func(w http.ResponseWriter, r *http.Request, next Next) {
			next(boom)
		}},
	}
	var got error
	runChain(handlers, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), func(err error) {
		got = err
	})
	if got != boom {
		t.Fatalf("got %v", got)
	}
}

func TestRunChainRecoversPanicIntoNextErr(t *testing.T) {
	handlers := []handlerRecord{
		{arity: 3, normal: func(w http.ResponseWriter, r *http.Request, next Next) {
			panic("kaboom")
		}},
	}
	var got error
	runChain(handlers, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), func(err error) {
		got = err
	})
	if got == nil || got.Error() != "kaboom" {
		t.Fatalf("got %v", got)
	}
}

func TestRunChainRecoversPanicInErrorHandlerToo(t *testing.T) {
	boom := errors.New("boom")
	handlers := []handlerRecord{
		{arity: 3, normal: func(w http.ResponseWriter, r *http.Request, next Next) {
			next(boom)
		}},
		{arity: 4, errorH: func(err error, w http.ResponseWriter, r *http.Request, next Next) {
			panic("double kaboom")
		}},
	}
	var got error
	runChain(handlers, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), func(err error) {
		got = err
	})
	if got == nil || got.Error() != "double kaboom" {
		t.Fatalf("got %v", got)
	}
}

func TestUseAndBlacklistAndNoActionAreHashConsistent(t *testing.T) {
	s := newTestServerForRouting(t)
	s.Use("all", "GET", "/x", "named-handler", func(w http.ResponseWriter, r *http.Request, next Next) {})

	handlers := s.routesFor("/x", "all", "GET")
	var found *handlerRecord
	for i := range handlers {
		if handlers[i].name == "named-handler" {
			found = &handlers[i]
		}
	}
	if found == nil {
		t.Fatal("expected to find the registered handler")
	}
	if s.isBlacklisted(found.hash) {
		t.Fatal("expected not blacklisted yet")
	}
	s.Blacklist("named-handler")
	if !s.isBlacklisted(found.hash) {
		t.Fatal("expected Blacklist to mark the same hash Use computed")
	}
}
