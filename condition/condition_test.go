package condition

import (
	"net/http"
	"testing"
	"time"

	"github.com/turtle-io/turtle/etagcache"
)

func TestEvaluateMatches(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/page", nil)
	r.Header.Set("If-None-Match", `"abc123"`)

	entry := etagcache.Entry{ETag: "abc123", Headers: http.Header{"Content-Type": []string{"text/html"}}, Timestamp: 1000}
	now := time.Unix(1090, 0)

	result := Evaluate(r, entry, true, now)
	if !result.Matched {
		t.Fatal("expected match")
	}
	if got := result.Headers.Get("Age"); got != "90" {
		t.Fatalf("Age = %q", got)
	}
	if got := result.Headers.Get("Content-Type"); got != "text/html" {
		t.Fatalf("headers not cloned from entry, got %q", got)
	}
}

func TestEvaluateMismatch(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/page", nil)
	r.Header.Set("If-None-Match", `"abc123"`)
	entry := etagcache.Entry{ETag: "different"}

	if Evaluate(r, entry, true, time.Now()).Matched {
		t.Fatal("expected no match")
	}
}

func TestEvaluateSkipsNonGet(t *testing.T) {
	r, _ := http.NewRequest(http.MethodPost, "/page", nil)
	r.Header.Set("If-None-Match", `"abc123"`)
	entry := etagcache.Entry{ETag: "abc123"}

	if Evaluate(r, entry, true, time.Now()).Matched {
		t.Fatal("non-GET must not match")
	}
}

func TestEvaluateSkipsWithRange(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/page", nil)
	r.Header.Set("If-None-Match", `"abc123"`)
	r.Header.Set("Range", "bytes=0-10")
	entry := etagcache.Entry{ETag: "abc123"}

	if Evaluate(r, entry, true, time.Now()).Matched {
		t.Fatal("GET with Range must not match")
	}
}

func TestEvaluateSkipsWhenNotFound(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/page", nil)
	r.Header.Set("If-None-Match", `"abc123"`)

	if Evaluate(r, etagcache.Entry{}, false, time.Now()).Matched {
		t.Fatal("missing entry must not match")
	}
}

func TestEvaluateModifiedSince(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/page", nil)
	mtime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.Header.Set("If-Modified-Since", mtime.Format(http.TimeFormat))

	if !EvaluateModifiedSince(r, mtime) {
		t.Fatal("expected true for equal mtime")
	}
	if !EvaluateModifiedSince(r, mtime.Add(-time.Hour)) {
		t.Fatal("expected true for older mtime")
	}
	if EvaluateModifiedSince(r, mtime.Add(time.Hour)) {
		t.Fatal("expected false for newer mtime")
	}
}

func TestEvaluateModifiedSinceMissingHeader(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/page", nil)
	if EvaluateModifiedSince(r, time.Now()) {
		t.Fatal("expected false without header")
	}
}
