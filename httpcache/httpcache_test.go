package httpcache

import (
	"net/http"
	"testing"
	"time"
)

func TestParseDirectives(t *testing.T) {
	d := Parse(`max-age=300, no-cache, private="Set-Cookie"`)
	if !d.Has("max-age") || !d.Has("no-cache") || !d.Has("private") {
		t.Fatal("missing directive")
	}
	if v, _ := d.Get("max-age"); v != "300" {
		t.Fatalf("max-age = %q", v)
	}
	if v, _ := d.Get("private"); v != "Set-Cookie" {
		t.Fatalf("private value = %q", v)
	}
}

func TestForbidsStorage(t *testing.T) {
	cases := map[string]bool{
		"no-store":      true,
		"no-cache":      true,
		"private":       true,
		"max-age=60":    false,
		"public":        false,
	}
	for header, want := range cases {
		if got := Parse(header).ForbidsStorage(); got != want {
			t.Errorf("ForbidsStorage(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestAgeNeverNegative(t *testing.T) {
	now := time.Now()
	received := now.Add(time.Hour) // received "in the future" relative to now
	if d := Age(now, received, now); d != 0 {
		t.Fatalf("expected clamped zero age, got %v", d)
	}
}

func TestFormatAge(t *testing.T) {
	if got := FormatAge(90 * time.Second); got != "90" {
		t.Fatalf("got %q", got)
	}
}

func TestExpirationPrefersSMaxAge(t *testing.T) {
	now := time.Now()
	res := &http.Response{Header: http.Header{"Cache-Control": {"max-age=10, s-maxage=20"}}}
	exp, ok := Expiration(res, now)
	if !ok {
		t.Fatal("expected an expiration")
	}
	if got := exp.Sub(now).Round(time.Second); got != 20*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestExpirationFallsBackToMaxAge(t *testing.T) {
	now := time.Now()
	res := &http.Response{Header: http.Header{"Cache-Control": {"max-age=10"}}}
	exp, ok := Expiration(res, now)
	if !ok {
		t.Fatal("expected an expiration")
	}
	if got := exp.Sub(now).Round(time.Second); got != 10*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestExpirationFallsBackToExpiresHeader(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour).Truncate(time.Second)
	res := &http.Response{Header: http.Header{"Expires": {future.UTC().Format(http.TimeFormat)}}}
	exp, ok := Expiration(res, now)
	if !ok {
		t.Fatal("expected an expiration from Expires header")
	}
	if !exp.Equal(future.UTC()) {
		t.Fatalf("got %v, want %v", exp, future.UTC())
	}
}

func TestExpirationAbsentWithoutDirectives(t *testing.T) {
	res := &http.Response{Header: http.Header{}}
	if _, ok := Expiration(res, time.Now()); ok {
		t.Fatal("expected no expiration")
	}
}
