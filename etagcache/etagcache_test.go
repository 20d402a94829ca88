package etagcache

import (
	"net/http"
	"os"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	c := New(10, t.TempDir())
	c.Register("/a", Entry{ETag: "etag-a", Timestamp: 100})

	e, ok := c.Lookup("/a")
	if !ok {
		t.Fatal("expected entry")
	}
	if e.ETag != "etag-a" {
		t.Fatalf("got %q", e.ETag)
	}
	if _, ok := c.Lookup("/missing"); ok {
		t.Fatal("expected no entry")
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	c := New(10, t.TempDir())
	c.Register("/a", Entry{ETag: "old"})
	c.Register("/a", Entry{ETag: "new"})

	if c.Len() != 1 {
		t.Fatalf("expected one entry, got %d", c.Len())
	}
	e, _ := c.Lookup("/a")
	if e.ETag != "new" {
		t.Fatalf("got %q", e.ETag)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, t.TempDir())
	c.Register("/a", Entry{ETag: "a"})
	c.Register("/b", Entry{ETag: "b"})
	c.Lookup("/a") // touch a, making b the LRU victim
	c.Register("/c", Entry{ETag: "c"})

	if _, ok := c.Lookup("/b"); ok {
		t.Fatal("expected /b to have been evicted")
	}
	if _, ok := c.Lookup("/a"); !ok {
		t.Fatal("expected /a to survive (recently touched)")
	}
	if c.Len() != 2 {
		t.Fatalf("expected capacity-bounded len 2, got %d", c.Len())
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	c := New(10, t.TempDir())
	c.Register("/a", Entry{ETag: "a"})
	c.Unregister("/a")

	if _, ok := c.Lookup("/a"); ok {
		t.Fatal("expected entry to be gone")
	}
}

func TestTouchTimestampPreservesLRUPosition(t *testing.T) {
	c := New(2, t.TempDir())
	c.Register("/a", Entry{ETag: "old", Timestamp: 1})
	c.Register("/b", Entry{ETag: "b"})
	c.TouchTimestamp("/a", "new", 99)
	// /a was touched only via TouchTimestamp, not Lookup/Register, so it
	// must still be the LRU victim when capacity is exceeded.
	c.Register("/c", Entry{ETag: "c"})

	if _, ok := c.Lookup("/a"); ok {
		t.Fatal("expected /a evicted despite TouchTimestamp")
	}
	e, ok := c.Lookup("/b")
	if !ok || e.ETag != "b" {
		t.Fatal("expected /b to survive")
	}
}

func TestSanitizeStripsHopByHopHeaders(t *testing.T) {
	h := http.Header{
		"Content-Type":           {"text/html"},
		"Content-Encoding":       {"gzip"},
		"Server":                 {"turtle.io/1.0.0"},
		"Status":                 {"200"},
		"Access-Control-Allow-Origin": {"*"},
	}
	out := Sanitize(h)
	if out.Get("Content-Type") != "text/html" {
		t.Fatal("expected Content-Type to survive")
	}
	for _, stripped := range []string{"Content-Encoding", "Server", "Status", "Access-Control-Allow-Origin"} {
		if out.Get(stripped) != "" {
			t.Fatalf("expected %s to be stripped", stripped)
		}
	}
	// the copy must be independent of the source
	h.Set("Content-Type", "text/plain")
	if out.Get("Content-Type") != "text/html" {
		t.Fatal("Sanitize must return an independent copy")
	}
}

func TestSideFilesExistsAndDelete(t *testing.T) {
	c := New(10, t.TempDir())
	sf := c.SideFiles()

	if sf.Exists("etag1", "gz") {
		t.Fatal("expected no side file yet")
	}

	if err := os.WriteFile(sf.Path("etag1", "gz"), []byte("compressed"), 0644); err != nil {
		t.Fatal(err)
	}
	sf.MarkWritten("etag1", "gz")

	if !sf.Exists("etag1", "gz") {
		t.Fatal("expected side file to exist")
	}

	sf.delete("etag1")
	if sf.Exists("etag1", "gz") {
		t.Fatal("expected side file removed")
	}
}

func TestSideFilesReconcilePrunesStaleRowAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	c1 := New(10, dir)
	sf1 := c1.SideFiles()

	if err := os.WriteFile(sf1.Path("etagA", "gz"), []byte("compressed"), 0644); err != nil {
		t.Fatal(err)
	}
	sf1.MarkWritten("etagA", "gz")
	// etagB is recorded but its file is removed out from under the store,
	// simulating an external deletion while the process wasn't running.
	if err := os.WriteFile(sf1.Path("etagB", "gz"), []byte("compressed"), 0644); err != nil {
		t.Fatal(err)
	}
	sf1.MarkWritten("etagB", "gz")
	os.Remove(sf1.Path("etagB", "gz"))

	c2 := New(10, dir)
	sf2 := c2.SideFiles()

	if !sf2.Exists("etagA", "gz") {
		t.Fatal("expected etagA's row and file to survive reconciliation")
	}
	if sf2.Exists("etagB", "gz") {
		t.Fatal("expected etagB's stale row to be pruned by reconcile and report absent")
	}
}
