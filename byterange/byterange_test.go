package byterange

import "testing"

func TestParseBasic(t *testing.T) {
	r, err := Parse("bytes=0-99", 200)
	if err != nil {
		t.Fatal(err)
	}
	if r.Start != 0 || r.End != 99 {
		t.Fatalf("got %+v", r)
	}
	if r.Len() != 100 {
		t.Fatalf("len is %d", r.Len())
	}
}

func TestParseOpenEnded(t *testing.T) {
	r, err := Parse("bytes=150-", 200)
	if err != nil {
		t.Fatal(err)
	}
	if r.Start != 150 || r.End != 199 {
		t.Fatalf("got %+v", r)
	}
}

func TestParseRejectsEqualBounds(t *testing.T) {
	if _, err := Parse("bytes=5-5", 10); err != ErrUnsatisfiable {
		t.Fatalf("expected ErrUnsatisfiable for start == end, got %v", err)
	}
}

func TestParseClampsEndToTotal(t *testing.T) {
	r, err := Parse("bytes=0-999", 10)
	if err != nil {
		t.Fatal(err)
	}
	if r.End != 9 {
		t.Fatalf("end not clamped, got %d", r.End)
	}
}

func TestParseRejectsInverted(t *testing.T) {
	if _, err := Parse("bytes=50-10", 100); err != ErrUnsatisfiable {
		t.Fatalf("expected ErrUnsatisfiable, got %v", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"bytes=abc-10", "bytes=", "bytes=10", "bytes=-1-10"}
	for _, c := range cases {
		if _, err := Parse(c, 100); err == nil {
			t.Fatalf("%q: expected error", c)
		}
	}
}

func TestContentRange(t *testing.T) {
	r := Range{Start: 0, End: 99}
	if got := r.ContentRange(200); got != "bytes 0-99/200" {
		t.Fatalf("got %q", got)
	}
}

func TestSlice(t *testing.T) {
	b := []byte("hello world")
	if got := string(Slice(b, Range{Start: 0, End: 4})); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if got := Slice(b, Range{Start: 100, End: 200}); got != nil {
		t.Fatalf("expected nil for out-of-bounds start, got %q", got)
	}
	if got := string(Slice(b, Range{Start: 6, End: 999})); got != "world" {
		t.Fatalf("got %q", got)
	}
}
