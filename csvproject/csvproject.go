// Package csvproject implements JSON→CSV projection: when a GET's Accept
// header asks for text/csv and the body is a JSON array or object, project
// it into CSV with a derived attachment filename.
package csvproject

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Accepts reports whether the Accept header asks for text/csv.
func Accepts(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mt, "text/csv") {
			return true
		}
	}
	return false
}

// Project converts a JSON array-of-objects (or a single object) into CSV
// bytes. Column order is the sorted union of keys seen across all rows, so
// output is deterministic regardless of map iteration order.
func Project(jsonBody []byte) ([]byte, error) {
	var rows []map[string]any
	var single map[string]any
	if err := json.Unmarshal(jsonBody, &rows); err != nil {
		if err := json.Unmarshal(jsonBody, &single); err != nil {
			return nil, fmt.Errorf("csvproject: body is not a JSON array or object: %w", err)
		}
		rows = []map[string]any{single}
	}

	cols := collectColumns(rows)

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(cols); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(cols))
		for i, c := range cols {
			record[i] = stringify(row[c])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func collectColumns(rows []map[string]any) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// Filename derives the `Content-Disposition` attachment filename from the
// last path segment and query: `/data` with no query yields `data_.csv`.
func Filename(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "" || base == "/" || base == "." {
		base = "index"
	}
	qs := u.RawQuery
	qs = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, qs)
	return fmt.Sprintf("%s_%s.csv", base, qs)
}
