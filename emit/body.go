package emit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/turtle-io/turtle/csvproject"
)

// shapeBody applies HEAD/OPTIONS body clearing, JSON encoding of
// structured bodies, and the CSV projection hook.
func (e *Emitter) shapeBody(r *http.Request, headers http.Header, body any, status int, isFile bool) ([]byte, *FileBody, error) {
	if isFile {
		fb, _ := body.(FileBody)
		if r.Method == http.MethodHead || r.Method == http.MethodOptions {
			headers.Set("Content-Length", strconv.FormatInt(fb.Size, 10))
			if r.Method == http.MethodOptions {
				headers.Del("Content-Length")
				headers.Del("Content-Type")
			}
			return nil, nil, nil
		}
		if headers.Get("Content-Length") == "" {
			headers.Set("Content-Length", strconv.FormatInt(fb.Size, 10))
		}
		return nil, &fb, nil
	}

	if r.Method == http.MethodHead {
		return nil, nil, nil
	}

	var raw []byte
	switch v := body.(type) {
	case nil:
		raw = nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		indent := e.jsonIndent(r)
		var err error
		if indent > 0 {
			raw, err = json.MarshalIndent(v, "", strings.Repeat(" ", indent))
		} else {
			raw, err = json.Marshal(v)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	if len(raw) > 0 && (raw[0] == '[' || raw[0] == '{') {
		headers.Set("Content-Type", "application/json")
	}

	if r.Method == http.MethodOptions {
		headers.Del("Content-Length")
		headers.Del("Content-Type")
		return nil, nil, nil
	}

	if r.Method == http.MethodGet && status == http.StatusOK &&
		strings.Contains(headers.Get("Content-Type"), "json") &&
		csvproject.Accepts(r.Header.Get("Accept")) {
		if csv, err := csvproject.Project(raw); err == nil {
			raw = csv
			headers.Set("Content-Type", "text/csv")
			headers.Set("Content-Disposition", `attachment; filename="`+csvproject.Filename(r.URL)+`"`)
		}
	}

	if headers.Get("Content-Length") == "" {
		headers.Set("Content-Length", strconv.Itoa(len(raw)))
	}

	return raw, nil, nil
}

// jsonIndent resolves `Accept: application/json; indent=<n>`, falling back
// to the configured default.
func (e *Emitter) jsonIndent(r *http.Request) int {
	accept := r.Header.Get("Accept")
	const marker = "indent="
	if idx := strings.Index(accept, marker); idx >= 0 {
		rest := accept[idx+len(marker):]
		end := strings.IndexAny(rest, "; ,")
		if end >= 0 {
			rest = rest[:end]
		}
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
			return n
		}
	}
	return e.JSONIndent
}
