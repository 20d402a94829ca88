// Package filehandler implements the file-backed RESTful resource handler:
// safe path resolution under a vhost root, directory index resolution, and
// GET/HEAD/OPTIONS/PUT/POST/DELETE on individual files.
//
// Method dispatch follows the common stat-then-branch shape of static file
// serving, generalized here to a full CRUD verb set rather than GET-only
// serving.
package filehandler

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/turtle-io/turtle/condition"
	"github.com/turtle-io/turtle/emit"
	"github.com/turtle-io/turtle/etagcache"
	"github.com/turtle-io/turtle/hashid"
	"github.com/turtle-io/turtle/reqctx"
)

// Handler serves one vhost's document root.
type Handler struct {
	Root  string
	Index []string

	Emit   *emit.Emitter
	Cache  *etagcache.Cache
	Hasher hashid.Hasher
	Seed   uint32
}

// safeRelPath strips the leading slash, then rejects the path if it begins
// with ".." or if the count of ".." segments is at least the count of named
// segments, which bounds traversal to the root no matter how deep the
// request path nests.
func safeRelPath(reqPath string) (string, bool) {
	rel := strings.TrimPrefix(reqPath, "/")
	if strings.HasPrefix(rel, "..") {
		return "", false
	}
	segs := strings.Split(rel, "/")
	dotdot, named := 0, 0
	for _, s := range segs {
		switch s {
		case "..":
			dotdot++
		case "", ".":
		default:
			named++
		}
	}
	if dotdot >= named && dotdot > 0 {
		return "", false
	}
	return rel, true
}

// ServeHTTP dispatches on the resolved local path's stat result.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := reqctx.From(r)

	rel, ok := safeRelPath(r.URL.Path)
	if !ok {
		h.Emit.Emit(w, r, nil, http.StatusNotFound, nil, false)
		return
	}
	lpath := filepath.Join(h.Root, filepath.FromSlash(rel))

	info, err := os.Stat(lpath)
	if err != nil {
		if os.IsNotExist(err) && isWriteMethod(r.Method) {
			h.write(w, r, st, lpath, true)
			return
		}
		h.Emit.Emit(w, r, nil, http.StatusNotFound, nil, false)
		return
	}

	if info.IsDir() {
		h.serveDir(w, r, st, lpath, info)
		return
	}

	st.LocalFilePath = lpath
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		h.serveFile(w, r, st, lpath, info)
	case http.MethodPut, http.MethodPost:
		h.write(w, r, st, lpath, false)
	case http.MethodDelete:
		h.delete(w, r, st, lpath)
	default:
		h.Emit.Emit(w, r, nil, http.StatusMethodNotAllowed, nil, false)
	}
}

func isWriteMethod(method string) bool {
	return method == http.MethodPut || method == http.MethodPost
}

// serveDir handles a request that resolved to a directory: GET without a
// trailing slash redirects, GET with one resolves against the configured
// index filenames, and PUT/POST/DELETE dispatch the write/delete branch
// directly against the directory path (a write there fails, a delete
// removes the directory only if it is empty); any other method gets 405.
func (h *Handler) serveDir(w http.ResponseWriter, r *http.Request, st *reqctx.State, lpath string, info os.FileInfo) {
	if r.Method != http.MethodGet {
		switch r.Method {
		case http.MethodPut, http.MethodPost:
			h.write(w, r, st, lpath, true)
		case http.MethodDelete:
			h.delete(w, r, st, lpath)
		default:
			h.Emit.Emit(w, r, nil, http.StatusMethodNotAllowed, nil, false)
		}
		return
	}

	if !strings.HasSuffix(r.URL.Path, "/") {
		loc := r.URL.Path + "/"
		if r.URL.RawQuery != "" {
			loc += "?" + r.URL.RawQuery
		}
		h.Emit.Emit(w, r, nil, http.StatusTemporaryRedirect, http.Header{"Location": []string{loc}}, false)
		return
	}

	for _, name := range h.Index {
		candidate := filepath.Join(lpath, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			st.LocalFilePath = candidate
			h.serveFile(w, r, st, candidate, fi)
			return
		}
	}
	h.Emit.Emit(w, r, nil, http.StatusNotFound, nil, false)
}

// serveFile serves a GET/HEAD/OPTIONS request on a resolved file, honoring
// If-None-Match and If-Modified-Since.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, st *reqctx.State, lpath string, info os.FileInfo) {
	size := info.Size()
	mtime := info.ModTime().UTC()
	contentType := mime.TypeByExtension(filepath.Ext(lpath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	etag := hashid.Quote(hashid.ETag(h.hasher(), h.Seed, st.CanonicalURL, strconv.FormatInt(size, 10), mtime.Format(http.TimeFormat)))

	headers := http.Header{
		"Content-Type":  []string{contentType},
		"ETag":          []string{etag},
		"Last-Modified": []string{mtime.Format(http.TimeFormat)},
		"Accept-Ranges": []string{"bytes"},
	}

	if matchesINM(r.Header.Get("If-None-Match"), etag) || condition.EvaluateModifiedSince(r, mtime) {
		h.Emit.Emit(w, r, nil, http.StatusNotModified, headers, false)
		return
	}

	h.Emit.Emit(w, r, emit.FileBody{Path: lpath, Size: size, ModTime: mtime}, http.StatusOK, headers, true)
}

func matchesINM(inm, etag string) bool {
	if inm == "" {
		return false
	}
	if inm == "*" {
		return true
	}
	for _, tok := range strings.Split(inm, ",") {
		if strings.TrimSpace(tok) == etag {
			return true
		}
	}
	return false
}

// write handles PUT/POST: an If-Match or ETag request header that
// disagrees with the file's current ETag is rejected with 412 before any
// bytes move.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, st *reqctx.State, lpath string, creating bool) {
	if !creating {
		if info, err := os.Stat(lpath); err == nil {
			current := hashid.Quote(hashid.ETag(h.hasher(), h.Seed, st.CanonicalURL, strconv.FormatInt(info.Size(), 10), info.ModTime().UTC().Format(http.TimeFormat)))
			im := r.Header.Get("If-Match")
			if im == "" {
				im = r.Header.Get("ETag")
			}
			if im != "" && !matchesINM(im, current) {
				h.Emit.Emit(w, r, nil, http.StatusPreconditionFailed, nil, false)
				return
			}
		} else {
			creating = true
		}
	}

	if err := os.MkdirAll(filepath.Dir(lpath), 0o755); err != nil {
		h.Emit.Emit(w, r, nil, http.StatusInternalServerError, nil, false)
		return
	}
	f, err := os.Create(lpath)
	if err != nil {
		h.Emit.Emit(w, r, nil, http.StatusInternalServerError, nil, false)
		return
	}
	defer f.Close()
	if _, err := f.Write(st.Body); err != nil {
		h.Emit.Emit(w, r, nil, http.StatusInternalServerError, nil, false)
		return
	}

	if creating {
		h.Emit.Emit(w, r, nil, http.StatusCreated, nil, false)
	} else {
		h.Emit.Emit(w, r, nil, http.StatusNoContent, nil, false)
	}
}

// delete unregisters the cached representation, then unlinks the file.
func (h *Handler) delete(w http.ResponseWriter, r *http.Request, st *reqctx.State, lpath string) {
	if h.Cache != nil {
		h.Cache.Unregister(st.CanonicalURL)
	}
	if err := os.Remove(lpath); err != nil {
		h.Emit.Emit(w, r, nil, http.StatusInternalServerError, nil, false)
		return
	}
	h.Emit.Emit(w, r, nil, http.StatusNoContent, nil, false)
}

func (h *Handler) hasher() hashid.Hasher {
	if h.Hasher != nil {
		return h.Hasher
	}
	return hashid.New()
}
