// Package emit implements the response emitter: header composition,
// encoding selection, range slicing, CSV projection, and chunked vs.
// buffered writing, plus the cache write-through step that feeds
// turtle/etagcache.
//
// The streaming/buffered split, and the tee-while-writing idiom used for
// "stream to client while also streaming to a side file", generalize
// "save to a byte buffer" into "fan out to N writers": the byte stream is
// teed once rather than read from its source twice.
package emit

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/turtle-io/turtle/byterange"
	"github.com/turtle-io/turtle/etagcache"
	"github.com/turtle-io/turtle/hashid"
	"github.com/turtle-io/turtle/reqctx"
	"github.com/turtle-io/turtle/watch"
)

// FileBody is the "file=true" body form the emitter accepts: a path on
// disk plus the stat info the caller already paid for.
type FileBody struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Emitter holds the configuration and shared subsystems the emitter needs
// on every call: default headers, JSON indent, compression policy, and the
// ETag cache/watcher it writes through to.
type Emitter struct {
	DefaultHeaders http.Header
	JSONIndent     int
	Compress       bool
	Banner         string
	Seed           uint32

	Cache   *etagcache.Cache
	Hasher  hashid.Hasher
	Watcher *watch.Registry
	Log     zerolog.Logger
}

// Emit writes status, headers and body to w, applying the full header
// discipline, body shaping, range handling, and encoding selection, then
// performs cache write-through.
//
// body is one of: nil, []byte, a JSON-able value (map/slice/struct), or a
// FileBody when isFile is true.
func (e *Emitter) Emit(w http.ResponseWriter, r *http.Request, body any, status int, headers http.Header, isFile bool) error {
	st := reqctx.From(r)

	headers = e.decorateHeaders(r, st, status, headers)

	bodyBytes, fb, err := e.shapeBody(r, headers, body, status, isFile)
	if err != nil {
		return err
	}

	var rng *byterange.Range
	if rv := r.Header.Get("Range"); rv != "" && (status == http.StatusOK) {
		total := contentLength(headers, bodyBytes, fb)
		parsed, rerr := byterange.Parse(rv, total)
		if rerr != nil {
			headers.Del("Range")
			return e.writeSimple(w, r, st, http.StatusRequestedRangeNotSatisfiable, headers, nil, nil)
		}
		rng = &parsed
		status = http.StatusPartialContent
		headers.Set("Content-Range", rng.ContentRange(total))
		headers.Set("Content-Length", strconv.FormatInt(rng.Len(), 10))
		if fb != nil {
			// file range is applied when streaming below.
		} else {
			bodyBytes = byterange.Slice(bodyBytes, *rng)
		}
		headers.Set("Status", fmt.Sprintf("%d %s", status, http.StatusText(status)))
	}

	headers.Set("X-Response-Time", fmt.Sprintf("%.2f ms", float64(st.Elapsed().Microseconds())/1000))

	encoding, writeErr := e.write(w, r, st, status, headers, bodyBytes, fb, rng)
	if writeErr != nil {
		e.Log.Error().Err(writeErr).Str("url", st.CanonicalURL).Msg("could not write response body")
	}
	_ = encoding

	e.cacheWriteThrough(r, st, status, headers, bodyBytes, fb)
	return writeErr
}

func contentLength(headers http.Header, body []byte, fb *FileBody) int64 {
	if fb != nil {
		return fb.Size
	}
	if cl := headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n
		}
	}
	return int64(len(body))
}

// writeSimple writes a minimal status+headers+body response, used for
// error short-circuits (e.g. 416) where the full pipeline doesn't apply.
func (e *Emitter) writeSimple(w http.ResponseWriter, r *http.Request, st *reqctx.State, status int, headers http.Header, body []byte, fb *FileBody) error {
	for k, vv := range headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Allow", st.Allow)
	w.WriteHeader(status)
	if fb != nil {
		f, err := os.Open(fb.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	}
	_, err := w.Write(body)
	return err
}
