package emit

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/turtle-io/turtle/byterange"
	"github.com/turtle-io/turtle/hashid"
	"github.com/turtle-io/turtle/reqctx"
)

// compressibleType matches the content types eligible for compression.
var compressibleType = regexp.MustCompile(`(?i)javascript|json|text|xml`)

// write selects an encoding and emits the response body in one of four
// modes — compressed buffer, compressed file stream, uncompressed
// chunked file stream, or a plain buffered write — returning the
// encoding actually used.
func (e *Emitter) write(w http.ResponseWriter, r *http.Request, st *reqctx.State, status int, headers http.Header, body []byte, fb *FileBody, rng *byterange.Range) (string, error) {
	encoding := e.selectEncoding(r, status, headers)

	if fb != nil {
		return encoding, e.writeFile(w, st, status, headers, *fb, rng, encoding)
	}

	if encoding != "" && len(body) > 0 {
		return encoding, e.writeCompressedBuffer(w, status, headers, body, encoding)
	}

	headers.Del("Content-Encoding")
	headers.Set("Content-Encoding", "identity")
	for k, vv := range headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead || r.Method == http.MethodOptions || len(body) == 0 {
		return "", nil
	}
	_, err := w.Write(body)
	return "", err
}

// selectEncoding applies the compression-eligibility test: status 200/206,
// a non-empty compressible content type, compression enabled, a non-MSIE
// user agent, and an Accept-Encoding offer of gzip or deflate (gzip
// preferred).
func (e *Emitter) selectEncoding(r *http.Request, status int, headers http.Header) string {
	if !e.Compress {
		return ""
	}
	if status != http.StatusOK && status != http.StatusPartialContent {
		return ""
	}
	if !compressibleType.MatchString(headers.Get("Content-Type")) {
		return ""
	}
	if strings.Contains(r.UserAgent(), "MSIE") {
		return ""
	}
	accept := r.Header.Get("Accept-Encoding")
	switch {
	case strings.Contains(accept, "gzip"):
		return "gzip"
	case strings.Contains(accept, "deflate"):
		return "deflate"
	default:
		return ""
	}
}

func (e *Emitter) writeCompressedBuffer(w http.ResponseWriter, status int, headers http.Header, body []byte, encoding string) error {
	var buf strings.Builder
	cw, err := newCompressWriter(&buf, encoding)
	if err != nil {
		return err
	}
	if _, err := cw.Write(body); err != nil {
		return err
	}
	if err := cw.Close(); err != nil {
		return err
	}

	headers.Set("Content-Encoding", encoding)
	headers.Set("Content-Length", strconv.Itoa(buf.Len()))
	headers.Del("Content-Range")
	for k, vv := range headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	_, err = io.WriteString(w, buf.String())
	return err
}

// writeFile streams a file body to w, in one of two modes: compressed
// (teeing the compressed bytes to the cache's side file as it streams) or
// uncompressed with chunked transfer-encoding. A Range request always
// takes the uncompressed path, since a side file is keyed by the whole
// representation's etag.
func (e *Emitter) writeFile(w http.ResponseWriter, st *reqctx.State, status int, headers http.Header, fb FileBody, rng *byterange.Range, encoding string) error {
	f, err := os.Open(fb.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	if rng != nil {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			return err
		}
		headers.Del("Content-Encoding")
		headers.Set("Content-Encoding", "identity")
		flushHeaders(w, headers, status)
		_, err = io.CopyN(w, f, rng.Len())
		return err
	}

	if encoding == "" {
		headers.Del("Transfer-Encoding")
		headers.Set("Transfer-Encoding", "chunked")
		headers.Del("Content-Length")
		flushHeaders(w, headers, status)
		_, err = io.Copy(w, f)
		return err
	}

	etag := headers.Get("ETag")
	ext := "gz"
	if encoding == "deflate" {
		ext = "zz"
	}

	// If a side file for this etag already exists, stream it directly
	// rather than recompressing the source.
	if e.Cache != nil && etag != "" && e.Cache.SideFiles().Exists(hashid.Unquote(etag), ext) {
		sf, err := os.Open(e.Cache.SideFiles().Path(hashid.Unquote(etag), ext))
		if err == nil {
			defer sf.Close()
			if info, statErr := sf.Stat(); statErr == nil {
				headers.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
			}
			headers.Set("Content-Encoding", encoding)
			flushHeaders(w, headers, status)
			_, err = io.Copy(w, sf)
			return err
		}
	}

	var sideW io.Writer
	var sideFile *os.File
	if e.Cache != nil && etag != "" {
		path := e.Cache.SideFiles().Path(hashid.Unquote(etag), ext)
		if sf, err := os.Create(path); err == nil {
			sideFile = sf
			sideW = sf
		}
	}

	headers.Del("Content-Length")
	headers.Set("Content-Encoding", encoding)
	flushHeaders(w, headers, status)

	var dst io.Writer = w
	if sideW != nil {
		dst = io.MultiWriter(w, sideW)
	}
	cw, err := newCompressWriter(dst, encoding)
	if err != nil {
		if sideFile != nil {
			sideFile.Close()
		}
		return err
	}
	_, copyErr := io.Copy(cw, f)
	closeErr := cw.Close()
	if sideFile != nil {
		sideFile.Close()
		if copyErr == nil && closeErr == nil && e.Cache != nil {
			e.Cache.SideFiles().MarkWritten(hashid.Unquote(etag), ext)
		}
	}
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

func flushHeaders(w http.ResponseWriter, headers http.Header, status int) {
	for k, vv := range headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type compressCloser interface {
	io.WriteCloser
}

func newCompressWriter(w io.Writer, encoding string) (compressCloser, error) {
	switch encoding {
	case "gzip":
		return gzip.NewWriter(w), nil
	case "deflate":
		return flate.NewWriter(w, flate.DefaultCompression)
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
