package emit

import (
	"net/http"
	"strconv"

	"github.com/turtle-io/turtle/etagcache"
	"github.com/turtle-io/turtle/hashid"
	"github.com/turtle-io/turtle/httpcache"
	"github.com/turtle-io/turtle/reqctx"
	"github.com/turtle-io/turtle/watch"
)

// cacheWriteThrough registers a GET that produced a fresh or still-valid
// representation into the ETag cache and, if it came off disk, watches it
// for filesystem changes.
func (e *Emitter) cacheWriteThrough(r *http.Request, st *reqctx.State, status int, headers http.Header, body []byte, fb *FileBody) {
	if e.Cache == nil || r.Method != http.MethodGet {
		return
	}
	if status != http.StatusOK && status != http.StatusNotModified {
		return
	}
	if httpcache.Parse(headers.Get("Cache-Control")).ForbidsStorage() {
		return
	}

	etag := headers.Get("ETag")
	if etag == "" {
		if status == http.StatusNotModified {
			// a 304 with no ETag header can't be registered; the cache
			// entry that produced the match is left as-is.
			return
		}
		h := e.Hasher
		if h == nil {
			h = hashid.New()
		}
		lastMod := headers.Get("Last-Modified")
		var computed string
		if fb != nil {
			computed = hashid.ETag(h, e.Seed, st.CanonicalURL, strconv.FormatInt(fb.Size, 10), lastMod)
		} else {
			computed = hashid.ETag(h, e.Seed, st.CanonicalURL, strconv.Itoa(len(body)), lastMod)
		}
		etag = hashid.Quote(computed)
		headers.Set("ETag", etag)
	}

	entry := etagcache.Entry{
		ETag:      hashid.Unquote(etag),
		Headers:   etagcache.Sanitize(headers),
		MimeType:  headers.Get("Content-Type"),
		Timestamp: etagcache.Now().Unix(),
	}
	e.Cache.Register(st.CanonicalURL, entry)

	if st.LocalFilePath == "" || e.Watcher == nil {
		return
	}
	url := st.CanonicalURL
	path := st.LocalFilePath
	cache := e.Cache
	hasher := e.Hasher
	if hasher == nil {
		hasher = hashid.New()
	}
	seed := e.Seed
	e.Watcher.Watch(path, watch.Callbacks{
		OnRename: func() {
			cache.Unregister(url)
		},
		OnChange: func() {
			newETag := hashid.ETag(hasher, seed, url, strconv.FormatInt(etagcache.Now().UnixNano(), 10))
			cache.TouchTimestamp(url, newETag, etagcache.Now().Unix())
		},
	})
}
