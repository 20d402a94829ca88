// Package hashid wraps the mmh3 hash primitive as an external collaborator:
// the core only ever consumes it through the Hasher interface below, never
// the concrete algorithm.
package hashid

import (
	"strconv"
	"strings"

	"github.com/twmb/murmur3"
)

// Hasher computes a stable, seeded digest over a small set of string parts.
// It is used both for ETag generation (url|length|last-modified[|body]) and
// for handler identity hashing (blacklist).
type Hasher interface {
	Sum64(seed uint32, parts ...string) uint64
}

type murmurHasher struct{}

// New returns the default Hasher, backed by MurmurHash3.
func New() Hasher {
	return murmurHasher{}
}

func (murmurHasher) Sum64(seed uint32, parts ...string) uint64 {
	h := murmur3.SeedNew64(uint64(seed))
	for i, p := range parts {
		if i > 0 {
			h.Write(pipeSep)
		}
		h.Write([]byte(p))
	}
	return h.Sum64()
}

var pipeSep = []byte("|")

// ETag formats a hash as the unquoted hex digest stored in the cache entry.
func ETag(h Hasher, seed uint32, parts ...string) string {
	return strconv.FormatUint(h.Sum64(seed, parts...), 16)
}

// Quote wraps an unquoted etag value in the double quotes the HTTP wire
// format requires, per RFC 9110 §8.8.3.
func Quote(etag string) string {
	if strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}

// Unquote strips all leading and trailing double quotes and an optional
// leading weak-validator prefix ("W/"), so a client-sent If-None-Match value
// can be compared against the cache's unquoted storage form.
func Unquote(value string) string {
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}
