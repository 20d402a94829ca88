package turtle

import (
	"fmt"
	"regexp"
	"strings"
)

// VHost is a virtual host: a label plus a glob pattern compiled to an
// anchored, case-insensitive regex, plus the document root it maps to.
type VHost struct {
	Label   string
	Root    string
	pattern *regexp.Regexp
}

// compileGlob turns a glob ("*" -> ".*") into an anchored, case-insensitive
// regex, compiled once at vhost construction time.
func compileGlob(glob string) (*regexp.Regexp, error) {
	if glob == "all" {
		glob = "*"
	}
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.Compile("(?i)^" + escaped + "$")
}

// newVHost constructs a VHost, compiling its host-matching pattern.
func newVHost(label, glob, root string) (VHost, error) {
	pattern, err := compileGlob(glob)
	if err != nil {
		return VHost{}, fmt.Errorf("vhost %q: %w", label, err)
	}
	return VHost{Label: label, Root: root, pattern: pattern}, nil
}

// Matches reports whether hostname satisfies this vhost's pattern.
func (v VHost) Matches(hostname string) bool {
	return v.pattern.MatchString(hostname)
}

// resolveVHost returns the first vhost (in insertion order) whose pattern
// matches hostname; absent a match, the configured default label is used.
func (s *Server) resolveVHost(hostname string) VHost {
	for _, v := range s.vhosts {
		if v.Matches(hostname) {
			return v
		}
	}
	return s.defaultVHost
}
