package reverseproxy

import (
	"encoding/json"
	"regexp"
	"strings"
)

// rewriteBody substitutes the upstream origin in a proxied body. JSON
// bodies are parsed and their string values rewritten in place (origin
// substitution plus, for non-root routes, prefixing of absolute-rooted
// internal references); textual/HTML bodies get the same origin
// substitution as raw text, plus href=/src= attribute rewriting. A JSON
// body that fails to parse falls back to the textual path — malformed
// JSON is still textual.
func (p *Proxy) rewriteBody(contentType string, body []byte) []byte {
	ct, _, _ := splitMediaType(contentType)

	if ct == "application/json" {
		var v interface{}
		if err := json.Unmarshal(body, &v); err == nil {
			v = p.rewriteJSONValue(v)
			if out, err := json.Marshal(v); err == nil {
				return out
			}
		}
	}

	text := p.rewriteOriginText(string(body))
	if ct == "text/html" {
		text = rewriteHTMLAttrs(text, p.Route)
	}
	return []byte(text)
}

// rewriteJSONValue walks a decoded JSON value, rewriting string leaves.
func (p *Proxy) rewriteJSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return p.rewriteJSONString(t)
	case []interface{}:
		for i, e := range t {
			t[i] = p.rewriteJSONValue(e)
		}
		return t
	case map[string]interface{}:
		for k, e := range t {
			t[k] = p.rewriteJSONValue(e)
		}
		return t
	default:
		return v
	}
}

// rewriteJSONString applies the origin substitution, then (for non-root
// routes) prefixes an absolute-rooted internal reference with the route.
func (p *Proxy) rewriteJSONString(s string) string {
	s = p.substituteOrigin(s)
	if p.Route != "/" && strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//") {
		s = p.Route + s
	}
	return s
}

// rewriteOriginText applies only the origin substitution, for the textual
// (non-JSON) path.
func (p *Proxy) rewriteOriginText(text string) string {
	return p.substituteOrigin(text)
}

// substituteOrigin replaces every occurrence of the upstream origin
// (scheme://host[:port]) with our own origin joined to the route prefix.
func (p *Proxy) substituteOrigin(text string) string {
	upstream := p.Origin.Scheme + "://" + p.Origin.Host
	replacement := ""
	if p.Opts.Host != "" {
		replacement = "//" + p.Opts.Host
	}
	if p.Route != "/" {
		replacement += p.Route
	}
	return strings.ReplaceAll(text, upstream, replacement)
}

var hrefSrcPattern = regexp.MustCompile(`(?i)(href|src)=(["'])(/[^/"'][^"']*)(["'])`)

// rewriteHTMLAttrs prefixes href=/src= attribute values that start with a
// relative (single-slash-rooted) path with route.
func rewriteHTMLAttrs(html, route string) string {
	if route == "/" {
		return html
	}
	return hrefSrcPattern.ReplaceAllString(html, `$1=$2`+route+`$3$4`)
}
