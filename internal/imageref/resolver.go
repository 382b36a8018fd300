// Package imageref normalizes stored image references into fetchable URLs.
// Every stored path that reaches a response body goes through one Resolver;
// call sites never rebuild URLs themselves.
package imageref

import (
	"net/url"
	"strings"
)

type Resolver struct {
	baseURL string
}

// New creates a resolver rooted at the public origin, e.g.
// "https://api.example.com". Trailing slashes are dropped.
func New(baseURL string) *Resolver {
	return &Resolver{baseURL: strings.TrimRight(baseURL, "/")}
}

// Resolve turns a stored reference into an absolute URL. Empty input stays
// empty (callers render a placeholder, never fetch). Already-absolute URLs
// pass through unchanged. Relative paths may carry Windows separators from
// the legacy backend; every backslash becomes a forward slash before the
// path is joined to the origin.
func (r *Resolver) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if parsed, err := url.Parse(ref); err == nil && parsed.IsAbs() {
		return ref
	}
	normalized := strings.ReplaceAll(ref, "\\", "/")
	normalized = strings.TrimLeft(normalized, "/")
	return r.baseURL + "/" + normalized
}
