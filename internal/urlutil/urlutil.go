// Package urlutil canonicalizes URLs, derives dedup fingerprints, and
// classifies crawl candidates.
package urlutil

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// NormalizeOptions controls Normalize behavior.
type NormalizeOptions struct {
	// AllowExternal keeps URLs whose origin differs from the base origin.
	AllowExternal bool
	// KeepFragment preserves the URL fragment in the canonical form.
	// Fingerprint always strips it regardless.
	KeepFragment bool
}

// Normalize canonicalizes raw against base. It returns ("", false) for
// links that should be dropped: empty strings, bare fragments,
// javascript:/mailto: pseudo-schemes, unparseable URLs, and (unless
// AllowExternal) cross-origin links.
func Normalize(raw string, base *url.URL, opts NormalizeOptions) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "#" {
		return "", false
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
		return "", false
	}

	var u *url.URL
	var err error
	switch {
	case strings.HasPrefix(raw, "//"):
		u, err = url.Parse("https:" + raw)
	case strings.HasPrefix(raw, "/"):
		if base == nil {
			return "", false
		}
		u, err = url.Parse(base.Scheme + "://" + base.Host + raw)
	default:
		u, err = url.Parse(raw)
		if err == nil && u.Scheme == "" {
			if base != nil {
				u, err = base.Parse(raw)
			} else {
				u, err = url.Parse("https://" + raw)
			}
		}
	}
	if err != nil || u == nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}

	u.RawQuery = ""
	if !opts.KeepFragment {
		u.Fragment = ""
		u.RawFragment = ""
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.ToLower(u.Path)
	if u.Path == "" {
		u.Path = "/"
	}
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if !opts.AllowExternal && base != nil && !sameOrigin(u, base) {
		return "", false
	}

	return u.String(), true
}

// Fingerprint returns the SHA-1 hex digest of the canonical URL. The
// scheme is stripped by default so http and https map to the same
// content; fragments are always stripped before hashing.
func Fingerprint(canonical string, includeScheme bool) string {
	s := canonical
	if i := strings.Index(s, "#"); i >= 0 {
		s = s[:i]
	}
	if !includeScheme {
		s = strings.TrimPrefix(s, "https://")
		s = strings.TrimPrefix(s, "http://")
	}
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

var rejectedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".css": true, ".js": true, ".xml": true, ".pdf": true,
	".zip": true, ".tar": true, ".gz": true, ".mp4": true,
}

var rejectedPathTokens = []string{
	"/cdn-cgi/", "/__/", "/wp-admin/", "/wp-includes/",
	"/login", "/signup", "/register", "/account/",
}

var docSegments = []string{
	"/docs/", "/documentation/", "/guide/", "/reference/", "/manual/",
	"/learn/", "/tutorial/", "/api/", "/getting-started", "/quickstart",
	"/introduction", "/overview", "/start", "/examples", "/usage",
}

// IsDocumentationLike reports whether a URL plausibly points at a
// documentation page. Asset extensions and auth/admin paths are
// rejected; doc-ish segments and clean word-only paths are accepted.
func IsDocumentationLike(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if p == "" || p == "/" {
		return true
	}

	if ext := strings.ToLower(path.Ext(p)); ext != "" && rejectedExtensions[ext] {
		return false
	}
	for _, token := range rejectedPathTokens {
		if strings.Contains(p, token) {
			return false
		}
	}
	// Append a trailing slash so "/docs" matches the "/docs/" segment.
	padded := p
	if !strings.HasSuffix(padded, "/") {
		padded += "/"
	}
	for _, seg := range docSegments {
		if strings.Contains(padded, seg) {
			return true
		}
	}
	return isCleanPath(p)
}

// isCleanPath reports whether every path segment consists solely of
// word characters and hyphens.
func isCleanPath(p string) bool {
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// WithinPathPrefix reports whether candidate shares the seed's origin
// and lives under the seed's path treated as a directory. A seed of
// .../docs scopes the job to /docs/...; the seed itself always passes.
func WithinPathPrefix(candidate, seedURL string) bool {
	cu, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	su, err := url.Parse(seedURL)
	if err != nil {
		return false
	}
	if !sameOrigin(cu, su) {
		return false
	}
	cp := strings.ToLower(cu.Path)
	if cp == "" {
		cp = "/"
	}
	prefix := seedDir(su)
	return cp+"/" == prefix || strings.HasPrefix(cp, prefix)
}

// seedDir returns the seed path with a trailing slash.
func seedDir(u *url.URL) string {
	p := strings.ToLower(u.Path)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Host, b.Host)
}
