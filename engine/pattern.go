package engine

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidPattern is returned for malformed match patterns.
var ErrInvalidPattern = errors.New("invalid match pattern")

// Pattern is a compiled WebExtension-style match pattern such as
// "*://*.google.com/search*". The path part is matched against the URL
// path and query string.
type Pattern struct {
	raw        string
	scheme     string
	host       string
	subdomains bool
	path       *regexp.Regexp
}

// ParsePattern compiles a match pattern.
func ParsePattern(raw string) (*Pattern, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("%w %q: missing scheme separator", ErrInvalidPattern, raw)
	}
	switch scheme {
	case "*", "http", "https":
	default:
		return nil, fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidPattern, raw, scheme)
	}

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, fmt.Errorf("%w %q: missing path", ErrInvalidPattern, raw)
	}
	host, path := rest[:slash], rest[slash:]

	p := &Pattern{raw: raw, scheme: scheme}
	switch {
	case host == "*":
		p.host = "*"
	case strings.HasPrefix(host, "*."):
		p.subdomains = true
		p.host = strings.ToLower(host[2:])
	case strings.Contains(host, "*"):
		return nil, fmt.Errorf("%w %q: wildcard must be the first host label", ErrInvalidPattern, raw)
	case host == "":
		return nil, fmt.Errorf("%w %q: empty host", ErrInvalidPattern, raw)
	default:
		p.host = strings.ToLower(host)
	}

	parts := strings.Split(path, "*")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, raw, err)
	}
	p.path = re

	return p, nil
}

// Match reports whether u matches the pattern.
func (p *Pattern) Match(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if p.scheme == "*" {
		if scheme != "http" && scheme != "https" {
			return false
		}
	} else if scheme != p.scheme {
		return false
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case p.host == "*":
	case p.subdomains:
		if host != p.host && !strings.HasSuffix(host, "."+p.host) {
			return false
		}
	default:
		if host != p.host {
			return false
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" || u.ForceQuery {
		path += "?" + u.RawQuery
	}
	return p.path.MatchString(path)
}

func (p *Pattern) String() string { return p.raw }
