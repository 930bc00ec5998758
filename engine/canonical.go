package engine

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Canonicalize returns rawURL without its fragment and port. It is the key
// used to recognize a return to a previously visited URL in a tab.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing URL for canonical form: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("canonicalizing %q: not an absolute URL", rawURL)
	}

	u.Fragment = ""
	u.RawFragment = ""
	host := u.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host

	return u.String(), nil
}

// NormalizeTarget reduces a navigation target to a form in which the href
// read from a result link and the URL a new tab was opened with compare
// equal: lowercase scheme and host, no fragment, no default port and no
// trailing slash on an otherwise empty path.
func NormalizeTarget(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}

	return u.String()
}
