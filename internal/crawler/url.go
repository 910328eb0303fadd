package crawler

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	errMissingScheme = errors.New("url must be absolute http(s)")
	errBadHost       = errors.New("url host has no valid top level domain")
)

// ValidateTarget parses raw into an absolute http(s) URL with a plausible host.
// Failures are *Error values of KindInvalidInput, or KindNotFound for favicon
// requests.
func ValidateTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if isFavicon(raw) {
		return nil, NewError(KindNotFound, errors.New("favicon requested"))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, NewError(KindInvalidInput, fmt.Errorf("parse url: %w", err))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, NewError(KindInvalidInput, errMissingScheme)
	}
	if !validHost(u.Hostname()) {
		return nil, NewError(KindInvalidInput, fmt.Errorf("%w: %q", errBadHost, u.Host))
	}
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func isFavicon(raw string) bool {
	return raw == "favicon.ico" || raw == "/favicon.ico"
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if host == "localhost" || net.ParseIP(host) != nil {
		return true
	}
	host = strings.TrimSuffix(host, ".")
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	tld := strings.ToLower(labels[len(labels)-1])
	if strings.HasPrefix(tld, "xn--") {
		return true
	}
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// NormalizeURL canonicalizes a target for cache keys: lowercase scheme and
// host, default ports dropped, fragment removed and query parameters sorted.
func NormalizeURL(u *url.URL) string {
	cp := *u
	cp.Scheme = strings.ToLower(cp.Scheme)
	cp.Host = strings.ToLower(cp.Host)
	switch {
	case cp.Scheme == "http" && strings.HasSuffix(cp.Host, ":80"):
		cp.Host = strings.TrimSuffix(cp.Host, ":80")
	case cp.Scheme == "https" && strings.HasSuffix(cp.Host, ":443"):
		cp.Host = strings.TrimSuffix(cp.Host, ":443")
	}
	cp.Fragment = ""
	cp.RawFragment = ""
	if cp.RawQuery != "" {
		cp.RawQuery = cp.Query().Encode()
	}
	if cp.Path == "" {
		cp.Path = "/"
	}
	return cp.String()
}
