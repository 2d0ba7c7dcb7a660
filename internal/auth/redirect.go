package auth

import (
	"net/url"
	"path"
	"strings"
)

// SafeReturnTo validates a caller-supplied post-login destination and
// returns the URL to actually redirect to. Anything that could leave the
// site other than via an explicitly allowed host collapses to "/":
// absolute URLs to unknown hosts, protocol-relative "//host" forms,
// backslash tricks, and control characters.
func SafeReturnTo(raw string, allowedHosts []string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 1024 {
		return "/"
	}
	if strings.ContainsAny(raw, "\r\n\x00") || strings.Contains(raw, "\\") {
		return "/"
	}

	// Relative path: must start with exactly one slash.
	if strings.HasPrefix(raw, "/") {
		if strings.HasPrefix(raw, "//") {
			return "/"
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host != "" || u.Scheme != "" {
			return "/"
		}
		cleaned := path.Clean(u.Path)
		if !strings.HasPrefix(cleaned, "/") {
			return "/"
		}
		if u.RawQuery != "" {
			return cleaned + "?" + u.RawQuery
		}
		return cleaned
	}

	// Absolute URL: only https to an allow-listed host.
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "/"
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range allowedHosts {
		if host == strings.ToLower(strings.TrimSpace(allowed)) {
			return u.String()
		}
	}
	return "/"
}
