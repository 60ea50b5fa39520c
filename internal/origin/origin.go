// Package origin normalizes browser Origin headers and evaluates them
// against the configured allowlist.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header into
// scheme://host[:port] form (default ports stripped, host lowercased). It
// also returns the host[:port] portion for same-host comparisons.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether the normalized origin may access the given
// request host.
//
// If allowedOrigins is non-empty, each entry must be "*" or a normalized
// origin string as produced by NormalizeHeader. Otherwise the default policy
// is same-host only.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Default: same host[:port]. Scheme is intentionally not compared because
	// the relay may sit behind a TLS-terminating reverse proxy and see plain
	// HTTP while the browser Origin is HTTPS.
	scheme := "https"
	if strings.HasPrefix(normalizedOrigin, "http://") {
		scheme = "http"
	} else if !strings.HasPrefix(normalizedOrigin, "https://") {
		// "null" cannot match a host-based request.
		return false
	}

	normalizedRequestHost, ok := normalizeHostPort(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

// normalizeHostPort lowercases the hostname, validates any port, and strips
// the scheme's default port.
func normalizeHostPort(hostport, scheme string) (string, bool) {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	if hostport == "" {
		return "", false
	}

	hostname := hostport
	port := ""
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		hostname, port = h, p
	} else if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
		hostname = hostport[1 : len(hostport)-1]
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return host, true
}
