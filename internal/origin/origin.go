// Package origin decides which browser origins may open signaling sockets and
// call the HTTP API.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize canonicalizes a browser Origin header to scheme://host[:port],
// dropping default ports. It returns the host[:port] part separately for
// same-host comparisons. The literal "null" origin is accepted unchanged.
func Normalize(header string) (origin, host string, ok bool) {
	header = strings.TrimSpace(header)
	switch header {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(header)
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

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases an authority, validates its port and strips the
// scheme's default port. IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		return "", false
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
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// Policy is an origin allow-list. An empty list means same-host only; "*"
// allows every origin.
type Policy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func NewPolicy(allowed []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, a := range allowed {
		if a == "*" {
			p.allowAll = true
			continue
		}
		if norm, _, ok := Normalize(a); ok {
			p.allowed[norm] = struct{}{}
		}
	}
	return p
}

func (p *Policy) AllowsAll() bool { return p != nil && p.allowAll }

// Allowed reports whether a request carrying originHeader to requestHost
// passes the policy. Requests without an Origin header (native clients,
// curl) always pass; browsers always send one on cross-site requests.
func (p *Policy) Allowed(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	norm, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if p.AllowsAll() {
		return true
	}
	if p != nil && len(p.allowed) > 0 {
		_, ok := p.allowed[norm]
		return ok
	}

	// Same host. Scheme is ignored because TLS may terminate at a proxy.
	if norm == "null" {
		return false
	}
	scheme := norm[:strings.Index(norm, "://")]
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == host
}
