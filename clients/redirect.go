package clients

import (
	"net"
	"net/url"
)

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// MatchRedirectURI reports whether candidate is acceptable for the registered
// set: an exact match, or an http loopback URI that differs from a registered
// loopback URI only in its port.
func MatchRedirectURI(registered []string, candidate string) bool {
	if candidate == "" {
		return false
	}
	for _, r := range registered {
		if r == candidate {
			return true
		}
	}

	c, err := url.Parse(candidate)
	if err != nil || c.Scheme != "http" || !isLoopback(c.Hostname()) || c.Fragment != "" {
		return false
	}
	for _, r := range registered {
		ru, err := url.Parse(r)
		if err != nil || ru.Scheme != "http" || !isLoopback(ru.Hostname()) {
			continue
		}
		if ru.Hostname() == c.Hostname() && ru.Path == c.Path && ru.RawQuery == c.RawQuery {
			return true
		}
	}
	return false
}
