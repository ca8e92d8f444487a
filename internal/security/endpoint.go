package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that must never receive server-originated requests, whatever
// they resolve to.
var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata.google":          {},
	"metadata.google.internal": {},
}

// ValidateEndpointURL decides whether a subscriber-supplied URL is safe to
// call from the server. It rejects non-HTTP schemes, internal hostnames,
// and any address in the loopback, private, link-local, or unspecified
// ranges. Hostnames are resolved so a public name fronting an internal IP
// is caught before the first delivery attempt.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	if _, bad := blockedHosts[strings.ToLower(host)]; bad {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if reason := ipDisallowed(ip); reason != "" {
			return fmt.Errorf("URL host %s: %s", host, reason)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ip := range ips {
		if reason := ipDisallowed(ip); reason != "" {
			return fmt.Errorf("URL host %q resolves to a blocked address: %s", host, reason)
		}
	}
	return nil
}

// ipDisallowed returns a non-empty reason when ip must not be dialed.
func ipDisallowed(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback address"
	case ip.IsPrivate():
		return "private address"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local address"
	case ip.IsUnspecified():
		return "unspecified address"
	}
	return ""
}
