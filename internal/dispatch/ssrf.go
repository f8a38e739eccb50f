package dispatch

import (
	"net"
	"net/url"
	"strings"

	"github.com/aioarena/backend/internal/core"
)

// Hostnames that must never receive a dispatch regardless of what they
// resolve to. Matched on the literal host before any DNS lookup.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.goog":            true,
}

// GuardURL rejects webhook targets that could reach internal
// infrastructure. The check runs on the literal host of the URL, before
// DNS: loopback, private, link-local and unspecified addresses plus the
// cloud metadata hostnames are all refused.
func GuardURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return core.NewValidation("webhook URL must be a public HTTPS endpoint: unparseable URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return core.NewValidation("webhook URL must be a public HTTPS endpoint: scheme %q not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return core.NewValidation("webhook URL must be a public HTTPS endpoint: missing host")
	}
	if blockedHosts[host] {
		return core.NewValidation("webhook URL must be a public HTTPS endpoint: %s is not reachable from the arena", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return core.NewValidation("webhook URL must be a public HTTPS endpoint: loopback address")
		case ip.IsPrivate():
			return core.NewValidation("webhook URL must be a public HTTPS endpoint: private address")
		case ip.IsLinkLocalUnicast():
			return core.NewValidation("webhook URL must be a public HTTPS endpoint: link-local address")
		case ip.IsUnspecified():
			return core.NewValidation("webhook URL must be a public HTTPS endpoint: unspecified address")
		}
	}
	return nil
}
