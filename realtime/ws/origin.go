package ws

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may open a relay websocket.
//
// Entries are either full origins ("https://app.example.com"), bare hostnames
// ("example.com") or wildcard hostnames ("*.example.com", subdomains only).
// Relay clients that are not browsers send no Origin header; AllowMissing
// controls whether such requests pass.
type OriginPolicy struct {
	Allowed      []string
	AllowMissing bool
}

// Check reports whether r satisfies the policy.
func (p OriginPolicy) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return p.AllowMissing
	}
	hostname := ""
	if u, err := url.Parse(origin); err == nil {
		hostname = strings.ToLower(u.Hostname())
	}
	for _, entry := range p.Allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case strings.Contains(entry, "://"):
			if strings.EqualFold(origin, entry) {
				return true
			}
		case strings.HasPrefix(entry, "*."):
			if hostname != "" && strings.HasSuffix(hostname, strings.ToLower(entry[1:])) {
				return true
			}
		default:
			if hostname != "" && hostname == strings.ToLower(entry) {
				return true
			}
		}
	}
	return false
}

// CheckOrigin adapts p to websocket.Upgrader.CheckOrigin.
func (p OriginPolicy) CheckOrigin() func(r *http.Request) bool { return p.Check }
