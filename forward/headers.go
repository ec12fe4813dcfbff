package forward

import (
	"maps"
	"net/http"
	"strings"
)

// HeaderCollector captures destination response headers as lowercase name to
// single value (the last value seen wins).
//
// A collector is created per forward and returned with its Result; it is never
// shared between forwards.
type HeaderCollector struct {
	h map[string]string
}

// NewHeaderCollector returns an empty collector.
func NewHeaderCollector() *HeaderCollector {
	return &HeaderCollector{h: make(map[string]string)}
}

// Add records one header line. Names that are not tokens, and empty names or
// values, are ignored.
func (c *HeaderCollector) Add(name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	if name == "" || value == "" || !isValidHeaderName(name) || !isSafeHeaderValue(value) {
		return
	}
	c.h[name] = value
}

// Collect records every value of every header in h.
func (c *HeaderCollector) Collect(h http.Header) {
	for k, vv := range h {
		for _, v := range vv {
			c.Add(k, v)
		}
	}
}

// Get returns the value captured for name (case-insensitive).
func (c *HeaderCollector) Get(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.h[strings.ToLower(name)]
	return v, ok
}

// Len returns the number of captured headers.
func (c *HeaderCollector) Len() int {
	if c == nil {
		return 0
	}
	return len(c.h)
}

// Map returns a copy of the captured headers.
func (c *HeaderCollector) Map() map[string]string {
	if c == nil {
		return nil
	}
	return maps.Clone(c.h)
}

func isValidHeaderName(n string) bool {
	if n == "" {
		return false
	}
	// RFC 7230 token characters, lowercase only (callers normalize first).
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return false
		}
	}
	return true
}

func isSafeHeaderValue(v string) bool {
	// Prevent header injection / request smuggling.
	return !strings.ContainsAny(v, "\r\n\x00")
}

// hopByHopHeaders are connection-scoped and never copied onto a forward.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-connection":    {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
}

// buildRequestHeaders converts the decrypted header map into an http.Header.
// It returns the Host override, if any, separately.
func buildRequestHeaders(in map[string]string) (http.Header, string) {
	h := make(http.Header, len(in))
	host := ""
	for k, v := range in {
		name := strings.ToLower(strings.TrimSpace(k))
		if !isValidHeaderName(name) || !isSafeHeaderValue(v) {
			continue
		}
		if _, skip := hopByHopHeaders[name]; skip {
			continue
		}
		if name == "host" {
			host = strings.TrimSpace(v)
			continue
		}
		h.Set(http.CanonicalHeaderKey(name), v)
	}
	return h, host
}
