// Package payload defines the records a relay envelope can carry: a
// ForwardRequest from client to node and a ForwardResponse back. Records are
// immutable values; accessors return copies of maps and byte slices.
package payload

import (
	"bytes"
	"maps"
	"strings"
)

// Kind discriminates the two record shapes an envelope may carry.
type Kind uint8

const (
	// KindRequest marks a ForwardRequest.
	KindRequest Kind = 1
	// KindResponse marks a ForwardResponse.
	KindResponse Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "forward_request"
	case KindResponse:
		return "forward_response"
	default:
		return "unknown"
	}
}

// Payload is the closed set of records that may appear inside an envelope.
//
// Only ForwardRequest and ForwardResponse implement it; the unexported method
// keeps other packages from adding variants.
type Payload interface {
	Kind() Kind
	isPayload()
}

// MethodHandshake is the method token of a handshake request. It never reaches a destination.
const MethodHandshake = "handshake"

var forwardMethods = map[string]struct{}{
	"get":     {},
	"post":    {},
	"put":     {},
	"delete":  {},
	"options": {},
}

// IsForwardMethod reports whether m (case-insensitive) may be forwarded to a destination.
func IsForwardMethod(m string) bool {
	_, ok := forwardMethods[strings.ToLower(m)]
	return ok
}

// IsHandshakeMethod reports whether m (case-insensitive) is the handshake token.
func IsHandshakeMethod(m string) bool {
	return strings.EqualFold(m, MethodHandshake)
}

// HTTPVersion is the protocol version hint for the forward call (curl numbering).
type HTTPVersion int

const (
	HTTPVersionNone HTTPVersion = 0 // Let the transport choose.
	HTTPVersion1_0  HTTPVersion = 1 // Treated as HTTP/1.x only.
	HTTPVersion1_1  HTTPVersion = 2 // HTTP/1.1 only.
	HTTPVersion2    HTTPVersion = 3 // Attempt HTTP/2.
)

const (
	// DefaultTimeout is the default total forward timeout in seconds.
	DefaultTimeout = 10
	// DefaultConnectTimeout is the default forward connect timeout in seconds.
	DefaultConnectTimeout = 10
)

// ForwardRequest describes one call the relay node should make on the client's behalf.
//
// Values are immutable: construct them with NewForwardRequest and read them
// through accessors. Accessors that expose maps or byte slices return copies.
type ForwardRequest struct {
	method         string
	url            string
	headers        map[string]string
	body           []byte
	userAgent      string
	httpVersion    HTTPVersion
	timeout        int
	connectTimeout int
	verifyPeer     bool
	verifyHost     bool
	useSSL         bool
}

// RequestOption customizes a ForwardRequest at construction time.
type RequestOption func(*ForwardRequest)

// WithHeader sets a single request header. A later call with the same name wins.
func WithHeader(name string, value string) RequestOption {
	return func(r *ForwardRequest) {
		if r.headers == nil {
			r.headers = make(map[string]string)
		}
		r.headers[name] = value
	}
}

// WithHeaders merges h into the request headers.
func WithHeaders(h map[string]string) RequestOption {
	return func(r *ForwardRequest) {
		if len(h) == 0 {
			return
		}
		if r.headers == nil {
			r.headers = make(map[string]string, len(h))
		}
		maps.Copy(r.headers, h)
	}
}

// WithBody sets the request body (copied).
func WithBody(b []byte) RequestOption {
	return func(r *ForwardRequest) { r.body = bytes.Clone(b) }
}

// WithUserAgent overrides the node's default user agent for this request.
func WithUserAgent(ua string) RequestOption {
	return func(r *ForwardRequest) { r.userAgent = ua }
}

// WithHTTPVersion sets the protocol version hint.
func WithHTTPVersion(v HTTPVersion) RequestOption {
	return func(r *ForwardRequest) { r.httpVersion = v }
}

// WithTimeout sets the total forward timeout in seconds (<= 0 uses the node default).
func WithTimeout(seconds int) RequestOption {
	return func(r *ForwardRequest) { r.timeout = seconds }
}

// WithConnectTimeout sets the forward connect timeout in seconds (<= 0 uses the node default).
func WithConnectTimeout(seconds int) RequestOption {
	return func(r *ForwardRequest) { r.connectTimeout = seconds }
}

// WithTLSVerify toggles peer certificate and host name verification for https destinations.
func WithTLSVerify(peer bool, host bool) RequestOption {
	return func(r *ForwardRequest) {
		r.verifyPeer = peer
		r.verifyHost = host
	}
}

// NewForwardRequest builds a request record. UseSSL is derived from the URL scheme here and never changes.
func NewForwardRequest(method string, url string, opts ...RequestOption) ForwardRequest {
	r := ForwardRequest{
		method:         method,
		url:            url,
		timeout:        DefaultTimeout,
		connectTimeout: DefaultConnectTimeout,
		verifyPeer:     true,
		verifyHost:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&r)
		}
	}
	r.useSSL = isSecureURL(r.url)
	return r
}

// NewHandshake builds the handshake request: method "handshake", empty URL and body.
func NewHandshake() ForwardRequest {
	return NewForwardRequest(MethodHandshake, "")
}

func isSecureURL(u string) bool {
	return len(u) >= 5 && strings.EqualFold(u[:5], "https")
}

func (ForwardRequest) Kind() Kind { return KindRequest }
func (ForwardRequest) isPayload() {}

// Method returns the method as sent; validation is case-insensitive.
func (r ForwardRequest) Method() string { return r.method }

// URL returns the destination URL; it is empty for a handshake.
func (r ForwardRequest) URL() string { return r.url }

// Headers returns a copy of the request headers.
func (r ForwardRequest) Headers() map[string]string { return maps.Clone(r.headers) }

// Body returns a copy of the request body.
func (r ForwardRequest) Body() []byte { return bytes.Clone(r.body) }

// UserAgent returns the override, or "" when the node default applies.
func (r ForwardRequest) UserAgent() string { return r.userAgent }

// HTTPVersion returns the protocol hint for the forward call.
func (r ForwardRequest) HTTPVersion() HTTPVersion { return r.httpVersion }

// Timeout and ConnectTimeout are in seconds; a non-positive value means the
// node default.
func (r ForwardRequest) Timeout() int        { return r.timeout }
func (r ForwardRequest) ConnectTimeout() int { return r.connectTimeout }

// VerifyPeer and VerifyHost select the TLS checks of an https forward.
func (r ForwardRequest) VerifyPeer() bool { return r.verifyPeer }
func (r ForwardRequest) VerifyHost() bool { return r.verifyHost }

// UseSSL reports whether the URL has an https scheme.
func (r ForwardRequest) UseSSL() bool { return r.useSSL }

// IsHandshake reports whether the request is a handshake probe.
func (r ForwardRequest) IsHandshake() bool { return IsHandshakeMethod(r.method) }

// Equal reports whether two requests carry identical contents.
func (r ForwardRequest) Equal(o ForwardRequest) bool {
	return r.method == o.method &&
		r.url == o.url &&
		equalHeaders(r.headers, o.headers) &&
		bytes.Equal(r.body, o.body) &&
		r.userAgent == o.userAgent &&
		r.httpVersion == o.httpVersion &&
		r.timeout == o.timeout &&
		r.connectTimeout == o.connectTimeout &&
		r.verifyPeer == o.verifyPeer &&
		r.verifyHost == o.verifyHost &&
		r.useSSL == o.useSSL
}

// ForwardResponse records what the destination returned. It is immutable once built.
type ForwardResponse struct {
	statusCode  int
	contentType string
	headers     map[string]string
	body        []byte
}

// NewForwardResponse builds a response record; headers and body are copied.
func NewForwardResponse(statusCode int, contentType string, headers map[string]string, body []byte) ForwardResponse {
	return ForwardResponse{
		statusCode:  statusCode,
		contentType: contentType,
		headers:     maps.Clone(headers),
		body:        bytes.Clone(body),
	}
}

func (ForwardResponse) Kind() Kind { return KindResponse }
func (ForwardResponse) isPayload() {}

// StatusCode returns the destination's HTTP status.
func (r ForwardResponse) StatusCode() int { return r.statusCode }

// ContentType returns the destination content type, or "" when none was reported.
func (r ForwardResponse) ContentType() string { return r.contentType }

// Headers returns a copy of the captured response headers (lowercase names).
func (r ForwardResponse) Headers() map[string]string { return maps.Clone(r.headers) }

// Header returns a single captured header by lowercase name.
func (r ForwardResponse) Header(name string) (string, bool) {
	v, ok := r.headers[strings.ToLower(name)]
	return v, ok
}

// Body returns a copy of the response body.
func (r ForwardResponse) Body() []byte { return bytes.Clone(r.body) }

// Equal reports whether two responses carry identical contents.
func (r ForwardResponse) Equal(o ForwardResponse) bool {
	return r.statusCode == o.statusCode &&
		r.contentType == o.contentType &&
		equalHeaders(r.headers, o.headers) &&
		bytes.Equal(r.body, o.body)
}

// nil and empty header maps compare equal.
func equalHeaders(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}
