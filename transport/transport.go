// Package transport defines the outer call between a relay client and a relay
// node. Every carrier (HTTP, WebSocket, yamux) moves the same triple: an outer
// status, a body and the optional forwarded-status header.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/e2erelay/protocol"
)

// FrameVersion is the version of the stream transport frames.
const FrameVersion = 1

var ErrUnsupportedFrameVersion = errors.New("unsupported frame version")

// Request is one outer call. An empty Body is a liveness probe.
type Request struct {
	Body []byte // base64(envelope), or empty for a probe.
}

// IsProbe reports whether r carries no envelope.
func (r Request) IsProbe() bool { return len(strings.TrimSpace(string(r.Body))) == 0 }

// Response is the node's answer to one outer call.
type Response struct {
	Status int
	// Header holds the outer response headers the protocol defines, keyed by
	// canonical name. Only protocol.HeaderForwardedStatus is used today.
	Header map[string]string
	Body   []byte
}

// ForwardedStatus returns the cleartext forwarded-status header on a 250.
func (r *Response) ForwardedStatus() (int, bool) {
	if r == nil || r.Status != protocol.StatusSuccess {
		return 0, false
	}
	v, ok := r.Header[protocol.HeaderForwardedStatus]
	if !ok {
		return 0, false
	}
	return protocol.ParseForwardedStatus(v)
}

// RoundTripper performs outer calls. It reports a non-nil error only when no
// response was obtained at all.
type RoundTripper interface {
	RoundTrip(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// RequestFrame is the stream-transport encoding of a Request.
type RequestFrame struct {
	V    int    `json:"v"`
	Body string `json:"body,omitempty"`
}

// ResponseFrame is the stream-transport encoding of a Response.
type ResponseFrame struct {
	V       int               `json:"v"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// EncodeRequest converts req to its frame.
func EncodeRequest(req Request) RequestFrame {
	return RequestFrame{V: FrameVersion, Body: string(req.Body)}
}

// DecodeRequest validates f and converts it back to a Request.
func DecodeRequest(f RequestFrame) (Request, error) {
	if f.V != FrameVersion {
		return Request{}, ErrUnsupportedFrameVersion
	}
	return Request{Body: []byte(f.Body)}, nil
}

// EncodeResponse converts resp to its frame.
func EncodeResponse(resp *Response) ResponseFrame {
	return ResponseFrame{V: FrameVersion, Status: resp.Status, Headers: resp.Header, Body: string(resp.Body)}
}

// DecodeResponse validates f and converts it back to a Response.
func DecodeResponse(f ResponseFrame) (*Response, error) {
	if f.V != FrameVersion {
		return nil, ErrUnsupportedFrameVersion
	}
	return &Response{Status: f.Status, Header: f.Headers, Body: []byte(f.Body)}, nil
}
