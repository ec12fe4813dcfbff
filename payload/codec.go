package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// FormatVersion is the version of the canonical payload encoding.
const FormatVersion = 1

var (
	// ErrUnknownKind is returned when a decoded record is not one of the two payload variants.
	ErrUnknownKind = errors.New("unknown payload kind")
	// ErrMalformed is returned when the canonical encoding cannot be parsed.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnsupportedVersion is returned for a format version this build does not understand.
	ErrUnsupportedVersion = errors.New("unsupported payload version")
)

const (
	wireKindRequest  = "forward_request"
	wireKindResponse = "forward_response"
)

// wireRecord is the canonical form. Exactly one of Request/Response is set, matching Kind.
type wireRecord struct {
	V        int           `json:"v"`
	Kind     string        `json:"kind"`
	Request  *wireRequest  `json:"request,omitempty"`
	Response *wireResponse `json:"response,omitempty"`
}

type wireRequest struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           []byte            `json:"body,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	HTTPVersion    int               `json:"http_version,omitempty"`
	Timeout        int               `json:"timeout"`
	ConnectTimeout int               `json:"connect_timeout"`
	VerifyPeer     bool              `json:"verify_peer"`
	VerifyHost     bool              `json:"verify_host"`
}

type wireResponse struct {
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
}

// Encode serializes p into its canonical byte form.
func Encode(p Payload) ([]byte, error) {
	rec := wireRecord{V: FormatVersion}
	switch v := p.(type) {
	case ForwardRequest:
		rec.Kind = wireKindRequest
		rec.Request = &wireRequest{
			Method:         v.method,
			URL:            v.url,
			Headers:        v.headers,
			Body:           v.body,
			UserAgent:      v.userAgent,
			HTTPVersion:    int(v.httpVersion),
			Timeout:        v.timeout,
			ConnectTimeout: v.connectTimeout,
			VerifyPeer:     v.verifyPeer,
			VerifyHost:     v.verifyHost,
		}
	case ForwardResponse:
		rec.Kind = wireKindResponse
		rec.Response = &wireResponse{
			StatusCode:  v.statusCode,
			ContentType: v.contentType,
			Headers:     v.headers,
			Body:        v.body,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
	return json.Marshal(rec)
}

// Decode parses the canonical form. Any discriminant other than the two known
// kinds, or a body that does not match its discriminant, is rejected.
func Decode(b []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var rec wireRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if rec.V != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec.V)
	}
	switch rec.Kind {
	case wireKindRequest:
		if rec.Request == nil || rec.Response != nil {
			return nil, fmt.Errorf("%w: %s body mismatch", ErrMalformed, rec.Kind)
		}
		w := rec.Request
		r := ForwardRequest{
			method:         w.Method,
			url:            w.URL,
			headers:        w.Headers,
			body:           w.Body,
			userAgent:      w.UserAgent,
			httpVersion:    HTTPVersion(w.HTTPVersion),
			timeout:        w.Timeout,
			connectTimeout: w.ConnectTimeout,
			verifyPeer:     w.VerifyPeer,
			verifyHost:     w.VerifyHost,
		}
		r.useSSL = isSecureURL(r.url)
		return r, nil
	case wireKindResponse:
		if rec.Response == nil || rec.Request != nil {
			return nil, fmt.Errorf("%w: %s body mismatch", ErrMalformed, rec.Kind)
		}
		w := rec.Response
		if w.StatusCode < 0 {
			return nil, fmt.Errorf("%w: negative status code", ErrMalformed)
		}
		return ForwardResponse{
			statusCode:  w.StatusCode,
			contentType: w.ContentType,
			headers:     w.Headers,
			body:        w.Body,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}
}
