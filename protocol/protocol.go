// Package protocol defines the outer wire contract between the relay client and
// the relay node: reserved status codes, error bodies and envelope encoding.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/floegence/e2erelay/internal/version"
)

// Outer status codes. They are protocol signals; a forwarded response's own
// status always travels inside the envelope.
const (
	StatusLiveness         = http.StatusNoContent // 204: bodyless probe answered.
	StatusHandshake        = http.StatusAccepted  // 202: shared secret confirmed.
	StatusSuccess          = 250                  // Body is base64(envelope(ForwardResponse)).
	StatusNotWhitelisted   = http.StatusForbidden // 403: caller not in the allow-list.
	StatusDecryptFailed    = 451
	StatusValidationFailed = 452
	StatusTransportFailed  = 453
	StatusEncryptFailed    = 454
)

// IsSignal reports whether code is one of the reserved outer status codes.
func IsSignal(code int) bool {
	switch code {
	case StatusLiveness, StatusHandshake, StatusSuccess, StatusNotWhitelisted,
		StatusDecryptFailed, StatusValidationFailed, StatusTransportFailed, StatusEncryptFailed:
		return true
	default:
		return false
	}
}

// StatusText returns a short name for an outer status code.
func StatusText(code int) string {
	switch code {
	case StatusLiveness:
		return "liveness"
	case StatusHandshake:
		return "handshake"
	case StatusSuccess:
		return "success"
	case StatusNotWhitelisted:
		return "not_whitelisted"
	case StatusDecryptFailed:
		return "decrypt_failed"
	case StatusValidationFailed:
		return "validation_failed"
	case StatusTransportFailed:
		return "transport_failed"
	case StatusEncryptFailed:
		return "encrypt_failed"
	default:
		return "unknown"
	}
}

// HasDetailBody reports whether code carries a "code<TAB>message" body.
func HasDetailBody(code int) bool {
	return code == StatusValidationFailed || code == StatusTransportFailed
}

// HeaderForwardedStatus carries the destination's status code in cleartext on
// 250 responses, so a client can learn it without decrypting the body.
const HeaderForwardedStatus = "X-E2E-Relay-Status"

// ContentTypeEnvelope is the outer content type of envelope bodies.
const ContentTypeEnvelope = "text/plain; charset=us-ascii"

var (
	ErrBadDetail   = errors.New("bad error body")
	ErrBadEnvelope = errors.New("bad envelope encoding")
)

// FormatDetail renders a 452/453 body.
func FormatDetail(code int, message string) []byte {
	// Keep the body single-field-separated; tabs inside the message would split it.
	message = strings.ReplaceAll(message, "\t", " ")
	return []byte(strconv.Itoa(code) + "\t" + message)
}

// ParseDetail splits a "code<TAB>message" body. The message may be empty.
func ParseDetail(body []byte) (int, string, error) {
	codeText, message, ok := strings.Cut(string(body), "\t")
	if !ok {
		return 0, "", ErrBadDetail
	}
	code, err := strconv.Atoi(strings.TrimSpace(codeText))
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadDetail, err)
	}
	return code, message, nil
}

// EncodeEnvelope renders an envelope as an outer body.
func EncodeEnvelope(env []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(env)))
	base64.StdEncoding.Encode(out, env)
	return out
}

// DecodeEnvelope parses an outer body into envelope bytes. Surrounding
// whitespace is ignored.
func DecodeEnvelope(body []byte) ([]byte, error) {
	s := strings.TrimSpace(string(body))
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return out, nil
}

// FormatForwardedStatus renders the HeaderForwardedStatus value.
func FormatForwardedStatus(code int) string { return strconv.Itoa(code) }

// ParseForwardedStatus parses the HeaderForwardedStatus value.
func ParseForwardedStatus(v string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// DefaultUserAgent identifies this software and version on outer and forwarded calls.
func DefaultUserAgent() string { return version.UserAgent() }
