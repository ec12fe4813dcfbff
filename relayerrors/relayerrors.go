// Package relayerrors defines the typed errors of relay transactions.
//
// Cipher, validation and transport failures carry the Stage they happened
// in. A ProtocolError is what a client sees when a node answers with a
// non-success outer status.
package relayerrors

import (
	"errors"
	"fmt"
)

// Stage identifies which step of a relay transaction failed.
type Stage string

const (
	StageEncrypt  Stage = "encrypt"
	StageDecrypt  Stage = "decrypt"
	StageValidate Stage = "validate"
	StageForward  Stage = "forward"
	StageConnect  Stage = "connect"
	StageProtocol Stage = "protocol"
)

// Validation error codes carried in 452 bodies.
const (
	CodeInvalidMethod = 1001
	CodeInvalidURL    = 1002
)

// ErrResponseTooLarge is reported when a destination body exceeds the node limit.
var ErrResponseTooLarge = errors.New("response body too large")

// CipherError reports a key, IV, encrypt or decrypt failure, or a decrypted
// value outside the allowed payload variants.
type CipherError struct {
	Stage  Stage  // StageEncrypt or StageDecrypt.
	Reason string // Short diagnostic, safe to send to the peer.
	Err    error
}

func (e *CipherError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

func (e *CipherError) Unwrap() error { return e.Err }

// NewCipherError wraps err with a peer-safe reason.
func NewCipherError(stage Stage, reason string, err error) error {
	return &CipherError{Stage: stage, Reason: reason, Err: err}
}

// ValidationError reports a forward request the node refuses to execute.
type ValidationError struct {
	Code    int
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("validate (%d): %s", e.Code, e.Message)
}

var (
	// ErrInvalidMethod is the validation failure for a method outside the forwardable set.
	ErrInvalidMethod = &ValidationError{Code: CodeInvalidMethod, Message: "Invalid HTTP method"}
	// ErrInvalidURL is the validation failure for an empty or unusable destination URL.
	ErrInvalidURL = &ValidationError{Code: CodeInvalidURL, Message: "Invalid destination URL"}
)

// TransportError reports an outer or inner HTTP call that could not complete.
type TransportError struct {
	Stage Stage // StageConnect (outer call) or StageForward (destination call).
	Errno int   // curl-compatible error number, see ClassifyTransportErrno.
	Err   error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s transport failure (errno %d): %v", e.Stage, e.Errno, e.Err)
	}
	return fmt.Sprintf("%s transport failure (errno %d)", e.Stage, e.Errno)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Message returns the underlying failure text without the stage prefix.
func (e *TransportError) Message() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// NewTransportError classifies err and wraps it.
func NewTransportError(stage Stage, err error) error {
	return &TransportError{Stage: stage, Errno: ClassifyTransportErrno(err), Err: err}
}

// ProtocolError reports an outer status the driver does not treat as success.
//
// For 452/453 responses with a "code<TAB>message" body, HasDetail is true and
// ErrorCode/ErrorMessage hold the parsed pair.
type ProtocolError struct {
	Status       int
	HasDetail    bool
	ErrorCode    int
	ErrorMessage string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.HasDetail {
		return fmt.Sprintf("relay request failed: status %d: %d %s", e.Status, e.ErrorCode, e.ErrorMessage)
	}
	return fmt.Sprintf("relay request failed: status %d", e.Status)
}

// IsCipher reports whether err is a CipherError (directly or wrapped).
func IsCipher(err error) bool {
	var ce *CipherError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError (directly or wrapped).
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransport reports whether err is a TransportError (directly or wrapped).
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is a ProtocolError (directly or wrapped).
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
