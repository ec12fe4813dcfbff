package client

import "errors"

var (
	ErrMissingTransport = errors.New("missing transport")
	ErrMissingSecret    = errors.New("missing shared secret")
	// ErrUnexpectedPayload is wrapped in a CipherError when a 250 body opens
	// to something other than a ForwardResponse.
	ErrUnexpectedPayload = errors.New("unexpected payload kind")
)
