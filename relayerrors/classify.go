package relayerrors

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"strings"
)

// Transport error numbers. They follow libcurl's numbering so 453 bodies stay
// compatible with clients written against curl-based relay nodes.
const (
	ErrnoUnsupportedProtocol    = 1
	ErrnoURLMalformat           = 3
	ErrnoCouldNotResolveHost    = 6
	ErrnoCouldNotConnect        = 7
	ErrnoOperationTimedOut      = 28
	ErrnoSSLConnectError        = 35
	ErrnoAbortedByCallback      = 42
	ErrnoTooManyRedirects       = 47
	ErrnoRecvError              = 56
	ErrnoPeerFailedVerification = 60
	ErrnoFileSizeExceeded       = 63
)

// ClassifyTransportErrno maps a Go network/HTTP failure to a stable errno.
func ClassifyTransportErrno(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrnoOperationTimedOut
	case errors.Is(err, context.Canceled):
		return ErrnoAbortedByCallback
	case errors.Is(err, ErrResponseTooLarge):
		return ErrnoFileSizeExceeded
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ErrnoOperationTimedOut
		}
		return ErrnoCouldNotResolveHost
	}
	if isCertificateError(err) {
		return ErrnoPeerFailedVerification
	}
	var recErr tls.RecordHeaderError
	var alertErr tls.AlertError
	if errors.As(err, &recErr) || errors.As(err, &alertErr) {
		return ErrnoSSLConnectError
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrnoOperationTimedOut
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		msg := uerr.Err.Error()
		switch {
		case strings.Contains(msg, "unsupported protocol scheme"):
			return ErrnoUnsupportedProtocol
		case strings.Contains(msg, "stopped after") && strings.Contains(msg, "redirects"):
			return ErrnoTooManyRedirects
		case strings.Contains(msg, "no Host in request URL"):
			return ErrnoURLMalformat
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrnoCouldNotConnect
	}
	return ErrnoRecvError
}

func isCertificateError(err error) bool {
	var cve *tls.CertificateVerificationError
	var uae x509.UnknownAuthorityError
	var he x509.HostnameError
	var cie x509.CertificateInvalidError
	return errors.As(err, &cve) || errors.As(err, &uae) || errors.As(err, &he) || errors.As(err, &cie)
}
