package forward

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/floegence/e2erelay/internal/defaults"
	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/protocol"
)

const (
	// DefaultTimeout bounds a whole forward when the request carries no positive timeout.
	DefaultTimeout = time.Duration(payload.DefaultTimeout) * time.Second
	// DefaultConnectTimeout bounds dialing (and the TLS handshake) when the request carries no positive value.
	DefaultConnectTimeout = time.Duration(payload.DefaultConnectTimeout) * time.Second
	// DefaultMaxResponseBytes caps a destination response body.
	DefaultMaxResponseBytes = defaults.ForwardBodyBytes // 64 MiB
	// DefaultMaxIdleConnsPerHost is the idle pool size of each TLS policy transport.
	DefaultMaxIdleConnsPerHost = 8
)

// Options configures an HTTPForwarder.
type Options struct {
	// TrustedCAPath is a PEM file, or a directory of *.pem/*.crt files, used as
	// the only trust root for verified https forwards.
	// If empty, the host's system roots are used.
	TrustedCAPath string

	// DefaultTimeout is used when a request timeout is <= 0.
	// If == 0, DefaultTimeout is used. If < 0, NewHTTPForwarder returns an error.
	DefaultTimeout time.Duration
	// DefaultConnectTimeout is used when a request connect timeout is <= 0.
	// If == 0, DefaultConnectTimeout is used. If < 0, NewHTTPForwarder returns an error.
	DefaultConnectTimeout time.Duration
	// MaxTimeout clamps request-supplied timeouts (total and connect).
	// If == 0, request values are used as given. If < 0, NewHTTPForwarder returns an error.
	MaxTimeout time.Duration

	// MaxResponseBytes caps the destination body.
	// If == 0, DefaultMaxResponseBytes is used. If < 0, NewHTTPForwarder returns an error.
	MaxResponseBytes int64

	// UserAgent is sent when a request carries no override. Empty means protocol.DefaultUserAgent().
	UserAgent string

	// Proxy selects an outbound HTTP proxy for forwards. nil means direct connections.
	Proxy func(*http.Request) (*url.URL, error)
}

type compiledOptions struct {
	roots                 *x509.CertPool // nil: system roots
	defaultTimeout        time.Duration
	defaultConnectTimeout time.Duration
	maxTimeout            time.Duration
	maxResponseBytes      int64
	userAgent             string
	proxy                 func(*http.Request) (*url.URL, error)
}

func compileOptions(opts Options) (*compiledOptions, error) {
	cfg := &compiledOptions{
		defaultTimeout:        DefaultTimeout,
		defaultConnectTimeout: DefaultConnectTimeout,
		maxResponseBytes:      DefaultMaxResponseBytes,
		userAgent:             strings.TrimSpace(opts.UserAgent),
		proxy:                 opts.Proxy,
	}
	if opts.DefaultTimeout < 0 {
		return nil, errors.New("invalid DefaultTimeout (must be >= 0)")
	}
	if opts.DefaultTimeout > 0 {
		cfg.defaultTimeout = opts.DefaultTimeout
	}
	if opts.DefaultConnectTimeout < 0 {
		return nil, errors.New("invalid DefaultConnectTimeout (must be >= 0)")
	}
	if opts.DefaultConnectTimeout > 0 {
		cfg.defaultConnectTimeout = opts.DefaultConnectTimeout
	}
	if opts.MaxTimeout < 0 {
		return nil, errors.New("invalid MaxTimeout (must be >= 0)")
	}
	cfg.maxTimeout = opts.MaxTimeout
	if opts.MaxResponseBytes < 0 {
		return nil, errors.New("invalid MaxResponseBytes (must be >= 0)")
	}
	if opts.MaxResponseBytes > 0 {
		cfg.maxResponseBytes = opts.MaxResponseBytes
	}
	if cfg.userAgent == "" {
		cfg.userAgent = protocol.DefaultUserAgent()
	}
	if p := strings.TrimSpace(opts.TrustedCAPath); p != "" {
		pool, err := LoadTrustBundle(p)
		if err != nil {
			return nil, fmt.Errorf("invalid TrustedCAPath: %w", err)
		}
		cfg.roots = pool
	}
	return cfg, nil
}

func (c *compiledOptions) timeoutFor(seconds int) time.Duration {
	if seconds <= 0 {
		return c.defaultTimeout
	}
	return c.clamp(time.Duration(seconds) * time.Second)
}

func (c *compiledOptions) connectTimeoutFor(seconds int) time.Duration {
	if seconds <= 0 {
		return c.defaultConnectTimeout
	}
	return c.clamp(time.Duration(seconds) * time.Second)
}

func (c *compiledOptions) clamp(d time.Duration) time.Duration {
	if c.maxTimeout > 0 && d > c.maxTimeout {
		return c.maxTimeout
	}
	return d
}
