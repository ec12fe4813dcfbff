// Package httptransport carries relay calls over plain HTTP(S): GET for a
// liveness probe, POST with a base64 envelope otherwise.
package httptransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/floegence/e2erelay/internal/contextutil"
	"github.com/floegence/e2erelay/internal/defaults"
	"github.com/floegence/e2erelay/protocol"
	"github.com/floegence/e2erelay/relayerrors"
	"github.com/floegence/e2erelay/transport"
)

const (
	DefaultTimeout        = defaults.CallTimeout
	DefaultConnectTimeout = defaults.ConnectTimeout
	DefaultMaxBodyBytes   = defaults.OuterBodyBytes
)

var ErrMissingNodeURL = errors.New("missing node url")

type Config struct {
	NodeURL        string        // http:// or https:// endpoint of the node.
	Timeout        time.Duration // Whole-call bound (<=0 disables the explicit bound).
	ConnectTimeout time.Duration // TCP connect bound (<=0 disables the explicit bound).
	UserAgent      string        // Empty means protocol.DefaultUserAgent().
	SOCKS5         string        // Optional SOCKS5 proxy, see transport.NewDialFunc.
	TLSConfig      *tls.Config   // Optional TLS settings for https nodes.
	MaxBodyBytes   int64         // Max outer response body (<=0 uses DefaultMaxBodyBytes).
}

// DefaultConfig returns a config for nodeURL with the default timeouts.
func DefaultConfig(nodeURL string) Config {
	return Config{
		NodeURL:        nodeURL,
		Timeout:        DefaultTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

// Transport implements transport.RoundTripper over net/http.
type Transport struct {
	cfg    Config
	url    string
	client *http.Client
}

var _ transport.RoundTripper = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	raw := strings.TrimSpace(cfg.NodeURL)
	if raw == "" {
		return nil, ErrMissingNodeURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("node url must be http or https")
	}
	if u.Host == "" {
		return nil, errors.New("node url is missing a host")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = protocol.DefaultUserAgent()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	dial, err := transport.NewDialFunc(cfg.SOCKS5, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		Proxy:               nil,
		DialContext:         dial,
		TLSClientConfig:     cfg.TLSConfig,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Transport{
		cfg: cfg,
		url: u.String(),
		client: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// RoundTrip issues one outer call. Any outer status, including the protocol
// error signals, is returned as a Response; only a call that produced no
// response fails, with a relayerrors.TransportError.
func (t *Transport) RoundTrip(ctx context.Context, req transport.Request) (*transport.Response, error) {
	ctx, cancel := contextutil.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	method := http.MethodGet
	var body io.Reader
	if !req.IsProbe() {
		method = http.MethodPost
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, t.url, body)
	if err != nil {
		return nil, relayerrors.NewTransportError(relayerrors.StageConnect, err)
	}
	hreq.Header.Set("User-Agent", t.cfg.UserAgent)
	if body != nil {
		hreq.Header.Set("Content-Type", protocol.ContentTypeEnvelope)
	}
	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, relayerrors.NewTransportError(relayerrors.StageConnect, err)
	}
	defer resp.Body.Close()
	b, err := transport.ReadBody(resp.Body, t.cfg.MaxBodyBytes)
	if err != nil {
		return nil, relayerrors.NewTransportError(relayerrors.StageConnect, err)
	}
	out := &transport.Response{Status: resp.StatusCode, Body: b}
	if v := resp.Header.Get(protocol.HeaderForwardedStatus); v != "" {
		out.Header = map[string]string{protocol.HeaderForwardedStatus: v}
	}
	return out, nil
}

// Close releases idle connections.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
