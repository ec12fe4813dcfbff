// Package forward performs the destination call of a relay transaction.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/floegence/e2erelay/internal/contextutil"
	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/relayerrors"
	"github.com/patrickmn/go-cache"
)

const (
	// hostClientTTL is how long an unused host-only TLS client is kept.
	hostClientTTL = 5 * time.Minute

	// maxHostClients caps cached host-only TLS clients; past it, forwards get
	// a one-shot client.
	maxHostClients = 256
)

// Forwarder executes a decrypted ForwardRequest against its destination.
//
// Implementations return *relayerrors.ValidationError when the request cannot
// be issued at all, and *relayerrors.TransportError when the destination could
// not be reached or its response could not be read.
type Forwarder interface {
	Forward(ctx context.Context, req payload.ForwardRequest) (*Result, error)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, req payload.ForwardRequest) (*Result, error)

func (f ForwarderFunc) Forward(ctx context.Context, req payload.ForwardRequest) (*Result, error) {
	return f(ctx, req)
}

// Result is what the destination returned.
type Result struct {
	StatusCode  int
	ContentType string
	Headers     *HeaderCollector
	Body        []byte
}

// Response converts r into the record sealed back to the client.
func (r *Result) Response() payload.ForwardResponse {
	return payload.NewForwardResponse(r.StatusCode, r.ContentType, r.Headers.Map(), r.Body)
}

type transportKey struct {
	tls     tlsPolicy
	version payload.HTTPVersion
	host    string // set only for the host-only TLS policy
}

func (k transportKey) String() string { return fmt.Sprintf("%d/%s", k.version, k.host) }

// HTTPForwarder forwards over net/http. Redirects are returned, not followed.
//
// One transport (and idle pool) is kept per TLS policy and HTTP version hint.
// The host-only policy pins the checked name into its transport, so those
// are kept per host in an expiring cache instead.
type HTTPForwarder struct {
	cfg *compiledOptions

	mu          sync.Mutex
	clients     map[transportKey]*http.Client
	hostClients *cache.Cache
}

// NewHTTPForwarder validates opts and returns a forwarder.
func NewHTTPForwarder(opts Options) (*HTTPForwarder, error) {
	cfg, err := compileOptions(opts)
	if err != nil {
		return nil, err
	}
	hostClients := cache.New(hostClientTTL, hostClientTTL/5)
	hostClients.OnEvicted(func(_ string, v any) {
		v.(*http.Client).CloseIdleConnections()
	})
	return &HTTPForwarder{cfg: cfg, clients: make(map[transportKey]*http.Client), hostClients: hostClients}, nil
}

// Close drops idle destination connections.
func (f *HTTPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
	for k := range f.hostClients.Items() {
		f.hostClients.Delete(k)
	}
	return nil
}

// Forward issues req and buffers the destination response.
func (f *HTTPForwarder) Forward(ctx context.Context, req payload.ForwardRequest) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !payload.IsForwardMethod(req.Method()) {
		return nil, relayerrors.ErrInvalidMethod
	}
	if strings.TrimSpace(req.URL()) == "" {
		return nil, relayerrors.ErrInvalidURL
	}

	ctx, cancel := contextutil.WithTimeout(ctx, f.cfg.timeoutFor(req.Timeout()))
	defer cancel()
	ctx = withConnectTimeout(ctx, f.cfg.connectTimeoutFor(req.ConnectTimeout()))

	method := strings.ToUpper(req.Method())
	var body io.Reader
	if method != http.MethodGet {
		if b := req.Body(); len(b) > 0 {
			body = bytes.NewReader(b)
		}
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL(), body)
	if err != nil {
		return nil, relayerrors.ErrInvalidURL
	}
	headers, host := buildRequestHeaders(req.Headers())
	hreq.Header = headers
	if host != "" {
		hreq.Host = host
	}
	if hreq.Header.Get("User-Agent") == "" {
		ua := req.UserAgent()
		if ua == "" {
			ua = f.cfg.userAgent
		}
		hreq.Header.Set("User-Agent", ua)
	}

	client, cached := f.clientFor(req, hreq.URL.Hostname())
	if !cached {
		defer client.CloseIdleConnections()
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, relayerrors.NewTransportError(relayerrors.StageForward, err)
	}
	defer resp.Body.Close()

	limit := f.cfg.maxResponseBytes
	// If Content-Length is known and exceeds the cap, fail before reading.
	if resp.ContentLength > limit {
		return nil, relayerrors.NewTransportError(relayerrors.StageForward,
			fmt.Errorf("%w: content-length %d exceeds %d", relayerrors.ErrResponseTooLarge, resp.ContentLength, limit))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, relayerrors.NewTransportError(relayerrors.StageForward, err)
	}
	if int64(len(b)) > limit {
		return nil, relayerrors.NewTransportError(relayerrors.StageForward,
			fmt.Errorf("%w: exceeds %d bytes", relayerrors.ErrResponseTooLarge, limit))
	}

	collected := NewHeaderCollector()
	collected.Collect(resp.Header)
	return &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     collected,
		Body:        b,
	}, nil
}

// clientFor returns the client for req's TLS policy. cached is false for a
// one-shot client the caller must release with CloseIdleConnections.
func (f *HTTPForwarder) clientFor(req payload.ForwardRequest, host string) (c *http.Client, cached bool) {
	key := transportKey{tls: tlsPolicy{verifyPeer: true, verifyHost: true}, version: req.HTTPVersion()}
	if req.UseSSL() {
		key.tls = tlsPolicy{verifyPeer: req.VerifyPeer(), verifyHost: req.VerifyHost()}
		if key.tls.hostOnly() {
			key.host = host
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if key.host == "" {
		if c, ok := f.clients[key]; ok {
			return c, true
		}
		c = f.newClient(key)
		f.clients[key] = c
		return c, true
	}

	name := key.String()
	if v, ok := f.hostClients.Get(name); ok {
		c = v.(*http.Client)
		f.hostClients.SetDefault(name, c) // refresh expiry
		return c, true
	}
	c = f.newClient(key)
	if f.hostClients.ItemCount() >= maxHostClients {
		return c, false
	}
	f.hostClients.SetDefault(name, c)
	return c, true
}

func (f *HTTPForwarder) newClient(key transportKey) *http.Client {
	return &http.Client{
		Transport: f.newTransport(key),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (f *HTTPForwarder) newTransport(key transportKey) *http.Transport {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	switch key.version {
	case payload.HTTPVersionNone, payload.HTTPVersion2:
		protocols.SetHTTP2(true)
	}
	return &http.Transport{
		Proxy:               f.cfg.proxy,
		DisableCompression:  true,
		DialContext:         dialContext,
		TLSClientConfig:     key.tls.clientConfig(f.cfg.roots, key.host),
		TLSHandshakeTimeout: f.cfg.defaultConnectTimeout,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		Protocols:           &protocols,
	}
}

type connectTimeoutKey struct{}

func withConnectTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, connectTimeoutKey{}, d)
}

func dialContext(ctx context.Context, network string, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: DefaultConnectTimeout, KeepAlive: 30 * time.Second}
	if v, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && v > 0 {
		d.Timeout = v
	}
	return d.DialContext(ctx, network, addr)
}
