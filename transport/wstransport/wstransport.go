// Package wstransport carries relay calls over one persistent WebSocket: each
// call is a request frame followed by its response frame.
package wstransport

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/floegence/e2erelay/internal/contextutil"
	"github.com/floegence/e2erelay/internal/defaults"
	"github.com/floegence/e2erelay/protocol"
	"github.com/floegence/e2erelay/realtime/ws"
	"github.com/floegence/e2erelay/relayerrors"
	"github.com/floegence/e2erelay/transport"
	"github.com/gorilla/websocket"
)

const (
	DefaultTimeout        = defaults.CallTimeout
	DefaultConnectTimeout = defaults.ConnectTimeout
	DefaultMaxFrameBytes  = defaults.FrameBytes
)

var ErrClosed = errors.New("websocket transport closed")

type Config struct {
	NodeURL        string        // ws(s):// endpoint; http(s):// is rewritten.
	Timeout        time.Duration // Per-call bound (<=0 disables the explicit bound).
	ConnectTimeout time.Duration // Dial and handshake bound (<=0 disables the explicit bound).
	UserAgent      string
	SOCKS5         string
	TLSConfig      *tls.Config
	MaxFrameBytes  int64 // Max inbound frame (<=0 uses DefaultMaxFrameBytes).
	// IdleReuse is how long an idle connection is reused before the next call
	// redials (<=0 reuses it indefinitely). Keep it below the node's idle timeout.
	IdleReuse      time.Duration
}

func DefaultConfig(nodeURL string) Config {
	return Config{
		NodeURL:        nodeURL,
		Timeout:        DefaultTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		MaxFrameBytes:  DefaultMaxFrameBytes,
		IdleReuse:      defaults.ReuseWindow(defaults.SessionIdleTimeout),
	}
}

// Transport implements transport.RoundTripper. Calls are serialized on the
// connection; a failed call drops it and the next call redials.
type Transport struct {
	cfg    Config
	url    string
	dialer websocket.Dialer

	mu       sync.Mutex
	conn     *ws.Conn
	lastUsed time.Time
	closed   bool
}

var _ transport.RoundTripper = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	u, err := websocketURL(cfg.NodeURL)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = protocol.DefaultUserAgent()
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	dial, err := transport.NewDialFunc(cfg.SOCKS5, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	return &Transport{
		cfg: cfg,
		url: u,
		dialer: websocket.Dialer{
			NetDialContext:  dial,
			TLSClientConfig: cfg.TLSConfig,
		},
	}, nil
}

func websocketURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing node url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("node url must be ws, wss, http or https")
	}
	if u.Host == "" {
		return "", errors.New("node url is missing a host")
	}
	return u.String(), nil
}

func (t *Transport) RoundTrip(ctx context.Context, req transport.Request) (*transport.Response, error) {
	ctx, cancel := contextutil.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, relayerrors.NewTransportError(relayerrors.StageConnect, ErrClosed)
	}
	if t.conn != nil && t.cfg.IdleReuse > 0 && time.Since(t.lastUsed) > t.cfg.IdleReuse {
		_ = t.conn.CloseWithStatus(websocket.CloseGoingAway, "idle")
		t.conn = nil
	}
	if t.conn == nil {
		c, err := t.connect(ctx)
		if errors.Is(err, errNotWhitelisted) {
			// The node refuses the upgrade itself for callers outside its
			// allow-list; that is an outer response, not a transport failure.
			return &transport.Response{Status: protocol.StatusNotWhitelisted}, nil
		}
		if err != nil {
			return nil, relayerrors.NewTransportError(relayerrors.StageConnect, err)
		}
		t.conn = c
	}
	resp, err := t.exchange(ctx, req)
	if err != nil {
		_ = t.conn.Close()
		t.conn = nil
		return nil, relayerrors.NewTransportError(relayerrors.StageConnect, err)
	}
	t.lastUsed = time.Now()
	return resp, nil
}

func (t *Transport) connect(ctx context.Context) (*ws.Conn, error) {
	dctx, cancel := contextutil.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	h := http.Header{}
	h.Set("User-Agent", t.cfg.UserAgent)
	d := t.dialer
	c, resp, err := ws.Dial(dctx, t.url, ws.DialOptions{Header: h, Dialer: &d})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == protocol.StatusNotWhitelisted {
			return nil, errNotWhitelisted
		}
		return nil, err
	}
	c.SetReadLimit(t.cfg.MaxFrameBytes)
	return c, nil
}

var errNotWhitelisted = errors.New("websocket upgrade refused by allow-list")

func (t *Transport) exchange(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if err := t.conn.WriteJSON(ctx, transport.EncodeRequest(req)); err != nil {
		return nil, err
	}
	var f transport.ResponseFrame
	if err := t.conn.ReadJSON(ctx, &f); err != nil {
		return nil, err
	}
	return transport.DecodeResponse(f)
}

// Close closes the connection; later calls fail.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.CloseWithStatus(websocket.CloseNormalClosure, "")
	t.conn = nil
	return err
}
