// Package muxtransport carries relay calls over a yamux session on one TCP
// connection. Every call uses its own stream with one length-prefixed JSON
// frame in each direction, so calls may run concurrently.
package muxtransport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/floegence/e2erelay/framing/jsonframe"
	"github.com/floegence/e2erelay/internal/contextutil"
	"github.com/floegence/e2erelay/internal/defaults"
	muxyamux "github.com/floegence/e2erelay/mux/yamux"
	"github.com/floegence/e2erelay/relayerrors"
	"github.com/floegence/e2erelay/transport"
	"github.com/hashicorp/yamux"
)

const (
	DefaultTimeout        = defaults.CallTimeout
	DefaultConnectTimeout = defaults.ConnectTimeout
	DefaultMaxFrameBytes  = defaults.FrameBytes
)

var ErrClosed = errors.New("mux transport closed")

type Config struct {
	Addr           string        // Node stream listener, "host:port" (a "tcp://" prefix is accepted).
	Timeout        time.Duration // Per-call bound (<=0 disables the explicit bound).
	ConnectTimeout time.Duration // TCP connect bound (<=0 disables the explicit bound).
	SOCKS5         string
	TLSConfig      *tls.Config // When set, the TCP connection is wrapped in TLS.
	MaxFrameBytes  int         // Max inbound frame (<=0 uses DefaultMaxFrameBytes).
	Logger         *slog.Logger
}

func DefaultConfig(addr string) Config {
	return Config{
		Addr:           addr,
		Timeout:        DefaultTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		MaxFrameBytes:  DefaultMaxFrameBytes,
	}
}

// Transport implements transport.RoundTripper. The session is opened on the
// first call and reopened after it dies.
type Transport struct {
	cfg  Config
	dial transport.DialFunc

	mu      sync.Mutex
	session *yamux.Session
	closed  bool
}

var _ transport.RoundTripper = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	cfg.Addr = strings.TrimPrefix(strings.TrimSpace(cfg.Addr), "tcp://")
	if cfg.Addr == "" {
		return nil, errors.New("missing node address")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, err
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	dial, err := transport.NewDialFunc(cfg.SOCKS5, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, dial: dial}, nil
}

func (t *Transport) RoundTrip(ctx context.Context, req transport.Request) (*transport.Response, error) {
	ctx, cancel := contextutil.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	sess, err := t.sessionFor(ctx)
	if err != nil {
		return nil, relayerrors.NewTransportError(relayerrors.StageConnect, err)
	}
	stream, err := sess.OpenStream()
	if err != nil {
		t.drop(sess)
		return nil, relayerrors.NewTransportError(relayerrors.StageConnect, err)
	}
	defer stream.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	resp, err := exchange(stream, req, t.cfg.MaxFrameBytes)
	if err != nil {
		return nil, relayerrors.NewTransportError(relayerrors.StageConnect, contextutil.Cause(ctx, err))
	}
	return resp, nil
}

func exchange(stream net.Conn, req transport.Request, maxFrame int) (*transport.Response, error) {
	if err := jsonframe.WriteJSONFrame(stream, transport.EncodeRequest(req)); err != nil {
		return nil, err
	}
	var f transport.ResponseFrame
	if err := jsonframe.ReadJSON(stream, maxFrame, &f); err != nil {
		return nil, err
	}
	return transport.DecodeResponse(f)
}

func (t *Transport) sessionFor(ctx context.Context) (*yamux.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.session != nil && !t.session.IsClosed() {
		return t.session, nil
	}
	dctx, cancel := contextutil.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	conn, err := t.dial(dctx, "tcp", t.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if t.cfg.TLSConfig != nil {
		tc := t.cfg.TLSConfig.Clone()
		if tc.ServerName == "" {
			tc.ServerName, _, _ = net.SplitHostPort(t.cfg.Addr)
		}
		tlsConn := tls.Client(conn, tc)
		if err := tlsConn.HandshakeContext(dctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	sess, err := muxyamux.NewClient(conn, muxyamux.Config(t.cfg.Logger))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.session = sess
	return sess, nil
}

func (t *Transport) drop(sess *yamux.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == sess {
		_ = sess.Close()
		t.session = nil
	}
}

// Close closes the session; later calls fail.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.session == nil {
		return nil
	}
	err := t.session.Close()
	t.session = nil
	return err
}
