package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/floegence/e2erelay/internal/contextutil"
	"github.com/floegence/e2erelay/relayerrors"
	"golang.org/x/net/proxy"
)

// DialFunc opens a stream connection to a node.
type DialFunc func(ctx context.Context, network string, addr string) (net.Conn, error)

var ErrSOCKS5NoContext = errors.New("socks5 dialer does not support contexts")

// NewDialFunc returns a dialer bounded by connectTimeout (<=0 leaves the
// bound to ctx). A non-empty socks5 routes every connection through that
// proxy; it is "host:port" or "socks5://[user:pass@]host:port".
func NewDialFunc(socks5 string, connectTimeout time.Duration) (DialFunc, error) {
	direct := &net.Dialer{KeepAlive: 30 * time.Second}
	if connectTimeout > 0 {
		direct.Timeout = connectTimeout
	}
	socks5 = strings.TrimSpace(socks5)
	if socks5 == "" {
		return direct.DialContext, nil
	}
	addr, auth, err := parseSOCKS5(socks5)
	if err != nil {
		return nil, err
	}
	d, err := proxy.SOCKS5("tcp", addr, auth, direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, ErrSOCKS5NoContext
	}
	return func(ctx context.Context, network string, addr string) (net.Conn, error) {
		// The proxy handshake counts against the connect bound as well.
		ctx, cancel := contextutil.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return cd.DialContext(ctx, network, addr)
	}, nil
}

func parseSOCKS5(raw string) (string, *proxy.Auth, error) {
	if !strings.Contains(raw, "://") {
		return raw, nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("socks5 proxy: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return "", nil, fmt.Errorf("socks5 proxy: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", nil, errors.New("socks5 proxy: missing host")
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	return u.Host, auth, nil
}

// ReadBody reads r up to limit bytes (<=0 disables the guard). A longer body
// fails with relayerrors.ErrResponseTooLarge.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, relayerrors.ErrResponseTooLarge
	}
	return b, nil
}
