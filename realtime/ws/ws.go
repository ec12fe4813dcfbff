// Package ws wraps gorilla/websocket connections with context-aware reads and
// writes and JSON message helpers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrUnexpectedMessageType = errors.New("unexpected websocket message type")

type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions provides optional settings for websocket dialing.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection; the handshake is bounded by ctx.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	d := websocket.Dialer{}
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		if dl := time.Until(deadline); d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit caps the size of an incoming message.
func (c *Conn) SetReadLimit(n int64) { c.c.SetReadLimit(n) }

// ReadMessage reads one message. It unblocks on ctx cancellation or deadline
// and reports ctx.Err() in that case.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	var (
		mt int
		b  []byte
	)
	err := bindDeadline(ctx, c.c.SetReadDeadline, func() error {
		var err error
		mt, b, err = c.c.ReadMessage()
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return mt, b, nil
}

// WriteMessage writes one message, bounded by ctx like ReadMessage.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	return bindDeadline(ctx, c.c.SetWriteDeadline, func() error {
		return c.c.WriteMessage(messageType, data)
	})
}

// ReadJSON reads one text message and decodes it into v.
func (c *Conn) ReadJSON(ctx context.Context, v any) error {
	mt, b, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if mt != websocket.TextMessage {
		return ErrUnexpectedMessageType
	}
	return json.Unmarshal(b, v)
}

// WriteJSON encodes v and writes it as one text message.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(ctx, websocket.TextMessage, b)
}

// Close closes the websocket connection.
func (c *Conn) Close() error { return c.c.Close() }

// CloseWithStatus sends a close control frame before closing.
func (c *Conn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return c.c.Close()
}

// bindDeadline runs op with the socket deadline taken from ctx. gorilla does
// not observe contexts, so cancellation is turned into an immediate deadline
// and the resulting timeout is mapped back to ctx.Err().
func bindDeadline(ctx context.Context, set func(time.Time) error, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline := ctx.Deadline()
	_ = set(deadline) // zero time clears the deadline
	if ctx.Done() != nil {
		var active atomic.Bool
		active.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if active.Load() {
				_ = set(time.Now())
			}
		})
		defer func() {
			active.Store(false)
			stop()
		}()
	}
	err := op()
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		// The socket timer can fire slightly ahead of the context timer.
		if hasDeadline && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}
	}
	return err
}
