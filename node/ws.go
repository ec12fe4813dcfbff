package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/floegence/e2erelay/internal/contextutil"
	"github.com/floegence/e2erelay/internal/wsutil"
	"github.com/floegence/e2erelay/observability"
	"github.com/floegence/e2erelay/realtime/ws"
	"github.com/floegence/e2erelay/transport"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// ServeWS upgrades r and serves relay transactions on the connection, one
// response frame per request frame. Callers outside the allow-list get a
// plain 403 before the upgrade.
func (n *Node) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !n.AllowList().Allows(r.RemoteAddr) {
		writeOutcome(w, n.Handle(r.Context(), Inbound{Transport: observability.TransportWS, RemoteAddr: r.RemoteAddr}))
		return
	}
	policy := ws.OriginPolicy{Allowed: n.cfg.AllowedOrigins, AllowMissing: n.cfg.AllowNoOrigin}
	c, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: policy.CheckOrigin()})
	if err != nil {
		n.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer c.Close()
	c.SetReadLimit(wsutil.ReadLimit(n.cfg.MaxEnvelopeBytes))

	n.obs.Sessions(observability.TransportWS, n.wsSessions.Add(1))
	defer func() { n.obs.Sessions(observability.TransportWS, n.wsSessions.Add(-1)) }()

	ctx := context.WithoutCancel(r.Context())
	for {
		req, err := n.readWSRequest(ctx, c)
		if err != nil {
			if errors.Is(err, transport.ErrUnsupportedFrameVersion) {
				_ = c.CloseWithStatus(websocket.CloseUnsupportedData, "unsupported frame version")
			}
			return
		}
		out := n.Handle(ctx, Inbound{Transport: observability.TransportWS, RemoteAddr: r.RemoteAddr, Body: req.Body})
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err = c.WriteJSON(wctx, transport.EncodeResponse(out.Response()))
		cancel()
		if err != nil {
			n.log.Debug("websocket write failed", "remote", r.RemoteAddr, "err", err)
			return
		}
	}
}

func (n *Node) readWSRequest(ctx context.Context, c *ws.Conn) (transport.Request, error) {
	rctx, cancel := contextutil.WithTimeout(ctx, n.cfg.WSIdleTimeout)
	defer cancel()
	var f transport.RequestFrame
	if err := c.ReadJSON(rctx, &f); err != nil {
		return transport.Request{}, err
	}
	return transport.DecodeRequest(f)
}
