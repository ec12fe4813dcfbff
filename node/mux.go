package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/floegence/e2erelay/framing/jsonframe"
	"github.com/floegence/e2erelay/internal/wsutil"
	muxyamux "github.com/floegence/e2erelay/mux/yamux"
	"github.com/floegence/e2erelay/observability"
	"github.com/floegence/e2erelay/transport"
	"github.com/hashicorp/yamux"
)

const (
	muxReadTimeout  = 30 * time.Second
	muxWriteTimeout = 10 * time.Second
)

// ServeMux accepts yamux sessions on ln until ctx ends or ln fails. Each
// stream carries one transaction: a request frame, then a response frame.
// It closes ln and waits for open sessions before returning.
func (n *Node) ServeMux(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.serveMuxConn(ctx, conn)
		}()
	}
}

func (n *Node) serveMuxConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sess, err := muxyamux.NewServer(conn, muxyamux.Config(n.log))
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	n.obs.Sessions(observability.TransportMux, n.muxSessions.Add(1))
	defer func() { n.obs.Sessions(observability.TransportMux, n.muxSessions.Add(-1)) }()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.serveStream(ctx, remote, stream)
		}()
	}
}

func (n *Node) serveStream(ctx context.Context, remote string, stream *yamux.Stream) {
	defer stream.Close()
	_ = stream.SetReadDeadline(time.Now().Add(muxReadTimeout))
	var f transport.RequestFrame
	if err := jsonframe.ReadJSON(stream, n.cfg.MaxEnvelopeBytes+wsutil.FrameOverheadBytes, &f); err != nil {
		n.log.Debug("mux read failed", "remote", remote, "err", err)
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	req, err := transport.DecodeRequest(f)
	if err != nil {
		n.log.Debug("mux frame rejected", "remote", remote, "err", err)
		return
	}
	out := n.Handle(ctx, Inbound{Transport: observability.TransportMux, RemoteAddr: remote, Body: req.Body})
	_ = stream.SetWriteDeadline(time.Now().Add(muxWriteTimeout))
	if err := jsonframe.WriteJSONFrame(stream, transport.EncodeResponse(out.Response())); err != nil {
		n.log.Debug("mux write failed", "remote", remote, "err", err)
	}
}
