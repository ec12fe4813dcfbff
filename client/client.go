// Package client is the relay driver: it seals requests for a relay node,
// sends them over a transport.RoundTripper and turns the node's outer status
// into results or typed errors. It never retries.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/floegence/e2erelay/crypto/envelope"
	"github.com/floegence/e2erelay/observability"
	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/protocol"
	"github.com/floegence/e2erelay/relayerrors"
	"github.com/floegence/e2erelay/transport"
)

// Client talks to one relay node. It is safe for concurrent use when its
// transport is.
type Client struct {
	rt         transport.RoundTripper
	cipher     *envelope.Cipher
	ownsCipher bool
	obs        observability.ClientObserver

	closeOnce sync.Once
	closeErr  error
}

// New returns a client that owns rt; Close closes it.
func New(rt transport.RoundTripper, opts ...Option) (*Client, error) {
	if rt == nil {
		return nil, ErrMissingTransport
	}
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	c := &Client{rt: rt, obs: cfg.observer}
	switch {
	case cfg.cipher != nil:
		c.cipher = cfg.cipher
	case len(cfg.secret) > 0:
		ciph, err := envelope.New(cfg.secret)
		clear(cfg.secret)
		if err != nil {
			return nil, err
		}
		c.cipher = ciph
		c.ownsCipher = true
	}
	return c, nil
}

// Close releases the transport and the key held by the client.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rt.Close()
		if c.ownsCipher {
			_ = c.cipher.Close()
		}
	})
	return c.closeErr
}

// Result is the outcome of Send.
type Result struct {
	// Status is the outer status: protocol.StatusLiveness,
	// protocol.StatusHandshake or protocol.StatusSuccess.
	Status int
	// Response is the destination's answer; set only for StatusSuccess.
	Response *payload.ForwardResponse
}

// Ping sends an unauthenticated liveness probe. It reports true iff the node
// answered 204; any other outer status is a *relayerrors.ProtocolError
// carrying that status. No key material is used.
func (c *Client) Ping(ctx context.Context) (ok bool, err error) {
	start := time.Now()
	defer func() { c.observe(observability.ClientOpPing, ok, err, start) }()

	resp, err := c.rt.RoundTrip(ctx, transport.Request{})
	if err != nil {
		return false, err
	}
	if resp.Status != protocol.StatusLiveness {
		return false, protocolError(resp)
	}
	return true, nil
}

// Handshake proves both sides hold the same secret. It reports true iff the
// node answered 202; the node never contacts a destination for it. A 451
// (different secret), 403 or any other status is a *relayerrors.ProtocolError.
func (c *Client) Handshake(ctx context.Context) (ok bool, err error) {
	start := time.Now()
	defer func() { c.observe(observability.ClientOpHandshake, ok, err, start) }()

	resp, err := c.submit(ctx, payload.NewHandshake())
	if err != nil {
		return false, err
	}
	if resp.Status != protocol.StatusHandshake {
		return false, protocolError(resp)
	}
	return true, nil
}

// Send relays req and decrypts the destination's response.
//
// Outer 204 and 202 are returned as a Result without a Response. 452 and 453
// become a *relayerrors.ProtocolError with the parsed code and message; any
// other status becomes a *relayerrors.ProtocolError with the status alone.
// A call that got no response fails with *relayerrors.TransportError.
func (c *Client) Send(ctx context.Context, req payload.ForwardRequest) (res Result, err error) {
	start := time.Now()
	defer func() { c.observe(observability.ClientOpSend, err == nil, err, start) }()

	resp, err := c.submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	switch resp.Status {
	case protocol.StatusLiveness, protocol.StatusHandshake:
		return Result{Status: resp.Status}, nil
	case protocol.StatusSuccess:
		fr, err := c.open(resp.Body)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: resp.Status, Response: &fr}, nil
	default:
		return Result{}, protocolError(resp)
	}
}

// SendStatusOnly relays req and returns only a status code: the outer signal
// for 204/202, or the destination's status for 250. The destination status
// is read from the cleartext X-E2E-Relay-Status header, so it is visible to
// anyone on the path; when a node omits the header the body is decrypted.
func (c *Client) SendStatusOnly(ctx context.Context, req payload.ForwardRequest) (status int, err error) {
	start := time.Now()
	defer func() { c.observe(observability.ClientOpSend, err == nil, err, start) }()

	resp, err := c.submit(ctx, req)
	if err != nil {
		return 0, err
	}
	switch resp.Status {
	case protocol.StatusLiveness, protocol.StatusHandshake:
		return resp.Status, nil
	case protocol.StatusSuccess:
		if code, ok := resp.ForwardedStatus(); ok {
			return code, nil
		}
		fr, err := c.open(resp.Body)
		if err != nil {
			return 0, err
		}
		return fr.StatusCode(), nil
	default:
		return 0, protocolError(resp)
	}
}

func (c *Client) submit(ctx context.Context, req payload.ForwardRequest) (*transport.Response, error) {
	if c.cipher == nil {
		return nil, ErrMissingSecret
	}
	env, err := c.cipher.Encrypt(req)
	if err != nil {
		return nil, err
	}
	return c.rt.RoundTrip(ctx, transport.Request{Body: protocol.EncodeEnvelope(env)})
}

func (c *Client) open(body []byte) (payload.ForwardResponse, error) {
	raw, err := protocol.DecodeEnvelope(body)
	if err != nil {
		return payload.ForwardResponse{}, relayerrors.NewCipherError(relayerrors.StageDecrypt, envelope.ReasonMalformed, err)
	}
	p, err := c.cipher.Decrypt(raw)
	if err != nil {
		return payload.ForwardResponse{}, err
	}
	fr, ok := p.(payload.ForwardResponse)
	if !ok {
		return payload.ForwardResponse{}, relayerrors.NewCipherError(relayerrors.StageDecrypt, ErrUnexpectedPayload.Error(), ErrUnexpectedPayload)
	}
	return fr, nil
}

func protocolError(resp *transport.Response) error {
	pe := &relayerrors.ProtocolError{Status: resp.Status}
	if protocol.HasDetailBody(resp.Status) {
		if code, msg, err := protocol.ParseDetail(resp.Body); err == nil {
			pe.HasDetail = true
			pe.ErrorCode = code
			pe.ErrorMessage = msg
		}
	}
	return pe
}

func (c *Client) observe(op observability.ClientOp, ok bool, err error, start time.Time) {
	result := observability.ClientResultOK
	switch {
	case err == nil && ok:
	case err == nil, relayerrors.IsProtocol(err):
		result = observability.ClientResultProtocolError
	case relayerrors.IsTransport(err):
		result = observability.ClientResultTransportError
	case relayerrors.IsCipher(err), errors.Is(err, ErrMissingSecret):
		result = observability.ClientResultCipherError
	default:
		result = observability.ClientResultTransportError
	}
	c.obs.Call(op, result, time.Since(start))
}
