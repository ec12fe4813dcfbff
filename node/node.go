// Package node implements the relay responder: it admits callers by address,
// opens their envelopes, forwards the request to its destination and seals
// the answer, reporting every outcome as exactly one outer status.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/floegence/e2erelay/crypto/envelope"
	"github.com/floegence/e2erelay/forward"
	"github.com/floegence/e2erelay/internal/defaults"
	"github.com/floegence/e2erelay/observability"
	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/protocol"
	"github.com/floegence/e2erelay/relayerrors"
	"github.com/floegence/e2erelay/transport"
	"github.com/google/uuid"
)

const (
	// DefaultMaxEnvelopeBytes bounds an inbound base64 envelope.
	DefaultMaxEnvelopeBytes = 64 << 20
	DefaultRateBurst        = 10
	DefaultRateLimitMaxWait = 5 * time.Second
	DefaultRateLimitIdleTTL = 10 * time.Minute
	DefaultWSIdleTimeout    = defaults.SessionIdleTimeout
)

// Reasons sent as 451 bodies for envelopes the cipher never sees.
const (
	ReasonEnvelopeTooLarge  = "envelope too large"
	ReasonUnexpectedPayload = "unexpected payload kind"
	ReasonReadFailed        = "failed to read envelope"
)

var ErrMissingSecret = errors.New("missing shared secret")

// Config configures a Node. Start from DefaultConfig.
type Config struct {
	SharedSecret []byte           // Passphrase; hashed once into the key.
	Cipher       *envelope.Cipher // Overrides SharedSecret; the caller keeps ownership.

	AllowList *AllowList // Callers served by the node; nil or empty allows everyone.

	Forwarder      forward.Forwarder // Destination forwarder; nil builds an HTTPForwarder from ForwardOptions.
	ForwardOptions forward.Options

	MaxEnvelopeBytes int // Max base64 envelope accepted (<=0 uses the default).

	RateLimit        float64       // Forwards per second per client address (<=0 disables limiting).
	RateBurst        int           // Token bucket size per client.
	RateLimitMaxWait time.Duration // Longest a forward waits for a token before failing with 453.
	RateLimitIdleTTL time.Duration // Buckets of idle clients are dropped after this long.

	AllowedOrigins []string      // Browser origins allowed on the websocket endpoint.
	AllowNoOrigin  bool          // Whether websocket upgrades without Origin are allowed.
	WSIdleTimeout  time.Duration // Close websocket sessions idle beyond this duration.

	Observer observability.NodeObserver // Optional metrics observer.
	Logger   *slog.Logger               // Optional transaction log; nil discards.
}

// DefaultConfig returns defaults for a node using secret.
func DefaultConfig(secret []byte) Config {
	return Config{
		SharedSecret:     secret,
		MaxEnvelopeBytes: DefaultMaxEnvelopeBytes,
		RateBurst:        DefaultRateBurst,
		RateLimitMaxWait: DefaultRateLimitMaxWait,
		RateLimitIdleTTL: DefaultRateLimitIdleTTL,
		AllowNoOrigin:    true,
		WSIdleTimeout:    DefaultWSIdleTimeout,
		Observer:         observability.NoopNodeObserver,
	}
}

// Node is a relay responder. It is safe for concurrent use; transactions share
// only the read-only key, the allow-list snapshot and the rate limiter.
type Node struct {
	cfg Config

	cipher     *envelope.Cipher
	ownsCipher bool
	fwd        forward.Forwarder
	ownedFwd   *forward.HTTPForwarder
	limiter    *forwardLimiter
	obs        observability.NodeObserver
	log        *slog.Logger

	allow atomic.Pointer[AllowList]

	wsSessions  atomic.Int64
	muxSessions atomic.Int64
}

// New validates cfg and builds a node.
func New(cfg Config) (*Node, error) {
	n := &Node{}
	switch {
	case cfg.Cipher != nil:
		n.cipher = cfg.Cipher
	case len(cfg.SharedSecret) > 0:
		c, err := envelope.New(cfg.SharedSecret)
		if err != nil {
			return nil, err
		}
		n.cipher = c
		n.ownsCipher = true
	default:
		return nil, ErrMissingSecret
	}
	cfg.SharedSecret = nil

	if cfg.Forwarder != nil {
		n.fwd = cfg.Forwarder
	} else {
		f, err := forward.NewHTTPForwarder(cfg.ForwardOptions)
		if err != nil {
			n.closeCipher()
			return nil, fmt.Errorf("forwarder: %w", err)
		}
		n.fwd = f
		n.ownedFwd = f
	}
	if cfg.MaxEnvelopeBytes <= 0 {
		cfg.MaxEnvelopeBytes = DefaultMaxEnvelopeBytes
	}
	if cfg.RateLimit > 0 {
		if cfg.RateBurst <= 0 {
			cfg.RateBurst = DefaultRateBurst
		}
		if cfg.RateLimitMaxWait < 0 {
			cfg.RateLimitMaxWait = 0
		}
		if cfg.RateLimitIdleTTL <= 0 {
			cfg.RateLimitIdleTTL = DefaultRateLimitIdleTTL
		}
		n.limiter = newForwardLimiter(cfg.RateLimit, cfg.RateBurst, cfg.RateLimitMaxWait, cfg.RateLimitIdleTTL)
	}
	if cfg.WSIdleTimeout < 0 {
		cfg.WSIdleTimeout = 0
	}
	n.obs = cfg.Observer
	if n.obs == nil {
		n.obs = observability.NoopNodeObserver
	}
	n.log = cfg.Logger
	if n.log == nil {
		n.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	n.allow.Store(cfg.AllowList)
	n.cfg = cfg
	return n, nil
}

// Close releases the key and idle forward connections owned by the node.
func (n *Node) Close() error {
	if n.ownedFwd != nil {
		_ = n.ownedFwd.Close()
	}
	n.closeCipher()
	return nil
}

func (n *Node) closeCipher() {
	if n.ownsCipher {
		_ = n.cipher.Close()
	}
}

// AllowList returns the current allow-list snapshot.
func (n *Node) AllowList() *AllowList { return n.allow.Load() }

// SetAllowList atomically replaces the allow-list; in-flight transactions keep
// the snapshot they started with.
func (n *Node) SetAllowList(l *AllowList) { n.allow.Store(l) }

// Stats is a snapshot of open stream-transport sessions.
type Stats struct {
	WSSessions  int64
	MuxSessions int64
}

// Stats returns the current session counts.
func (n *Node) Stats() Stats {
	return Stats{WSSessions: n.wsSessions.Load(), MuxSessions: n.muxSessions.Load()}
}

// Inbound is one outer call as seen by the node, independent of its carrier.
type Inbound struct {
	Transport  observability.Transport
	RemoteAddr string
	Body       []byte // base64(envelope), or empty for a probe.
	// Probe marks a call the carrier already knows is a probe (a plain HTTP
	// read); bodyless calls are probes regardless.
	Probe bool
}

// Outcome is the single terminal result of a transaction.
type Outcome struct {
	Status int
	Body   []byte
	// ForwardedStatus is the destination's status on a 250, else 0.
	ForwardedStatus int
}

// Header returns the protocol headers that accompany the outcome.
func (o Outcome) Header() map[string]string {
	if o.Status != protocol.StatusSuccess || o.ForwardedStatus == 0 {
		return nil
	}
	return map[string]string{protocol.HeaderForwardedStatus: protocol.FormatForwardedStatus(o.ForwardedStatus)}
}

// Response converts the outcome to its carrier-neutral form.
func (o Outcome) Response() *transport.Response {
	return &transport.Response{Status: o.Status, Header: o.Header(), Body: o.Body}
}

func reply(status int, body []byte) Outcome { return Outcome{Status: status, Body: body} }

// Handle runs one relay transaction to completion and returns its outcome.
func (n *Node) Handle(ctx context.Context, in Inbound) Outcome {
	start := time.Now()
	id := uuid.NewString()
	out := n.handle(ctx, id, in)
	d := time.Since(start)

	n.obs.Transaction(in.Transport, observability.Outcome(protocol.StatusText(out.Status)), d)
	level := slog.LevelInfo
	if out.Status >= 400 {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("request_id", id),
		slog.String("transport", string(in.Transport)),
		slog.String("remote", in.RemoteAddr),
		slog.Int("status", out.Status),
		slog.String("outcome", protocol.StatusText(out.Status)),
		slog.Duration("duration", d),
	}
	if out.ForwardedStatus != 0 {
		attrs = append(attrs, slog.Int("forwarded_status", out.ForwardedStatus))
	}
	n.log.LogAttrs(ctx, level, "relay transaction", attrs...)
	return out
}

func (n *Node) handle(ctx context.Context, id string, in Inbound) Outcome {
	if !n.AllowList().Allows(in.RemoteAddr) {
		return reply(protocol.StatusNotWhitelisted, nil)
	}
	if in.Probe || (transport.Request{Body: in.Body}).IsProbe() {
		return reply(protocol.StatusLiveness, nil)
	}
	if len(in.Body) > n.cfg.MaxEnvelopeBytes {
		return reply(protocol.StatusDecryptFailed, []byte(ReasonEnvelopeTooLarge))
	}

	raw, err := protocol.DecodeEnvelope(in.Body)
	if err != nil {
		return reply(protocol.StatusDecryptFailed, []byte(envelope.ReasonMalformed))
	}
	p, err := n.cipher.Decrypt(raw)
	if err != nil {
		return reply(protocol.StatusDecryptFailed, []byte(cipherReason(err, envelope.ReasonDecrypt)))
	}
	req, ok := p.(payload.ForwardRequest)
	if !ok {
		return reply(protocol.StatusDecryptFailed, []byte(ReasonUnexpectedPayload))
	}
	if req.IsHandshake() {
		return reply(protocol.StatusHandshake, nil)
	}
	if verr := validate(req); verr != nil {
		n.obs.Forward(observability.ForwardResultInvalid, 0, 0)
		return reply(protocol.StatusValidationFailed, protocol.FormatDetail(verr.Code, verr.Message))
	}

	if n.limiter != nil {
		if err := n.limiter.Wait(ctx, in.RemoteAddr); err != nil {
			errno := relayerrors.ErrnoOperationTimedOut
			if errors.Is(ctx.Err(), context.Canceled) {
				errno = relayerrors.ErrnoAbortedByCallback
			}
			n.obs.Forward(observability.ForwardResultRateLimited, errno, 0)
			n.log.Debug("forward rate limited", "request_id", id, "remote", in.RemoteAddr, "err", err)
			return reply(protocol.StatusTransportFailed, protocol.FormatDetail(errno, "rate limit wait abandoned"))
		}
	}

	fstart := time.Now()
	res, err := n.fwd.Forward(ctx, req)
	fd := time.Since(fstart)
	if err != nil {
		var verr *relayerrors.ValidationError
		if errors.As(err, &verr) {
			n.obs.Forward(observability.ForwardResultInvalid, 0, fd)
			return reply(protocol.StatusValidationFailed, protocol.FormatDetail(verr.Code, verr.Message))
		}
		var terr *relayerrors.TransportError
		if !errors.As(err, &terr) {
			terr = &relayerrors.TransportError{Stage: relayerrors.StageForward, Errno: relayerrors.ClassifyTransportErrno(err), Err: err}
		}
		n.obs.Forward(observability.ForwardResultTransportError, terr.Errno, fd)
		n.log.Debug("forward failed", "request_id", id, "errno", terr.Errno, "err", terr.Err)
		return reply(protocol.StatusTransportFailed, protocol.FormatDetail(terr.Errno, terr.Message()))
	}
	n.obs.Forward(observability.ForwardResultOK, 0, fd)

	env, err := n.cipher.Encrypt(res.Response())
	if err != nil {
		return reply(protocol.StatusEncryptFailed, []byte(cipherReason(err, envelope.ReasonEncode)))
	}
	return Outcome{
		Status:          protocol.StatusSuccess,
		Body:            protocol.EncodeEnvelope(env),
		ForwardedStatus: res.StatusCode,
	}
}

// validate checks the method and destination before anything is forwarded.
// Scheme support is left to the forwarder, which reports it as a transport
// failure.
func validate(req payload.ForwardRequest) *relayerrors.ValidationError {
	if !payload.IsForwardMethod(req.Method()) {
		return relayerrors.ErrInvalidMethod
	}
	raw := strings.TrimSpace(req.URL())
	if raw == "" {
		return relayerrors.ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return relayerrors.ErrInvalidURL
	}
	return nil
}

func cipherReason(err error, fallback string) string {
	var ce *relayerrors.CipherError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	return fallback
}
