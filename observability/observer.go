package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is the outer result of one relay transaction (see protocol.StatusText).
type Outcome string

const (
	OutcomeLiveness         Outcome = "liveness"
	OutcomeHandshake        Outcome = "handshake"
	OutcomeSuccess          Outcome = "success"
	OutcomeNotWhitelisted   Outcome = "not_whitelisted"
	OutcomeDecryptFailed    Outcome = "decrypt_failed"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeTransportFailed  Outcome = "transport_failed"
	OutcomeEncryptFailed    Outcome = "encrypt_failed"
)

// Transport names the outer carrier a transaction arrived on.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportWS   Transport = "ws"
	TransportMux  Transport = "mux"
)

type ForwardResult string

const (
	ForwardResultOK             ForwardResult = "ok"
	ForwardResultTransportError ForwardResult = "transport_error"
	ForwardResultInvalid        ForwardResult = "invalid"
	ForwardResultRateLimited    ForwardResult = "rate_limited"
)

type ClientOp string

const (
	ClientOpPing      ClientOp = "ping"
	ClientOpHandshake ClientOp = "handshake"
	ClientOpSend      ClientOp = "send"
)

type ClientResult string

const (
	ClientResultOK             ClientResult = "ok"
	ClientResultProtocolError  ClientResult = "protocol_error"
	ClientResultTransportError ClientResult = "transport_error"
	ClientResultCipherError    ClientResult = "cipher_error"
)

// NodeObserver receives relay node metric events.
type NodeObserver interface {
	Transaction(transport Transport, outcome Outcome, d time.Duration)
	Forward(result ForwardResult, errno int, d time.Duration)
	Sessions(transport Transport, n int64)
}

// ClientObserver receives relay client metric events.
type ClientObserver interface {
	Call(op ClientOp, result ClientResult, d time.Duration)
}

type noopNodeObserver struct{}

func (noopNodeObserver) Transaction(Transport, Outcome, time.Duration) {}
func (noopNodeObserver) Forward(ForwardResult, int, time.Duration)     {}
func (noopNodeObserver) Sessions(Transport, int64)                     {}

type noopClientObserver struct{}

func (noopClientObserver) Call(ClientOp, ClientResult, time.Duration) {}

// NoopNodeObserver is a zero-cost observer used when metrics are disabled.
var NoopNodeObserver NodeObserver = noopNodeObserver{}

// NoopClientObserver is a zero-cost observer used when metrics are disabled.
var NoopClientObserver ClientObserver = noopClientObserver{}

// AtomicNodeObserver swaps its delegate at runtime.
type AtomicNodeObserver struct {
	once sync.Once
	v    atomic.Value
}

type nodeObserverHolder struct {
	obs NodeObserver
}

// NewAtomicNodeObserver returns an initialized atomic observer.
func NewAtomicNodeObserver() *AtomicNodeObserver {
	a := &AtomicNodeObserver{}
	a.once.Do(func() { a.v.Store(&nodeObserverHolder{obs: NoopNodeObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicNodeObserver) Set(obs NodeObserver) {
	if obs == nil {
		obs = NoopNodeObserver
	}
	a.once.Do(func() { a.v.Store(&nodeObserverHolder{obs: NoopNodeObserver}) })
	a.v.Store(&nodeObserverHolder{obs: obs})
}

func (a *AtomicNodeObserver) load() NodeObserver {
	a.once.Do(func() { a.v.Store(&nodeObserverHolder{obs: NoopNodeObserver}) })
	return a.v.Load().(*nodeObserverHolder).obs
}

func (a *AtomicNodeObserver) Transaction(transport Transport, outcome Outcome, d time.Duration) {
	a.load().Transaction(transport, outcome, d)
}
func (a *AtomicNodeObserver) Forward(result ForwardResult, errno int, d time.Duration) {
	a.load().Forward(result, errno, d)
}
func (a *AtomicNodeObserver) Sessions(transport Transport, n int64) { a.load().Sessions(transport, n) }

// AtomicClientObserver swaps its delegate at runtime.
type AtomicClientObserver struct {
	once sync.Once
	v    atomic.Value
}

type clientObserverHolder struct {
	obs ClientObserver
}

// NewAtomicClientObserver returns an initialized atomic observer.
func NewAtomicClientObserver() *AtomicClientObserver {
	a := &AtomicClientObserver{}
	a.once.Do(func() { a.v.Store(&clientObserverHolder{obs: NoopClientObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicClientObserver) Set(obs ClientObserver) {
	if obs == nil {
		obs = NoopClientObserver
	}
	a.once.Do(func() { a.v.Store(&clientObserverHolder{obs: NoopClientObserver}) })
	a.v.Store(&clientObserverHolder{obs: obs})
}

func (a *AtomicClientObserver) load() ClientObserver {
	a.once.Do(func() { a.v.Store(&clientObserverHolder{obs: NoopClientObserver}) })
	return a.v.Load().(*clientObserverHolder).obs
}

func (a *AtomicClientObserver) Call(op ClientOp, result ClientResult, d time.Duration) {
	a.load().Call(op, result, d)
}
