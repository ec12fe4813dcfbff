package node

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/e2erelay/crypto/envelope"
	"github.com/floegence/e2erelay/forward"
	"github.com/floegence/e2erelay/observability"
	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/protocol"
	"github.com/floegence/e2erelay/relayerrors"
)

const testSecret = "correct horse battery staple"

type countingForwarder struct {
	calls atomic.Int64
	fn    func(ctx context.Context, req payload.ForwardRequest) (*forward.Result, error)
}

func (f *countingForwarder) Forward(ctx context.Context, req payload.ForwardRequest) (*forward.Result, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return okResult(), nil
	}
	return f.fn(ctx, req)
}

func okResult() *forward.Result {
	h := forward.NewHeaderCollector()
	h.Add("X-Upstream", "yes")
	return &forward.Result{StatusCode: 200, ContentType: "text/plain", Headers: h, Body: []byte("ok")}
}

func newTestNode(t *testing.T, fwd forward.Forwarder, mutate func(*Config)) *Node {
	t.Helper()
	cfg := DefaultConfig([]byte(testSecret))
	cfg.Forwarder = fwd
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func seal(t *testing.T, secret string, p payload.Payload) []byte {
	t.Helper()
	c, err := envelope.New([]byte(secret))
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	env, err := c.Encrypt(p)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return protocol.EncodeEnvelope(env)
}

func open(t *testing.T, secret string, body []byte) payload.Payload {
	t.Helper()
	c, err := envelope.New([]byte(secret))
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	raw, err := protocol.DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	p, err := c.Decrypt(raw)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	return p
}

func inbound(remote string, body []byte) Inbound {
	return Inbound{Transport: observability.TransportHTTP, RemoteAddr: remote, Body: body}
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New(Config{Forwarder: &countingForwarder{}}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestHandle_AllowListRejectsBeforeDecrypt(t *testing.T) {
	fwd := &countingForwarder{}
	list, _ := ParseAllowList("10.0.0.1")
	n := newTestNode(t, fwd, func(c *Config) { c.AllowList = list })

	// The body is not a valid envelope; a 451 would mean it was opened.
	out := n.Handle(context.Background(), inbound("10.0.0.2:5555", []byte("not-an-envelope")))
	if out.Status != protocol.StatusNotWhitelisted {
		t.Fatalf("status = %d, want 403", out.Status)
	}
	if len(out.Body) != 0 || fwd.calls.Load() != 0 {
		t.Fatalf("unexpected body %q or forwards %d", out.Body, fwd.calls.Load())
	}

	out = n.Handle(context.Background(), inbound("10.0.0.1:5555", seal(t, testSecret, payload.NewHandshake())))
	if out.Status != protocol.StatusHandshake {
		t.Fatalf("whitelisted caller status = %d, want 202", out.Status)
	}
}

func TestHandle_LivenessProbe(t *testing.T) {
	list, _ := ParseAllowList("127.0.0.1")
	for _, secret := range []string{testSecret, "some other secret"} {
		n := newTestNode(t, &countingForwarder{}, func(c *Config) {
			c.SharedSecret = []byte(secret)
			c.AllowList = list
		})
		if out := n.Handle(context.Background(), inbound("127.0.0.1:1", nil)); out.Status != protocol.StatusLiveness {
			t.Fatalf("bodyless call status = %d, want 204", out.Status)
		}
		probe := Inbound{Transport: observability.TransportHTTP, RemoteAddr: "127.0.0.1:1", Body: []byte("junk"), Probe: true}
		if out := n.Handle(context.Background(), probe); out.Status != protocol.StatusLiveness {
			t.Fatalf("probe status = %d, want 204", out.Status)
		}
	}
}

func TestHandle_HandshakeNeverForwards(t *testing.T) {
	fwd := &countingForwarder{}
	n := newTestNode(t, fwd, nil)
	for _, m := range []string{"handshake", "HANDSHAKE", "HandShake"} {
		req := payload.NewForwardRequest(m, "https://example.test/")
		out := n.Handle(context.Background(), inbound("127.0.0.1:1", seal(t, testSecret, req)))
		if out.Status != protocol.StatusHandshake {
			t.Fatalf("%s: status = %d, want 202", m, out.Status)
		}
	}
	if got := fwd.calls.Load(); got != 0 {
		t.Fatalf("forwarder called %d times", got)
	}
}

func TestHandle_Validation(t *testing.T) {
	cases := []struct {
		name   string
		method string
		url    string
		body   string
	}{
		{"patch", "patch", "https://example.test/", "1001\tInvalid HTTP method"},
		{"trace", "TRACE", "https://example.test/", "1001\tInvalid HTTP method"},
		{"empty method", "", "https://example.test/", "1001\tInvalid HTTP method"},
		{"empty url", "get", "", "1002\tInvalid destination URL"},
		{"blank url", "get", "   ", "1002\tInvalid destination URL"},
		{"no host", "post", "https://", "1002\tInvalid destination URL"},
		{"relative", "get", "/just/a/path", "1002\tInvalid destination URL"},
		{"bad escape", "get", "http://example.test/%zz", "1002\tInvalid destination URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fwd := &countingForwarder{}
			n := newTestNode(t, fwd, nil)
			req := payload.NewForwardRequest(tc.method, tc.url)
			out := n.Handle(context.Background(), inbound("127.0.0.1:1", seal(t, testSecret, req)))
			if out.Status != protocol.StatusValidationFailed {
				t.Fatalf("status = %d, want 452", out.Status)
			}
			if string(out.Body) != tc.body {
				t.Fatalf("body = %q, want %q", out.Body, tc.body)
			}
			if fwd.calls.Load() != 0 {
				t.Fatal("invalid request was forwarded")
			}
		})
	}
}

func TestHandle_DecryptFailures(t *testing.T) {
	n := newTestNode(t, &countingForwarder{}, func(c *Config) { c.MaxEnvelopeBytes = 4096 })
	cases := []struct {
		name string
		body []byte
		want string
	}{
		{"not base64", []byte("@@@@"), envelope.ReasonMalformed},
		{"short", protocol.EncodeEnvelope([]byte("short")), envelope.ReasonMalformed},
		{"wrong secret", seal(t, "wrong secret", payload.NewHandshake()), envelope.ReasonDecrypt},
		{"response record", seal(t, testSecret, payload.NewForwardResponse(200, "", nil, nil)), ReasonUnexpectedPayload},
		{"too large", bytes.Repeat([]byte("A"), 4097), ReasonEnvelopeTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := n.Handle(context.Background(), inbound("127.0.0.1:1", tc.body))
			if out.Status != protocol.StatusDecryptFailed {
				t.Fatalf("status = %d, want 451", out.Status)
			}
			if string(out.Body) != tc.want {
				t.Fatalf("body = %q, want %q", out.Body, tc.want)
			}
		})
	}
}

func TestHandle_TransportFailure(t *testing.T) {
	fwd := &countingForwarder{fn: func(context.Context, payload.ForwardRequest) (*forward.Result, error) {
		return nil, &relayerrors.TransportError{
			Stage: relayerrors.StageForward,
			Errno: relayerrors.ErrnoCouldNotConnect,
			Err:   errors.New("connection refused\tby peer"),
		}
	}}
	n := newTestNode(t, fwd, nil)
	req := payload.NewForwardRequest("get", "http://127.0.0.1:1/")
	out := n.Handle(context.Background(), inbound("127.0.0.1:1", seal(t, testSecret, req)))
	if out.Status != protocol.StatusTransportFailed {
		t.Fatalf("status = %d, want 453", out.Status)
	}
	if string(out.Body) != "7\tconnection refused by peer" {
		t.Fatalf("body = %q", out.Body)
	}
}

func TestHandle_UnclassifiedForwardError(t *testing.T) {
	fwd := &countingForwarder{fn: func(context.Context, payload.ForwardRequest) (*forward.Result, error) {
		return nil, errors.New("boom")
	}}
	n := newTestNode(t, fwd, nil)
	out := n.Handle(context.Background(), inbound("127.0.0.1:1", seal(t, testSecret, payload.NewForwardRequest("get", "http://x.test/"))))
	code, msg, err := protocol.ParseDetail(out.Body)
	if out.Status != protocol.StatusTransportFailed || err != nil {
		t.Fatalf("unexpected outcome: %d %q %v", out.Status, out.Body, err)
	}
	if code != relayerrors.ErrnoRecvError || msg != "boom" {
		t.Fatalf("unexpected detail: %d %q", code, msg)
	}
}

type failingRand struct{}

func (failingRand) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestHandle_EncryptFailure(t *testing.T) {
	c, err := envelope.New([]byte(testSecret), envelope.WithRand(failingRand{}))
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	fwd := &countingForwarder{}
	n := newTestNode(t, fwd, func(cfg *Config) { cfg.Cipher = c })
	out := n.Handle(context.Background(), inbound("127.0.0.1:1", seal(t, testSecret, payload.NewForwardRequest("get", "https://example.test/"))))
	if out.Status != protocol.StatusEncryptFailed {
		t.Fatalf("status = %d, want 454", out.Status)
	}
	if string(out.Body) != envelope.ReasonRandom {
		t.Fatalf("body = %q", out.Body)
	}
	if fwd.calls.Load() != 1 {
		t.Fatalf("expected one forward, got %d", fwd.calls.Load())
	}
}

func TestHandle_Success(t *testing.T) {
	var got payload.ForwardRequest
	fwd := &countingForwarder{fn: func(_ context.Context, req payload.ForwardRequest) (*forward.Result, error) {
		got = req
		return okResult(), nil
	}}
	list, _ := ParseAllowList("127.0.0.1")
	n := newTestNode(t, fwd, func(c *Config) { c.AllowList = list })
	req := payload.NewForwardRequest("GET", "https://example.test/", payload.WithHeader("Accept", "text/plain"))
	out := n.Handle(context.Background(), inbound("127.0.0.1:40000", seal(t, testSecret, req)))
	if out.Status != protocol.StatusSuccess {
		t.Fatalf("status = %d body=%q", out.Status, out.Body)
	}
	if !got.Equal(req) {
		t.Fatalf("forwarded request differs: %+v", got)
	}
	if h := out.Header(); h[protocol.HeaderForwardedStatus] != "200" {
		t.Fatalf("forwarded status header = %v", h)
	}
	resp, ok := open(t, testSecret, out.Body).(payload.ForwardResponse)
	if !ok {
		t.Fatal("expected a ForwardResponse")
	}
	if resp.StatusCode() != 200 || string(resp.Body()) != "ok" || resp.ContentType() != "text/plain" {
		t.Fatalf("unexpected response: %d %q %q", resp.StatusCode(), resp.Body(), resp.ContentType())
	}
	if v, _ := resp.Header("x-upstream"); v != "yes" {
		t.Fatalf("header not carried: %v", resp.Headers())
	}
}

func TestHandle_RateLimit(t *testing.T) {
	fwd := &countingForwarder{}
	n := newTestNode(t, fwd, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
		c.RateLimitMaxWait = 20 * time.Millisecond
	})
	body := seal(t, testSecret, payload.NewForwardRequest("get", "https://example.test/"))

	if out := n.Handle(context.Background(), inbound("10.1.1.1:1", body)); out.Status != protocol.StatusSuccess {
		t.Fatalf("first forward status = %d", out.Status)
	}
	out := n.Handle(context.Background(), inbound("10.1.1.1:2", body))
	if out.Status != protocol.StatusTransportFailed || !strings.HasPrefix(string(out.Body), "28\t") {
		t.Fatalf("throttled outcome: %d %q", out.Status, out.Body)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out = n.Handle(ctx, inbound("10.1.1.1:3", body))
	if out.Status != protocol.StatusTransportFailed || !strings.HasPrefix(string(out.Body), "42\t") {
		t.Fatalf("canceled outcome: %d %q", out.Status, out.Body)
	}

	// Buckets are per client address.
	if out := n.Handle(context.Background(), inbound("10.1.1.2:1", body)); out.Status != protocol.StatusSuccess {
		t.Fatalf("other client status = %d", out.Status)
	}
	if fwd.calls.Load() != 2 {
		t.Fatalf("forwards = %d, want 2", fwd.calls.Load())
	}
	if n.limiter.Len() != 2 {
		t.Fatalf("limiter buckets = %d, want 2", n.limiter.Len())
	}
}

func TestSetAllowList(t *testing.T) {
	n := newTestNode(t, &countingForwarder{}, nil)
	if out := n.Handle(context.Background(), inbound("10.0.0.9:1", nil)); out.Status != protocol.StatusLiveness {
		t.Fatalf("open node status = %d", out.Status)
	}
	list, _ := ParseAllowList("10.0.0.1")
	n.SetAllowList(list)
	if out := n.Handle(context.Background(), inbound("10.0.0.9:1", nil)); out.Status != protocol.StatusNotWhitelisted {
		t.Fatalf("restricted node status = %d", out.Status)
	}
	n.SetAllowList(nil)
	if out := n.Handle(context.Background(), inbound("10.0.0.9:1", nil)); out.Status != protocol.StatusLiveness {
		t.Fatalf("reopened node status = %d", out.Status)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []observability.Outcome
	forwards []observability.ForwardResult
}

func (r *recordingObserver) Transaction(_ observability.Transport, o observability.Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) Forward(res observability.ForwardResult, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwards = append(r.forwards, res)
}

func (r *recordingObserver) Sessions(observability.Transport, int64) {}

func TestHandle_ObserverAndLog(t *testing.T) {
	obs := &recordingObserver{}
	var logs bytes.Buffer
	n := newTestNode(t, &countingForwarder{}, func(c *Config) {
		c.Observer = obs
		c.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})
	_ = n.Handle(context.Background(), inbound("127.0.0.1:1", nil))
	_ = n.Handle(context.Background(), inbound("127.0.0.1:1", seal(t, testSecret, payload.NewForwardRequest("get", "https://example.test/"))))
	_ = n.Handle(context.Background(), inbound("127.0.0.1:1", seal(t, testSecret, payload.NewForwardRequest("patch", "https://example.test/"))))

	want := []observability.Outcome{observability.OutcomeLiveness, observability.OutcomeSuccess, observability.OutcomeValidationFailed}
	if len(obs.outcomes) != len(want) {
		t.Fatalf("outcomes = %v", obs.outcomes)
	}
	for i := range want {
		if obs.outcomes[i] != want[i] {
			t.Fatalf("outcome[%d] = %s, want %s", i, obs.outcomes[i], want[i])
		}
	}
	if len(obs.forwards) != 2 || obs.forwards[0] != observability.ForwardResultOK || obs.forwards[1] != observability.ForwardResultInvalid {
		t.Fatalf("forwards = %v", obs.forwards)
	}

	out := logs.String()
	if strings.Count(out, "request_id=") != 3 || !strings.Contains(out, "forwarded_status=200") {
		t.Fatalf("unexpected log output:\n%s", out)
	}
	if strings.Contains(out, testSecret) {
		t.Fatal("secret leaked into logs")
	}
}

func TestOutcomeResponse(t *testing.T) {
	o := Outcome{Status: protocol.StatusSuccess, Body: []byte("x"), ForwardedStatus: 404}
	r := o.Response()
	if code, ok := r.ForwardedStatus(); !ok || code != 404 {
		t.Fatalf("forwarded status = %d %v", code, ok)
	}
	if (Outcome{Status: protocol.StatusTransportFailed, ForwardedStatus: 404}).Header() != nil {
		t.Fatal("header must only accompany 250")
	}
}
