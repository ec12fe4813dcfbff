package forward

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/relayerrors"
)

func newTestForwarder(t *testing.T, opts Options) *HTTPForwarder {
	t.Helper()
	f, err := NewHTTPForwarder(opts)
	if err != nil {
		t.Fatalf("NewHTTPForwarder: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func expectErrno(t *testing.T, err error, want int) {
	t.Helper()
	var te *relayerrors.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T (%v)", err, err)
	}
	if te.Errno != want {
		t.Fatalf("expected errno %d, got %d (%v)", want, te.Errno, err)
	}
}

func TestForward_GET(t *testing.T) {
	type seen struct {
		method string
		ua     string
		accept string
		body   string
	}
	seenCh := make(chan seen, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenCh <- seen{method: r.Method, ua: r.UserAgent(), accept: r.Header.Get("Accept"), body: string(b)}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Add("X-Multi", "first")
		w.Header().Add("X-Multi", "second")
		_, _ = io.WriteString(w, "ok")
	}))
	defer up.Close()

	f := newTestForwarder(t, Options{UserAgent: "relay-test/1"})
	res, err := f.Forward(context.Background(), payload.NewForwardRequest("get", up.URL+"/x",
		payload.WithHeader("Accept", "text/plain"),
		payload.WithBody([]byte("ignored for GET")),
	))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	s := <-seenCh
	if s.method != http.MethodGet || s.ua != "relay-test/1" || s.accept != "text/plain" || s.body != "" {
		t.Fatalf("unexpected destination view: %+v", s)
	}
	if res.StatusCode != 200 || res.ContentType != "text/plain" || string(res.Body) != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if v, ok := res.Headers.Get("x-multi"); !ok || v != "second" {
		t.Fatalf("expected last header value to win, got %q", v)
	}
	resp := res.Response()
	if v, ok := resp.Header("content-type"); !ok || v != "text/plain" {
		t.Fatalf("expected lowercase content-type in response record, got %q", v)
	}
}

func TestForward_POSTBodyAndUserAgentOverride(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-UA", r.UserAgent())
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(b)
	}))
	defer up.Close()

	f := newTestForwarder(t, Options{})
	res, err := f.Forward(context.Background(), payload.NewForwardRequest("post", up.URL,
		payload.WithBody([]byte(`{"a":1}`)),
		payload.WithUserAgent("custom/2"),
		payload.WithHeader("Connection", "close"),
		payload.WithHeader("X-Bad", "a\r\nInjected: 1"),
	))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.StatusCode != http.StatusCreated || string(res.Body) != `{"a":1}` {
		t.Fatalf("unexpected result: %d %q", res.StatusCode, res.Body)
	}
	if v, _ := res.Headers.Get("x-method"); v != "POST" {
		t.Fatalf("expected uppercase method, got %q", v)
	}
	if v, _ := res.Headers.Get("x-ua"); v != "custom/2" {
		t.Fatalf("expected UA override, got %q", v)
	}
}

func TestForward_DefaultUserAgent(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.UserAgent())
	}))
	defer up.Close()

	res, err := newTestForwarder(t, Options{}).Forward(context.Background(), payload.NewForwardRequest("get", up.URL))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !strings.HasPrefix(string(res.Body), "E2E-Encrypted-Relay/") {
		t.Fatalf("unexpected default user agent %q", res.Body)
	}
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer up.Close()

	res, err := newTestForwarder(t, Options{}).Forward(context.Background(), payload.NewForwardRequest("get", up.URL))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.StatusCode != http.StatusFound || hits.Load() != 1 {
		t.Fatalf("expected relayed 302 without follow, got %d after %d hits", res.StatusCode, hits.Load())
	}
	if v, _ := res.Headers.Get("location"); v != "/elsewhere" {
		t.Fatalf("unexpected location %q", v)
	}
}

func TestForward_ResponseTooLarge(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("chunked") != "" {
			w.(http.Flusher).Flush()
		}
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer up.Close()

	f := newTestForwarder(t, Options{MaxResponseBytes: 4})
	_, err := f.Forward(context.Background(), payload.NewForwardRequest("get", up.URL))
	expectErrno(t, err, relayerrors.ErrnoFileSizeExceeded)
	_, err = f.Forward(context.Background(), payload.NewForwardRequest("get", up.URL+"?chunked=1"))
	expectErrno(t, err, relayerrors.ErrnoFileSizeExceeded)
}

func TestForward_Timeout(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer up.Close()

	f := newTestForwarder(t, Options{DefaultTimeout: 50 * time.Millisecond})
	_, err := f.Forward(context.Background(), payload.NewForwardRequest("get", up.URL, payload.WithTimeout(0)))
	expectErrno(t, err, relayerrors.ErrnoOperationTimedOut)
}

func TestForward_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = newTestForwarder(t, Options{}).Forward(context.Background(), payload.NewForwardRequest("get", "http://"+addr+"/"))
	expectErrno(t, err, relayerrors.ErrnoCouldNotConnect)
}

func TestForward_UnsupportedScheme(t *testing.T) {
	_, err := newTestForwarder(t, Options{}).Forward(context.Background(), payload.NewForwardRequest("get", "ftp://127.0.0.1/file"))
	expectErrno(t, err, relayerrors.ErrnoUnsupportedProtocol)
}

func TestForward_ValidationErrors(t *testing.T) {
	f := newTestForwarder(t, Options{})
	if _, err := f.Forward(context.Background(), payload.NewForwardRequest("patch", "http://a.test")); !errors.Is(err, relayerrors.ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
	for _, u := range []string{"", "   ", "http://[::1"} {
		if _, err := f.Forward(context.Background(), payload.NewForwardRequest("get", u)); !errors.Is(err, relayerrors.ErrInvalidURL) {
			t.Fatalf("expected ErrInvalidURL for %q, got %v", u, err)
		}
	}
}

func TestCompileOptions_RejectsNegativeLimits(t *testing.T) {
	for _, opts := range []Options{
		{DefaultTimeout: -1},
		{DefaultConnectTimeout: -1},
		{MaxTimeout: -1},
		{MaxResponseBytes: -1},
		{TrustedCAPath: filepath.Join(t.TempDir(), "missing.pem")},
	} {
		if _, err := NewHTTPForwarder(opts); err == nil {
			t.Fatalf("expected error for %+v", opts)
		}
	}
	cfg, err := compileOptions(Options{})
	if err != nil {
		t.Fatalf("compileOptions: %v", err)
	}
	if cfg.timeoutFor(-5) != DefaultTimeout || cfg.connectTimeoutFor(0) != DefaultConnectTimeout || cfg.timeoutFor(3) != 3*time.Second {
		t.Fatalf("unexpected timeout resolution")
	}

	clamped, err := compileOptions(Options{MaxTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("compileOptions: %v", err)
	}
	if got := clamped.timeoutFor(600); got != 30*time.Second {
		t.Fatalf("timeoutFor(600) = %v, want 30s", got)
	}
	if got := clamped.connectTimeoutFor(45); got != 30*time.Second {
		t.Fatalf("connectTimeoutFor(45) = %v, want 30s", got)
	}
	if got := clamped.timeoutFor(5); got != 5*time.Second {
		t.Fatalf("timeoutFor(5) = %v, want 5s", got)
	}
}

func writeCertPEM(t *testing.T, dir string, name string, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(dir, name)
	b := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return path
}

func TestForward_TLSPolicy(t *testing.T) {
	up := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer up.Close()
	_, port, _ := net.SplitHostPort(strings.TrimPrefix(up.URL, "https://"))
	ipURL := up.URL
	nameURL := "https://localhost:" + port // not in the test certificate's SANs

	caFile := writeCertPEM(t, t.TempDir(), "ca.pem", up)
	trusted := newTestForwarder(t, Options{TrustedCAPath: caFile})
	system := newTestForwarder(t, Options{})

	cases := []struct {
		name      string
		f         *HTTPForwarder
		url       string
		peer      bool
		host      bool
		wantErrno int
	}{
		{"trusted bundle", trusted, ipURL, true, true, 0},
		{"system roots reject test CA", system, ipURL, true, true, relayerrors.ErrnoPeerFailedVerification},
		{"no verification", system, nameURL, false, false, 0},
		{"peer only ignores host", trusted, nameURL, true, false, 0},
		{"peer only still checks chain", system, ipURL, true, false, relayerrors.ErrnoPeerFailedVerification},
		{"host only ignores chain", system, ipURL, false, true, 0},
		{"host only checks name", system, nameURL, false, true, relayerrors.ErrnoPeerFailedVerification},
		{"both checks name", trusted, nameURL, true, true, relayerrors.ErrnoPeerFailedVerification},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.f.Forward(context.Background(), payload.NewForwardRequest("get", tc.url, payload.WithTLSVerify(tc.peer, tc.host)))
			if tc.wantErrno != 0 {
				expectErrno(t, err, tc.wantErrno)
				return
			}
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			if string(res.Body) != "secure" {
				t.Fatalf("unexpected body %q", res.Body)
			}
		})
	}
}

func TestClientFor_HostOnlyClientsAreBounded(t *testing.T) {
	f := newTestForwarder(t, Options{})
	hostOnly := payload.NewForwardRequest("get", "https://dest.test/", payload.WithTLSVerify(false, true))

	first, cached := f.clientFor(hostOnly, "h0.test")
	if !cached {
		t.Fatal("first host-only client must be cached")
	}
	if again, _ := f.clientFor(hostOnly, "h0.test"); again != first {
		t.Fatal("same host must reuse its client")
	}
	for i := 1; i < maxHostClients+10; i++ {
		_, cached := f.clientFor(hostOnly, fmt.Sprintf("h%d.test", i))
		if want := i < maxHostClients; cached != want {
			t.Fatalf("host %d: cached = %v, want %v", i, cached, want)
		}
	}
	if got := f.hostClients.ItemCount(); got != maxHostClients {
		t.Fatalf("cached host clients = %d, want %d", got, maxHostClients)
	}
	if len(f.clients) != 0 {
		t.Fatalf("host-only clients leaked into the policy map: %d", len(f.clients))
	}

	verified := payload.NewForwardRequest("get", "https://dest.test/")
	a, _ := f.clientFor(verified, "a.test")
	b, _ := f.clientFor(verified, "b.test")
	if a != b || len(f.clients) != 1 {
		t.Fatalf("verified forwards must share one client per policy (clients=%d)", len(f.clients))
	}

	_ = f.Close()
	if got := f.hostClients.ItemCount(); got != 0 {
		t.Fatalf("Close left %d host clients", got)
	}
}

func TestForward_HTTPVersionHint(t *testing.T) {
	up := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Proto)
	}))
	up.EnableHTTP2 = true
	up.StartTLS()
	defer up.Close()

	f := newTestForwarder(t, Options{})
	cases := []struct {
		version payload.HTTPVersion
		want    string
	}{
		{payload.HTTPVersionNone, "HTTP/2.0"},
		{payload.HTTPVersion2, "HTTP/2.0"},
		{payload.HTTPVersion1_1, "HTTP/1.1"},
		{payload.HTTPVersion1_0, "HTTP/1.1"},
	}
	for _, tc := range cases {
		res, err := f.Forward(context.Background(), payload.NewForwardRequest("get", up.URL,
			payload.WithTLSVerify(false, false),
			payload.WithHTTPVersion(tc.version),
		))
		if err != nil {
			t.Fatalf("Forward(%d): %v", tc.version, err)
		}
		if string(res.Body) != tc.want {
			t.Fatalf("version %d: expected %s, got %s", tc.version, tc.want, res.Body)
		}
	}
}

func TestLoadTrustBundle_Directory(t *testing.T) {
	up := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer up.Close()

	dir := t.TempDir()
	if _, err := LoadTrustBundle(dir); !errors.Is(err, ErrNoCertificates) {
		t.Fatalf("expected ErrNoCertificates for empty dir, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeCertPEM(t, dir, "root.crt", up)
	if _, err := LoadTrustBundle(dir); err != nil {
		t.Fatalf("LoadTrustBundle: %v", err)
	}
}
