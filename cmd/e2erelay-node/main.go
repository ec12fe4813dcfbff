package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/floegence/e2erelay/forward"
	"github.com/floegence/e2erelay/internal/cmdutil"
	"github.com/floegence/e2erelay/internal/securefile"
	relayversion "github.com/floegence/e2erelay/internal/version"
	"github.com/floegence/e2erelay/node"
	"github.com/floegence/e2erelay/observability"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	envPrefix = "E2ERELAY_NODE_"
	// secretEnv is shared with the client CLI.
	secretEnv = "E2ERELAY_SHARED_SECRET"

	defaultMaxForwardTimeout = 2 * time.Minute
	shutdownTimeout          = 5 * time.Second
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type options struct {
	listen        string
	muxListen     string
	metricsListen string
	tlsCertFile   string
	tlsKeyFile    string

	secretFile    string
	allowList     string
	allowListFile string
	trustedCAPath string

	maxEnvelopeBytes      int
	maxResponseBytes      int64
	forwardTimeout        time.Duration
	forwardConnectTimeout time.Duration
	maxForwardTimeout     time.Duration

	rateLimit        float64
	rateBurst        int
	rateLimitMaxWait time.Duration

	allowedOrigins stringSliceFlag
	allowNoOrigin  bool
	wsIdleTimeout  time.Duration

	logLevel  string
	logFormat string

	showVersion bool
}

type ready struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Date          string `json:"date"`
	Listen        string `json:"listen"`
	HTTPURL       string `json:"http_url"`
	WSURL         string `json:"ws_url"`
	HealthzURL    string `json:"healthz_url"`
	MuxAddr       string `json:"mux_addr,omitempty"`
	MetricsURL    string `json:"metrics_url,omitempty"`
	AllowListSize int    `json:"allow_list_size"`
	TrustRoots    string `json:"trust_roots"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func versionString() string {
	return relayversion.String(version, commit, date)
}

// parseOptions reads env defaults, then flags. Flag parse errors are printed
// by the FlagSet and returned as an empty UsageError.
func parseOptions(args []string, stderr io.Writer) (*options, error) {
	env := &cmdutil.Env{Prefix: envPrefix}
	o := &options{
		listen:        env.String("LISTEN", "127.0.0.1:8080"),
		muxListen:     env.String("MUX_LISTEN", ""),
		metricsListen: env.String("METRICS_LISTEN", ""),
		tlsCertFile:   env.String("TLS_CERT_FILE", ""),
		tlsKeyFile:    env.String("TLS_KEY_FILE", ""),

		secretFile:    env.String("SHARED_SECRET_FILE", ""),
		allowList:     env.String("ALLOW_LIST", ""),
		allowListFile: env.String("ALLOW_LIST_FILE", ""),
		trustedCAPath: env.String("TRUSTED_CA", ""),

		maxEnvelopeBytes:      env.Int("MAX_ENVELOPE_BYTES", node.DefaultMaxEnvelopeBytes),
		maxResponseBytes:      env.Int64("MAX_RESPONSE_BYTES", forward.DefaultMaxResponseBytes),
		forwardTimeout:        env.Duration("FORWARD_TIMEOUT", forward.DefaultTimeout),
		forwardConnectTimeout: env.Duration("FORWARD_CONNECT_TIMEOUT", forward.DefaultConnectTimeout),
		maxForwardTimeout:     env.Duration("MAX_FORWARD_TIMEOUT", defaultMaxForwardTimeout),

		rateLimit:        env.Float("RATE_LIMIT", 0),
		rateBurst:        env.Int("RATE_BURST", node.DefaultRateBurst),
		rateLimitMaxWait: env.Duration("RATE_LIMIT_MAX_WAIT", node.DefaultRateLimitMaxWait),

		allowedOrigins: stringSliceFlag(env.CSV("ALLOW_ORIGIN")),
		allowNoOrigin:  env.Bool("ALLOW_NO_ORIGIN", true),
		wsIdleTimeout:  env.Duration("WS_IDLE_TIMEOUT", node.DefaultWSIdleTimeout),

		logLevel:  env.String("LOG_LEVEL", "info"),
		logFormat: env.String("LOG_FORMAT", "text"),
	}
	if err := env.Err(); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("e2erelay-node", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: e2erelay-node [flags]\n\nThe shared secret is read from %s or --shared-secret-file.\n\nFlags:\n", secretEnv)
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output())
		printSignalHelp(fs.Output())
	}

	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	fs.StringVar(&o.listen, "listen", o.listen, env.Usage("LISTEN", "HTTP and websocket listen address"))
	fs.StringVar(&o.muxListen, "mux-listen", o.muxListen, env.Usage("MUX_LISTEN", "yamux listen address (empty disables)"))
	fs.StringVar(&o.metricsListen, "metrics-listen", o.metricsListen, env.Usage("METRICS_LISTEN", "listen address for metrics server (empty disables)"))
	fs.StringVar(&o.tlsCertFile, "tls-cert-file", o.tlsCertFile, env.Usage("TLS_CERT_FILE", "enable TLS on all listeners with the given certificate file"))
	fs.StringVar(&o.tlsKeyFile, "tls-key-file", o.tlsKeyFile, env.Usage("TLS_KEY_FILE", "enable TLS on all listeners with the given private key file"))
	fs.StringVar(&o.secretFile, "shared-secret-file", o.secretFile, env.Usage("SHARED_SECRET_FILE", "file holding the shared secret (mode 0600)"))
	fs.StringVar(&o.allowList, "allow-list", o.allowList, env.Usage("ALLOW_LIST", "comma-separated caller IPs (empty with no file admits everyone)"))
	fs.StringVar(&o.allowListFile, "allow-list-file", o.allowListFile, env.Usage("ALLOW_LIST_FILE", "file of caller IPs, one or more per line, # comments; reloaded on SIGHUP"))
	fs.StringVar(&o.trustedCAPath, "trusted-ca", o.trustedCAPath, env.Usage("TRUSTED_CA", "PEM file or directory used as the only trust root for https forwards; default <config dir>/e2erelay/ssl, \"system\" for the platform roots"))
	fs.IntVar(&o.maxEnvelopeBytes, "max-envelope-bytes", o.maxEnvelopeBytes, env.Usage("MAX_ENVELOPE_BYTES", "max encoded request envelope"))
	fs.Int64Var(&o.maxResponseBytes, "max-response-bytes", o.maxResponseBytes, env.Usage("MAX_RESPONSE_BYTES", "max destination response body"))
	fs.DurationVar(&o.forwardTimeout, "forward-timeout", o.forwardTimeout, env.Usage("FORWARD_TIMEOUT", "forward timeout when the request sets none"))
	fs.DurationVar(&o.forwardConnectTimeout, "forward-connect-timeout", o.forwardConnectTimeout, env.Usage("FORWARD_CONNECT_TIMEOUT", "forward connect timeout when the request sets none"))
	fs.DurationVar(&o.maxForwardTimeout, "max-forward-timeout", o.maxForwardTimeout, env.Usage("MAX_FORWARD_TIMEOUT", "upper bound for request-supplied forward timeouts"))
	fs.Float64Var(&o.rateLimit, "rate-limit", o.rateLimit, env.Usage("RATE_LIMIT", "forwards per second per caller IP (0 disables)"))
	fs.IntVar(&o.rateBurst, "rate-burst", o.rateBurst, env.Usage("RATE_BURST", "forward burst per caller IP"))
	fs.DurationVar(&o.rateLimitMaxWait, "rate-limit-max-wait", o.rateLimitMaxWait, env.Usage("RATE_LIMIT_MAX_WAIT", "longest a forward waits for the rate limiter"))
	fs.Var(&o.allowedOrigins, "allow-origin", env.Usage("ALLOW_ORIGIN", "allowed websocket Origin (repeatable): full origin, hostname or *.example.com"))
	fs.BoolVar(&o.allowNoOrigin, "allow-no-origin", o.allowNoOrigin, env.Usage("ALLOW_NO_ORIGIN", "allow websocket upgrades without an Origin header"))
	fs.DurationVar(&o.wsIdleTimeout, "ws-idle-timeout", o.wsIdleTimeout, env.Usage("WS_IDLE_TIMEOUT", "close idle websocket sessions (0 disables)"))
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, env.Usage("LOG_LEVEL", "debug, info, warn or error"))
	fs.StringVar(&o.logFormat, "log-format", o.logFormat, env.Usage("LOG_FORMAT", "text or json"))
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, &cmdutil.UsageError{}
	}
	if o.showVersion {
		return o, nil
	}
	if fs.NArg() > 0 {
		return nil, cmdutil.Usagef("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if (o.tlsCertFile == "") != (o.tlsKeyFile == "") {
		return nil, cmdutil.Usagef("tls requires both --tls-cert-file and --tls-key-file")
	}
	if o.forwardTimeout <= 0 || o.forwardConnectTimeout <= 0 || o.maxForwardTimeout <= 0 {
		return nil, cmdutil.Usagef("forward timeouts must be positive")
	}
	if o.maxEnvelopeBytes <= 0 || o.maxResponseBytes <= 0 {
		return nil, cmdutil.Usagef("size limits must be positive")
	}
	if o.rateLimit < 0 {
		return nil, cmdutil.Usagef("--rate-limit must be >= 0")
	}
	switch o.logFormat {
	case "text", "json":
	default:
		return nil, cmdutil.Usagef("invalid --log-format %q (want text or json)", o.logFormat)
	}
	return o, nil
}

func newLogger(w io.Writer, level string, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, cmdutil.Usagef("invalid --log-level %q", level)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// loadSecret prefers the secret file. The env value is removed from the
// process environment once read.
func loadSecret(file string) ([]byte, error) {
	if file != "" {
		b, err := securefile.ReadSecret(file)
		if err != nil {
			return nil, fmt.Errorf("read shared secret: %w", err)
		}
		return b, nil
	}
	if v, ok := os.LookupEnv(secretEnv); ok && v != "" {
		_ = os.Unsetenv(secretEnv)
		return []byte(v), nil
	}
	return nil, cmdutil.Usagef("missing shared secret: set %s or --shared-secret-file", secretEnv)
}

// loadAllowList merges the inline list with the file's entries. A list whose
// entries are all invalid is an error, so a typo cannot open the node.
func loadAllowList(inline string, file string) (*node.AllowList, []string, error) {
	entries := cmdutil.SplitCSV(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, nil, fmt.Errorf("read allow-list: %w", err)
		}
		for _, line := range strings.Split(string(b), "\n") {
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			entries = append(entries, cmdutil.SplitCSV(strings.ReplaceAll(line, " ", ","))...)
		}
	}
	list, invalid := node.NewAllowList(entries)
	if list.Len() == 0 && len(invalid) > 0 {
		return nil, invalid, fmt.Errorf("allow-list has no valid IP address (invalid entries: %s)", strings.Join(invalid, ", "))
	}
	return list, invalid, nil
}

type daemon struct {
	node    *node.Node
	logger  *slog.Logger
	metrics *metricsController

	srv        *http.Server
	metricsSrv *http.Server
	muxCancel  context.CancelFunc
	muxDone    chan struct{}

	errc  chan error
	ready ready

	reloadAllowList func() error
}

func start(o *options, secret []byte, logger *slog.Logger) (*daemon, error) {
	allow, invalid, err := loadAllowList(o.allowList, o.allowListFile)
	if err != nil {
		return nil, err
	}
	if len(invalid) > 0 {
		logger.Warn("ignored invalid allow-list entries", "entries", invalid)
	}

	trustPath, err := resolveTrustRoots(o.trustedCAPath, logger)
	if err != nil {
		return nil, fmt.Errorf("trust roots: %w", err)
	}

	var tlsCfg *tls.Config
	if o.tlsCertFile != "" {
		if tlsCfg, err = serverTLSConfig(o.tlsCertFile, o.tlsKeyFile); err != nil {
			return nil, fmt.Errorf("load tls certificate: %w", err)
		}
	}

	observer := observability.NewAtomicNodeObserver()
	cfg := node.DefaultConfig(secret)
	cfg.AllowList = allow
	cfg.ForwardOptions = forward.Options{
		TrustedCAPath:         trustPath,
		DefaultTimeout:        o.forwardTimeout,
		DefaultConnectTimeout: o.forwardConnectTimeout,
		MaxTimeout:            o.maxForwardTimeout,
		MaxResponseBytes:      o.maxResponseBytes,
	}
	cfg.MaxEnvelopeBytes = o.maxEnvelopeBytes
	cfg.RateLimit = o.rateLimit
	cfg.RateBurst = o.rateBurst
	cfg.RateLimitMaxWait = o.rateLimitMaxWait
	cfg.AllowedOrigins = o.allowedOrigins
	cfg.AllowNoOrigin = o.allowNoOrigin
	cfg.WSIdleTimeout = o.wsIdleTimeout
	cfg.Observer = observer
	cfg.Logger = logger
	n, err := node.New(cfg)
	if err != nil {
		return nil, err
	}

	d := &daemon{node: n, logger: logger, errc: make(chan error, 3)}
	d.reloadAllowList = func() error {
		list, invalid, err := loadAllowList(o.allowList, o.allowListFile)
		if err != nil {
			return err
		}
		n.SetAllowList(list)
		logger.Info("reloaded allow-list", "entries", list.Len(), "invalid", invalid)
		return nil
	}
	errLog := slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	httpScheme, wsScheme := "http", "ws"
	if tlsCfg != nil {
		httpScheme, wsScheme = "https", "wss"
	}

	if o.metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		d.metrics = newMetricsController(metricsHandler, observer, n)
		d.metrics.Enable()

		mln, err := listen(o.metricsListen, tlsCfg)
		if err != nil {
			d.close()
			return nil, err
		}
		d.metricsSrv = newHTTPServer(metricsMux, 0, errLog)
		go d.serveHTTP(d.metricsSrv, mln)
		d.ready.MetricsURL = httpScheme + "://" + mln.Addr().String() + "/metrics"
	}

	ln, err := listen(o.listen, tlsCfg)
	if err != nil {
		d.close()
		return nil, err
	}
	d.srv = newHTTPServer(n.Router(), o.maxForwardTimeout, errLog)
	go d.serveHTTP(d.srv, ln)

	if o.muxListen != "" {
		muxLn, err := listen(o.muxListen, tlsCfg)
		if err != nil {
			d.close()
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		d.muxCancel = cancel
		d.muxDone = make(chan struct{})
		go func() {
			defer close(d.muxDone)
			if err := n.ServeMux(ctx, muxLn); err != nil {
				d.errc <- fmt.Errorf("mux listener: %w", err)
			}
		}()
		d.ready.MuxAddr = muxLn.Addr().String()
	}

	addr := ln.Addr().String()
	d.ready.Version = version
	d.ready.Commit = commit
	d.ready.Date = date
	d.ready.Listen = addr
	d.ready.HTTPURL = httpScheme + "://" + addr
	d.ready.WSURL = wsScheme + "://" + addr + "/ws"
	d.ready.HealthzURL = httpScheme + "://" + addr + "/healthz"
	d.ready.AllowListSize = allow.Len()
	d.ready.TrustRoots = trustLabel(trustPath)
	return d, nil
}

func listen(addr string, tlsCfg *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		return tls.NewListener(ln, tlsCfg), nil
	}
	return ln, nil
}

func (d *daemon) serveHTTP(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.errc <- err
	}
}

// shutdown drains listeners, then releases the node.
func (d *daemon) shutdown(ctx context.Context) {
	if d.srv != nil {
		_ = d.srv.Shutdown(ctx)
	}
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Shutdown(ctx)
	}
	if d.muxCancel != nil {
		d.muxCancel()
		select {
		case <-d.muxDone:
		case <-ctx.Done():
		}
	}
	_ = d.node.Close()
}

func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.shutdown(ctx)
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	o, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		return cmdutil.ExitCode(err)
	}
	if o.showVersion {
		_, _ = fmt.Fprintln(stdout, versionString())
		return 0
	}

	logger, err := newLogger(stderr, o.logLevel, o.logFormat)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return cmdutil.ExitCode(err)
	}
	secret, err := loadSecret(o.secretFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return cmdutil.ExitCode(err)
	}

	d, err := start(o, secret, logger)
	clear(secret)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	_ = cmdutil.WriteJSON(stdout, d.ready, false)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)
	defer signal.Stop(sig)

	code := 0
loop:
	for {
		select {
		case s := <-sig:
			if handleSignal(s, logger, d.reloadAllowList, d.metrics) {
				continue
			}
			logger.Info("shutting down", "signal", s.String())
			break loop
		case err := <-d.errc:
			logger.Error("server failed", "err", err)
			code = 1
			break loop
		}
	}
	d.close()
	return code
}
