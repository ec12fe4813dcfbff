package main

import (
	"crypto/tls"
	"log"
	"net/http"
	"time"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 60 * time.Second
	httpMaxHeaderBytes    = 32 << 10

	// writeSlack covers encryption and the response write after a forward.
	writeSlack = 5 * time.Second
)

// newHTTPServer configures conservative HTTP timeouts. The write timeout must
// outlive the slowest forward, so callers pass the forward budget.
// WebSocket connections are hijacked by the upgrader and are not bound by it.
func newHTTPServer(handler http.Handler, forwardBudget time.Duration, errLog *log.Logger) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		WriteTimeout:      forwardBudget + writeSlack,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
		ErrorLog:          errLog,
	}
}

func serverTLSConfig(certFile string, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
