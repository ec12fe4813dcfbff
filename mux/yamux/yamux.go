// Package yamux builds hashicorp/yamux sessions with relay defaults.
package yamux

import (
	"io"
	"log"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

// Config returns the session config used by relay clients and nodes. Session
// logs go to logger at Warn level; a nil logger discards them.
func Config(logger *slog.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.StreamOpenTimeout = 10 * time.Second
	cfg.LogOutput = nil
	if logger != nil {
		cfg.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	} else {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return cfg
}

// NewClient creates a yamux client session; cfg nil means Config(nil).
func NewClient(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = Config(nil)
	}
	return yamux.Client(conn, cfg)
}

// NewServer creates a yamux server session; cfg nil means Config(nil).
func NewServer(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = Config(nil)
	}
	return yamux.Server(conn, cfg)
}
