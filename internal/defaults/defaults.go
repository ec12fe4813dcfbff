// Package defaults holds timeouts shared by relay clients and nodes.
package defaults

import "time"

const (
	// CallTimeout bounds one outer call from a client to a node.
	CallTimeout = 10 * time.Second
	// ConnectTimeout bounds connecting to a node.
	ConnectTimeout = 10 * time.Second
	// SessionIdleTimeout is how long a node keeps an idle websocket session.
	SessionIdleTimeout = 120 * time.Second
)

const minReuseWindow = 500 * time.Millisecond

// ReuseWindow returns how long a client may keep reusing an idle persistent
// connection to a node that drops sessions after idle.
//
// It uses idle / 2, clamps to a small minimum, and guarantees the result is
// strictly less than idle. A non-positive idle means the node never drops
// sessions and yields 0 (no limit).
func ReuseWindow(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	window := idle / 2
	if window < minReuseWindow {
		window = minReuseWindow
	}
	if window >= idle {
		window = idle / 2
	}
	return window
}
