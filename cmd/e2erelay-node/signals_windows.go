//go:build windows

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

func notifySignals() []os.Signal {
	// Windows does not support Unix-style SIGHUP/SIGUSR* signals.
	return []os.Signal{os.Interrupt}
}

func printSignalHelp(w io.Writer) {
	fmt.Fprintln(w, "Signals:")
	fmt.Fprintln(w, "  CTRL+C: shutdown")
}

// handleSignal returns true if the signal was handled and the node should keep running.
//
// On Windows there are no runtime toggles; any signal triggers shutdown.
func handleSignal(_ os.Signal, _ *slog.Logger, _ func() error, _ *metricsController) bool {
	return false
}
