package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// trustSystem selects the platform roots for https forwards.
const trustSystem = "system"

// defaultTrustDir is the node-local bundle directory used when --trusted-ca
// is not set: <user config dir>/e2erelay/ssl.
func defaultTrustDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "e2erelay", "ssl")
}

// resolveTrustRoots maps --trusted-ca to forward.Options.TrustedCAPath. An
// explicit path must exist; the default directory is used when present and
// otherwise the node falls back to the platform roots with a warning.
func resolveTrustRoots(flagValue string, logger *slog.Logger) (string, error) {
	switch flagValue {
	case trustSystem:
		return "", nil
	case "":
		dir := defaultTrustDir()
		if dir == "" {
			logger.Warn("no node-local trust bundle; https forwards use the system roots")
			return "", nil
		}
		if _, err := os.Stat(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return "", err
			}
			logger.Warn("no node-local trust bundle; https forwards use the system roots", "dir", dir)
			return "", nil
		}
		return dir, nil
	default:
		return flagValue, nil
	}
}

// trustLabel names the roots in the ready line.
func trustLabel(path string) string {
	if path == "" {
		return trustSystem
	}
	return path
}
