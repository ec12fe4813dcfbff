package version

import (
	"runtime/debug"
	"strings"
)

// Product is the software name used in user agents.
const Product = "E2E-Encrypted-Relay"

// ProjectURL identifies the project in user agents.
const ProjectURL = "https://github.com/floegence/e2erelay"

// Version, Commit and Date are injected via -ldflags at release time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// UserAgent returns "E2E-Encrypted-Relay/<version> (+<project url>)".
//
// The version is resolved the same way as String, without VCS metadata.
func UserAgent() string {
	return Product + "/" + resolveVersion(Version) + " (+" + ProjectURL + ")"
}

func resolveVersion(version string) string {
	v := strings.TrimSpace(version)
	if v == "" || v == "dev" || v == "(devel)" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		v = "dev"
	}
	return v
}

// String formats a human-friendly version line for CLI tools.
//
// It prefers the provided version/commit/date values (usually injected via -ldflags),
// and falls back to Go module build info when those are unset or default placeholders.
func String(version string, commit string, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	v = resolveVersion(v)
	if info, ok := debug.ReadBuildInfo(); ok {
		// Best-effort VCS metadata when -ldflags were not provided.
		if c == "" || c == "unknown" {
			if rev := buildSetting(info, "vcs.revision"); rev != "" {
				c = rev
			}
		}
		if d == "" || d == "unknown" {
			if t := buildSetting(info, "vcs.time"); t != "" {
				d = t
			}
		}
	}

	out := v
	if c != "" && c != "unknown" {
		out += " (" + c + ")"
	}
	if d != "" && d != "unknown" {
		out += " " + d
	}
	return out
}

func buildSetting(info *debug.BuildInfo, key string) string {
	if info == nil {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
