package cmdutil

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env reads flag defaults from environment variables sharing a prefix.
//
// Parse failures do not stop the caller; they are collected and reported
// together by Err so every bad variable shows up in one run.
type Env struct {
	Prefix string

	errs []error
}

// Key returns the full variable name for name.
func (e *Env) Key(name string) string { return e.Prefix + name }

// Usage appends the variable name to a flag description.
func (e *Env) Usage(name string, text string) string {
	return fmt.Sprintf("%s (env: %s)", text, e.Key(name))
}

func (e *Env) lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(e.Key(name)))
	return v, v != ""
}

func (e *Env) fail(name string, raw string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", e.Key(name), raw, err))
}

// String returns the trimmed value, or fallback when unset or blank.
func (e *Env) String(name string, fallback string) string {
	if v, ok := e.lookup(name); ok {
		return v
	}
	return fallback
}

func (e *Env) Bool(name string, fallback bool) bool {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}

func (e *Env) Int(name string, fallback int) int {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}

func (e *Env) Int64(name string, fallback int64) int64 {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}

func (e *Env) Float(name string, fallback float64) float64 {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}

func (e *Env) Duration(name string, fallback time.Duration) time.Duration {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return d
}

// CSV splits a comma-separated value into trimmed, non-empty parts.
func (e *Env) CSV(name string) []string {
	raw, ok := e.lookup(name)
	if !ok {
		return nil
	}
	return SplitCSV(raw)
}

// Err reports every parse failure seen so far as one UsageError.
func (e *Env) Err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return &UsageError{Msg: errors.Join(e.errs...).Error()}
}

// SplitCSV splits s on commas and drops blank parts.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
