// Package config loads JSON configuration shared by the rendezvous and
// client binaries, generalizing the teacher's config/setting.go: a
// top-level struct with a log sub-section, an env-var path override, and
// a "print and continue with defaults" posture on a bad or missing file
// rather than a hard failure.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EnvPath is the environment variable consulted when no -config flag is
// given, the analogue of the teacher's MOTO_CONFIG.
const EnvPath = "FUSENET_CONFIG"

// Log mirrors the teacher's log sub-struct.
type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// RateLimit configures the rendezvous accept-rate guard (package
// ratelimit), matching the teacher's ipCache WAF window/threshold.
type RateLimit struct {
	MaxAttempts   int `json:"max_attempts"`
	WindowSeconds int `json:"window_seconds"`
}

// Config is the full on-disk shape for both binaries; a given binary only
// reads the fields relevant to its role.
type Config struct {
	Log                     Log       `json:"log"`
	HandshakeTimeoutMS      int       `json:"handshake_timeout_ms"`
	KeepAliveIntervalMS     int       `json:"keepalive_interval_ms"`
	SubscribePushIntervalMS int       `json:"subscribe_push_interval_ms"`
	RateLimit               RateLimit `json:"rate_limit"`
}

// Default returns the built-in configuration: a 3s handshake deadline
// (spec.md §4.5/§5), a 5s keep-alive period (spec.md §4.7), a 1s
// subscription push period (spec.md §4.9), and the teacher's 200
// requests / 30s rate-limit window.
func Default() *Config {
	return &Config{
		Log:                     Log{Level: "info", Path: "fusenet.log"},
		HandshakeTimeoutMS:      3000,
		KeepAliveIntervalMS:     5000,
		SubscribePushIntervalMS: 1000,
		RateLimit:               RateLimit{MaxAttempts: 200, WindowSeconds: 30},
	}
}

// Load reads and parses path over a copy of Default(). An empty path
// returns Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Resolve loads flagPath if set, else the EnvPath environment variable if
// set, else built-in defaults. Load failures are non-fatal: they're
// reported to the returned error for the caller to log, but Default()'s
// values are still usable.
func Resolve(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	return Load(path)
}

// HandshakeTimeout is the bounded window for Register/TargetConnection/DM
// Connection replies (spec.md §4.5, §5).
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// KeepAliveInterval is how often the rendezvous enqueues a Ping on a
// registered channel's inbox (spec.md §4.7).
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalMS) * time.Millisecond
}

// SubscribePushInterval is how often the rendezvous re-pushes a Subscribe
// frame with the latest known address (spec.md §4.9).
func (c *Config) SubscribePushInterval() time.Duration {
	return time.Duration(c.SubscribePushIntervalMS) * time.Millisecond
}
