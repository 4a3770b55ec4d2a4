// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon's YAML configuration. The path is
// always explicit — a flag or environment variable names the file,
// and there is no search path or discovery. Zero fields take
// documented defaults after unmarshal; validation failures name the
// offending field.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "4h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration document.
type Config struct {
	// SocketPath is where the console socket is created. Required.
	SocketPath string `yaml:"socket_path"`

	// StateDir holds daemon state, notably the token signing keypair.
	// Required.
	StateDir string `yaml:"state_dir"`

	// OperatorMap is the path to the OS-user-to-identity map enabling
	// kernel peer-credential login. Empty disables that mechanism.
	OperatorMap string `yaml:"operator_map"`

	KeepAliveInterval Duration `yaml:"keepalive_interval"`
	CommandTimeout    Duration `yaml:"command_timeout"`

	Session SessionConfig `yaml:"session"`
	Dedupe  DedupeConfig  `yaml:"dedupe"`
	Stream  StreamConfig  `yaml:"stream"`
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	TTL         Duration `yaml:"ttl"`
	MaxSessions int      `yaml:"max_sessions"`
}

// DedupeConfig tunes the command idempotency cache.
type DedupeConfig struct {
	Window     Duration `yaml:"window"`
	MaxEntries int      `yaml:"max_entries"`
}

// StreamConfig tunes the event broker.
type StreamConfig struct {
	// Retention is the per-topic replay ring size in events.
	Retention int `yaml:"retention"`
	// Buffer is the per-subscriber channel depth.
	Buffer int `yaml:"buffer"`
}

// BreakerConfig tunes the per-dependency circuit breakers.
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"`
	Cooldown  Duration `yaml:"cooldown"`
}

// RetryConfig tunes the idempotent-call retry schedule.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// Load reads, parses, defaults, and validates the configuration at
// path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = Duration(2 * time.Minute)
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = Duration(30 * time.Second)
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = Duration(4 * time.Hour)
	}
	if c.Session.MaxSessions <= 0 {
		c.Session.MaxSessions = 10
	}
	if c.Dedupe.Window <= 0 {
		c.Dedupe.Window = Duration(15 * time.Minute)
	}
	if c.Dedupe.MaxEntries <= 0 {
		c.Dedupe.MaxEntries = 1000
	}
	if c.Stream.Retention <= 0 {
		c.Stream.Retention = 1024
	}
	if c.Stream.Buffer <= 0 {
		c.Stream.Buffer = 64
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = Duration(30 * time.Second)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = Duration(time.Second)
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = Duration(8 * time.Second)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validation errors.
var (
	ErrNoSocketPath = errors.New("config: socket_path is required")
	ErrNoStateDir   = errors.New("config: state_dir is required")
)

// Validate checks the configuration for mistakes defaults cannot fix.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return ErrNoSocketPath
	}
	if c.StateDir == "" {
		return ErrNoStateDir
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if c.Retry.BaseDelay.Std() > c.Retry.MaxDelay.Std() {
		return fmt.Errorf("config: retry base_delay %v exceeds max_delay %v", c.Retry.BaseDelay.Std(), c.Retry.MaxDelay.Std())
	}
	return nil
}
