// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultsFillUnsetFields(t *testing.T) {
	cfg, err := Parse([]byte(`
socket_path: /run/anteroom/console.sock
state_dir: /var/lib/anteroom
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.KeepAliveInterval.Std() != 2*time.Minute {
		t.Errorf("keepalive = %v, want 2m", cfg.KeepAliveInterval.Std())
	}
	if cfg.Session.TTL.Std() != 4*time.Hour {
		t.Errorf("session ttl = %v, want 4h", cfg.Session.TTL.Std())
	}
	if cfg.Session.MaxSessions != 10 {
		t.Errorf("max_sessions = %d, want 10", cfg.Session.MaxSessions)
	}
	if cfg.Stream.Retention != 1024 {
		t.Errorf("retention = %d, want 1024", cfg.Stream.Retention)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("retry attempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want info", cfg.LogLevel)
	}
}

func TestExplicitValuesSurviveDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
socket_path: /tmp/a.sock
state_dir: /tmp/state
operator_map: /etc/anteroom/operators.yaml
keepalive_interval: 30s
command_timeout: 5s
session:
  ttl: 1h
  max_sessions: 3
dedupe:
  window: 1m
  max_entries: 50
stream:
  retention: 16
breaker:
  threshold: 2
  cooldown: 10s
retry:
  max_attempts: 2
  base_delay: 100ms
  max_delay: 400ms
log_level: debug
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.KeepAliveInterval.Std() != 30*time.Second {
		t.Errorf("keepalive = %v, want 30s", cfg.KeepAliveInterval.Std())
	}
	if cfg.Session.MaxSessions != 3 {
		t.Errorf("max_sessions = %d, want 3", cfg.Session.MaxSessions)
	}
	if cfg.Dedupe.Window.Std() != time.Minute {
		t.Errorf("dedupe window = %v, want 1m", cfg.Dedupe.Window.Std())
	}
	if cfg.Stream.Retention != 16 {
		t.Errorf("retention = %d, want 16", cfg.Stream.Retention)
	}
	// Unset nested field still defaults.
	if cfg.Stream.Buffer != 64 {
		t.Errorf("buffer = %d, want default 64", cfg.Stream.Buffer)
	}
	if cfg.Breaker.Cooldown.Std() != 10*time.Second {
		t.Errorf("cooldown = %v, want 10s", cfg.Breaker.Cooldown.Std())
	}
}

func TestMissingSocketPath(t *testing.T) {
	_, err := Parse([]byte("state_dir: /tmp/state\n"))
	if !errors.Is(err, ErrNoSocketPath) {
		t.Fatalf("Parse = %v, want ErrNoSocketPath", err)
	}
}

func TestMissingStateDir(t *testing.T) {
	_, err := Parse([]byte("socket_path: /tmp/a.sock\n"))
	if !errors.Is(err, ErrNoStateDir) {
		t.Fatalf("Parse = %v, want ErrNoStateDir", err)
	}
}

func TestBadDuration(t *testing.T) {
	_, err := Parse([]byte(`
socket_path: /tmp/a.sock
state_dir: /tmp/state
keepalive_interval: not-a-duration
`))
	if err == nil {
		t.Fatal("Parse accepted a malformed duration")
	}
}

func TestBadLogLevel(t *testing.T) {
	_, err := Parse([]byte(`
socket_path: /tmp/a.sock
state_dir: /tmp/state
log_level: loud
`))
	if err == nil {
		t.Fatal("Parse accepted an unknown log level")
	}
}

func TestInvertedRetryDelays(t *testing.T) {
	_, err := Parse([]byte(`
socket_path: /tmp/a.sock
state_dir: /tmp/state
retry:
  base_delay: 10s
  max_delay: 1s
`))
	if err == nil {
		t.Fatal("Parse accepted base_delay > max_delay")
	}
}
