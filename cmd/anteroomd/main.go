// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Command anteroomd is the approval daemon: it owns the console
// socket, the session table, and the event broker, and routes
// operator commands to the approval backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/anteroom-foundation/anteroom/lib/breaker"
	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/config"
	"github.com/anteroom-foundation/anteroom/lib/console"
	"github.com/anteroom-foundation/anteroom/lib/dedupe"
	"github.com/anteroom-foundation/anteroom/lib/identity"
	"github.com/anteroom-foundation/anteroom/lib/session"
	"github.com/anteroom-foundation/anteroom/lib/stream"
	"github.com/anteroom-foundation/anteroom/lib/token"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

var (
	configPath = pflag.String("config", "", "path to the daemon configuration file (or $ANTEROOMD_CONFIG)")
	seedCount  = pflag.Int("seed", 0, "create this many sample pending requests at startup")
	seedTenant = pflag.String("seed-tenant", "default", "tenant for sample requests")
)

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "anteroomd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *configPath
	if path == "" {
		path = os.Getenv("ANTEROOMD_CONFIG")
	}
	if path == "" {
		return fmt.Errorf("no configuration: pass --config or set ANTEROOMD_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	public, private, generated, err := token.LoadOrGenerateKeypair(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("loading signing keypair: %w", err)
	}
	if generated {
		logger.Info("generated new token signing keypair", "state_dir", cfg.StateDir)
	}

	var users *identity.UserMap
	if cfg.OperatorMap != "" {
		users, err = identity.LoadUserMap(cfg.OperatorMap)
		if err != nil {
			return err
		}
		logger.Info("operator map loaded", "path", cfg.OperatorMap, "entries", len(users.Users))
	} else {
		logger.Warn("no operator map configured; peer-credential login disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	broker := stream.NewBroker(cfg.Stream.Retention, cfg.Stream.Buffer, logger)
	registry := breaker.NewRegistry(cfg.Breaker.Threshold, cfg.Breaker.Cooldown.Std(), clk, healthPublisher(broker, clk, logger))

	queue := newApprovalQueue(broker, clk, logger)
	commands := console.NewResilientCommandGateway(queue, registry, "approval-queue")
	queries := console.NewResilientQueryGateway(queue, registry, "approval-queue", breaker.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Std(),
		MaxDelay:    cfg.Retry.MaxDelay.Std(),
	}, clk)

	sessions := session.NewManager(session.Config{
		TTL:         cfg.Session.TTL.Std(),
		MaxSessions: cfg.Session.MaxSessions,
	}, clk, logger)
	go sessions.Run(ctx)

	// Interactive password login needs a deployment-provided identity
	// backend; the core daemon ships without one, so the credential
	// chain ends at bearer tokens.
	resolver := identity.NewResolver(users, public, nil, clk, logger)

	server := console.NewServer(console.Options{
		SocketPath:        cfg.SocketPath,
		KeepAliveInterval: cfg.KeepAliveInterval.Std(),
		CommandTimeout:    cfg.CommandTimeout.Std(),
	}, resolver, sessions,
		dedupe.New(cfg.Dedupe.Window.Std(), cfg.Dedupe.MaxEntries, clk),
		broker, commands, queries, private, clk, logger)

	if err := server.Listen(); err != nil {
		return err
	}

	for i := 0; i < *seedCount; i++ {
		id := queue.Submit(*seedTenant, map[string]any{"source": "seed"})
		logger.Info("seeded sample request", "request_id", id, "tenant", *seedTenant)
	}

	logger.Info("anteroomd running", "socket", cfg.SocketPath)
	return server.Serve(ctx)
}

// healthPublisher turns circuit transitions into health events so
// consoles can show a degraded-service indicator.
func healthPublisher(broker *stream.Broker, clk clock.Clock, logger *slog.Logger) breaker.StateChangeFunc {
	return func(dependency string, from, to breaker.State) {
		logger.Warn("dependency health changed",
			"dependency", dependency,
			"from", from,
			"to", to)
		now := clk.Now()
		broker.Publish(wire.TopicHealth, wire.StreamEvent{
			EventID: fmt.Sprintf("health-%s-%d", dependency, now.UnixNano()),
			Type:    wire.EventHealthChanged,
			Payload: map[string]any{
				"dependency": dependency,
				"from":       string(from),
				"to":         string(to),
			},
			OccurredAt: now.UnixMilli(),
		})
	}
}

func newLogger(level string) *slog.Logger {
	var parsed slog.Level
	switch level {
	case "debug":
		parsed = slog.LevelDebug
	case "warn":
		parsed = slog.LevelWarn
	case "error":
		parsed = slog.LevelError
	default:
		parsed = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed}))
}
